// Copyright 2024 The exe authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	exe "github.com/relicbyte/exe"
)

var (
	all        bool
	verbose    bool
	headers    bool
	sections   bool
	imports    bool
	exports    bool
	resources  bool
	diagnostic bool
)

func prettyPrint(v interface{}) string {
	buf, err := json.MarshalIndent(v, "", "\t")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(buf)
}

func dumpOne(filename string, cmd *cobra.Command) {
	if verbose {
		log.Printf("processing %s", filename)
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		log.Printf("reading %s: %v", filename, err)
		return
	}

	pe, err := exe.ParseBytes(data, &exe.Options{})
	if err != nil {
		log.Printf("parsing %s: %v", filename, err)
		return
	}

	fmt.Printf("%s: %s\n", filename, pe.Format)

	if headers || all {
		switch pe.Format {
		case exe.Pe32, exe.Pe32Plus:
			fmt.Println(prettyPrint(pe.PE.NtHeader))
		case exe.Le, exe.Lx:
			fmt.Println(prettyPrint(pe.LE.Header))
		case exe.Ne:
			fmt.Println(prettyPrint(pe.NE.Header))
		default:
			fmt.Println(prettyPrint(pe.MZ.Header))
		}
	}

	if sections || all {
		if pe.PE != nil {
			fmt.Println(prettyPrint(pe.PE.Sections))
		}
	}

	if imports || all {
		if pe.PE != nil {
			fmt.Println(prettyPrint(pe.PE.Imports))
		}
	}

	if exports || all {
		if pe.PE != nil && pe.PE.Exports != nil {
			fmt.Println(prettyPrint(pe.PE.Exports))
		}
	}

	if resources || all {
		if pe.PE != nil && pe.PE.Resources != nil {
			fmt.Println(prettyPrint(pe.PE.Resources))
		}
	}

	if diagnostic || all {
		for _, d := range pe.Diagnostics.All() {
			fmt.Println(d.String())
		}
	}

	_ = pe.Close()
}

func dump(cmd *cobra.Command, args []string) {
	path := args[0]
	info, err := os.Stat(path)
	if err != nil {
		log.Printf("%s: %v", path, err)
		return
	}
	if !info.IsDir() {
		dumpOne(path, cmd)
		return
	}

	filepath.Walk(path, func(p string, f os.FileInfo, err error) error {
		if err == nil && !f.IsDir() {
			dumpOne(p, cmd)
		}
		return nil
	})
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "exedump",
		Short: "A DOS/Windows/OS-2 executable parser",
		Long:  "Parses MZ, NE, LE/LX and PE32/PE32+ executables and dumps their structure.",
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("exedump 0.1.0")
		},
	}

	dumpCmd := &cobra.Command{
		Use:   "dump <path>",
		Short: "Dump the structure of an executable, or every file under a directory",
		Args:  cobra.MinimumNArgs(1),
		Run:   dump,
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	dumpCmd.Flags().BoolVarP(&headers, "headers", "", false, "dump envelope header(s)")
	dumpCmd.Flags().BoolVarP(&sections, "sections", "", false, "dump section headers")
	dumpCmd.Flags().BoolVarP(&imports, "imports", "", false, "dump import table")
	dumpCmd.Flags().BoolVarP(&exports, "exports", "", false, "dump export table")
	dumpCmd.Flags().BoolVarP(&resources, "resources", "", false, "dump resource directory")
	dumpCmd.Flags().BoolVarP(&diagnostic, "diagnostics", "", false, "dump collected diagnostics")
	dumpCmd.Flags().BoolVarP(&all, "all", "", false, "dump everything")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(dumpCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
