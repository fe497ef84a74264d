// Copyright 2024 The exe authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package exe

import (
	"reflect"
	"testing"
)

func TestNoDuplicateRelocations(t *testing.T) {
	tests := []struct {
		name string
		in   []Relocation16
		out  []Relocation16
	}{
		{
			name: "no duplicates",
			in: []Relocation16{
				{Segment: 0x10, Offset: 0x20},
				{Segment: 0x10, Offset: 0x30},
			},
			out: []Relocation16{
				{Segment: 0x10, Offset: 0x20},
				{Segment: 0x10, Offset: 0x30},
			},
		},
		{
			name: "exact duplicate dropped, first occurrence kept",
			in: []Relocation16{
				{Segment: 0x10, Offset: 0x20},
				{Segment: 0x10, Offset: 0x20},
				{Segment: 0x20, Offset: 0x10},
			},
			out: []Relocation16{
				{Segment: 0x10, Offset: 0x20},
				{Segment: 0x20, Offset: 0x10},
			},
		},
		{
			name: "same offset different segment is not a duplicate",
			in: []Relocation16{
				{Segment: 0x10, Offset: 0x20},
				{Segment: 0x20, Offset: 0x20},
			},
			out: []Relocation16{
				{Segment: 0x10, Offset: 0x20},
				{Segment: 0x20, Offset: 0x20},
			},
		},
		{
			name: "empty input",
			in:   nil,
			out:  []Relocation16{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := noDuplicateRelocations(tt.in)
			if !reflect.DeepEqual(got, tt.out) {
				t.Errorf("noDuplicateRelocations() = %v, want %v", got, tt.out)
			}
		})
	}
}
