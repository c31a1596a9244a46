package utils

import (
	"reflect"
	"testing"
)

func TestUniqueSlice_PreservesFirstOccurrence(t *testing.T) {
	got := UniqueSlice([]int{3, 1, 3, 2, 1})
	if !reflect.DeepEqual(got, []int{3, 1, 2}) {
		t.Fatalf("UniqueSlice expected [3 1 2], got %v", got)
	}
}

func TestChunk(t *testing.T) {
	cases := []struct {
		n      int
		size   int
		chunks []int
	}{
		{0, 50, nil},
		{1, 50, []int{1}},
		{50, 50, []int{50}},
		{51, 50, []int{50, 1}},
		{120, 50, []int{50, 50, 20}},
	}
	for _, tc := range cases {
		in := make([]int, tc.n)
		got := Chunk(in, tc.size)
		var sizes []int
		for _, c := range got {
			sizes = append(sizes, len(c))
		}
		if !reflect.DeepEqual(sizes, tc.chunks) {
			t.Fatalf("Chunk(%d, %d) expected sizes %v, got %v", tc.n, tc.size, tc.chunks, sizes)
		}
	}
}

func TestSplitAndTrim(t *testing.T) {
	got := SplitAndTrim(" 8, 10 ,,12 ")
	if !reflect.DeepEqual(got, []string{"8", "10", "12"}) {
		t.Fatalf("SplitAndTrim expected [8 10 12], got %v", got)
	}
	if SplitAndTrim("  ") != nil {
		t.Fatalf("SplitAndTrim of blank input should be nil")
	}
}
