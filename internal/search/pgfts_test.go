package search

import (
	"reflect"
	"testing"
)

func TestParseTextArray(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"{}", nil},
		{"{usr_a}", []string{"usr_a"}},
		{"{usr_a,usr_b,usr_c}", []string{"usr_a", "usr_b", "usr_c"}},
	}
	for _, tc := range cases {
		if got := parseTextArray(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("parseTextArray(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
