package synth

import "testing"

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Hello world.", "Hello world."},
		{"  Hello \t\n world.  ", "Hello world."},
		{"Cafe\u0301", "Caf\u00e9"},
		{"a\x00b", "ab"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := NormalizeText(tt.in); got != tt.want {
			t.Errorf("NormalizeText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
