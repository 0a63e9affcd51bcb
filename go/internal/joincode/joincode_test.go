package joincode

import (
	"strings"
	"testing"
)

func TestGenerateShape(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		code, err := Generate()
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if len(code) != Length {
			t.Fatalf("code %q has length %d, want %d", code, len(code), Length)
		}
		if !Valid(code) {
			t.Fatalf("generated code %q is not valid", code)
		}
		seen[code] = true
	}
	// 200 draws from a 27^6 space colliding down to a handful would mean
	// the generator is broken, not unlucky.
	if len(seen) < 190 {
		t.Fatalf("expected near-unique codes, got %d distinct of 200", len(seen))
	}
}

func TestAlphabetExcludesAmbiguous(t *testing.T) {
	for _, r := range "0O1IL5S8B" {
		if strings.ContainsRune(Alphabet, r) {
			t.Errorf("alphabet contains ambiguous character %q", r)
		}
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"acd234", "ACD234"},
		{"  XyZ977 ", "XYZ977"},
		{"ACDEFG", "ACDEFG"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValid(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{"ACDEFG", true},
		{"ACDEF", false},   // too short
		{"ACDEFGH", false}, // too long
		{"ACDEF0", false},  // excluded digit
		{"acdefg", false},  // not normalized
	}
	for _, tt := range tests {
		if got := Valid(tt.code); got != tt.want {
			t.Errorf("Valid(%q) = %v, want %v", tt.code, got, tt.want)
		}
	}
}
