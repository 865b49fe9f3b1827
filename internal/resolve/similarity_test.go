package resolve

import (
	"math"
	"testing"
)

// ---- JaroWinkler Tests ----

func TestJaroWinkler(t *testing.T) {
	tests := []struct {
		name string
		s1   string
		s2   string
		want float64
	}{
		// Boundary values
		{"identical", "maria", "maria", 1.0},
		{"identical ignoring case", "MARIA", "maria", 1.0},
		{"empty left", "", "maria", 0.0},
		{"empty right", "maria", "", 0.0},
		{"no common characters", "abc", "xyz", 0.0},

		// Classic reference pairs
		{"martha marhta", "martha", "marhta", 0.9611},
		{"dwayne duane", "dwayne", "duane", 0.8400},
		{"dixon dicksonx", "dixon", "dicksonx", 0.8133},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := JaroWinkler(tt.s1, tt.s2)
			if math.Abs(got-tt.want) > 0.001 {
				t.Errorf("JaroWinkler(%q, %q) = %.4f, want %.4f", tt.s1, tt.s2, got, tt.want)
			}
		})
	}
}

func TestJaroWinkler_Symmetry(t *testing.T) {
	pairs := [][2]string{
		{"maria lopez", "maria lopes"},
		{"okello james", "james okello"},
		{"a", "ab"},
	}
	for _, p := range pairs {
		ab := JaroWinkler(p[0], p[1])
		ba := JaroWinkler(p[1], p[0])
		if math.Abs(ab-ba) > 1e-12 {
			t.Errorf("asymmetric: (%q,%q)=%v but reversed=%v", p[0], p[1], ab, ba)
		}
	}
}

func BenchmarkJaroWinkler(b *testing.B) {
	for i := 0; i < b.N; i++ {
		JaroWinkler("maria immaculate lopez", "maria imaculate lopes")
	}
}

// ---- lastDigits Tests ----

func TestLastDigits(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"+256 772 123456", 4, "3456"},
		{"0772123456", 4, "3456"},
		{"123", 4, "123"},
		{"no digits", 4, ""},
		{"077-212-3456", 6, "123456"},
	}
	for _, tt := range tests {
		if got := lastDigits(tt.in, tt.n); got != tt.want {
			t.Errorf("lastDigits(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

// ---- BlockKey Tests ----

func TestBlockKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Maria Lopez", "m"},
		{"  okello", "o"},
		{"", "?"},
		{"   ", "?"},
	}
	for _, tt := range tests {
		if got := BlockKey(tt.in); got != tt.want {
			t.Errorf("BlockKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
