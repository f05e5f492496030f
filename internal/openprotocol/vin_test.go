package openprotocol_test

import (
	"strings"
	"testing"

	"pgregory.net/rapid"

	"github.com/dantte-lp/gofasten/internal/openprotocol"
)

func TestParseVIN(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    openprotocol.VIN
		wantOK  bool
		wantStr string
	}{
		{
			name:    "prefix and tail",
			in:      "AB123000",
			want:    openprotocol.VIN{Prefix: "AB", Numeric: "123000", Pad: 6},
			wantOK:  true,
			wantStr: "AB123000",
		},
		{
			name:    "all digits",
			in:      "000042",
			want:    openprotocol.VIN{Prefix: "", Numeric: "000042", Pad: 6},
			wantOK:  true,
			wantStr: "000042",
		},
		{
			name:    "no digits falls back",
			in:      "XYZABC",
			want:    openprotocol.VIN{Prefix: "XYZABC", Numeric: "0", Pad: 1},
			wantOK:  false,
			wantStr: "XYZABC0",
		},
		{
			name:    "single digit tail",
			in:      "XYZ7",
			want:    openprotocol.VIN{Prefix: "XYZ", Numeric: "7", Pad: 1},
			wantOK:  true,
			wantStr: "XYZ7",
		},
		{
			name:    "empty falls back",
			in:      "",
			want:    openprotocol.VIN{Prefix: "", Numeric: "0", Pad: 1},
			wantOK:  false,
			wantStr: "0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, ok := openprotocol.ParseVIN(tt.in)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("ParseVIN(%q) = %+v, %v, want %+v, %v", tt.in, got, ok, tt.want, tt.wantOK)
			}
			if s := got.String(); s != tt.wantStr {
				t.Errorf("String() = %q, want %q", s, tt.wantStr)
			}
		})
	}
}

func TestVINNext(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "simple increment", in: "AB123000", want: "AB123001"},
		{name: "carry", in: "AB123009", want: "AB123010"},
		{name: "widens on overflow", in: "AB999", want: "AB1000"},
		{name: "preserves leading zeros", in: "V0007", want: "V0008"},
		{name: "all nines digits only", in: "99", want: "100"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			v, _ := openprotocol.ParseVIN(tt.in)
			if got := v.Next().String(); got != tt.want {
				t.Errorf("ParseVIN(%q).Next() = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

// TestVINProgression checks the structural invariants of repeated
// increments: the prefix never changes, the rendered form always starts
// with the prefix, and the width never shrinks.
func TestVINProgression(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		prefix := rapid.StringMatching(`[A-Z]{0,4}`).Draw(t, "prefix")
		pad := rapid.IntRange(1, 6).Draw(t, "pad")
		steps := rapid.IntRange(1, 50).Draw(t, "steps")

		prev := openprotocol.VIN{
			Prefix:  prefix,
			Numeric: rapid.StringMatching(`[0-9]{1,5}`).Draw(t, "numeric"),
			Pad:     pad,
		}
		for i := 0; i < steps; i++ {
			next := prev.Next()
			if next.Prefix != prefix {
				t.Fatalf("prefix changed: %q -> %q", prefix, next.Prefix)
			}
			if !strings.HasPrefix(next.String(), prefix) {
				t.Fatalf("rendered %q does not start with prefix %q", next.String(), prefix)
			}
			if next.Pad < prev.Pad {
				t.Fatalf("pad shrank: %d -> %d", prev.Pad, next.Pad)
			}
			if len(next.String()) < len(prev.String()) {
				t.Fatalf("rendered form shrank: %q -> %q", prev.String(), next.String())
			}
			prev = next
		}
	})
}
