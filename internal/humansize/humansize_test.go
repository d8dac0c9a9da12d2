package humansize

import "testing"

func TestFormatRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		bytes uint64
		want  string
	}{
		{"zero", 0, "0"},
		{"odd byte count", 12345, "12345"},
		{"exact kibibyte", 1024, "1K"},
		{"exact mebibyte", 1024 * 1024, "1M"},
		{"exact gibibyte", 1 << 30, "1G"},
		{"exact terabyte", 1 << 40, "1T"},
		{"exact petabyte", 1 << 50, "1P"},
		{"mebibyte multiple", 5 * (1 << 20), "5M"},
		{"not exact for larger unit", 1536, "1536"}, // 1.5K, no exact suffix
		{"byte just under a unit", 1<<30 - 1, "1073741823"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Format(tt.bytes)
			if got != tt.want {
				t.Fatalf("Format(%d) = %q, want %q", tt.bytes, got, tt.want)
			}

			n, err := Parse(got)
			if err != nil {
				t.Fatalf("Parse(%q) failed: %v", got, err)
			}
			if n != tt.bytes {
				t.Fatalf("Parse(Format(%d)) = %d, want %d", tt.bytes, n, tt.bytes)
			}
		})
	}
}

func TestFormatLargestUnitWins(t *testing.T) {
	// 1 EiB is exactly representable in every smaller unit too; Format must
	// pick the largest (E), not P/T/G/M/K.
	n := uint64(1) << 60
	got := Format(n)
	if got != "1E" {
		t.Fatalf("Format(2^60) = %q, want %q", got, "1E")
	}
}
