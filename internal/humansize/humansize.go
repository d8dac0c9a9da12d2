// Package humansize formats byte counts the way nbdinfo-style tools report
// export sizes: as an exact multiple of a power-of-1024 unit when possible,
// falling back to the plain byte count otherwise.
package humansize

import (
	"fmt"
	"strconv"
)

// suffixes lists the unit letters from largest to smallest, paired with the
// power of 1024 they represent. Order matters: Format tries the largest
// exact-fitting unit first.
var suffixes = []struct {
	letter string
	shift  uint
}{
	{"E", 60},
	{"P", 50},
	{"T", 40},
	{"G", 30},
	{"M", 20},
	{"K", 10},
}

// Format renders n bytes as "<integer><suffix>" if n is an exact multiple of
// 1024^k for some k in [1,6], using the largest such k. Otherwise it renders
// the plain byte count with no suffix.
//
// This mirrors the round-trip property required of the formatter: Parse(Format(n)) == n,
// and Format(n) carries a unit suffix iff n is an exact multiple of that unit.
func Format(n uint64) string {
	for _, s := range suffixes {
		unit := uint64(1) << s.shift
		if n != 0 && n%unit == 0 {
			return fmt.Sprintf("%d%s", n/unit, s.letter)
		}
	}
	return fmt.Sprintf("%d", n)
}

// Parse is the inverse of Format: it reads a plain byte count or a count
// suffixed with K/M/G/T/P/E (powers of 1024). Decimal (K=1000) and
// "Ki"-style suffixes are rejected, since Format never produces them.
func Parse(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("humansize: empty string")
	}

	last := s[len(s)-1]
	for _, suf := range suffixes {
		if suf.letter[0] == last {
			n, err := strconv.ParseUint(s[:len(s)-1], 10, 64)
			if err != nil {
				return 0, fmt.Errorf("humansize: invalid size %q: %w", s, err)
			}
			return n << suf.shift, nil
		}
	}

	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("humansize: invalid size %q: %w", s, err)
	}
	return n, nil
}
