package config

import (
	"fmt"
	"strconv"
	"strings"
)

// SizeSpec is either an absolute byte count or a percentage of available
// disk space on the cache root's filesystem. A zero value means "use the
// caller's default".
type SizeSpec struct {
	Bytes   int64
	Percent float64
}

// ParseSizeSpec parses strings like "200GiB", "10GB", "80%", "1024".
func ParseSizeSpec(s string) (SizeSpec, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return SizeSpec{}, nil
	}
	if strings.HasSuffix(s, "%") {
		pct, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
		if err != nil {
			return SizeSpec{}, fmt.Errorf("invalid percentage %q: %w", s, err)
		}
		if pct <= 0 || pct > 100 {
			return SizeSpec{}, fmt.Errorf("percentage out of range: %s", s)
		}
		return SizeSpec{Percent: pct}, nil
	}
	n, err := parseByteSize(s)
	if err != nil {
		return SizeSpec{}, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return SizeSpec{Bytes: n}, nil
}

// Resolve returns the absolute byte budget, given the total bytes available
// on the cache filesystem (used when Percent is set).
func (s SizeSpec) Resolve(availableBytes int64) int64 {
	if s.Percent > 0 {
		return int64(float64(availableBytes) * s.Percent / 100.0)
	}
	return s.Bytes
}

func (s SizeSpec) IsZero() bool {
	return s.Bytes == 0 && s.Percent == 0
}

var unitMultipliers = map[string]int64{
	"":    1,
	"b":   1,
	"kb":  1_000,
	"kib": 1 << 10,
	"mb":  1_000_000,
	"mib": 1 << 20,
	"gb":  1_000_000_000,
	"gib": 1 << 30,
	"tb":  1_000_000_000_000,
	"tib": 1 << 40,
}

func parseByteSize(s string) (int64, error) {
	lower := strings.ToLower(s)
	i := 0
	for i < len(lower) && (lower[i] == '.' || (lower[i] >= '0' && lower[i] <= '9')) {
		i++
	}
	numPart, unitPart := lower[:i], strings.TrimSpace(lower[i:])
	mult, ok := unitMultipliers[unitPart]
	if !ok {
		return 0, fmt.Errorf("unknown unit %q", unitPart)
	}
	val, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, err
	}
	return int64(val * float64(mult)), nil
}
