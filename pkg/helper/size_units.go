package helper

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidSizeSuffix is returned when a size string carries a suffix
// ccache does not recognize.
var ErrInvalidSizeSuffix = errors.New("invalid size suffix")

// ParseSize parses a ccache-style size value (spec.md §6's MaxSize/-M): a
// decimal number optionally followed by a k/M/G/T suffix (1000-based) or a
// Ki/Mi/Gi/Ti suffix (1024-based; only a lowercase "i" is recognized, as in
// the reference parser). A bare number with no suffix defaults to
// gigabytes, matching ccache's own fallback for an unsuffixed config value.
//
// Grounded on _examples/original_source/src/legacy_util.cpp's
// parse_size_with_suffix, including its case-fallthrough multiplier
// cascade (T = k^4, G = k^3, M = k^2, K/k = k^1) and the lowercase-only "k"
// backward-compatibility synonym for "K".
func ParseSize(str string) (uint64, error) {
	trimmed := strings.TrimSpace(str)

	digits := 0
	for digits < len(trimmed) && (trimmed[digits] == '.' || trimmed[digits] == '-' || trimmed[digits] == '+' ||
		(trimmed[digits] >= '0' && trimmed[digits] <= '9')) {
		digits++
	}
	if digits == 0 {
		return 0, fmt.Errorf("helper: parsing size %q: %w", str, ErrInvalidSizeSuffix)
	}

	value, err := strconv.ParseFloat(trimmed[:digits], 64)
	if err != nil {
		return 0, fmt.Errorf("helper: parsing size %q: %w", str, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("helper: parsing size %q: %w", str, ErrInvalidSizeSuffix)
	}

	suffix := strings.TrimSpace(trimmed[digits:])
	if suffix == "" {
		return uint64(value * 1000 * 1000 * 1000), nil
	}

	multiplier := 1000.0
	if len(suffix) >= 2 && suffix[1] == 'i' {
		multiplier = 1024
	}

	switch suffix[0] {
	case 'T':
		value *= multiplier
		fallthrough
	case 'G':
		value *= multiplier
		fallthrough
	case 'M':
		value *= multiplier
		fallthrough
	case 'K', 'k':
		value *= multiplier
	default:
		return 0, fmt.Errorf("helper: parsing size %q: %w", str, ErrInvalidSizeSuffix)
	}

	return uint64(value), nil
}
