package utils

import (
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ParsePortSpec expands a port specification such as "22,80,8000-8010" into
// a sorted, deduplicated slice. Commas and whitespace both separate tokens.
// Out-of-range values inside a range are clamped to [1,65535]; a standalone
// out-of-range value is an error.
func ParsePortSpec(spec string) ([]int, error) {
	seen := make(map[int]struct{})
	tokens := strings.FieldsFunc(spec, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	if len(tokens) == 0 {
		return nil, errors.New("empty port specification")
	}

	for _, token := range tokens {
		if lo, hi, ok := strings.Cut(token, "-"); ok {
			start, err := strconv.Atoi(lo)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid port range %q", token)
			}
			end, err := strconv.Atoi(hi)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid port range %q", token)
			}
			if start < 1 {
				start = 1
			}
			if end > 65535 {
				end = 65535
			}
			if start > end {
				return nil, errors.Errorf("inverted port range %q", token)
			}
			for p := start; p <= end; p++ {
				seen[p] = struct{}{}
			}
			continue
		}
		p, err := strconv.Atoi(token)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid port %q", token)
		}
		if p < 1 || p > 65535 {
			return nil, errors.Errorf("port %d out of range 1-65535", p)
		}
		seen[p] = struct{}{}
	}

	ports := make([]int, 0, len(seen))
	for p := range seen {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports, nil
}
