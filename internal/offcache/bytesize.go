package offcache

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// parseBytes reads sizes like "64mb", "1.5G", "512k" or "2048". Units are
// binary. An empty string means zero.
func parseBytes(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}
	num := strings.TrimSuffix(s, "b")
	mult := float64(1)
	switch {
	case strings.HasSuffix(num, "k"):
		mult = 1 << 10
	case strings.HasSuffix(num, "m"):
		mult = 1 << 20
	case strings.HasSuffix(num, "g"):
		mult = 1 << 30
	}
	if mult > 1 {
		num = num[:len(num)-1]
	}
	num = strings.TrimSpace(num)
	if num == "" {
		return 0, errors.Errorf("invalid size %q", s)
	}
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid size %q", s)
	}
	if v < 0 {
		return 0, errors.Errorf("negative size %q", s)
	}
	return int64(v * mult), nil
}
