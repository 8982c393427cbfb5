// Package durationfmt parses the "[Nd][Nh][Nm]" duration grammar used by
// both the Trigger's frequency window (spec.md §4.1) and the Scheduler's
// per-job `frequency` rule (spec.md §4.3), so the two components can't
// silently drift into accepting different syntax.
package durationfmt

import (
	"time"

	"github.com/pkg/errors"
)

// Parse parses s of the form "[Nd][Nh][Nm]" (e.g. "1d", "6h", "1d12h30m").
// An empty string parses to zero duration, meaning "no gate".
func Parse(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}

	var total time.Duration
	num := 0
	have := false
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			num = num*10 + int(r-'0')
			have = true
		case r == 'd' || r == 'D':
			if !have {
				return 0, errors.Errorf("invalid duration %q", s)
			}
			total += time.Duration(num) * 24 * time.Hour
			num, have = 0, false
		case r == 'h' || r == 'H':
			if !have {
				return 0, errors.Errorf("invalid duration %q", s)
			}
			total += time.Duration(num) * time.Hour
			num, have = 0, false
		case r == 'm' || r == 'M':
			if !have {
				return 0, errors.Errorf("invalid duration %q", s)
			}
			total += time.Duration(num) * time.Minute
			num, have = 0, false
		default:
			return 0, errors.Errorf("invalid duration %q: unexpected character %q", s, r)
		}
	}
	if have {
		return 0, errors.Errorf("invalid duration %q: trailing number with no unit", s)
	}
	return total, nil
}
