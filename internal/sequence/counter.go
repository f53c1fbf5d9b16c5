// Package sequence provides the polygon sequence counter used to name
// generated records ("S30001", "S30002", ...).
package sequence

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultStart is the counter value before the first record of a fresh
// installation. The first record is named S30001.
const DefaultStart Counter = 30000

// Prefix is prepended to the counter value in record names.
const Prefix = "S"

// Counter is a monotonically increasing record counter. It is a value:
// operations that consume numbers return the advanced counter and leave
// the caller's copy untouched.
type Counter int64

// Next returns the advanced counter. Its ID is the name of the new record.
func (c Counter) Next() Counter {
	return c + 1
}

// Advance returns the counter moved forward by n.
func (c Counter) Advance(n int) Counter {
	if n < 0 {
		return c
	}
	return c + Counter(n)
}

// ID renders the record name for the current value.
func (c Counter) ID() string {
	return Prefix + strconv.FormatInt(int64(c), 10)
}

// Int64 returns the raw value.
func (c Counter) Int64() int64 {
	return int64(c)
}

func (c Counter) String() string {
	return c.ID()
}

// Parse accepts either a bare number ("30000") or a record name ("S30000").
func Parse(s string) (Counter, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, Prefix)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse counter %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("parse counter %q: must not be negative", s)
	}
	return Counter(n), nil
}

// Max returns the larger of two counters.
func Max(a, b Counter) Counter {
	if a > b {
		return a
	}
	return b
}
