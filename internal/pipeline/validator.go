package pipeline

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// ValidationResult contains the outcome of batch validation.
type ValidationResult struct {
	Passed   bool
	Errors   []string
	Warnings []string
	RowCount int64
	ByteSize int64
}

func (v *ValidationResult) fail(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
	v.Passed = false
}

func (v *ValidationResult) warn(format string, args ...any) {
	v.Warnings = append(v.Warnings, fmt.Sprintf(format, args...))
}

// ValidateBatch performs quality checks on a batch before publishing.
// This validates:
// - Counter contiguity across files (no gaps, no reuse)
// - One counter step per generated statement
// - Unique statement ids and merged placemark names
// - Merged placemarks named after their own statements
// - Closed rings in every statement
// - Checksum presence and non-empty artifacts
func ValidateBatch(res *Result) ValidationResult {
	v := ValidationResult{Passed: true}

	if len(res.Files) == 0 {
		v.fail("batch has no files")
	}

	// Counter ranges per file must chain without gaps.
	next := res.CounterStart
	for _, f := range res.Files {
		if f.CounterStart != next {
			v.fail("counter gap before %s: starts at %d, expected %d", f.Upload, f.CounterStart, next)
		}
		if steps := int(f.CounterEnd - f.CounterStart); steps != f.Statements {
			v.fail("counter mismatch in %s: advanced %d for %d statements", f.Upload, steps, f.Statements)
		}
		next = f.CounterEnd
	}

	seen := make(map[string]string, len(res.Statements))
	issued := make(map[string]string, len(res.Statements))
	for _, st := range res.Statements {
		if prev, ok := seen[st.ID]; ok {
			v.fail("duplicate statement id %s in %s and %s", st.ID, prev, st.File)
		}
		seen[st.ID] = st.File
		if key := placemarkKey(st.File, st.Placemark); issued[key] == "" {
			issued[key] = st.ID
		}

		for i, r := range st.Polygon.Rings() {
			if !r.Closed() {
				v.fail("statement %s ring %d is not closed", st.ID, i)
			}
		}
	}

	// A merged placemark carries the id of its first statement; placemarks
	// without statements take ids no statement uses.
	extra := 0
	if res.Merged != nil {
		uploads := make(map[string]string, len(res.Files))
		for _, f := range res.Files {
			uploads[f.Payload] = filepath.Base(f.Upload)
		}

		names := make(map[string]bool, len(res.Merged.Entries))
		for _, e := range res.Merged.Entries {
			if names[e.ID] {
				v.fail("duplicate merged placemark id %s", e.ID)
			}
			names[e.ID] = true

			file := uploads[e.File]
			want, ok := issued[placemarkKey(file, e.Placemark)]
			switch {
			case ok && want != e.ID:
				v.fail("merged placemark %d of %s is named %s but its statement is %s", e.Placemark, file, e.ID, want)
			case !ok:
				extra++
				if other, taken := seen[e.ID]; taken {
					v.fail("merged placemark %d of %s reuses statement id %s from %s", e.Placemark, file, e.ID, other)
				}
			}
		}
	}

	if want := res.CounterStart.Advance(len(res.Statements) + extra); res.CounterEnd != want {
		v.warn("final counter %d differs from start plus issued ids %d", res.CounterEnd, want)
	}

	if res.Output == nil {
		v.fail("no output provided")
		return v
	}
	for name, data := range res.Output.Files {
		checksum, ok := res.Output.Checksums[name]
		if !ok {
			v.fail("missing checksum for %s", name)
		} else if !strings.HasPrefix(checksum, "sha256:") {
			v.warn("checksum for %s may be in non-standard format: %s", name, checksum[:min(20, len(checksum))])
		}
		if len(data) == 0 {
			v.warn("empty artifact %s", name)
		}
		v.ByteSize += int64(len(data))
		v.RowCount += res.Output.RowCounts[name]
	}

	return v
}

func placemarkKey(file string, placemark int) string {
	return file + "#" + strconv.Itoa(placemark)
}
