package schedule

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/drover-sh/drover/pkg/droverr"
)

type cronField struct {
	name     string
	min, max int
}

// cronFields are the five standard positions. Day-of-week accepts 7 as a
// second spelling of Sunday.
var cronFields = []cronField{
	{name: "minute", min: 0, max: 59},
	{name: "hour", min: 0, max: 23},
	{name: "day of month", min: 1, max: 31},
	{name: "month", min: 1, max: 12},
	{name: "day of week", min: 0, max: 7},
}

const dowIndex = 4

// NormalizeCron validates a 5-field cron expression and folds day-of-week
// 7 into 0 so both spellings of Sunday behave alike downstream.
func NormalizeCron(expr string) (string, error) {
	fields := strings.Fields(expr)
	if len(fields) != len(cronFields) {
		return "", droverr.New(droverr.CodeInvalidState,
			"cron expression needs %d fields, got %d in %q", len(cronFields), len(fields), expr)
	}
	for i, f := range cronFields {
		values, err := parseField(fields[i], f)
		if err != nil {
			return "", droverr.New(droverr.CodeInvalidState, "invalid cron expression %q: %v", expr, err)
		}
		if i == dowIndex && values[7] {
			delete(values, 7)
			values[0] = true
			fields[i] = emitField(values, f.min, 6)
		}
	}
	return strings.Join(fields, " "), nil
}

// parseField expands one field into its value set. Numeric tokens only:
// lists, ranges, steps and * are supported, month and weekday names are
// not.
func parseField(text string, f cronField) (map[int]bool, error) {
	values := make(map[int]bool)
	for _, part := range strings.Split(text, ",") {
		rangeText, stepText, hasStep := strings.Cut(part, "/")
		step := 1
		if hasStep {
			n, err := strconv.Atoi(stepText)
			if err != nil || n < 1 {
				return nil, fmt.Errorf("%s: bad step %q", f.name, stepText)
			}
			step = n
		}

		lo, hi := f.min, f.max
		switch {
		case rangeText == "*":
		case strings.Contains(rangeText, "-"):
			loText, hiText, _ := strings.Cut(rangeText, "-")
			var err error
			if lo, err = parseBound(loText, f); err != nil {
				return nil, err
			}
			if hi, err = parseBound(hiText, f); err != nil {
				return nil, err
			}
			if lo > hi {
				return nil, fmt.Errorf("%s: range %q is inverted", f.name, rangeText)
			}
		default:
			n, err := parseBound(rangeText, f)
			if err != nil {
				return nil, err
			}
			if hasStep {
				lo, hi = n, f.max
			} else {
				lo, hi = n, n
			}
		}

		for v := lo; v <= hi; v += step {
			values[v] = true
		}
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s: empty field", f.name)
	}
	return values, nil
}

func parseBound(text string, f cronField) (int, error) {
	n, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a number", f.name, text)
	}
	if n < f.min || n > f.max {
		return 0, fmt.Errorf("%s: %d outside %d-%d", f.name, n, f.min, f.max)
	}
	return n, nil
}

// emitField renders a value set as a comma list, or * when it covers the
// whole effective range.
func emitField(values map[int]bool, min, max int) string {
	keys := make([]int, 0, len(values))
	for v := range values {
		keys = append(keys, v)
	}
	sort.Ints(keys)
	if len(keys) == max-min+1 {
		return "*"
	}
	parts := make([]string, len(keys))
	for i, v := range keys {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

// nextRun computes the next firing instant after the given moment for a
// normalized expression in tz, as epoch milliseconds.
func nextRun(expr, tz string, after time.Time) (int64, error) {
	spec := expr
	if tz != "" {
		spec = "CRON_TZ=" + tz + " " + expr
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return 0, droverr.Wrap(droverr.CodeInvalidState, err, "parse cron %q", expr)
	}
	next := sched.Next(after)
	if next.IsZero() {
		return 0, droverr.New(droverr.CodeInvalidState, "cron %q has no future occurrence", expr)
	}
	return next.UnixMilli(), nil
}
