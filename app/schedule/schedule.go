// Package schedule deals with the backup job list. The primary source is a text file with one
// "source_path;HH:MM;backup_name" record per line, re-read on every Load call, so edits take effect
// on the next poll without restarting the daemon. YAML list and a single command-line entry are supported too.
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrMalformed returned (wrapped) for lines which can't be turned into Entry
var ErrMalformed = errors.New("malformed schedule line")

// timeLayout is the trigger time format, zero-padded 24h
const timeLayout = "15:04"

// Entry is a single backup job. Immutable, made fresh on each load.
type Entry struct {
	Path string `yaml:"path" json:"path" jsonschema:"required,description=source directory or file to archive"`
	Time string `yaml:"time" json:"time" jsonschema:"required,pattern=^([01][0-9]|2[0-3]):[0-5][0-9]$,description=trigger time as zero-padded HH:MM"`
	Name string `yaml:"name" json:"name" jsonschema:"required,description=archive name without extension"`
}

// String returns entry in the text file form
func (e Entry) String() string {
	return e.Path + ";" + e.Time + ";" + e.Name
}

// Validate checks entry strictly, including trigger time format. Loading doesn't use it, an entry with
// unparsable time just never matches, but new entries added by the control utility are checked.
func (e Entry) Validate() error {
	if e.Path == "" || e.Time == "" || e.Name == "" {
		return fmt.Errorf("%w: %q, empty field", ErrMalformed, e.String())
	}
	if strings.ContainsAny(e.Name, `/\`) {
		return fmt.Errorf("%w: %q, name can't contain path separators", ErrMalformed, e.String())
	}
	ts, err := time.Parse(timeLayout, e.Time)
	if err != nil || ts.Format(timeLayout) != e.Time {
		return fmt.Errorf("%w: %q, time should be HH:MM", ErrMalformed, e.String())
	}
	return nil
}

// Parse splits line to Entry. Line should have exactly three non-empty fields separated by ";".
// Fields are copied verbatim, only the whole line is trimmed.
func Parse(line string) (Entry, error) {
	elems := strings.Split(strings.TrimSpace(line), ";")
	if len(elems) != 3 {
		return Entry{}, fmt.Errorf("%w: %q, expected 3 fields, got %d", ErrMalformed, line, len(elems))
	}
	for _, el := range elems {
		if el == "" {
			return Entry{}, fmt.Errorf("%w: %q, empty field", ErrMalformed, line)
		}
	}
	return Entry{Path: elems[0], Time: elems[1], Name: elems[2]}, nil
}

// Next returns the next time the entry is due after from. Daily schedule at HH:MM is expressed
// as a standard crontab spec, matching itself is done by the scheduler on exact minute equality.
func Next(e Entry, from time.Time) (time.Time, error) {
	ts, err := time.Parse(timeLayout, e.Time)
	if err != nil {
		return time.Time{}, fmt.Errorf("can't parse time of %s: %w", e, err)
	}
	sched, err := cron.ParseStandard(fmt.Sprintf("%d %d * * *", ts.Minute(), ts.Hour()))
	if err != nil {
		return time.Time{}, fmt.Errorf("can't make schedule for %s: %w", e, err)
	}
	return sched.Next(from), nil
}
