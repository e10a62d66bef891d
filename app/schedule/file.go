package schedule

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/go-pkgz/lgr"
)

// FileStore reads entries from the text file. Stateless, no caching.
type FileStore struct {
	File   string
	Logger log.L
}

// NewFileStore makes FileStore for file, not reading it yet
func NewFileStore(file string, l log.L) *FileStore {
	if l == nil {
		l = log.Default()
	}
	return &FileStore{File: file, Logger: l}
}

// Load reads and parses the file. Malformed and empty lines are skipped and reported.
// Missing file is not an error, it makes an empty list. Other read errors returned as is.
func (f *FileStore) Load() ([]Entry, error) {
	lines, err := f.Lines()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			f.logger().Logf("[WARN] schedule file %s not found", f.File)
			return []Entry{}, nil
		}
		return nil, err
	}

	res := make([]Entry, 0, len(lines))
	for i, l := range lines {
		if strings.TrimSpace(l) == "" {
			f.logger().Logf("[DEBUG] skip empty line %d in %s", i+1, f.File)
			continue
		}
		e, err := Parse(l)
		if err != nil {
			f.logger().Logf("[WARN] line %d in %s skipped, %v", i+1, f.File, err)
			continue
		}
		res = append(res, e)
	}
	return res, nil
}

// Lines returns all raw lines of the file, in order, without line terminators
func (f *FileStore) Lines() ([]string, error) {
	data, err := os.ReadFile(f.File)
	if err != nil {
		return nil, fmt.Errorf("can't read schedule file %s: %w", f.File, err)
	}
	res := []string{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		res = append(res, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("can't scan schedule file %s: %w", f.File, err)
	}
	return res, nil
}

// Append adds entry to the end of the file, creating file if needed
func (f *FileStore) Append(e Entry) error {
	fh, err := os.OpenFile(f.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644) //nolint:gosec // job list is not secret
	if err != nil {
		return fmt.Errorf("can't open schedule file %s: %w", f.File, err)
	}
	if _, err = fh.WriteString(e.String() + "\n"); err != nil {
		_ = fh.Close()
		return fmt.Errorf("can't write to schedule file %s: %w", f.File, err)
	}
	return fh.Close()
}

// Delete removes line by zero-based index, as shown by Lines, and returns removed line.
// The file is replaced atomically, so a concurrent Load sees either the old or the new content.
func (f *FileStore) Delete(idx int) (string, error) {
	lines, err := f.Lines()
	if err != nil {
		return "", err
	}
	if idx < 0 || idx >= len(lines) {
		return "", fmt.Errorf("no schedule at index %d, total %d lines", idx, len(lines))
	}
	removed := lines[idx]
	lines = append(lines[:idx], lines[idx+1:]...)

	buf := bytes.Buffer{}
	for _, l := range lines {
		buf.WriteString(l + "\n")
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.File), filepath.Base(f.File)+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("can't make temp file for %s: %w", f.File, err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // no-op after successful rename
	if _, err = tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("can't write %s: %w", tmp.Name(), err)
	}
	if err = tmp.Close(); err != nil {
		return "", fmt.Errorf("can't close %s: %w", tmp.Name(), err)
	}
	if err = os.Chmod(tmp.Name(), 0o644); err != nil { //nolint:gosec // same mode as Append
		return "", fmt.Errorf("can't set mode for %s: %w", tmp.Name(), err)
	}
	if err = os.Rename(tmp.Name(), f.File); err != nil {
		return "", fmt.Errorf("can't replace %s: %w", f.File, err)
	}
	return removed, nil
}

func (f *FileStore) String() string {
	return f.File
}

func (f *FileStore) logger() log.L {
	if f.Logger == nil {
		return log.Default()
	}
	return f.Logger
}
