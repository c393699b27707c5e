// Package validate implements artifact validation strategies.
package validate

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
)

// Error is a validation failure with an operator-readable reason.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return e.Reason
}

func failf(format string, args ...any) *Error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}

// CSVConfig controls the CSV validator.
type CSVConfig struct {
	// MinFileSize rejects truncated downloads.
	MinFileSize int64
	// RequiredColumns must all appear in the header row.
	RequiredColumns []string
	// MinRows is the minimum number of data rows (excluding the header).
	MinRows int
}

// CSV validates downloaded CSV artifacts: size floor, delimiter sniffing
// (comma or semicolon), required columns, and a minimum row count.
type CSV struct {
	cfg CSVConfig
}

// NewCSV builds a CSV validator.
func NewCSV(cfg CSVConfig) *CSV {
	if cfg.MinFileSize <= 0 {
		cfg.MinFileSize = 100
	}
	return &CSV{cfg: cfg}
}

// Validate checks the file at path and returns a *Error describing the first
// problem found.
func (v *CSV) Validate(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return failf("file does not exist: %s", path)
		}
		return fmt.Errorf("stat artifact: %w", err)
	}
	if info.Size() < v.cfg.MinFileSize {
		return failf("file too small (%d bytes, minimum %d)", info.Size(), v.cfg.MinFileSize)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.Comma = sniffDelimiter(f)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return failf("unreadable CSV header: %v", err)
	}
	if missing := v.missingColumns(header); len(missing) > 0 {
		return failf("missing required columns: %s", strings.Join(missing, ", "))
	}

	rows := 0
	for {
		if _, err := reader.Read(); err != nil {
			if err == io.EOF {
				break
			}
			return failf("malformed CSV row %d: %v", rows+2, err)
		}
		rows++
	}
	if rows < v.cfg.MinRows {
		return failf("too few rows (%d, minimum %d)", rows, v.cfg.MinRows)
	}
	return nil
}

func (v *CSV) missingColumns(header []string) []string {
	present := make(map[string]struct{}, len(header))
	for _, col := range header {
		present[strings.TrimSpace(col)] = struct{}{}
	}
	var missing []string
	for _, col := range v.cfg.RequiredColumns {
		if _, ok := present[col]; !ok {
			missing = append(missing, col)
		}
	}
	return missing
}

// sniffDelimiter peeks the first line and picks semicolon when it dominates,
// then rewinds the file for the CSV reader.
func sniffDelimiter(f *os.File) rune {
	buf := make([]byte, 4096)
	n, _ := f.Read(buf)
	line := string(buf[:n])
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	_, _ = f.Seek(0, io.SeekStart)
	if strings.Count(line, ";") > strings.Count(line, ",") {
		return ';'
	}
	return ','
}
