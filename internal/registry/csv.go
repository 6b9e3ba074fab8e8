package registry

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Header is the first row of the registry file.
var Header = []string{"address", "user", "on_failure", "on_recovery"}

// ErrMalformedRow is wrapped by every row-level decode error.
var ErrMalformedRow = errors.New("malformed registry row")

// RowError reports which line of the durable form could not be decoded.
type RowError struct {
	Line int
	Err  error
}

func (e *RowError) Error() string { return fmt.Sprintf("line %d: %v", e.Line, e.Err) }
func (e *RowError) Unwrap() error { return e.Err }

// ReadRows decodes the CSV form. The header row is required, even for an
// empty registry. A two column file (subject, subscriber) from older
// releases is accepted and gets DefaultPrefs.
func ReadRows(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	head, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, &RowError{Line: 1, Err: fmt.Errorf("%w: missing header", ErrMalformedRow)}
	}
	if err != nil {
		return nil, &RowError{Line: 1, Err: fmt.Errorf("%w: %v", ErrMalformedRow, err)}
	}
	if len(head) < 2 || !strings.EqualFold(strings.TrimSpace(head[0]), Header[0]) ||
		!strings.EqualFold(strings.TrimSpace(head[1]), Header[1]) {
		return nil, &RowError{Line: 1, Err: fmt.Errorf("%w: missing header", ErrMalformedRow)}
	}
	cols := len(head)

	var rows []Row
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, &RowError{Line: line, Err: fmt.Errorf("%w: %v", ErrMalformedRow, err)}
		}
		row, err := decodeRow(rec, cols)
		if err != nil {
			return nil, &RowError{Line: line, Err: err}
		}
		rows = append(rows, row)
	}
}

func decodeRow(rec []string, cols int) (Row, error) {
	if len(rec) != cols {
		return Row{}, fmt.Errorf("%w: want %d fields, got %d", ErrMalformedRow, cols, len(rec))
	}
	subject := strings.TrimSpace(rec[0])
	if subject == "" {
		return Row{}, fmt.Errorf("%w: empty address", ErrMalformedRow)
	}
	id, err := strconv.ParseInt(strings.TrimSpace(rec[1]), 10, 64)
	if err != nil {
		return Row{}, fmt.Errorf("%w: user: %v", ErrMalformedRow, err)
	}
	row := Row{Subject: subject, Subscriber: id, Prefs: DefaultPrefs()}
	if cols >= 3 {
		if row.OnFailure, err = parseFlag(rec[2]); err != nil {
			return Row{}, fmt.Errorf("%w: on_failure: %v", ErrMalformedRow, err)
		}
	}
	if cols >= 4 {
		if row.OnRecovery, err = parseFlag(rec[3]); err != nil {
			return Row{}, fmt.Errorf("%w: on_recovery: %v", ErrMalformedRow, err)
		}
	}
	return row, nil
}

func parseFlag(s string) (bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return false, nil
	}
	return strconv.ParseBool(s)
}

// WriteRows encodes rows with the header.
func WriteRows(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{
			r.Subject,
			strconv.FormatInt(r.Subscriber, 10),
			strconv.FormatBool(r.OnFailure),
			strconv.FormatBool(r.OnRecovery),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Load reads the registry file at path. A missing file yields an empty
// registry and the file is created right away.
func Load(path string) (*Registry, error) {
	rows, err := readFile(path)
	if errors.Is(err, os.ErrNotExist) {
		r := New()
		if err := r.Persist(path); err != nil {
			return nil, fmt.Errorf("create registry file: %w", err)
		}
		return r, nil
	}
	if err != nil {
		return nil, err
	}
	return FromRows(rows)
}

// Persist overwrites path with every (subject, subscriber) pair.
func (r *Registry) Persist(path string) error {
	return writeFile(path, r.Rows())
}

func readFile(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	rows, err := ReadRows(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return rows, nil
}

// writeFile replaces path atomically through a temp file in the same dir.
func writeFile(path string, rows []Row) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".registry-*.csv")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if err := WriteRows(tmp, rows); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
