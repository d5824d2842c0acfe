package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lazypower/fdleak/pkg/leak"
)

// TimeLayout is the textual form of created_at in record files: local wall
// time with exactly six fractional digits. Times on a whole second are
// written without the fraction.
const TimeLayout = "2006-01-02 15:04:05.000000"

const wholeSecondLayout = "2006-01-02 15:04:05"

// FormatTime renders t the way record files store it.
func FormatTime(t time.Time) string {
	t = t.Local().Truncate(time.Microsecond)
	if t.Nanosecond() == 0 {
		return t.Format(wholeSecondLayout)
	}
	return t.Format(TimeLayout)
}

const recordExt = ".json"

// Dir is a Store that keeps one JSON file per record, named <id>.json.
type Dir struct {
	Path string
}

// recordFile is the on-disk shape of a record.
type recordFile struct {
	ID         string   `json:"id"`
	Identifier string   `json:"identifier"`
	Stack      []string `json:"stack"`
	CreatedAt  string   `json:"created_at"`
}

// OpenDir returns a directory store rooted at path, creating it if needed.
func OpenDir(path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Dir{Path: path}, nil
}

func (d *Dir) file(id string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("invalid record id %q", id)
	}
	return filepath.Join(d.Path, id+recordExt), nil
}

// Marshal returns the file contents Create writes for r.
func Marshal(r leak.Record) ([]byte, error) {
	stack := r.Stack
	if stack == nil {
		stack = []string{}
	}
	data, err := json.MarshalIndent(recordFile{
		ID:         r.ID,
		Identifier: r.Identifier,
		Stack:      stack,
		CreatedAt:  FormatTime(r.CreatedAt),
	}, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Unmarshal parses a record file. created_at is read in local time.
func Unmarshal(data []byte) (*leak.Record, error) {
	var f recordFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	// Parse accepts a fractional second after the seconds field even though
	// the layout has none.
	createdAt, err := time.ParseInLocation(wholeSecondLayout, f.CreatedAt, time.Local)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &leak.Record{
		ID:         f.ID,
		Identifier: f.Identifier,
		Stack:      f.Stack,
		CreatedAt:  createdAt,
	}, nil
}

// Create writes the record file, replacing any existing one. The file is
// written to a temporary name first so readers never see a partial record.
func (d *Dir) Create(r leak.Record) error {
	path, err := d.file(r.ID)
	if err != nil {
		return err
	}
	data, err := Marshal(r)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", r.ID, err)
	}

	tmp, err := os.CreateTemp(d.Path, "."+r.ID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write record %s: %w", r.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close record %s: %w", r.ID, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename record %s: %w", r.ID, err)
	}
	return nil
}

// Delete removes the record file and reports whether it existed.
func (d *Dir) Delete(id string) (bool, error) {
	path, err := d.file(id)
	if err != nil {
		return false, err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("delete record %s: %w", id, err)
	}
	return true, nil
}

// Get reads one record, or returns nil if there is no file for id.
func (d *Dir) Get(id string) (*leak.Record, error) {
	path, err := d.file(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read record %s: %w", id, err)
	}
	r, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}
	return r, nil
}

// List reads every record file, oldest handle first. Files that fail to
// parse are skipped.
func (d *Dir) List() ([]leak.Record, error) {
	entries, err := os.ReadDir(d.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store dir: %w", err)
	}

	var records []leak.Record
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != recordExt {
			continue
		}
		data, err := os.ReadFile(filepath.Join(d.Path, name))
		if err != nil {
			// Deleted between ReadDir and now.
			continue
		}
		r, err := Unmarshal(data)
		if err != nil {
			continue
		}
		records = append(records, *r)
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// Prune removes every record file and returns how many were removed.
func (d *Dir) Prune() (int, error) {
	records, err := d.List()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range records {
		ok, err := d.Delete(r.ID)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// Close is a no-op; Dir holds no open resources.
func (d *Dir) Close() error {
	return nil
}
