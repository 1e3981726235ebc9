package event

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
)

// Cursor is the acknowledged position of one reader.
type Cursor struct {
	File          string    `json:"file"`
	Offset        int64     `json:"offset"`
	FirstLineHash string    `json:"first_line_hash,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Cursor returns the cursor of reader, or nil when it has none.
func (j *Journal) Cursor(reader string) (*Cursor, error) {
	return j.loadCursor(reader)
}

// Readers lists the readers that hold a cursor.
func (j *Journal) Readers() ([]string, error) {
	des, err := os.ReadDir(filepath.Join(j.Dir, cursorDir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, de := range des {
		if n := de.Name(); !de.IsDir() && strings.HasSuffix(n, ".json") {
			out = append(out, strings.TrimSuffix(n, ".json"))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (j *Journal) cursorPath(reader string) string {
	return filepath.Join(j.Dir, cursorDir, sanitizeReader(reader)+".json")
}

func (j *Journal) loadCursor(reader string) (*Cursor, error) {
	data, err := os.ReadFile(j.cursorPath(reader))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading cursor of %s: %w", reader, err)
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decoding cursor of %s: %w", reader, err)
	}
	return &c, nil
}

func (j *Journal) saveCursor(reader string, c *Cursor) error {
	if err := os.MkdirAll(filepath.Join(j.Dir, cursorDir), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(j.cursorPath(reader), data, 0o644)
}

// sanitizeReader maps a reader name to a safe file name.
func sanitizeReader(name string) string {
	if name == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, name)
}
