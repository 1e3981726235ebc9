package event

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultMaxFileSize is the uncompressed size at which a journal file
	// is rotated.
	DefaultMaxFileSize = 64 << 20
	// rotationHeadroom keeps a file from ending right at the limit.
	rotationHeadroom = 64 << 10

	lockName     = "events.lock"
	latestName   = "latest"
	cursorDir    = "cursors"
	staleLock    = 30 * time.Second
	lockAttempts = 50
	lockWait     = 100 * time.Millisecond
	maxLine      = 10 << 20
)

// Journal is a file based event journal. It is safe for use by several
// processes sharing Dir; every operation holds an exclusive lock file.
type Journal struct {
	Dir         string
	MaxFileSize int64

	now func() time.Time
}

// Open returns the journal in dir, creating the directory layout and the
// first file when missing.
func Open(dir string) (*Journal, error) {
	j := &Journal{Dir: dir, MaxFileSize: DefaultMaxFileSize, now: time.Now}
	unlock, err := j.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := j.init(); err != nil {
		return nil, err
	}
	return j, nil
}

// DefaultDir returns ~/.msgserver/events.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".msgserver", "events"), nil
}

func (j *Journal) init() error {
	if err := os.MkdirAll(filepath.Join(j.Dir, cursorDir), 0o755); err != nil {
		return fmt.Errorf("creating journal directory: %w", err)
	}
	if _, err := j.latest(); err == nil {
		return nil
	}
	return j.createFile(1)
}

// Append writes a record and returns it with its assigned ID and time.
func (j *Journal) Append(kind, account string, data json.RawMessage) (*Record, error) {
	unlock, err := j.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := j.init(); err != nil {
		return nil, err
	}

	rec := &Record{
		ID:      uuid.NewString(),
		Time:    j.now().UTC(),
		Kind:    kind,
		Account: account,
		Data:    data,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	line = append(line, '\n')

	name, err := j.latest()
	if err != nil {
		return nil, err
	}
	meta, err := j.loadMeta(name)
	if err != nil {
		return nil, err
	}
	if meta.Records > 0 && meta.UncompressedSize+int64(len(line))+rotationHeadroom >= j.maxFileSize() {
		if err := j.createFile(parseSeq(name) + 1); err != nil {
			return nil, fmt.Errorf("rotating journal: %w", err)
		}
		if name, err = j.latest(); err != nil {
			return nil, err
		}
		meta = &fileMeta{}
	}

	f, err := os.OpenFile(filepath.Join(j.Dir, name), os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}
	defer f.Close()
	gw := gzip.NewWriter(f)
	if _, err := gw.Write(line); err != nil {
		return nil, fmt.Errorf("writing %s: %w", name, err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("writing %s: %w", name, err)
	}

	if meta.Records == 0 {
		meta.FirstLineHash = hashLine(line)
	}
	meta.UncompressedSize += int64(len(line))
	meta.Records++
	if err := j.saveMeta(name, meta); err != nil {
		return nil, err
	}
	return rec, nil
}

// Read returns up to limit records reader has not acknowledged, oldest
// first. limit <= 0 reads everything. A reader without a cursor, or whose
// cursor names a file that was removed or recreated, starts at the oldest
// file.
func (j *Journal) Read(reader string, limit int) ([]Entry, error) {
	unlock, err := j.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	files, err := j.files()
	if err != nil || len(files) == 0 {
		return nil, err
	}
	start, offset := 0, int64(0)
	c, err := j.loadCursor(reader)
	if err != nil {
		return nil, err
	}
	if c != nil {
		for i, f := range files {
			if f != c.File {
				continue
			}
			meta, err := j.loadMeta(f)
			if err != nil {
				return nil, err
			}
			if meta.FirstLineHash == c.FirstLineHash {
				start, offset = i, c.Offset
			}
			break
		}
	}

	var out []Entry
	for i := start; i < len(files); i++ {
		from := int64(0)
		if i == start {
			from = offset
		}
		entries, err := j.readFile(files[i], from)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", files[i], err)
		}
		out = append(out, entries...)
		if limit > 0 && len(out) >= limit {
			return out[:limit], nil
		}
	}
	return out, nil
}

// Ack moves the cursor of reader to pos.
func (j *Journal) Ack(reader string, pos Position) error {
	unlock, err := j.lock()
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := os.Stat(filepath.Join(j.Dir, pos.File)); err != nil {
		return fmt.Errorf("journal file %s: %w", pos.File, err)
	}
	meta, err := j.loadMeta(pos.File)
	if err != nil {
		return err
	}
	if pos.Offset > meta.UncompressedSize {
		return fmt.Errorf("offset %d is past the end of %s", pos.Offset, pos.File)
	}
	return j.saveCursor(reader, &Cursor{
		File:          pos.File,
		Offset:        pos.Offset,
		FirstLineHash: meta.FirstLineHash,
		UpdatedAt:     j.now().UTC(),
	})
}

// Status describes the named file, or the latest one when name is empty.
func (j *Journal) Status(name string) (*FileStatus, error) {
	latest, err := j.latest()
	if err != nil {
		return nil, fmt.Errorf("no active journal file: %w", err)
	}
	if name == "" {
		name = latest
	}
	fi, err := os.Stat(filepath.Join(j.Dir, name))
	if err != nil {
		return nil, fmt.Errorf("journal file %s: %w", name, err)
	}
	meta, err := j.loadMeta(name)
	if err != nil {
		return nil, err
	}
	return &FileStatus{
		Name:             name,
		CompressedSize:   fi.Size(),
		UncompressedSize: meta.UncompressedSize,
		Records:          meta.Records,
		FirstLineHash:    meta.FirstLineHash,
		Latest:           name == latest,
	}, nil
}

// Files returns the journal files in sequence order.
func (j *Journal) Files() ([]string, error) {
	return j.files()
}

func (j *Journal) maxFileSize() int64 {
	if j.MaxFileSize <= 0 {
		return DefaultMaxFileSize
	}
	return j.MaxFileSize
}

// lock takes the journal lock file. A lock older than staleLock is
// assumed to belong to a crashed process and is broken.
func (j *Journal) lock() (func(), error) {
	if err := os.MkdirAll(j.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}
	path := filepath.Join(j.Dir, lockName)
	for i := 0; i < lockAttempts; i++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("creating lock file: %w", err)
		}
		if fi, serr := os.Stat(path); serr == nil && time.Since(fi.ModTime()) > staleLock {
			os.Remove(path)
			continue
		}
		time.Sleep(lockWait)
	}
	return nil, fmt.Errorf("timed out waiting for %s", path)
}

func (j *Journal) latest() (string, error) {
	data, err := os.ReadFile(filepath.Join(j.Dir, latestName))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (j *Journal) createFile(seq int) error {
	name := fmt.Sprintf("events.%03d.jsonl.gz", seq)
	f, err := os.Create(filepath.Join(j.Dir, name))
	if err != nil {
		return fmt.Errorf("creating %s: %w", name, err)
	}
	f.Close()
	if err := j.saveMeta(name, &fileMeta{}); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(j.Dir, latestName), []byte(name+"\n"), 0o644)
}

func (j *Journal) files() ([]string, error) {
	des, err := os.ReadDir(j.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, de := range des {
		n := de.Name()
		if !de.IsDir() && strings.HasPrefix(n, "events.") && strings.HasSuffix(n, ".jsonl.gz") {
			names = append(names, n)
		}
	}
	sort.Slice(names, func(a, b int) bool { return parseSeq(names[a]) < parseSeq(names[b]) })
	return names, nil
}

// parseSeq extracts 7 from events.007.jsonl.gz.
func parseSeq(name string) int {
	n, _ := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "events."), ".jsonl.gz"))
	return n
}

func (j *Journal) metaPath(name string) string {
	return filepath.Join(j.Dir, strings.TrimSuffix(name, ".jsonl.gz")+".meta.json")
}

func (j *Journal) loadMeta(name string) (*fileMeta, error) {
	data, err := os.ReadFile(j.metaPath(name))
	if errors.Is(err, fs.ErrNotExist) {
		return &fileMeta{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading metadata of %s: %w", name, err)
	}
	var m fileMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding metadata of %s: %w", name, err)
	}
	return &m, nil
}

func (j *Journal) saveMeta(name string, m *fileMeta) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(j.metaPath(name), data, 0o644)
}

// readFile decodes the records of name that start at or after from.
// Malformed lines are skipped.
func (j *Journal) readFile(name string, from int64) ([]Entry, error) {
	f, err := os.Open(filepath.Join(j.Dir, name))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if fi, err := f.Stat(); err != nil || fi.Size() == 0 {
		return nil, err
	}
	gr, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer gr.Close()
	data, err := io.ReadAll(gr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) <= from {
		return nil, nil
	}

	sc := bufio.NewScanner(bytes.NewReader(data[from:]))
	sc.Buffer(make([]byte, 64<<10), maxLine)
	var out []Entry
	off := from
	for sc.Scan() {
		line := sc.Bytes()
		off += int64(len(line)) + 1
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		out = append(out, Entry{Record: rec, Position: Position{File: name, Offset: off}})
	}
	return out, sc.Err()
}
