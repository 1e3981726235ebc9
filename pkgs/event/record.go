// Package event keeps a durable journal of message server events.
//
// Records are appended as JSON lines to gzip files named
// events.NNN.jsonl.gz. Every append writes a new gzip member, so a file is
// always readable up to its last complete record. A file is rotated once
// its uncompressed size would pass Journal.MaxFileSize. Readers consume
// the journal independently; each keeps a cursor of the last acknowledged
// position.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Record is one journal line.
type Record struct {
	ID      string          `json:"id"`
	Time    time.Time       `json:"time"`
	Kind    string          `json:"kind"`
	Account string          `json:"account,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Entry is a record read back from the journal. Position points just past
// the record, so acknowledging it resumes with the following one.
type Entry struct {
	Record
	Position Position `json:"position"`
}

// Position addresses a byte offset in the uncompressed content of a
// journal file.
type Position struct {
	File   string `json:"file"`
	Offset int64  `json:"offset"`
}

func (p Position) String() string {
	return p.File + ":" + strconv.FormatInt(p.Offset, 10)
}

// ParsePosition parses the form produced by Position.String.
func ParsePosition(s string) (Position, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 {
		return Position{}, fmt.Errorf("invalid position %q: want file:offset", s)
	}
	off, err := strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil || off < 0 {
		return Position{}, fmt.Errorf("invalid offset in position %q", s)
	}
	return Position{File: s[:i], Offset: off}, nil
}

// FileStatus describes one journal file.
type FileStatus struct {
	Name             string `json:"name"`
	CompressedSize   int64  `json:"compressed_size"`
	UncompressedSize int64  `json:"uncompressed_size"`
	Records          int64  `json:"records"`
	FirstLineHash    string `json:"first_line_hash,omitempty"`
	Latest           bool   `json:"latest"`
}

// fileMeta is kept next to every journal file so appends need not
// decompress it.
type fileMeta struct {
	UncompressedSize int64  `json:"uncompressed_size"`
	Records          int64  `json:"records"`
	FirstLineHash    string `json:"first_line_hash,omitempty"`
}

// hashLine identifies a file by its first line. A cursor whose hash no
// longer matches refers to a file that was recreated.
func hashLine(line []byte) string {
	sum := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(sum[:8])
}
