package imap

import (
	"errors"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
)

type tokenKind int

const (
	atomToken tokenKind = iota
	stringToken
	literalToken
	listToken
	nilToken
)

type token struct {
	kind tokenKind
	text string
	data []byte
	list []token
}

// str returns the textual value of an atom, string or literal.
func (t token) str() string {
	if t.kind == literalToken {
		return string(t.data)
	}
	return t.text
}

// bytes returns the value of a string or literal token.
func (t token) bytes() []byte {
	switch t.kind {
	case literalToken:
		return t.data
	case stringToken, atomToken:
		return []byte(t.text)
	}
	return nil
}

var errEnd = errors.New("end of response")

// parser reads IMAP values from a response whose literals were collected
// separately. Each {N} marker in s consumes the next entry of lits.
type parser struct {
	s    string
	pos  int
	lits [][]byte
}

func (p *parser) skipSpaces() {
	for p.pos < len(p.s) && p.s[p.pos] == ' ' {
		p.pos++
	}
}

func (p *parser) value() (token, error) {
	p.skipSpaces()
	if p.pos >= len(p.s) {
		return token{}, errEnd
	}
	switch p.s[p.pos] {
	case '(':
		p.pos++
		var list []token
		for {
			p.skipSpaces()
			if p.pos >= len(p.s) {
				return token{kind: listToken, list: list}, nil
			}
			if p.s[p.pos] == ')' {
				p.pos++
				return token{kind: listToken, list: list}, nil
			}
			t, err := p.value()
			if err != nil {
				return token{}, err
			}
			list = append(list, t)
		}
	case ')':
		return token{}, errEnd
	case '"':
		return p.quoted(), nil
	case '{':
		return p.literal()
	}
	return p.atom(), nil
}

func (p *parser) quoted() token {
	p.pos++
	var b strings.Builder
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		p.pos++
		switch c {
		case '\\':
			if p.pos < len(p.s) {
				b.WriteByte(p.s[p.pos])
				p.pos++
			}
		case '"':
			return token{kind: stringToken, text: b.String()}
		default:
			b.WriteByte(c)
		}
	}
	return token{kind: stringToken, text: b.String()}
}

func (p *parser) literal() (token, error) {
	end := strings.IndexByte(p.s[p.pos:], '}')
	if end < 0 {
		return token{}, errors.New("unterminated literal marker")
	}
	p.pos += end + 1
	var data []byte
	if len(p.lits) > 0 {
		data, p.lits = p.lits[0], p.lits[1:]
	}
	return token{kind: literalToken, data: data}, nil
}

func (p *parser) atom() token {
	start := p.pos
	depth := 0
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		if depth == 0 && (c == ' ' || c == '(' || c == ')' || c == '"') {
			break
		}
		switch c {
		case '[':
			depth++
		case ']':
			if depth > 0 {
				depth--
			}
		}
		p.pos++
	}
	text := p.s[start:p.pos]
	if strings.EqualFold(text, "NIL") {
		return token{kind: nilToken}
	}
	return token{kind: atomToken, text: text}
}

// trailingLiteral reports the size announced by a line ending in {N}.
func trailingLiteral(line string) (int, bool) {
	if !strings.HasSuffix(line, "}") {
		return 0, false
	}
	open := strings.LastIndexByte(line, '{')
	if open < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(line[open+1:len(line)-1], "+"))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// FetchItem is one FETCH response.
type FetchItem struct {
	Seq   uint32
	UID   string
	Flags []imap.Flag
	Size  int64
	// Section names the body part returned, e.g. "HEADER" or "" for the
	// whole message.
	Section string
	Body    []byte
	HasBody bool
}

func parseFetch(seq uint32, rest string, lits [][]byte) (*FetchItem, error) {
	p := &parser{s: rest, lits: lits}
	t, err := p.value()
	if err != nil {
		return nil, err
	}
	if t.kind != listToken {
		return nil, errors.New("FETCH data is not a list")
	}
	item := &FetchItem{Seq: seq}
	for i := 0; i+1 < len(t.list); i += 2 {
		key := strings.ToUpper(t.list[i].text)
		val := t.list[i+1]
		switch {
		case key == "UID":
			item.UID = val.str()
		case key == "FLAGS":
			for _, f := range val.list {
				item.Flags = append(item.Flags, imap.Flag(f.text))
			}
		case key == "RFC822.SIZE":
			item.Size, _ = strconv.ParseInt(val.str(), 10, 64)
		case strings.HasPrefix(key, "BODY[") && strings.Contains(key, "]"):
			item.Section = key[len("BODY["):strings.IndexByte(key, ']')]
			item.Body = val.bytes()
			item.HasBody = val.kind != nilToken
		}
	}
	return item, nil
}

// ListEntry is one LIST response.
type ListEntry struct {
	Attrs []imap.MailboxAttr
	Delim string
	Name  string
}

// NoSelect reports whether the mailbox cannot be selected.
func (e ListEntry) NoSelect() bool {
	for _, a := range e.Attrs {
		if strings.EqualFold(string(a), string(imap.MailboxAttrNoSelect)) ||
			strings.EqualFold(string(a), string(imap.MailboxAttrNonExistent)) {
			return true
		}
	}
	return false
}

func parseList(rest string, lits [][]byte) (ListEntry, error) {
	p := &parser{s: rest, lits: lits}
	var e ListEntry
	attrs, err := p.value()
	if err != nil {
		return e, err
	}
	for _, a := range attrs.list {
		e.Attrs = append(e.Attrs, imap.MailboxAttr(a.text))
	}
	delim, err := p.value()
	if err != nil {
		return e, err
	}
	e.Delim = delim.str()
	name, err := p.value()
	if err != nil {
		return e, err
	}
	e.Name = name.str()
	return e, nil
}

// parseCaps reads a space separated capability list.
func parseCaps(s string) imap.CapSet {
	caps := imap.CapSet{}
	for _, f := range strings.Fields(s) {
		caps[imap.Cap(strings.ToUpper(f))] = struct{}{}
	}
	return caps
}

// responseCode extracts the bracketed code at the start of text.
func responseCode(text string) (code, arg string) {
	if !strings.HasPrefix(text, "[") {
		return "", ""
	}
	end := strings.IndexByte(text, ']')
	if end < 0 {
		return "", ""
	}
	code, arg, _ = strings.Cut(text[1:end], " ")
	return strings.ToUpper(code), arg
}

// quote renders s as an IMAP quoted string.
func quote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '"', '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case '\r', '\n':
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
	return b.String()
}

// uidSet renders uids as a compact sequence set. Non-numeric uids are
// ignored.
func uidSet(uids []string) string {
	var set imap.UIDSet
	for _, s := range uids {
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			continue
		}
		set.AddNum(imap.UID(n))
	}
	return set.String()
}
