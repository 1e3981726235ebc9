package imap

import (
	"encoding/base64"
	"strings"
	"unicode/utf16"
)

var utf7Encoding = base64.NewEncoding("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+,").WithPadding(base64.NoPadding)

// DecodeMailboxName decodes a modified UTF-7 mailbox name (RFC 3501
// 5.1.3). Malformed shifted sequences are kept verbatim.
func DecodeMailboxName(s string) string {
	if !strings.Contains(s, "&") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '&' {
			b.WriteByte(s[i])
			continue
		}
		end := strings.IndexByte(s[i+1:], '-')
		if end < 0 {
			b.WriteString(s[i:])
			break
		}
		encoded := s[i+1 : i+1+end]
		if encoded == "" {
			b.WriteByte('&')
			i++
			continue
		}
		raw, err := utf7Encoding.DecodeString(encoded)
		if err != nil || len(raw)%2 != 0 {
			b.WriteString(s[i : i+2+end])
			i += 1 + end
			continue
		}
		units := make([]uint16, len(raw)/2)
		for j := range units {
			units[j] = uint16(raw[2*j])<<8 | uint16(raw[2*j+1])
		}
		b.WriteString(string(utf16.Decode(units)))
		i += 1 + end
	}
	return b.String()
}
