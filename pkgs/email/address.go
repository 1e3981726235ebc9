package email

import (
	"fmt"
	"strings"

	"github.com/emersion/go-message/mail"
)

// Address is a message party: an email address or a phone number.
type Address struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

func (a Address) String() string {
	if a.Name == "" {
		return a.Email
	}
	return (&mail.Address{Name: a.Name, Address: a.Email}).String()
}

// IsEmail reports whether a is an email address.
func (a Address) IsEmail() bool {
	return strings.Contains(a.Email, "@")
}

// IsPhone reports whether a is a phone number: digits with optional
// leading plus and the usual separators.
func (a Address) IsPhone() bool {
	s := strings.TrimSpace(a.Email)
	if s == "" || strings.Contains(s, "@") {
		return false
	}
	digits := 0
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' && i == 0:
		case r == ' ', r == '-', r == '(', r == ')', r == '.':
		default:
			return false
		}
	}
	return digits >= 3
}

// Valid reports whether a is a usable destination.
func (a Address) Valid() bool {
	if a.IsPhone() {
		return true
	}
	if !a.IsEmail() {
		return false
	}
	_, err := mail.ParseAddress(a.Email)
	return err == nil
}

// ParseAddress parses "Name <user@host>", "user@host" or a phone number.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, fmt.Errorf("empty address")
	}
	if a := (Address{Email: s}); a.IsPhone() {
		return a, nil
	}
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return Address{Name: addr.Name, Email: addr.Address}, nil
}

// ParseAddressList parses a comma separated list of addresses.
func ParseAddressList(s string) ([]Address, error) {
	var list []Address
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		a, err := ParseAddress(part)
		if err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, nil
}

func fromMailAddresses(list []*mail.Address) []Address {
	if len(list) == 0 {
		return nil
	}
	out := make([]Address, 0, len(list))
	for _, a := range list {
		out = append(out, Address{Name: a.Name, Email: a.Address})
	}
	return out
}

func toMailAddresses(list []Address) []*mail.Address {
	out := make([]*mail.Address, 0, len(list))
	for _, a := range list {
		out = append(out, &mail.Address{Name: a.Name, Address: a.Email})
	}
	return out
}
