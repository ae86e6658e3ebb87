package email

import (
	"net/mail"
	"strings"
)

// Address is a parsed mailbox.
type Address struct {
	Name  string
	Email string
}

// String formats a as a header mailbox.
func (a Address) String() string {
	return (&mail.Address{Name: a.Name, Address: a.Email}).String()
}

// Addresses returns the mailboxes of every listed header field, in order.
// Fields that fail to parse are skipped.
func (m *Message) Addresses(keys ...string) []Address {
	var out []Address
	for _, key := range keys {
		for _, v := range Values(m.Header, key) {
			list, err := parseAddressList(v)
			if err != nil {
				continue
			}
			out = append(out, list...)
		}
	}
	return out
}

// AddressSet returns the lowercased addresses of the listed fields.
func (m *Message) AddressSet(keys ...string) map[string]bool {
	set := make(map[string]bool)
	for _, a := range m.Addresses(keys...) {
		set[strings.ToLower(a.Email)] = true
	}
	return set
}

// Senders returns the candidate sender addresses in precedence order:
// From, the envelope sender, Reply-To, Sender. Duplicates are dropped.
func (m *Message) Senders(envelopeSender string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(addr string) {
		addr = strings.ToLower(strings.TrimSpace(addr))
		if addr == "" || seen[addr] {
			return
		}
		seen[addr] = true
		out = append(out, addr)
	}

	for _, a := range m.Addresses("From") {
		add(a.Email)
	}
	add(strings.Trim(envelopeSender, "<>"))
	for _, a := range m.Addresses("Reply-To") {
		add(a.Email)
	}
	for _, a := range m.Addresses("Sender") {
		add(a.Email)
	}
	return out
}

// Sender returns the first of Senders, or "".
func (m *Message) Sender(envelopeSender string) string {
	if s := m.Senders(envelopeSender); len(s) > 0 {
		return s[0]
	}
	return ""
}

// ParseAddress parses a single mailbox, accepting bare addresses.
func ParseAddress(s string) (Address, error) {
	a, err := mail.ParseAddress(s)
	if err != nil {
		return Address{}, err
	}
	return Address{Name: a.Name, Email: a.Address}, nil
}

// SplitAddress splits local@domain. The domain is "" for unqualified
// addresses.
func SplitAddress(addr string) (local, domain string) {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return addr, ""
	}
	return addr[:i], addr[i+1:]
}

// FormatAddressList joins addresses for a header.
func FormatAddressList(addrs []Address) string {
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = a.String()
	}
	return strings.Join(parts, ", ")
}

func parseAddressList(v string) ([]Address, error) {
	dec := mail.AddressParser{WordDecoder: wordDecoder}
	list, err := dec.ParseList(v)
	if err != nil {
		return nil, err
	}
	out := make([]Address, len(list))
	for i, a := range list {
		out[i] = Address{Name: a.Name, Email: a.Address}
	}
	return out, nil
}
