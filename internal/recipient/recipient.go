// Package recipient models the recipients a mailer can address and maps
// each of them to an addressing header and a Message-ID user class.
package recipient

import (
	"net/mail"
	"strings"
)

// Recipient is a closed union over the recipient shapes below.
type Recipient interface {
	recipient()
}

// Kind is the addressing header a recipient is written to.
type Kind int

const (
	To Kind = iota
	Cc
	Bcc
)

func (k Kind) String() string {
	switch k {
	case Cc:
		return "Cc"
	case Bcc:
		return "Bcc"
	}
	return "To"
}

// Contact is an explicitly typed email contact.
type Contact struct {
	UserID  uint32
	Name    string
	Address string
	Kind    Kind
}

// Owner is the owner of the ticket a thread belongs to.
type Owner struct {
	UserID  uint32
	Name    string
	Address string
}

// Staff is an agent.
type Staff struct {
	ID      uint32
	Name    string
	Address string
}

// Collaborator is a user copied on a thread.
type Collaborator struct {
	UserID  uint32
	Name    string
	Address string
}

// MailingList is addressed as one logical recipient that expands to its
// members.
type MailingList struct {
	Members []Recipient
}

// List is an explicit set of recipients.
type List []Recipient

// Address is a preformatted address, such as `"Jane" <jane@example.com>`.
type Address string

// Literal is anything else, treated as a bare address string.
type Literal string

// Session is an authenticated client session, resolved to its user.
type Session struct {
	User Recipient
}

func (Contact) recipient()      {}
func (Owner) recipient()        {}
func (Staff) recipient()        {}
func (Collaborator) recipient() {}
func (MailingList) recipient()  {}
func (List) recipient()         {}
func (Address) recipient()      {}
func (Literal) recipient()      {}
func (Session) recipient()      {}

// Resolve unwraps client sessions to the user behind them.
func Resolve(r Recipient) Recipient {
	for {
		s, ok := r.(Session)
		if !ok {
			return r
		}
		r = s.User
	}
}

// Expand normalizes r into the list of individually addressed recipients.
func Expand(r Recipient) []Recipient {
	switch v := Resolve(r).(type) {
	case nil:
		return nil
	case List:
		return []Recipient(v)
	case MailingList:
		return v.Members
	default:
		return []Recipient{v}
	}
}

// Classify returns the header bucket and display address for a single
// recipient. It reports false when the recipient cannot be addressed.
func Classify(r Recipient) (Kind, *mail.Address, bool) {
	switch v := Resolve(r).(type) {
	case Contact:
		return v.Kind, named(v.Name, v.Address), v.Address != ""
	case Owner:
		return To, named(v.Name, v.Address), v.Address != ""
	case Staff:
		return To, named(v.Name, v.Address), v.Address != ""
	case Collaborator:
		return Cc, named(v.Name, v.Address), v.Address != ""
	case Address:
		a := parse(string(v))
		return To, a, a != nil
	case Literal:
		a := parse(string(v))
		return To, a, a != nil
	}
	return To, nil, false
}

// Class returns the single-character user class encoded in a Message-ID
// tag. The override applies only when the recipient shape does not
// determine the class on its own.
func Class(r Recipient, override string) byte {
	switch Resolve(r).(type) {
	case Staff:
		return 'S'
	case Owner:
		return 'U'
	case Collaborator:
		return 'C'
	case MailingList, List:
		return 'M'
	}
	if override != "" {
		return override[0]
	}
	return '?'
}

// UserID returns the id carried by a contact-like recipient, or zero.
func UserID(r Recipient) uint32 {
	switch v := Resolve(r).(type) {
	case Contact:
		return v.UserID
	case Owner:
		return v.UserID
	case Staff:
		return v.ID
	case Collaborator:
		return v.UserID
	}
	return 0
}

func named(name, address string) *mail.Address {
	return &mail.Address{Name: clean(name), Address: clean(address)}
}

func parse(s string) *mail.Address {
	s = clean(s)
	if s == "" {
		return nil
	}
	if a, err := mail.ParseAddress(s); err == nil {
		return a
	}
	return &mail.Address{Address: s}
}

// clean drops line breaks so no value can open a new header line.
func clean(s string) string {
	return strings.TrimSpace(strings.NewReplacer("\r", "", "\n", "").Replace(s))
}
