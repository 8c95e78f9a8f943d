package email

// ThreadRef identifies the conversation a message belongs to. EntryID is
// zero when the reference is to a whole thread rather than one entry.
type ThreadRef struct {
	ThreadID uint32
	EntryID  uint32
}

// PriorEmail is the most recent email logged on a thread.
type PriorEmail struct {
	MessageID  string
	References string
}

// Body is the content handed to a send. Attachments carried by the body
// are attached as-is, without inline promotion.
type Body struct {
	Content     string
	Attachments []Attachable
}

// Options are the recognized per-send settings. Zero values mean "not set";
// call-site options are merged over mailer defaults field by field.
type Options struct {
	// Thread correlates the message with a thread or thread entry.
	Thread *ThreadRef
	// InReplyTo overrides the In-Reply-To header.
	InReplyTo string
	// References overrides the References header; entries are joined
	// with spaces.
	References []string
	// ReplyTag overrides the quoted-reply separator. Nil resolves it from
	// configuration; a pointer to "" disables it.
	ReplyTag *string
	// NoBounce forces an empty Return-Path.
	NoBounce bool
	// Bulk marks the message Precedence: bulk.
	Bulk bool
	// AutoReply marks the message as an automated reply.
	AutoReply bool
	// Notice marks the message as a system notice.
	Notice bool
	// Text sends the body verbatim as plain text.
	Text bool
	// FromName overrides the From display name.
	FromName string
	// FromAddress overrides the envelope sender of local delivery.
	FromAddress string
	// EOL overrides the serialization line ending.
	EOL string
	// UserType overrides the recipient class tag of the Message-ID.
	UserType string
}

// ReplyTag returns a pointer suitable for Options.ReplyTag.
func ReplyTag(s string) *string {
	return &s
}

// NoReplyTag disables the quoted-reply separator.
func NoReplyTag() *string {
	return ReplyTag("")
}
