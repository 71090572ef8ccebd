package mailbox

import "context"

// Provider is the external mailbox the ingestion worker polls. Fetch
// failures abort a poll cycle; delete failures leave the message for the
// next cycle (at-least-once delivery).
type Provider interface {
	FetchMessages(ctx context.Context) ([]Message, error)
	DeleteMessage(ctx context.Context, id string) error
}

// Message mirrors the MailHog v2 message shape. MIME may be absent, in which
// case attachments are recovered from the raw RFC822 text.
type Message struct {
	ID      string      `json:"ID"`
	To      []Recipient `json:"To"`
	Content *Content    `json:"Content"`
	MIME    *MIME       `json:"MIME"`
	Raw     *Raw        `json:"Raw"`
}

// Recipient is a structured address. Domain may be empty for alias-only
// recipients.
type Recipient struct {
	Mailbox string `json:"Mailbox"`
	Domain  string `json:"Domain"`
}

// Content is the header/body fallback used when no structured MIME tree is
// present.
type Content struct {
	Headers map[string][]string `json:"Headers"`
	Body    string              `json:"Body"`
}

// MIME is the provider's parsed multipart tree.
type MIME struct {
	Parts []*Part `json:"Parts"`
}

// Part is one MIME part.
type Part struct {
	Headers map[string][]string `json:"Headers"`
	Body    string              `json:"Body"`
}

// Raw carries the full RFC822 message text.
type Raw struct {
	From string   `json:"From"`
	To   []string `json:"To"`
	Data string   `json:"Data"`
}

// Attachment is a file recovered from a message.
type Attachment struct {
	Filename string
	Data     []byte
}
