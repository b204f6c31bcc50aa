// Package email defines the messages the checker sends and the sandbox receives.
package email

import (
	"fmt"
	"io"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	gomail "github.com/wneessen/go-mail"
)

// TimestampLayout is the YYYY-MM-DD HH:MM:SS layout used in subjects and bodies.
const TimestampLayout = "2006-01-02 15:04:05"

const userAgent = "smtp-check"

// Message is a single plain-text UTF-8 message. It is fully populated by
// NewTestMessage and not modified afterwards.
type Message struct {
	FromName    string
	FromAddress string
	To          string
	Subject     string
	Body        string
	Date        time.Time
	// MessageID is the id-left@id-right form, without angle brackets.
	MessageID string
}

// TestMessageOptions describes the connection the test message reports on.
type TestMessageOptions struct {
	FromName    string
	FromAddress string
	To          string

	Host     string
	Port     int
	Username string

	// Authenticated is false for runs that skip AUTH.
	Authenticated bool

	// Label is appended to the subject, e.g. "with authentication".
	Label string

	// Now defaults to time.Now.
	Now time.Time
}

// Received represents a message accepted by the sandbox server.
type Received struct {
	EnvelopeFrom string
	EnvelopeTo   []string

	From       string
	To         []string
	Subject    string
	TextBody   string
	MessageID  string
	RawHeaders map[string][]string
}

// NewTestMessage builds the diagnostic message. Both addresses must parse as
// RFC 5322 addresses.
func NewTestMessage(opts TestMessageOptions) (*Message, error) {
	from, err := mail.ParseAddress(opts.FromAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid from address %q: %w", opts.FromAddress, err)
	}
	to, err := mail.ParseAddress(opts.To)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient address %q: %w", opts.To, err)
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	stamp := now.Format(TimestampLayout)

	subject := "SMTP test message - " + stamp
	if opts.Label != "" {
		subject = fmt.Sprintf("SMTP test message (%s) - %s", opts.Label, stamp)
	}

	authLine, userLine := "NO", "N/A"
	if opts.Authenticated {
		authLine, userLine = "YES", opts.Username
	}

	var b strings.Builder
	b.WriteString("This is a test message sent by smtp-check.\n\n")
	b.WriteString("Connection details:\n")
	fmt.Fprintf(&b, "- Server: %s:%d\n", opts.Host, opts.Port)
	b.WriteString("- TLS: ENABLED (STARTTLS)\n")
	fmt.Fprintf(&b, "- Authentication: %s\n", authLine)
	fmt.Fprintf(&b, "- User: %s\n", userLine)
	fmt.Fprintf(&b, "- From: %s\n", from.Address)
	fmt.Fprintf(&b, "- Date: %s\n", stamp)

	return &Message{
		FromName:    opts.FromName,
		FromAddress: from.Address,
		To:          to.Address,
		Subject:     subject,
		Body:        b.String(),
		Date:        now,
		MessageID:   fmt.Sprintf("%s@%s", uuid.NewString(), domainOf(from.Address)),
	}, nil
}

// FromHeader returns the formatted From header value, e.g. "Events <a@b.c>".
func (m *Message) FromHeader() string {
	addr := mail.Address{Name: m.FromName, Address: m.FromAddress}
	return addr.String()
}

// WriteTo serializes the message in RFC 5322 wire format with a
// quoted-printable text/plain UTF-8 body.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	msg := gomail.NewMsg(
		gomail.WithCharset(gomail.CharsetUTF8),
		gomail.WithEncoding(gomail.EncodingQP),
	)
	if err := msg.FromFormat(m.FromName, m.FromAddress); err != nil {
		return 0, fmt.Errorf("failed to set from: %w", err)
	}
	if err := msg.To(m.To); err != nil {
		return 0, fmt.Errorf("failed to set recipient: %w", err)
	}
	msg.Subject(m.Subject)
	msg.SetDateWithValue(m.Date)
	msg.SetMessageIDWithValue(m.MessageID)
	msg.SetUserAgent(userAgent)
	msg.SetBodyString(gomail.TypeTextPlain, m.Body)

	return msg.WriteTo(w)
}

func domainOf(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return "localhost"
}
