package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/shineum/smtp-check/internal/email"
)

// Mailbox receives messages accepted by the sandbox.
type Mailbox interface {
	// Deliver stores or displays an accepted message. A non-nil error is
	// reported to the client as a temporary failure.
	Deliver(ctx context.Context, msg *email.Received) error

	// Name returns the human-readable name of this mailbox.
	Name() string
}

// WriterMailbox prints accepted messages in a human-readable format.
type WriterMailbox struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewStdoutMailbox creates a WriterMailbox that writes to os.Stdout.
func NewStdoutMailbox() *WriterMailbox {
	return &WriterMailbox{writer: os.Stdout}
}

// NewWriterMailbox creates a WriterMailbox that writes to w.
func NewWriterMailbox(w io.Writer) *WriterMailbox {
	return &WriterMailbox{writer: w}
}

// Deliver prints the envelope, headers and text body of msg.
func (m *WriterMailbox) Deliver(_ context.Context, msg *email.Received) error {
	var b strings.Builder

	b.WriteString("========================================\n")
	fmt.Fprintf(&b, "Envelope: %s -> %s\n", msg.EnvelopeFrom, strings.Join(msg.EnvelopeTo, ", "))
	fmt.Fprintf(&b, "From: %s\n", msg.From)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	if msg.MessageID != "" {
		fmt.Fprintf(&b, "Message-ID: %s\n", msg.MessageID)
	}
	b.WriteString("Body:\n")
	b.WriteString(strings.TrimRight(msg.TextBody, "\r\n") + "\n")
	b.WriteString("========================================\n")

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := io.WriteString(m.writer, b.String()); err != nil {
		return fmt.Errorf("failed to print message: %w", err)
	}
	return nil
}

// Name returns the mailbox name.
func (m *WriterMailbox) Name() string {
	return "stdout"
}

// MemoryMailbox keeps accepted messages in memory.
type MemoryMailbox struct {
	mu       sync.Mutex
	messages []*email.Received
}

// NewMemoryMailbox creates an empty MemoryMailbox.
func NewMemoryMailbox() *MemoryMailbox {
	return &MemoryMailbox{}
}

// Deliver appends msg.
func (m *MemoryMailbox) Deliver(_ context.Context, msg *email.Received) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

// Messages returns a copy of the messages received so far.
func (m *MemoryMailbox) Messages() []*email.Received {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*email.Received, len(m.messages))
	copy(out, m.messages)
	return out
}

// Name returns the mailbox name.
func (m *MemoryMailbox) Name() string {
	return "memory"
}
