package probe

import (
	"fmt"

	"github.com/shineum/smtp-check/internal/console"
	"github.com/shineum/smtp-check/internal/email"
)

// Sender transmits the test message over an authenticated session.
type Sender struct {
	out *console.Printer
}

// NewSender creates a Sender printing to out.
func NewSender(out *console.Printer) *Sender {
	if out == nil {
		out = console.Discard()
	}
	return &Sender{out: out}
}

// Send prints the envelope and transmits msg with MAIL, RCPT and DATA.
// Any failure is a SendError.
func (s *Sender) Send(sess *Session, msg *email.Message) error {
	s.out.Blank()
	s.out.Banner("SENDING MESSAGE")
	s.out.Blank()
	s.out.Field("From", msg.FromAddress)
	s.out.Field("To", msg.To)
	s.out.Field("Subject", msg.Subject)
	s.out.Step("Sending...")

	if err := transmit(sess, msg); err != nil {
		err = SendError.Wrap(err)
		s.out.Blank()
		s.out.Failure("Error sending message: %s", Message(err))
		return err
	}

	s.out.Blank()
	s.out.Success("Message sent successfully")
	s.out.Detail("Check the inbox of %s", msg.To)
	return nil
}

func transmit(sess *Session, msg *email.Message) error {
	c := sess.client
	if err := c.Mail(msg.FromAddress, nil); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	if err := c.Rcpt(msg.To, nil); err != nil {
		return fmt.Errorf("RCPT TO: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	// On a write error the terminating dot is not sent, so a partial
	// message is never committed.
	if _, err := msg.WriteTo(w); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	return nil
}
