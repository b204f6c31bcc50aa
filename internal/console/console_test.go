package console

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrinterPlainOutput(t *testing.T) {
	var buf bytes.Buffer
	p := New(&buf)

	p.Success("Connection established")
	p.Failure("Error sending message: %s", "boom")
	p.Warning("Server does NOT support authentication")
	p.Field("From", "user@example.com")
	p.Detail("AUTH %s", "PLAIN LOGIN")

	want := strings.Join([]string{
		"✓ Connection established",
		"✗ Error sending message: boom",
		"⚠ Server does NOT support authentication",
		"From: user@example.com",
		"  AUTH PLAIN LOGIN",
		"",
	}, "\n")
	assert.Equal(t, want, buf.String())
}

func TestPrinterBanner(t *testing.T) {
	var buf bytes.Buffer
	New(&buf).Banner("SENDING MESSAGE")

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if assert.Len(t, lines, 3) {
		assert.Equal(t, strings.Repeat("═", ruleWidth), lines[0])
		assert.Equal(t, "  SENDING MESSAGE", lines[1])
		assert.Equal(t, lines[0], lines[2])
	}
}

func TestPrinterBox(t *testing.T) {
	var buf bytes.Buffer
	New(&buf).Box("SMTP CHECK")

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if assert.Len(t, lines, 3) {
		assert.True(t, strings.HasPrefix(lines[0], "╔"))
		assert.True(t, strings.HasSuffix(lines[1], "║"))
		assert.Contains(t, lines[1], "SMTP CHECK")
		for _, l := range lines {
			assert.Equal(t, ruleWidth+1, len([]rune(l)))
		}
	}
}

func TestPrinterStepAndHints(t *testing.T) {
	var buf bytes.Buffer
	p := New(&buf)

	p.Step("Connecting to %s...", "smtp.example.com:587")
	p.Hints("Verify:", []string{"one", "two"})

	assert.Equal(t, "\nConnecting to smtp.example.com:587...\n\nVerify:\n  1. one\n  2. two\n", buf.String())
}

func TestDiscard(t *testing.T) {
	p := Discard()
	p.Success("ignored")
	p.Banner("ignored")
}
