package probe

import (
	"bytes"
	"io"
	"strings"
	"sync"
)

const redacted = "<redacted>"

// transcriptWriter prints the SMTP dialogue one line at a time, marking
// server replies with "S:" and client lines with "C:". AUTH arguments and
// responses to 334 challenges are replaced by a placeholder.
type transcriptWriter struct {
	mu               sync.Mutex
	out              io.Writer
	buf              []byte
	awaitingResponse bool
}

func newTranscriptWriter(out io.Writer) *transcriptWriter {
	return &transcriptWriter{out: out}
}

func (t *transcriptWriter) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	for {
		i := bytes.IndexByte(t.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(t.buf[:i]), "\r")
		t.buf = t.buf[i+1:]
		if _, err := io.WriteString(t.out, t.format(line)+"\n"); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

func (t *transcriptWriter) format(line string) string {
	if isReply(line) {
		t.awaitingResponse = strings.HasPrefix(line, "334")
		return "  S: " + line
	}

	if t.awaitingResponse {
		t.awaitingResponse = false
		return "  C: " + redacted
	}

	fields := strings.Fields(line)
	if len(fields) >= 3 && strings.EqualFold(fields[0], "AUTH") {
		return "  C: " + fields[0] + " " + fields[1] + " " + redacted
	}
	return "  C: " + line
}

// isReply reports whether line looks like a server reply: three digits
// followed by a space, a dash, or nothing.
func isReply(line string) bool {
	if len(line) < 3 {
		return false
	}
	for _, c := range line[:3] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(line) == 3 || line[3] == ' ' || line[3] == '-'
}
