package probe

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTranscriptWriter(t *testing.T) {
	var out bytes.Buffer
	w := newTranscriptWriter(&out)

	for _, chunk := range []string{
		"220 mail.example.com ESMTP\r\n",
		"EHLO local", "host\r\n",
		"250-mail.example.com\r\n250 AUTH PLAIN LOGIN\r\n",
		"AUTH PLAIN AHVzZXIAc2VjcmV0\r\n",
		"235 2.7.0 ok\r\n",
		"AUTH LOGIN\r\n",
		"334 VXNlcm5hbWU6\r\n",
		"dXNlcg==\r\n",
		"334 UGFzc3dvcmQ6\r\n",
		"c2VjcmV0\r\n",
		"235 2.7.0 ok\r\n",
		"QUIT\r\n",
		"221 bye", // no newline yet
	} {
		n, err := w.Write([]byte(chunk))
		assert.NoError(t, err)
		assert.Equal(t, len(chunk), n)
	}

	want := "" +
		"  S: 220 mail.example.com ESMTP\n" +
		"  C: EHLO localhost\n" +
		"  S: 250-mail.example.com\n" +
		"  S: 250 AUTH PLAIN LOGIN\n" +
		"  C: AUTH PLAIN <redacted>\n" +
		"  S: 235 2.7.0 ok\n" +
		"  C: AUTH LOGIN\n" +
		"  S: 334 VXNlcm5hbWU6\n" +
		"  C: <redacted>\n" +
		"  S: 334 UGFzc3dvcmQ6\n" +
		"  C: <redacted>\n" +
		"  S: 235 2.7.0 ok\n" +
		"  C: QUIT\n"
	assert.Equal(t, want, out.String())
}

func TestIsReply(t *testing.T) {
	assert.True(t, isReply("250"))
	assert.True(t, isReply("250-SIZE"))
	assert.True(t, isReply("354 go ahead"))
	assert.False(t, isReply("25"))
	assert.False(t, isReply("EHLO x"))
	assert.False(t, isReply("2500"))
}
