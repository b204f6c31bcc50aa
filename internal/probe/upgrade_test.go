package probe

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpgradeConn(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	var transcript bytes.Buffer
	calls := 0
	conn := newUpgradeConn(client, &transcript, func() { calls++ })

	serverLines := bufio.NewReader(server)
	send := func(line string) {
		t.Helper()
		done := make(chan string, 1)
		go func() {
			got, _ := serverLines.ReadString('\n')
			done <- got
		}()
		_, err := conn.Write([]byte(line))
		require.NoError(t, err)
		assert.Equal(t, line, <-done)
	}
	reply := func(line string) {
		t.Helper()
		go func() { _, _ = server.Write([]byte(line)) }()
		buf := make([]byte, len(line))
		_, err := io.ReadFull(conn, buf)
		require.NoError(t, err)
	}

	reply("220 ready\r\n")
	send("EHLO localhost\r\n")
	reply("250 ok\r\n")
	assert.False(t, conn.startTLSSent())
	assert.Equal(t, 0, calls)

	send("STARTTLS\r\n")
	assert.True(t, conn.startTLSSent())
	assert.Equal(t, 1, calls)

	reply("220 go ahead\r\n")
	send("\x16\x03\x01handshake\n")
	reply("\x16\x03\x03records\n")
	assert.Equal(t, 1, calls)

	text := transcript.String()
	assert.Contains(t, text, "EHLO localhost")
	assert.Contains(t, text, "STARTTLS")
	assert.Contains(t, text, "220 go ahead")
	assert.NotContains(t, text, "handshake")
	assert.NotContains(t, text, "records")
}

func TestIsStartTLS(t *testing.T) {
	assert.True(t, isStartTLS([]byte("STARTTLS\r\n")))
	assert.True(t, isStartTLS([]byte("starttls\r\n")))
	assert.False(t, isStartTLS([]byte("EHLO localhost\r\n")))
	assert.False(t, isStartTLS([]byte("STARTTLS now\r\n")))
}
