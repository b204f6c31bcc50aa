package probe

import (
	"bytes"
	"io"
	"net"
)

type upgradePhase int

const (
	phasePlain upgradePhase = iota
	phaseUpgrading
	phaseEncrypted
)

// upgradeConn wraps the raw connection for the plaintext part of a session.
// It calls onStartTLS once, just before the client writes STARTTLS, and
// copies the plaintext dialogue to transcript. Nothing is copied once the
// server has answered STARTTLS, so handshake records stay out of the
// transcript.
type upgradeConn struct {
	net.Conn
	transcript io.Writer
	onStartTLS func()
	phase      upgradePhase
}

func newUpgradeConn(conn net.Conn, transcript io.Writer, onStartTLS func()) *upgradeConn {
	return &upgradeConn{Conn: conn, transcript: transcript, onStartTLS: onStartTLS}
}

func (u *upgradeConn) Write(p []byte) (int, error) {
	if u.phase == phasePlain {
		if isStartTLS(p) {
			u.phase = phaseUpgrading
			if u.onStartTLS != nil {
				u.onStartTLS()
			}
		}
		u.copy(p)
	}
	return u.Conn.Write(p)
}

func (u *upgradeConn) Read(p []byte) (int, error) {
	n, err := u.Conn.Read(p)
	switch u.phase {
	case phasePlain:
		u.copy(p[:n])
	case phaseUpgrading:
		u.copy(p[:n])
		if bytes.IndexByte(p[:n], '\n') >= 0 {
			u.phase = phaseEncrypted
		}
	}
	return n, err
}

// startTLSSent reports whether the client got as far as issuing STARTTLS.
func (u *upgradeConn) startTLSSent() bool {
	return u.phase != phasePlain
}

func (u *upgradeConn) copy(p []byte) {
	if u.transcript == nil || len(p) == 0 {
		return
	}
	_, _ = u.transcript.Write(p)
}

func isStartTLS(p []byte) bool {
	line := bytes.TrimRight(p, "\r\n")
	return bytes.EqualFold(line, []byte("STARTTLS"))
}
