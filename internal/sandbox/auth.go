// Package sandbox implements a local SMTP submission server with STARTTLS and
// AUTH, used to exercise the checker without a real mail account.
package sandbox

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var errBadCredentials = errors.New("authentication failed")

// Authenticator handles SMTP AUTH verification against configured credentials.
type Authenticator struct {
	username    string
	password    string
	bearerToken string
}

// NewAuthenticator creates an Authenticator with the given credentials.
// If both username and password are empty, PLAIN and LOGIN are disabled;
// XOAUTH2 is enabled by a non-empty bearer token.
func NewAuthenticator(username, password, bearerToken string) *Authenticator {
	return &Authenticator{
		username:    username,
		password:    password,
		bearerToken: bearerToken,
	}
}

// Enabled returns true if any authentication mechanism is configured.
func (a *Authenticator) Enabled() bool {
	return a.passwordEnabled() || a.bearerToken != ""
}

// Mechanisms returns the mechanisms advertised in the EHLO AUTH line.
func (a *Authenticator) Mechanisms() []string {
	var mechs []string
	if a.passwordEnabled() {
		mechs = append(mechs, "PLAIN", "LOGIN")
	}
	if a.bearerToken != "" {
		mechs = append(mechs, "XOAUTH2")
	}
	return mechs
}

func (a *Authenticator) passwordEnabled() bool {
	return a.username != "" && a.password != ""
}

// VerifyPlain decodes and verifies an AUTH PLAIN response.
// AUTH PLAIN format: base64(authzid\0authcid\0password)
func (a *Authenticator) VerifyPlain(encoded string) error {
	if !a.passwordEnabled() {
		return errBadCredentials
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("invalid base64 encoding")
	}

	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return fmt.Errorf("invalid AUTH PLAIN format")
	}

	// parts[0] is the authorization identity and is ignored
	if parts[1] != a.username || parts[2] != a.password {
		return errBadCredentials
	}

	return nil
}

// VerifyLogin verifies AUTH LOGIN credentials after the challenge-response flow.
// Both username and password should be base64-encoded.
func (a *Authenticator) VerifyLogin(encodedUser, encodedPass string) error {
	if !a.passwordEnabled() {
		return errBadCredentials
	}

	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return fmt.Errorf("invalid base64 username")
	}

	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return fmt.Errorf("invalid base64 password")
	}

	if string(user) != a.username || string(pass) != a.password {
		return errBadCredentials
	}

	return nil
}

// VerifyXOAuth2 verifies an XOAUTH2 initial response of the form
// base64("user=" user "\x01auth=Bearer " token "\x01\x01").
// Any user is accepted as long as the bearer token matches.
func (a *Authenticator) VerifyXOAuth2(encoded string) error {
	if a.bearerToken == "" {
		return errBadCredentials
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("invalid base64 encoding")
	}

	var user, token string
	for _, field := range strings.Split(string(decoded), "\x01") {
		switch {
		case strings.HasPrefix(field, "user="):
			user = strings.TrimPrefix(field, "user=")
		case strings.HasPrefix(field, "auth=Bearer "):
			token = strings.TrimPrefix(field, "auth=Bearer ")
		}
	}
	if user == "" || token == "" {
		return fmt.Errorf("invalid XOAUTH2 format")
	}
	if token != a.bearerToken {
		return errBadCredentials
	}

	return nil
}
