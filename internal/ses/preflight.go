package ses

import (
	"context"
	"log/slog"

	"github.com/shineum/smtp-check/internal/console"
)

// Preflight prints the account status and the sender identity status.
// Problems are reported as warnings; the caller continues with the SMTP
// check regardless. It returns false if any warning was printed.
func (c *Client) Preflight(ctx context.Context, from string, out *console.Printer) bool {
	ok := true

	out.Step("Checking SES account...")
	acct, err := c.Account(ctx)
	switch {
	case err != nil:
		slog.Debug("SES account lookup failed", "error", err)
		out.Warning("Could not read SES account: %v", err)
		ok = false
	default:
		if acct.SendingEnabled {
			out.Success("Sending is enabled")
		} else {
			out.Warning("Sending is disabled for this account")
			ok = false
		}
		if acct.ProductionAccess {
			out.Success("Production access granted")
		} else {
			out.Warning("Account is in the SES sandbox: recipients must be verified")
			ok = false
		}
		out.Detail("Quota: %.0f/%.0f sent in the last 24h, max %.0f/s",
			acct.SentLast24Hours, acct.Max24HourSend, acct.MaxSendRate)
		if acct.EnforcementStatus != "" && acct.EnforcementStatus != "HEALTHY" {
			out.Warning("Enforcement status: %s", acct.EnforcementStatus)
			ok = false
		}
	}

	ident, err := c.Identity(ctx, from)
	switch {
	case err != nil:
		slog.Debug("SES identity lookup failed", "identity", from, "error", err)
		out.Warning("Sender %s is not a verified SES identity", from)
		ok = false
	case ident.VerifiedForSending:
		out.Success("Identity %s verified for sending", ident.Identity)
	default:
		out.Warning("Identity %s exists but is not verified for sending", ident.Identity)
		ok = false
	}

	return ok
}
