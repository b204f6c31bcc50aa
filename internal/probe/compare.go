package probe

import (
	"context"
	"time"

	"github.com/shineum/smtp-check/internal/console"
)

// DefaultComparePause separates the two compare runs.
const DefaultComparePause = 2 * time.Second

// CompareConfig configures Compare. Base.Options.SkipAuth and
// Base.Message.Label are set per run.
type CompareConfig struct {
	Base  RunnerConfig
	Pause time.Duration
}

// CompareResult holds both runs.
type CompareResult struct {
	WithoutAuth *Result
	WithAuth    *Result
	ExitCode    int
}

// Compare runs the check without authentication and then with it, and
// prints a summary. It exits 0 if at least one run delivered its message.
func Compare(ctx context.Context, cfg CompareConfig) *CompareResult {
	out := cfg.Base.Out
	if out == nil {
		out = console.Discard()
	}
	pause := cfg.Pause
	if pause < 0 {
		pause = 0
	}

	out.Blank()
	out.Box("SMTP CHECK - WITH AND WITHOUT AUTHENTICATION")

	without := cfg.Base
	without.Out = out
	without.Title = "TEST WITHOUT AUTHENTICATION"
	without.Options.SkipAuth = true
	without.Message.Label = "without authentication"

	with := cfg.Base
	with.Out = out
	with.Title = "TEST WITH AUTHENTICATION"
	with.Options.SkipAuth = false
	with.Message.Label = "with authentication"

	res := &CompareResult{ExitCode: 1}

	out.Blank()
	res.WithoutAuth = NewRunner(without).Run(ctx)

	if pause > 0 {
		out.Step("Waiting %s before the next test...", pause)
		select {
		case <-ctx.Done():
		case <-time.After(pause):
		}
	}

	out.Blank()
	res.WithAuth = NewRunner(with).Run(ctx)

	printSummary(out, cfg.Base.Message.To, res)

	if res.WithoutAuth.Sent() || res.WithAuth.Sent() {
		res.ExitCode = 0
	}
	return res
}

func printSummary(out *console.Printer, to string, res *CompareResult) {
	out.Blank()
	out.Banner("SUMMARY")
	out.Blank()

	sent := 0
	for _, r := range []struct {
		name string
		res  *Result
	}{
		{"Without authentication", res.WithoutAuth},
		{"With authentication", res.WithAuth},
	} {
		if r.res.Sent() {
			sent++
			out.Success("%s: SUCCESS", r.name)
		} else {
			out.Failure("%s: FAILED (%s)", r.name, r.res.Kind())
		}
	}

	out.Blank()
	switch sent {
	case 0:
		out.Line("No message was delivered.")
	case 1:
		out.Line("Check the inbox of %s: 1 message should arrive.", to)
	default:
		out.Line("Check the inbox of %s: %d messages should arrive.", to, sent)
	}
	out.Blank()
}
