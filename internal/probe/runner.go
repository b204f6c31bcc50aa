// Package probe runs the SMTP account check: connect, STARTTLS, EHLO,
// authenticate, send one test message and close.
package probe

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/shineum/smtp-check/internal/console"
	"github.com/shineum/smtp-check/internal/email"
)

// State is a step of a run.
type State int

// Run states. A run starts in StateInit and ends in StateConnectFailed or
// StateDone.
const (
	StateInit State = iota
	StateConnecting
	StateConnected
	StateConnectFailed
	StateSending
	StateSent
	StateSendFailed
	StateClosing
	StateDone
)

var stateNames = [...]string{
	StateInit:          "INIT",
	StateConnecting:    "CONNECTING",
	StateConnected:     "CONNECTED",
	StateConnectFailed: "CONNECT_FAILED",
	StateSending:       "SENDING",
	StateSent:          "SENT",
	StateSendFailed:    "SEND_FAILED",
	StateClosing:       "CLOSING",
	StateDone:          "DONE",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// Observer is called on every state transition.
type Observer func(from, to State)

// Result is the outcome of a run.
type Result struct {
	Path     []State
	Final    State
	ExitCode int
	// Err is nil iff the message was sent.
	Err error
	// Durations maps a step (connect, tls, auth, send, close) to its duration.
	Durations map[string]time.Duration
	// Message is the message that was sent or attempted, nil if the run
	// never got that far.
	Message *email.Message
}

// Sent reports whether the path contains StateSent.
func (r *Result) Sent() bool {
	return slices.Contains(r.Path, StateSent)
}

// Kind returns the failure kind, KindNone on success.
func (r *Result) Kind() Kind {
	return KindOf(r.Err)
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Options Options

	// Message describes the test message. Host, Port, Username and
	// Authenticated are filled in from the run.
	Message email.TestMessageOptions

	// Title is printed in the opening banner.
	Title string

	Out      *console.Printer
	Observer Observer
}

// Runner sequences the Connector and the Sender.
type Runner struct {
	cfg       RunnerConfig
	connector *Connector
	sender    *Sender
	out       *console.Printer
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Out == nil {
		cfg.Out = console.Discard()
	}
	if cfg.Title == "" {
		cfg.Title = "SMTP CONNECTION TEST"
	}
	return &Runner{
		cfg:       cfg,
		connector: NewConnector(cfg.Options, cfg.Out),
		sender:    NewSender(cfg.Out),
		out:       cfg.Out,
	}
}

type run struct {
	result   *Result
	observer Observer
}

func (r *run) to(s State) {
	from := r.result.Final
	r.result.Path = append(r.result.Path, s)
	r.result.Final = s
	slog.Debug("state transition", "from", from.String(), "to", s.String())
	if r.observer != nil {
		r.observer(from, s)
	}
}

// Run executes one check. It never returns nil.
func (r *Runner) Run(ctx context.Context) *Result {
	res := &Result{
		Path:      []State{StateInit},
		Final:     StateInit,
		ExitCode:  1,
		Durations: make(map[string]time.Duration),
	}
	st := &run{result: res, observer: r.cfg.Observer}
	r.connector.observe = func(step string, d time.Duration) {
		res.Durations[step] = d
	}

	r.out.Banner(r.cfg.Title)

	st.to(StateConnecting)
	sess, err := r.connector.ConnectAndAuthenticate(ctx)
	if err != nil {
		res.Err = err
		st.to(StateConnectFailed)
		r.out.Step("Could not establish a connection with the SMTP server")
		return res
	}
	st.to(StateConnected)

	st.to(StateSending)
	start := time.Now()
	res.Message, res.Err = r.send(sess)
	res.Durations["send"] = time.Since(start)
	if res.Err != nil {
		st.to(StateSendFailed)
	} else {
		st.to(StateSent)
	}

	st.to(StateClosing)
	r.out.Step("Closing connection...")
	start = time.Now()
	if err := sess.Close(); err != nil {
		slog.Debug("closing session", "error", err)
	}
	res.Durations["close"] = time.Since(start)
	st.to(StateDone)

	r.out.Blank()
	r.out.Rule()

	if res.Sent() {
		res.ExitCode = 0
	}
	return res
}

func (r *Runner) send(sess *Session) (*email.Message, error) {
	opts := r.cfg.Message
	opts.Host = r.cfg.Options.Host
	opts.Port = r.cfg.Options.Port
	opts.Username = r.cfg.Options.Username
	opts.Authenticated = sess.Authenticated

	msg, err := email.NewTestMessage(opts)
	if err != nil {
		err = SendError.Wrap(err)
		r.out.Failure("Error building message: %s", Message(err))
		return nil, err
	}
	return msg, r.sender.Send(sess, msg)
}
