// Package supervisor keeps a fixed set of machines registered.
//
// Each target is watched by its own goroutine: wait until SSH is
// reachable, run the registration flow, then hold the session until the
// machine drops it (the runner script powers the host off after its one
// job).  The machine is expected to come back as a fresh clone, at which
// point the cycle repeats.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/terrpan/vmrunner/internal/runner"
)

// Target is one machine to keep registered.
type Target struct {
	Name    string
	Address string
}

// Session is a live connection to a target.
type Session interface {
	runner.Connection

	// Wait blocks until the remote end closes the connection or ctx is
	// done.
	Wait(ctx context.Context) error
	Close() error
}

// Dialer opens sessions to targets.
type Dialer interface {
	Dial(ctx context.Context, target Target) (Session, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, target Target) (Session, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, target Target) (Session, error) {
	return f(ctx, target)
}

// Handler runs the registration flow on a connected machine.
type Handler interface {
	OnConnected(ctx context.Context, vm runner.VirtualMachine, conn runner.Connection) error
}

// State is where a target is in its cycle.
type State string

const (
	StateWaiting     State = "waiting"
	StateRegistering State = "registering"
	StateRunning     State = "running"
)

// TargetStatus is a point-in-time view of one target.
type TargetStatus struct {
	Name          string    `json:"name"`
	Address       string    `json:"address"`
	State         State     `json:"state"`
	Registrations int       `json:"registrations"`
	LastError     string    `json:"last_error,omitempty"`
	LastChange    time.Time `json:"last_change"`
}

// Config holds the supervisor settings.
type Config struct {
	Targets []Target
	Dialer  Dialer
	Handler Handler
	Logger  *slog.Logger

	// RetryInterval is the pause after a session ends before the target
	// is dialed again.
	RetryInterval time.Duration

	// NewBackOff returns the dial retry policy.  Defaults to an
	// exponential backoff capped at 30s that never gives up.
	NewBackOff func() backoff.BackOff
}

// Supervisor watches the configured targets.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	status []TargetStatus
	index  map[string]int
}

// New creates a Supervisor.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("supervisor: dialer is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("supervisor: handler is required")
	}
	if len(cfg.Targets) == 0 {
		return nil, errors.New("supervisor: at least one target is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = defaultBackOff
	}

	s := &Supervisor{
		cfg:    cfg,
		logger: cfg.Logger,
		now:    time.Now,
		index:  make(map[string]int, len(cfg.Targets)),
	}
	for i, t := range cfg.Targets {
		if _, dup := s.index[t.Name]; dup {
			return nil, fmt.Errorf("supervisor: duplicate target name %q", t.Name)
		}
		s.index[t.Name] = i
		s.status = append(s.status, TargetStatus{
			Name:       t.Name,
			Address:    t.Address,
			State:      StateWaiting,
			LastChange: s.now(),
		})
	}

	_, err := otel.Meter("vmrunner/supervisor").Int64ObservableGauge(
		"vmrunner.targets",
		metric.WithDescription("Number of targets per state"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			counts := map[State]int64{StateWaiting: 0, StateRegistering: 0, StateRunning: 0}
			for _, st := range s.Status() {
				counts[st.State]++
			}
			for state, n := range counts {
				o.Observe(n, metric.WithAttributes(attribute.String("state", string(state))))
			}
			return nil
		}),
	)
	if err != nil {
		s.logger.Warn("failed to create targets gauge", slog.String("error", err.Error()))
	}

	return s, nil
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Run watches every target until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range s.cfg.Targets {
		g.Go(func() error {
			s.watch(ctx, t)
			return nil
		})
	}
	return g.Wait()
}

// Status returns a snapshot of every target, in configuration order.
func (s *Supervisor) Status() []TargetStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]TargetStatus, len(s.status))
	copy(result, s.status)
	return result
}

func (s *Supervisor) watch(ctx context.Context, t Target) {
	logger := s.logger.With(slog.String("target", t.Name), slog.String("address", t.Address))

	for {
		sess, err := s.dial(ctx, t, logger)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("giving up dialing target", slog.String("error", err.Error()))
			s.update(t.Name, StateWaiting, err)
		} else {
			s.serve(ctx, t, sess, logger)
		}

		if !sleep(ctx, s.cfg.RetryInterval) {
			return
		}
	}
}

func (s *Supervisor) dial(ctx context.Context, t Target, logger *slog.Logger) (Session, error) {
	var sess Session
	op := func() error {
		var err error
		sess, err = s.cfg.Dialer.Dial(ctx, t)
		return err
	}
	notify := func(err error, next time.Duration) {
		logger.Debug("target not reachable yet",
			slog.String("error", err.Error()),
			slog.Duration("retryIn", next),
		)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(s.cfg.NewBackOff(), ctx), notify); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Supervisor) serve(ctx context.Context, t Target, sess Session, logger *slog.Logger) {
	defer func() {
		if err := sess.Close(); err != nil {
			logger.Debug("closing session", slog.String("error", err.Error()))
		}
	}()

	s.update(t.Name, StateRegistering, nil)
	if err := s.cfg.Handler.OnConnected(ctx, runner.VirtualMachine{Name: t.Name}, sess); err != nil {
		logger.Error("registration failed", slog.String("error", err.Error()))
		s.update(t.Name, StateWaiting, err)
		return
	}

	s.registered(t.Name)
	logger.Info("runner registered, waiting for machine to go away")

	if err := sess.Wait(ctx); err != nil && ctx.Err() == nil {
		logger.Debug("session ended", slog.String("error", err.Error()))
	}
	s.update(t.Name, StateWaiting, nil)
	logger.Info("machine disconnected")
}

func (s *Supervisor) update(name string, state State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &s.status[s.index[name]]
	st.State = state
	st.LastChange = s.now()
	if err != nil {
		st.LastError = err.Error()
	}
}

func (s *Supervisor) registered(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &s.status[s.index[name]]
	st.State = StateRunning
	st.Registrations++
	st.LastError = ""
	st.LastChange = s.now()
}

// sleep waits for d and reports whether ctx is still live.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
