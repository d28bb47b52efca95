package renderhost

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State is the supervisor's lifecycle state. It is the single source of
// truth for whether a channel is currently valid.
type State int

const (
	// StateNotStarted is the initial state before Start.
	StateNotStarted State = iota

	// StateStarting means an incarnation is being launched and the version
	// gate has not passed yet.
	StateStarting

	// StateConnected means a live channel to a handshaked incarnation
	// exists.
	StateConnected

	// StateCrashed means the incarnation terminated; pending requests have
	// been failed and caches discarded.
	StateCrashed

	// StateRespawning means the supervisor is waiting out the backoff delay
	// before the next launch attempt.
	StateRespawning

	// StateFatalFailure is terminal: respawn attempts are exhausted or the
	// version gate failed. The supervisor never retries past this point.
	StateFatalFailure

	// StateStopped is the terminal state after an explicit Shutdown.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateStarting:
		return "starting"
	case StateConnected:
		return "connected"
	case StateCrashed:
		return "crashed"
	case StateRespawning:
		return "respawning"
	case StateFatalFailure:
		return "fatal-failure"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// NotificationKind tags a supervisor notification.
type NotificationKind int

const (
	// NoticeConnected reports a new incarnation passed the version gate.
	NoticeConnected NotificationKind = iota

	// NoticeCrash carries the crash report of a dead incarnation. Delivered
	// even though the channel itself is already gone.
	NoticeCrash

	// NoticeRespawning reports that a launch attempt failed or an
	// incarnation died and the supervisor is backing off before retrying.
	NoticeRespawning

	// NoticeFatalFailure reports the terminal give-up. The embedding
	// application decides whether to exit or degrade.
	NoticeFatalFailure

	// NoticeSettings carries a decoded configuration change from the
	// render host's config bridge.
	NoticeSettings

	// NoticeEvent carries any other render-host event verbatim.
	NoticeEvent
)

// Notification is one entry in the supervisor's application-visible stream:
// lifecycle transitions, crash reports, and render-host events, in order.
type Notification struct {
	Kind        NotificationKind
	Incarnation uuid.UUID
	Crash       *CrashReport
	Err         error
	Settings    *Settings
	Event       *Event
}

// Supervisor owns the render host's lifecycle: it launches incarnations,
// builds a channel per incarnation, detects termination, and drives the
// bounded respawn loop. It is an explicitly constructed object with a
// Start/Shutdown lifecycle; there is no package-level supervisor.
//
// State transitions:
//
//	NotStarted → Starting → Connected → Crashed → Respawning → Starting
//	                  │                                │
//	                  └──────→ FatalFailure ←──────────┘
//
// On every transition into Crashed, all requests pending on the dead channel
// fail with ErrConnectionLost in one sweep and the resource and extension
// caches for that incarnation are discarded.
type Supervisor struct {
	cfg      SupervisorConfig
	launcher Launcher
	ser      Serializer
	log      zerolog.Logger

	mu         sync.Mutex
	state      State
	channel    *Channel
	endpoint   *Endpoint
	resources  *ResourceView
	extensions *ExtensionView
	closing    bool
	started    bool

	notes    *orderedQueue[Notification]
	stop     chan struct{}
	stopOnce sync.Once
	runDone  chan struct{}
}

// NewSupervisor builds a supervisor over the given launcher. The returned
// supervisor is inert until Start.
func NewSupervisor(cfg SupervisorConfig, launcher Launcher, log zerolog.Logger) (*Supervisor, error) {
	if launcher == nil {
		return nil, errors.New("launcher must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Supervisor{
		cfg:      cfg,
		launcher: launcher,
		ser:      MsgpackSerializer{},
		log:      log,
		notes:    newOrderedQueue[Notification](),
		stop:     make(chan struct{}),
		runDone:  make(chan struct{}),
	}, nil
}

// Start launches the first incarnation and blocks until the version gate
// passes or the first attempt fails terminally. A version mismatch is
// returned as a *VersionMismatchError and is never retried; launch failures
// are retried within the configured bound before ErrFatalFailure.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateNotStarted {
		s.mu.Unlock()
		return fmt.Errorf("%w: start in state %s", ErrInvalidState, s.state)
	}
	s.state = StateStarting
	s.started = true
	s.mu.Unlock()

	first := make(chan error, 1)
	go s.run(ctx, first)
	return <-first
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Notifications is the ordered stream of lifecycle transitions and
// render-host events. The channel is closed by Shutdown.
func (s *Supervisor) Notifications() <-chan Notification {
	return s.notes.out
}

// Incarnation returns the identity of the currently connected incarnation,
// or uuid.Nil when no channel is live.
func (s *Supervisor) Incarnation() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel == nil {
		return uuid.Nil
	}
	return s.channel.Incarnation()
}

// Call issues a request against the current incarnation. The state check
// and the channel grab happen under one lock, so a channel being torn down
// concurrently is never half-used: the call either goes to a live channel
// or fails immediately.
func (s *Supervisor) Call(ctx context.Context, method string, body []byte) ([]byte, error) {
	ch, err := s.liveChannel()
	if err != nil {
		return nil, err
	}
	return ch.Call(ctx, method, body)
}

// Negotiate resolves an optional capability against the current
// incarnation. Idempotent per incarnation; the second return value is false
// for an unsupported extension, which is a normal outcome, not an error.
func (s *Supervisor) Negotiate(ctx context.Context, name string) (ExtensionID, bool, error) {
	s.mu.Lock()
	ch, ev := s.channel, s.extensions
	state := s.state
	s.mu.Unlock()
	if state != StateConnected || ch == nil {
		return 0, false, s.stateError(state)
	}
	return ev.Negotiate(ctx, ch, name)
}

// RequireExtension returns the id of a previously negotiated extension, or
// ErrUnknownExtension, the precondition gate callers must pass before
// sending extension-tagged payloads.
func (s *Supervisor) RequireExtension(name string) (ExtensionID, error) {
	s.mu.Lock()
	ev := s.extensions
	s.mu.Unlock()
	if ev == nil {
		return 0, ErrConnectionLost
	}
	return ev.Require(name)
}

// Allocate asks the current incarnation to mint a resource identifier.
func (s *Supervisor) Allocate(ctx context.Context, kind ResourceKind) (ResourceID, error) {
	s.mu.Lock()
	ch, rv := s.channel, s.resources
	state := s.state
	s.mu.Unlock()
	if state != StateConnected || ch == nil {
		return ResourceID{}, s.stateError(state)
	}
	return rv.Allocate(ctx, ch, kind)
}

// IsValid reports whether id was minted by the given incarnation and that
// incarnation is still the live one. Identifiers from dead incarnations are
// invalid even when a later incarnation minted the same numeric value.
func (s *Supervisor) IsValid(id ResourceID, incarnation uuid.UUID) bool {
	s.mu.Lock()
	rv := s.resources
	s.mu.Unlock()
	if rv == nil {
		return false
	}
	return rv.IsValid(id, incarnation)
}

// Shutdown tears the supervisor down: the incarnation is terminated, the
// channel closed, and the notification stream ended. Terminal and
// idempotent.
func (s *Supervisor) Shutdown() error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	ch, ep := s.channel, s.endpoint
	started := s.started
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stop) })
	if ep != nil {
		ep.Terminate()
	}
	if ch != nil {
		ch.Close()
	}
	if started {
		<-s.runDone
	}

	s.mu.Lock()
	s.state = StateStopped
	s.channel = nil
	s.endpoint = nil
	s.resources = nil
	s.extensions = nil
	s.mu.Unlock()
	s.notes.close()
	s.log.Info().Msg("supervisor stopped")
	return nil
}

func (s *Supervisor) liveChannel() (*Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected || s.channel == nil {
		return nil, s.stateError(s.state)
	}
	return s.channel, nil
}

// stateError maps a non-connected state to the error a caller should see.
// Called with s.mu held or with a snapshot of the state.
func (s *Supervisor) stateError(state State) error {
	switch state {
	case StateFatalFailure:
		return ErrFatalFailure
	case StateNotStarted, StateStopped:
		return fmt.Errorf("%w: no channel in state %s", ErrInvalidState, state)
	default:
		return ErrConnectionLost
	}
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	old := s.state
	s.state = state
	s.mu.Unlock()
	if old != state {
		s.log.Debug().Stringer("from", old).Stringer("to", state).Msg("supervisor transition")
	}
}

func (s *Supervisor) notify(n Notification) {
	s.notes.push(n)
}

// run is the respawn state machine: a bounded loop with exponential
// backoff, never unbounded recursion, so termination is provable. first
// receives the outcome of the initial connection attempt.
func (s *Supervisor) run(ctx context.Context, first chan<- error) {
	defer close(s.runDone)

	reportFirst := func(err error) {
		if first != nil {
			first <- err
			first = nil
		}
	}

	attempt := 0
	backoff := s.cfg.InitialBackoff.Duration

	for {
		s.setState(StateStarting)

		ep, err := s.launcher.Launch(ctx)
		var ch *Channel
		if err == nil {
			ch, err = NewChannel(ep.Transport, s.ser, s.cfg.ProtocolVersion, s.log)
			if err != nil {
				ep.Terminate()
			}
		}
		if err != nil {
			var mismatch *VersionMismatchError
			if errors.As(err, &mismatch) {
				// A configuration error, not a transient fault: terminal,
				// never retried.
				s.fail(err)
				reportFirst(err)
				return
			}
			s.log.Warn().Err(err).Int("attempt", attempt+1).Msg("render host launch failed")
			attempt++
			if attempt > s.cfg.MaxRespawnAttempts {
				s.fail(ErrFatalFailure)
				reportFirst(ErrFatalFailure)
				return
			}
			s.setState(StateRespawning)
			s.notify(Notification{Kind: NoticeRespawning, Err: err})
			if !s.sleep(ctx, backoff) {
				stopErr := ctx.Err()
				if stopErr == nil {
					stopErr = ErrInvalidState
				}
				reportFirst(stopErr)
				return
			}
			backoff = s.nextBackoff(backoff)
			continue
		}

		// Connected: fresh caches keyed by the incarnation identity.
		incarnation := ch.Incarnation()
		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			ch.Close()
			ep.Terminate()
			reportFirst(ErrInvalidState)
			return
		}
		s.state = StateConnected
		s.channel = ch
		s.endpoint = ep
		s.resources = newResourceView(incarnation)
		s.extensions = newExtensionView(incarnation)
		s.mu.Unlock()

		attempt = 0
		backoff = s.cfg.InitialBackoff.Duration
		s.log.Info().Str("incarnation", incarnation.String()).Msg("render host connected")
		s.notify(Notification{Kind: NoticeConnected, Incarnation: incarnation})
		reportFirst(nil)

		eventsDone := make(chan struct{})
		go s.forwardEvents(ch, eventsDone)

		report := ep.Wait()

		// The transport read usually notices first, but make the sweep
		// unconditional: every pending request fails exactly once, and the
		// caches die with the channel.
		ch.die(ErrConnectionLost)
		<-eventsDone

		s.mu.Lock()
		closing := s.closing
		s.channel = nil
		s.endpoint = nil
		s.resources = nil
		s.extensions = nil
		if !closing {
			s.state = StateCrashed
		}
		s.mu.Unlock()
		if closing {
			return
		}

		if report == nil {
			// The host exited cleanly but was not asked to; still a crash
			// from the supervisor's point of view.
			report = &CrashReport{Thread: "render-host"}
		}
		s.log.Error().Str("incarnation", incarnation.String()).
			Str("cause", report.String()).Msg("render host crashed")
		s.notify(Notification{Kind: NoticeCrash, Incarnation: incarnation, Crash: report})

		attempt++
		if attempt > s.cfg.MaxRespawnAttempts {
			s.fail(ErrFatalFailure)
			return
		}
		s.setState(StateRespawning)
		s.notify(Notification{Kind: NoticeRespawning, Crash: report})
		if !s.sleep(ctx, backoff) {
			return
		}
		backoff = s.nextBackoff(backoff)
	}
}

func (s *Supervisor) forwardEvents(ch *Channel, done chan<- struct{}) {
	defer close(done)
	for ev := range ch.Events() {
		if ev.Topic == TopicSettings {
			settings, err := DecodeSettingsEvent(s.ser, ev)
			if err != nil {
				s.log.Warn().Err(err).Msg("undecodable settings event")
				continue
			}
			s.notify(Notification{Kind: NoticeSettings, Settings: &settings})
			continue
		}
		ev := ev
		s.notify(Notification{Kind: NoticeEvent, Event: &ev})
	}
}

func (s *Supervisor) fail(err error) {
	s.setState(StateFatalFailure)
	s.log.Error().Err(err).Msg("supervisor giving up")
	s.notify(Notification{Kind: NoticeFatalFailure, Err: err})
}

// sleep waits out a backoff delay; false means the supervisor is stopping.
func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-s.stop:
		return false
	}
}

func (s *Supervisor) nextBackoff(current time.Duration) time.Duration {
	next := current * time.Duration(s.cfg.BackoffFactor)
	if max := s.cfg.MaxBackoff.Duration; next > max {
		return max
	}
	return next
}
