package hotspot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a session's most recent request
type State int

const (
	StateIdle State = iota
	StateRunning
	StateSucceeded
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{StateIdle, StateRunning, StateSucceeded, StateFailed, StateCancelled} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}

// Terminal reports whether no further transitions follow without a new request
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Runner executes one clustering request. *Engine implements it.
type Runner interface {
	Run(ctx context.Context, points []Incident, params Params) (*Result, error)
}

// SessionConfig tunes timeouts, caching and synthetic progress
type SessionConfig struct {
	Timeout          time.Duration   `yaml:"timeout" json:"timeout"`
	CacheSize        int             `yaml:"cacheSize" json:"cacheSize"`
	Fingerprint      FingerprintMode `yaml:"fingerprint" json:"fingerprint"`
	ProgressInterval time.Duration   `yaml:"progressInterval" json:"progressInterval"`
	ProgressStep     int             `yaml:"progressStep" json:"progressStep"`
	ProgressCeiling  int             `yaml:"progressCeiling" json:"progressCeiling"`
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Timeout:          30 * time.Second,
		CacheSize:        DefaultCacheSize,
		Fingerprint:      FingerprintSampled,
		ProgressInterval: 300 * time.Millisecond,
		ProgressStep:     10,
		ProgressCeiling:  90,
	}
}

// Validate checks the progress ceiling stays below completion
func (c SessionConfig) Validate() error {
	if c.Timeout < 0 {
		return fmt.Errorf("session.timeout must be >= 0")
	}
	if c.ProgressCeiling < 0 || c.ProgressCeiling >= 100 {
		return fmt.Errorf("session.progressCeiling must be within 0-99")
	}
	if c.ProgressStep < 0 {
		return fmt.Errorf("session.progressStep must be >= 0")
	}
	return c.Fingerprint.Validate()
}

// Status is a point-in-time view of a session
type Status struct {
	SessionID   string    `json:"sessionId"`
	State       State     `json:"state"`
	Progress    int       `json:"progress"`
	Generation  uint64    `json:"generation"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	FromCache   bool      `json:"fromCache"`
	Error       string    `json:"error,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`

	seq uint64
}

// Outcome is the final disposition of one submitted request
type Outcome struct {
	State      State
	Result     *Result
	Err        error
	FromCache  bool
	Generation uint64
}

// Ticket is the future returned by Submit
type Ticket struct {
	generation  uint64
	fingerprint string
	done        chan struct{}
	once        sync.Once
	outcome     Outcome
}

func newTicket(gen uint64, fingerprint string) *Ticket {
	return &Ticket{generation: gen, fingerprint: fingerprint, done: make(chan struct{})}
}

func (t *Ticket) resolve(o Outcome) {
	t.once.Do(func() {
		o.Generation = t.generation
		t.outcome = o
		close(t.done)
	})
}

// Generation is the session generation this request was assigned
func (t *Ticket) Generation() uint64 { return t.generation }

// Done is closed once the outcome is known
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Outcome returns the resolved outcome, or false while still pending
func (t *Ticket) Outcome() (Outcome, bool) {
	select {
	case <-t.done:
		return t.outcome, true
	default:
		return Outcome{}, false
	}
}

// Wait blocks until the outcome is known or ctx ends
func (t *Ticket) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-t.done:
		return t.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// SessionOption configures a Session
type SessionOption func(*Session)

// WithObserver registers fn to receive every status change in order. fn
// runs on session goroutines and must not call Submit, Cancel or Close.
func WithObserver(fn func(Status)) SessionOption {
	return func(s *Session) { s.observer = fn }
}

func WithSessionMetrics(m *Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

func WithSessionID(id string) SessionOption {
	return func(s *Session) { s.id = id }
}

// WithFingerprint overrides the configured cache key mode for one session
func WithFingerprint(mode FingerprintMode) SessionOption {
	return func(s *Session) {
		if mode != "" {
			s.cfg.Fingerprint = mode
		}
	}
}

// Session runs at most one clustering request at a time in the background.
// A newer Submit supersedes the in-flight run; its result is discarded.
// Each session owns its result cache.
type Session struct {
	id       string
	cfg      SessionConfig
	runner   Runner
	cache    *ResultCache
	metrics  *Metrics
	observer func(Status)

	mu         sync.Mutex
	generation uint64
	seq        uint64
	status     Status
	result     *Result
	cancel     context.CancelFunc
	current    *Ticket
	closed     bool

	notifyMu  sync.Mutex
	delivered uint64

	wg sync.WaitGroup
}

// NewSession creates an idle session backed by runner
func NewSession(runner Runner, cfg SessionConfig, opts ...SessionOption) *Session {
	def := DefaultSessionConfig()
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = def.ProgressInterval
	}
	if cfg.Fingerprint == "" {
		cfg.Fingerprint = def.Fingerprint
	}
	s := &Session{
		id:     uuid.NewString(),
		cfg:    cfg,
		runner: runner,
		cache:  NewResultCache(cfg.CacheSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.status = Status{SessionID: s.id, State: StateIdle, UpdatedAt: time.Now()}
	s.metrics.SessionOpened()
	return s
}

func (s *Session) ID() string { return s.id }

// Status returns a snapshot of the current state
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Result returns a copy of the latest successful result
func (s *Session) Result() (*Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return nil, false
	}
	return s.result.Clone(), true
}

// Cache exposes the session's result cache
func (s *Session) Cache() *ResultCache { return s.cache }

// Submit starts clustering a copy of points in the background and returns
// immediately. Invalid parameters are rejected synchronously. A cached
// fingerprint resolves the ticket at once; an identical request that is
// already running shares that run's ticket.
func (s *Session) Submit(points []Incident, params Params) (*Ticket, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	key := Fingerprint(s.cfg.Fingerprint, points, params)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if s.current != nil && s.status.State == StateRunning && s.current.fingerprint == key {
		t := s.current
		s.mu.Unlock()
		return t, nil
	}

	s.generation++
	gen := s.generation
	prev := s.current
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	ticket := newTicket(gen, key)
	s.current = ticket

	if cached, ok := s.cache.Get(key); ok {
		s.result = cached
		st := s.setStatusLocked(StateSucceeded, 100, key, true, "")
		s.mu.Unlock()

		s.supersede(prev)
		ticket.resolve(Outcome{State: StateSucceeded, Result: cached.Clone(), FromCache: true})
		s.metrics.CacheHit()
		log.Printf("[SESSION] %s gen %d served from cache", s.id, gen)
		s.notify(st)
		return ticket, nil
	}

	var ctx context.Context
	var cancel context.CancelFunc
	if s.cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), s.cfg.Timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	s.cancel = cancel
	st := s.setStatusLocked(StateRunning, 0, key, false, "")
	s.wg.Add(2)
	s.mu.Unlock()

	s.supersede(prev)
	s.metrics.CacheMiss()

	batch := cloneIncidents(points)
	go s.tick(ctx, gen)
	go s.run(ctx, cancel, ticket, batch, params)

	log.Printf("[SESSION] %s gen %d started: %d points", s.id, gen, len(batch))
	s.notify(st)
	return ticket, nil
}

// Cancel aborts the in-flight run, if any
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.closed || s.status.State != StateRunning {
		s.mu.Unlock()
		return
	}
	s.generation++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	prev := s.current
	st := s.setStatusLocked(StateCancelled, s.status.Progress, s.status.Fingerprint, false, "")
	s.mu.Unlock()

	s.supersede(prev)
	s.notify(st)
}

// Close cancels any in-flight run and waits for background work to stop.
// No status or outcome is delivered after Close returns.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.generation++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	prev := s.current
	if s.status.State == StateRunning {
		s.setStatusLocked(StateCancelled, s.status.Progress, s.status.Fingerprint, false, "")
	}
	s.mu.Unlock()

	s.supersede(prev)
	s.wg.Wait()
	s.metrics.SessionClosed()
	log.Printf("[SESSION] %s closed", s.id)
}

func (s *Session) supersede(t *Ticket) {
	if t != nil {
		t.resolve(Outcome{State: StateCancelled})
	}
}

type runResult struct {
	res *Result
	err error
}

func (s *Session) run(ctx context.Context, cancel context.CancelFunc, ticket *Ticket, points []Incident, params Params) {
	defer s.wg.Done()
	defer cancel()

	start := time.Now()
	done := make(chan runResult, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res, err := s.execute(ctx, points, params)
		done <- runResult{res: res, err: err}
	}()

	var rr runResult
	select {
	case rr = <-done:
	case <-ctx.Done():
		// A runner that ignores ctx must not hold the outcome past the deadline.
		rr.err = ctx.Err()
	}
	if rr.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(rr.err, ErrTimeout) {
		rr.err = &ClusterError{Kind: ErrTimeout, Reason: fmt.Sprintf("exceeded %v", s.cfg.Timeout), Err: rr.err}
	}
	elapsed := time.Since(start)

	s.mu.Lock()
	if s.closed || ticket.generation != s.generation {
		s.mu.Unlock()
		s.metrics.ObserveRun(StateCancelled, 0)
		log.Printf("[SESSION] %s gen %d superseded, result discarded", s.id, ticket.generation)
		ticket.resolve(Outcome{State: StateCancelled})
		return
	}
	s.cancel = nil

	var out Outcome
	var st Status
	if rr.err != nil {
		st = s.setStatusLocked(StateFailed, s.status.Progress, ticket.fingerprint, false, rr.err.Error())
		out = Outcome{State: StateFailed, Err: rr.err}
	} else {
		s.cache.Put(ticket.fingerprint, rr.res)
		s.result = rr.res
		st = s.setStatusLocked(StateSucceeded, 100, ticket.fingerprint, false, "")
		out = Outcome{State: StateSucceeded, Result: rr.res.Clone()}
	}
	s.mu.Unlock()

	s.metrics.ObserveRun(out.State, elapsed)
	if rr.err != nil {
		log.Printf("[SESSION] %s gen %d failed after %v: %v", s.id, ticket.generation, elapsed, rr.err)
	} else {
		log.Printf("[SESSION] %s gen %d succeeded in %v: %d clusters", s.id, ticket.generation, elapsed, len(rr.res.Clusters))
	}
	ticket.resolve(out)
	s.notify(st)
}

// execute shields the session from panics inside the runner
func (s *Session) execute(ctx context.Context, points []Incident, params Params) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("clustering panicked: %v", r)
		}
	}()
	return s.runner.Run(ctx, points, params)
}

// tick advances synthetic progress until the run it belongs to ends
func (s *Session) tick(ctx context.Context, gen uint64) {
	defer s.wg.Done()
	if s.cfg.ProgressStep <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(s.cfg.ProgressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.closed || gen != s.generation || s.status.State != StateRunning {
				s.mu.Unlock()
				return
			}
			next := min(s.status.Progress+s.cfg.ProgressStep, s.cfg.ProgressCeiling)
			if next <= s.status.Progress {
				s.mu.Unlock()
				continue
			}
			st := s.setStatusLocked(StateRunning, next, s.status.Fingerprint, false, "")
			s.mu.Unlock()
			s.notify(st)
		}
	}
}

func (s *Session) setStatusLocked(state State, progress int, fingerprint string, fromCache bool, errMsg string) Status {
	s.seq++
	s.status = Status{
		SessionID:   s.id,
		State:       state,
		Progress:    progress,
		Generation:  s.generation,
		Fingerprint: fingerprint,
		FromCache:   fromCache,
		Error:       errMsg,
		UpdatedAt:   time.Now(),
		seq:         s.seq,
	}
	return s.status
}

// notify delivers st to the observer unless a newer status already went out
func (s *Session) notify(st Status) {
	if s.observer == nil {
		return
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if st.seq <= s.delivered {
		return
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	s.delivered = st.seq
	s.observer(st)
}
