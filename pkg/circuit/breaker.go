package circuit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State represents circuit breaker state
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config holds circuit breaker configuration
type Config struct {
	Name        string
	MaxFailures int
	Timeout     time.Duration
	HalfOpenMax int
	// IsFailure decides whether an error counts against the breaker.
	// Defaults to every non-nil error.
	IsFailure     func(err error) bool
	OnStateChange func(name string, from, to State)
}

// Breaker guards calls to a downstream collaborator. All state lives
// under one mutex so transitions and their counters stay consistent.
type Breaker struct {
	cfg Config

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	inFlight    int
	lastFailure time.Time
}

// NewBreaker creates a new circuit breaker
func NewBreaker(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	return &Breaker{cfg: cfg, state: StateClosed}
}

// Execute runs fn with circuit breaker protection
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	halfOpen, err := b.allow()
	if err != nil {
		return err
	}

	err = fn()
	b.record(halfOpen, err)
	return err
}

func (b *Breaker) allow() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.lastFailure) <= b.cfg.Timeout {
			return false, ErrCircuitOpen
		}
		b.transitionLocked(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if b.inFlight >= b.cfg.HalfOpenMax {
			return false, ErrTooManyRequests
		}
		b.inFlight++
		return true, nil
	default:
		return false, nil
	}
}

func (b *Breaker) record(halfOpen bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if halfOpen {
		b.inFlight--
	}
	failed := err != nil && b.cfg.IsFailure(err)

	switch b.state {
	case StateClosed:
		if !failed {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.cfg.MaxFailures {
			b.lastFailure = time.Now()
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		if failed {
			b.lastFailure = time.Now()
			b.transitionLocked(StateOpen)
			return
		}
		b.successes++
		if b.successes >= b.cfg.HalfOpenMax {
			b.transitionLocked(StateClosed)
		}
	}
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.failures = 0
	b.successes = 0
	if to != StateHalfOpen {
		b.inFlight = 0
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}

// State returns current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RetryAfter reports how long an open breaker keeps rejecting calls. It is
// zero unless the breaker is open.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return 0
	}
	if d := b.cfg.Timeout - time.Since(b.lastFailure); d > 0 {
		return d
	}
	return 0
}

// BreakerGroup tracks the breakers of one process so their states can be
// reported together
type BreakerGroup struct {
	mu            sync.Mutex
	breakers      map[string]*Breaker
	onStateChange func(name string, from, to State)
}

// NewBreakerGroup creates a group. onStateChange, if set, sees every
// transition of every breaker added to the group.
func NewBreakerGroup(onStateChange func(name string, from, to State)) *BreakerGroup {
	return &BreakerGroup{
		breakers:      make(map[string]*Breaker),
		onStateChange: onStateChange,
	}
}

// Add creates a breaker from cfg and registers it under cfg.Name. A name
// that is already registered returns the existing breaker.
func (g *BreakerGroup) Add(cfg Config) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if b, ok := g.breakers[cfg.Name]; ok {
		return b
	}
	if notify := g.onStateChange; notify != nil {
		own := cfg.OnStateChange
		cfg.OnStateChange = func(name string, from, to State) {
			if own != nil {
				own(name, from, to)
			}
			notify(name, from, to)
		}
	}
	b := NewBreaker(cfg)
	g.breakers[cfg.Name] = b
	return b
}

// States returns all breaker states
func (g *BreakerGroup) States() map[string]State {
	g.mu.Lock()
	names := make(map[string]*Breaker, len(g.breakers))
	for name, b := range g.breakers {
		names[name] = b
	}
	g.mu.Unlock()

	states := make(map[string]State, len(names))
	for name, b := range names {
		states[name] = b.State()
	}
	return states
}
