package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/user/llm-gateway-go/internal/models"
	"github.com/user/llm-gateway-go/internal/repository"
)

// keyedMutex hands out one mutex per key so that state machines for
// different upstreams never block each other.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// CircuitBreaker drives the per-upstream CLOSED/OPEN/HALF_OPEN state
// machine. The persisted row is the source of truth; all mutations for
// one upstream are serialized through a keyed mutex, and every state
// transition is written back before the method returns.
type CircuitBreaker struct {
	states       repository.CircuitBreakerStateRepository
	defaults     models.BreakerConfig
	locks        *keyedMutex
	onTransition func(upstreamID string, from, to models.CircuitState)
	logger       *zap.Logger
}

// NewCircuitBreaker creates a CircuitBreaker with the given default
// thresholds. Upstreams carrying their own breaker config override them.
func NewCircuitBreaker(states repository.CircuitBreakerStateRepository, defaults models.BreakerConfig, logger *zap.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		states:   states,
		defaults: defaults,
		locks:    newKeyedMutex(),
		logger:   logger,
	}
}

// OnTransition registers a callback invoked on every state change, after
// the log line and before the row is persisted. Wired to the breaker
// transition counter; must not block.
func (b *CircuitBreaker) OnTransition(fn func(upstreamID string, from, to models.CircuitState)) {
	b.onTransition = fn
}

func (b *CircuitBreaker) configFor(up *models.Upstream) models.BreakerConfig {
	if up != nil && up.BreakerConfig != nil {
		return *up.BreakerConfig
	}
	return b.defaults
}

// load returns the persisted state for an upstream, or a fresh CLOSED
// state when no row exists yet. Callers must hold the upstream's lock.
func (b *CircuitBreaker) load(ctx context.Context, upstreamID string) (*models.CircuitBreakerState, error) {
	st, err := b.states.Get(ctx, upstreamID)
	if err != nil {
		return nil, fmt.Errorf("failed to load breaker state: %w", err)
	}
	if st == nil {
		st = &models.CircuitBreakerState{UpstreamID: upstreamID, State: models.CircuitClosed}
	}
	return st, nil
}

func (b *CircuitBreaker) transition(st *models.CircuitBreakerState, to models.CircuitState) {
	b.logger.Info("circuit state changed",
		zap.String("upstream_id", st.UpstreamID),
		zap.String("from", string(st.State)),
		zap.String("to", string(to)),
		zap.Int("failure_count", st.FailureCount),
		zap.Int("success_count", st.SuccessCount),
	)
	if b.onTransition != nil {
		b.onTransition(st.UpstreamID, st.State, to)
	}
	st.State = to
}

// CanRequestPass reports whether a request may be sent to the upstream
// right now. An OPEN circuit whose open window has elapsed moves to
// HALF_OPEN as a side effect; in HALF_OPEN only one probe per probe
// interval passes.
func (b *CircuitBreaker) CanRequestPass(ctx context.Context, up *models.Upstream) (bool, error) {
	return b.pass(ctx, up, false)
}

// AcquirePermit is CanRequestPass for callers about to actually send:
// a HALF_OPEN pass is recorded as the probe. A blocked circuit returns
// a GatewayError with code CIRCUIT_OPEN.
func (b *CircuitBreaker) AcquirePermit(ctx context.Context, up *models.Upstream) error {
	ok, err := b.pass(ctx, up, true)
	if err != nil {
		return err
	}
	if !ok {
		return NewGatewayError(CodeCircuitOpen, fmt.Sprintf("circuit open for upstream %s", up.Name))
	}
	return nil
}

func (b *CircuitBreaker) pass(ctx context.Context, up *models.Upstream, recordProbe bool) (bool, error) {
	unlock := b.locks.lock(up.ID)
	defer unlock()

	st, err := b.load(ctx, up.ID)
	if err != nil {
		return false, err
	}
	cfg := b.configFor(up)
	now := time.Now()

	switch st.State {
	case models.CircuitOpen:
		if st.OpenedAt != nil && now.Sub(*st.OpenedAt) < cfg.OpenDuration() {
			return false, nil
		}
		// Open window elapsed; the next attempt probes the upstream.
		b.transition(st, models.CircuitHalfOpen)
		st.SuccessCount = 0
		if st.OpenedAt == nil {
			st.OpenedAt = &now
		}
		if recordProbe {
			st.LastProbeAt = &now
		}
		if err := b.states.Upsert(ctx, st); err != nil {
			return false, err
		}
		return true, nil

	case models.CircuitHalfOpen:
		if st.LastProbeAt != nil && now.Sub(*st.LastProbeAt) < cfg.ProbeInterval() {
			return false, nil
		}
		if recordProbe {
			st.LastProbeAt = &now
			if err := b.states.Upsert(ctx, st); err != nil {
				return false, err
			}
		}
		return true, nil

	default:
		return true, nil
	}
}

// RecordSuccess feeds a successful upstream response into the state
// machine. In HALF_OPEN enough successes close the circuit; in CLOSED
// and OPEN it changes nothing.
func (b *CircuitBreaker) RecordSuccess(ctx context.Context, up *models.Upstream) error {
	unlock := b.locks.lock(up.ID)
	defer unlock()

	st, err := b.load(ctx, up.ID)
	if err != nil {
		return err
	}
	if st.State != models.CircuitHalfOpen {
		return nil
	}

	st.SuccessCount++
	if st.SuccessCount >= b.configFor(up).SuccessThreshold {
		b.transition(st, models.CircuitClosed)
		st.FailureCount = 0
		st.SuccessCount = 0
		st.OpenedAt = nil
	}
	return b.states.Upsert(ctx, st)
}

// RecordFailure feeds a failed attempt into the state machine. Reaching
// the failure threshold opens a CLOSED circuit; any failure during
// HALF_OPEN reopens immediately with a fresh open window.
func (b *CircuitBreaker) RecordFailure(ctx context.Context, up *models.Upstream) error {
	unlock := b.locks.lock(up.ID)
	defer unlock()

	st, err := b.load(ctx, up.ID)
	if err != nil {
		return err
	}
	now := time.Now()
	st.FailureCount++
	st.LastFailureAt = &now

	switch st.State {
	case models.CircuitClosed:
		if st.FailureCount >= b.configFor(up).FailureThreshold {
			b.transition(st, models.CircuitOpen)
			st.OpenedAt = &now
			st.SuccessCount = 0
		}
	case models.CircuitHalfOpen:
		b.transition(st, models.CircuitOpen)
		st.OpenedAt = &now
		st.SuccessCount = 0
	}
	return b.states.Upsert(ctx, st)
}

// ForceOpen opens the circuit unconditionally, e.g. to drain an
// upstream before maintenance.
func (b *CircuitBreaker) ForceOpen(ctx context.Context, upstreamID string) error {
	unlock := b.locks.lock(upstreamID)
	defer unlock()

	st, err := b.load(ctx, upstreamID)
	if err != nil {
		return err
	}
	now := time.Now()
	if st.State != models.CircuitOpen {
		b.transition(st, models.CircuitOpen)
	}
	st.OpenedAt = &now
	st.SuccessCount = 0
	return b.states.Upsert(ctx, st)
}

// ForceClose resets the circuit to CLOSED with zeroed counters.
func (b *CircuitBreaker) ForceClose(ctx context.Context, upstreamID string) error {
	unlock := b.locks.lock(upstreamID)
	defer unlock()

	st, err := b.load(ctx, upstreamID)
	if err != nil {
		return err
	}
	if st.State != models.CircuitClosed {
		b.transition(st, models.CircuitClosed)
	}
	st.FailureCount = 0
	st.SuccessCount = 0
	st.OpenedAt = nil
	return b.states.Upsert(ctx, st)
}

// IsBlocking reports whether routing should skip the upstream: OPEN with
// an unexpired open window. It also returns the observed state for the
// routing trace. Unlike CanRequestPass it never transitions, so an OPEN
// circuit past its window stays OPEN here and moves to HALF_OPEN only
// when a permit is acquired.
func (b *CircuitBreaker) IsBlocking(ctx context.Context, up *models.Upstream) (bool, models.CircuitState, error) {
	st, err := b.GetState(ctx, up.ID)
	if err != nil {
		return false, models.CircuitClosed, err
	}
	if st.State == models.CircuitOpen && st.OpenedAt != nil &&
		time.Since(*st.OpenedAt) < b.configFor(up).OpenDuration() {
		return true, st.State, nil
	}
	return false, st.State, nil
}

// GetState returns the persisted state for one upstream, or a CLOSED
// default when none exists. It never transitions.
func (b *CircuitBreaker) GetState(ctx context.Context, upstreamID string) (*models.CircuitBreakerState, error) {
	st, err := b.states.Get(ctx, upstreamID)
	if err != nil {
		return nil, fmt.Errorf("failed to load breaker state: %w", err)
	}
	if st == nil {
		st = &models.CircuitBreakerState{UpstreamID: upstreamID, State: models.CircuitClosed}
	}
	return st, nil
}

// GetAllStates returns every persisted breaker row.
func (b *CircuitBreaker) GetAllStates(ctx context.Context) ([]*models.CircuitBreakerState, error) {
	return b.states.GetAll(ctx)
}
