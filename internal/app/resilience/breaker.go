package resilience

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/coachpo/orderflow/errs"
	"github.com/coachpo/orderflow/internal/observability"
)

// BreakerState mirrors the gobreaker states under stable names.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerHalfOpen BreakerState = "half_open"
	BreakerOpen     BreakerState = "open"
)

// BreakerSettings configures one dependency breaker. HalfOpenProbes caps the
// calls admitted at once while half-open; any one of them succeeding closes
// the breaker.
type BreakerSettings struct {
	Threshold      uint32
	OpenDuration   time.Duration
	HalfOpenProbes uint32
}

// DefaultBreaker trips after five consecutive failures for thirty seconds.
func DefaultBreaker() BreakerSettings {
	return BreakerSettings{Threshold: 5, OpenDuration: 30 * time.Second, HalfOpenProbes: 1}
}

func (s BreakerSettings) normalized() BreakerSettings {
	d := DefaultBreaker()
	if s.Threshold == 0 {
		s.Threshold = d.Threshold
	}
	if s.OpenDuration <= 0 {
		s.OpenDuration = d.OpenDuration
	}
	if s.HalfOpenProbes == 0 {
		s.HalfOpenProbes = d.HalfOpenProbes
	}
	return s
}

// BreakerSnapshot is a point-in-time view of one breaker.
type BreakerSnapshot struct {
	Name                string
	State               BreakerState
	ConsecutiveFailures uint32
	HalfOpenSuccesses   uint32
	OpenedAt            time.Time
	Threshold           uint32
	OpenDuration        time.Duration
}

// StateListener observes breaker transitions. Listeners run synchronously on
// the transitioning goroutine and must not call back into the registry.
type StateListener func(name string, from, to BreakerState)

type breakerEntry struct {
	name     string
	settings BreakerSettings
	cb       *gobreaker.CircuitBreaker
	openedAt atomic.Int64
}

// Breakers is a registry of circuit breakers keyed by dependency name.
type Breakers struct {
	mu        sync.RWMutex
	entries   map[string]*breakerEntry
	listeners []StateListener
	logger    observability.Logger
	now       func() time.Time
}

// NewBreakers constructs an empty registry.
func NewBreakers(logger observability.Logger) *Breakers {
	return &Breakers{
		entries: make(map[string]*breakerEntry),
		logger:  observability.Or(logger),
		now:     time.Now,
	}
}

// OnStateChange registers a listener for every breaker in the registry.
func (b *Breakers) OnStateChange(listener StateListener) {
	if listener == nil {
		return
	}
	b.mu.Lock()
	b.listeners = append(b.listeners, listener)
	b.mu.Unlock()
}

// Execute runs fn through the breaker for name, creating it with settings on
// first use. An open breaker rejects with errs.CodeCircuitOpen without
// calling fn.
func (b *Breakers) Execute(name string, settings BreakerSettings, fn func() error) error {
	entry := b.get(name, settings)
	halfOpen := entry.cb.State() == gobreaker.StateHalfOpen
	_, err := entry.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errs.New("resilience", errs.CodeCircuitOpen,
			errs.WithMessage("dependency unavailable"),
			errs.WithField("breaker", name),
			errs.WithCause(err))
	}
	// gobreaker closes only after MaxRequests consecutive successes.
	if halfOpen && successful(err) && entry.cb.State() == gobreaker.StateHalfOpen && b.replace(entry) {
		b.logger.Info("breaker state changed",
			observability.F("breaker", name),
			observability.F("from", BreakerHalfOpen),
			observability.F("to", BreakerClosed))
		b.notify(name, BreakerHalfOpen, BreakerClosed)
	}
	return err
}

// Snapshot reports the breaker for name. ok is false when it was never used.
func (b *Breakers) Snapshot(name string) (BreakerSnapshot, bool) {
	b.mu.RLock()
	entry, ok := b.entries[name]
	b.mu.RUnlock()
	if !ok {
		return BreakerSnapshot{}, false
	}
	return entry.snapshot(), true
}

// Snapshots reports every breaker ordered by name.
func (b *Breakers) Snapshots() []BreakerSnapshot {
	entries := b.list()
	out := make([]BreakerSnapshot, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Sweep reads every breaker's state. gobreaker moves Open to HalfOpen only
// when asked, so without a sweep an idle dependency would report Open to
// listeners and metrics long after its open duration.
func (b *Breakers) Sweep() {
	for _, entry := range b.list() {
		entry.cb.State()
	}
}

func (b *Breakers) get(name string, settings BreakerSettings) *breakerEntry {
	b.mu.RLock()
	entry, ok := b.entries[name]
	b.mu.RUnlock()
	if ok {
		return entry
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if entry, ok = b.entries[name]; ok {
		return entry
	}
	entry = b.newEntry(name, settings.normalized())
	b.entries[name] = entry
	b.logger.Debug("breaker created", observability.F("breaker", name))
	return entry
}

func (b *Breakers) newEntry(name string, settings BreakerSettings) *breakerEntry {
	entry := &breakerEntry{name: name, settings: settings}
	entry.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: settings.HalfOpenProbes,
		Timeout:     settings.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.Threshold
		},
		IsSuccessful: successful,
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.stateChanged(entry, from, to)
		},
	})
	return entry
}

// successful reports outcomes that count as the dependency being healthy.
// Business refusals do.
func successful(err error) bool {
	return err == nil || !errs.IsRetryable(err)
}

// replace swaps stale for a fresh closed breaker unless another caller
// already did.
func (b *Breakers) replace(stale *breakerEntry) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.entries[stale.name] != stale {
		return false
	}
	b.entries[stale.name] = b.newEntry(stale.name, stale.settings)
	return true
}

func (b *Breakers) list() []*breakerEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*breakerEntry, 0, len(b.entries))
	for _, entry := range b.entries {
		out = append(out, entry)
	}
	return out
}

// stateChanged runs with the gobreaker mutex held.
func (b *Breakers) stateChanged(entry *breakerEntry, from, to gobreaker.State) {
	if to == gobreaker.StateOpen {
		entry.openedAt.Store(b.now().UnixNano())
	} else {
		entry.openedAt.Store(0)
	}
	b.mu.RLock()
	current := b.entries[entry.name] == entry
	b.mu.RUnlock()
	if !current {
		return
	}

	fields := []observability.Field{
		observability.F("breaker", entry.name),
		observability.F("from", convertState(from)),
		observability.F("to", convertState(to)),
	}
	if to == gobreaker.StateOpen {
		b.logger.Warn("breaker opened", fields...)
	} else {
		b.logger.Info("breaker state changed", fields...)
	}
	b.notify(entry.name, convertState(from), convertState(to))
}

func (b *Breakers) notify(name string, from, to BreakerState) {
	b.mu.RLock()
	listeners := append([]StateListener(nil), b.listeners...)
	b.mu.RUnlock()
	for _, listener := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("breaker listener panic",
						observability.F("breaker", name), observability.F("panic", r))
				}
			}()
			listener(name, from, to)
		}()
	}
}

func (e *breakerEntry) snapshot() BreakerSnapshot {
	state := e.cb.State()
	counts := e.cb.Counts()
	snap := BreakerSnapshot{
		Name:                e.name,
		State:               convertState(state),
		ConsecutiveFailures: counts.ConsecutiveFailures,
		Threshold:           e.settings.Threshold,
		OpenDuration:        e.settings.OpenDuration,
	}
	if state == gobreaker.StateHalfOpen {
		snap.HalfOpenSuccesses = counts.ConsecutiveSuccesses
	}
	if opened := e.openedAt.Load(); opened != 0 {
		snap.OpenedAt = time.Unix(0, opened).UTC()
	}
	return snap
}

func convertState(state gobreaker.State) BreakerState {
	switch state {
	case gobreaker.StateOpen:
		return BreakerOpen
	case gobreaker.StateHalfOpen:
		return BreakerHalfOpen
	default:
		return BreakerClosed
	}
}
