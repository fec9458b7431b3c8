package resilience

import (
	"sync"

	"github.com/coachpo/orderflow/errs"
)

// Bulkhead caps concurrent calls per key. Acquisition never blocks.
type Bulkhead struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewBulkhead constructs an empty bulkhead.
func NewBulkhead() *Bulkhead {
	return &Bulkhead{slots: make(map[string]chan struct{})}
}

// Acquire takes a slot for key, sizing the key's pool to limit on first use.
// It fails fast with errs.CodeBulkheadFull when every slot is taken. The
// returned release must be called exactly once.
func (b *Bulkhead) Acquire(key string, limit int) (func(), error) {
	sem := b.pool(key, limit)
	select {
	case sem <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-sem }) }, nil
	default:
		return nil, errs.New("resilience", errs.CodeBulkheadFull,
			errs.WithMessage("concurrency limit reached"),
			errs.WithField("dependency", key))
	}
}

// InFlight reports the slots currently held for key.
func (b *Bulkhead) InFlight(key string) int {
	b.mu.Lock()
	sem, ok := b.slots[key]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	return len(sem)
}

func (b *Bulkhead) pool(key string, limit int) chan struct{} {
	if limit <= 0 {
		limit = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	sem, ok := b.slots[key]
	if !ok {
		sem = make(chan struct{}, limit)
		b.slots[key] = sem
	}
	return sem
}
