package observability

import (
	"sync"
	"time"
)

// DeadLetter is a message given up on, held locally for an operator next to
// its copy on the dead-letter topic.
type DeadLetter struct {
	Topic    string
	Key      string
	Payload  []byte
	Reason   string
	Attempts int
	At       time.Time
}

// DeadLetterQueue is a bounded in-process holding area for dead letters.
type DeadLetterQueue struct {
	mu       sync.Mutex
	capacity int
	letters  []DeadLetter
}

// NewDeadLetterQueue creates a DLQ with the provided capacity. Capacity <=0 implies unbounded.
func NewDeadLetterQueue(capacity int) *DeadLetterQueue {
	return &DeadLetterQueue{capacity: capacity, letters: make([]DeadLetter, 0)}
}

// Offer records a dead letter, dropping the oldest when full.
func (q *DeadLetterQueue) Offer(letter DeadLetter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	letter.Payload = append([]byte(nil), letter.Payload...)
	if q.capacity > 0 && len(q.letters) >= q.capacity {
		copy(q.letters[0:], q.letters[1:])
		q.letters[len(q.letters)-1] = letter
		return
	}
	q.letters = append(q.letters, letter)
}

// Drain retrieves and clears all queued letters.
func (q *DeadLetterQueue) Drain() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := make([]DeadLetter, len(q.letters))
	copy(drained, q.letters)
	q.letters = q.letters[:0]
	return drained
}

// Len returns the number of queued letters.
func (q *DeadLetterQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.letters)
}

// List returns a copy of the queued letters, oldest first.
func (q *DeadLetterQueue) List() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.letters...)
}
