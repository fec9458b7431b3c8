package router

import (
	"context"

	"github.com/coachpo/orderflow/internal/domain/event"
	"github.com/coachpo/orderflow/internal/domain/orderstore"
)

// Effect is what handling one event produced. Commit and the staged events
// are written in the same transaction as the processed marker.
type Effect struct {
	// Commit persists state changes; nil when the handler has none.
	Commit func(ctx context.Context, tx orderstore.Tx) error
	// Emit is staged on each event's family topic.
	Emit []event.Event
	// Result is stored with the marker.
	Result []byte
	// Ignored marks events the role has nothing to do for.
	Ignored bool
	// AfterCommit runs once the transaction committed.
	AfterCommit func(ctx context.Context)
}

// Handler is one saga role. Handle may call collaborators; it must not write
// to the store itself.
type Handler interface {
	Handle(ctx context.Context, evt event.Event) (Effect, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, evt event.Event) (Effect, error)

func (f HandlerFunc) Handle(ctx context.Context, evt event.Event) (Effect, error) {
	return f(ctx, evt)
}

type attemptKey struct{}

type attempt struct {
	n, max int
}

// ContextWithAttempt marks ctx with delivery attempt n of a message allowed
// max redeliveries.
func ContextWithAttempt(ctx context.Context, n, max int) context.Context {
	return context.WithValue(ctx, attemptKey{}, attempt{n: n, max: max})
}

// Attempt reports the delivery attempt of the message being handled,
// starting at 1.
func Attempt(ctx context.Context) int {
	if a, ok := ctx.Value(attemptKey{}).(attempt); ok {
		return a.n
	}
	return 1
}

// FinalAttempt reports whether a deferral would send the message to the
// dead-letter topic instead of parking it again. Handlers use it to turn a
// fail-fast rejection into a business outcome.
func FinalAttempt(ctx context.Context) bool {
	a, ok := ctx.Value(attemptKey{}).(attempt)
	return ok && a.n > a.max
}
