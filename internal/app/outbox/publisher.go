// Package outbox stages domain events next to the state change that caused
// them and relays them to the bus after commit.
package outbox

import (
	"context"

	"github.com/google/uuid"

	"github.com/coachpo/orderflow/errs"
	"github.com/coachpo/orderflow/internal/domain/event"
	"github.com/coachpo/orderflow/internal/domain/orderstore"
	"github.com/coachpo/orderflow/internal/domain/outboxstore"
)

// Change mutates local state inside the unit of work.
type Change func(ctx context.Context, tx orderstore.Tx) error

// Publisher records state changes and their events atomically.
type Publisher struct {
	uow orderstore.UnitOfWork
}

// NewPublisher binds a publisher to a unit of work.
func NewPublisher(uow orderstore.UnitOfWork) *Publisher {
	return &Publisher{uow: uow}
}

// RecordAndStage runs change and stages one pending record per event in a
// single transaction. Either all of it commits or none of it does.
func (p *Publisher) RecordAndStage(ctx context.Context, change Change, events ...event.Event) ([]outboxstore.Record, error) {
	if p == nil || p.uow == nil {
		return nil, errs.New("outbox", errs.CodeInvalid, errs.WithMessage("unit of work required"))
	}
	var staged []outboxstore.Record
	err := p.uow.Do(ctx, func(ctx context.Context, tx orderstore.Tx) error {
		if change != nil {
			if err := change(ctx, tx); err != nil {
				return err
			}
		}
		records, err := Stage(ctx, tx, NewTxID(), events...)
		if err != nil {
			return err
		}
		staged = records
		return nil
	})
	if err != nil {
		return nil, err
	}
	return staged, nil
}

// Stage inserts each event on its family topic inside an open transaction.
func Stage(ctx context.Context, tx orderstore.Tx, txID string, events ...event.Event) ([]outboxstore.Record, error) {
	records := make([]outboxstore.Record, 0, len(events))
	for _, evt := range events {
		rec, err := StageTo(ctx, tx, txID, event.Topic(evt.Type), evt)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// StageTo inserts evt on an explicit topic, e.g. a notification copy.
func StageTo(ctx context.Context, tx orderstore.Tx, txID, topic string, evt event.Event) (outboxstore.Record, error) {
	entry, err := EntryFor(txID, topic, evt)
	if err != nil {
		return outboxstore.Record{}, err
	}
	return tx.Outbox().Enqueue(ctx, entry)
}

// EntryFor encodes evt into an outbox entry keyed by its order id.
func EntryFor(txID, topic string, evt event.Event) (outboxstore.Entry, error) {
	payload, err := event.Encode(evt)
	if err != nil {
		return outboxstore.Entry{}, err
	}
	return outboxstore.Entry{
		TxID:      txID,
		Topic:     topic,
		Key:       evt.OrderID,
		EventID:   evt.ID,
		EventType: string(evt.Type),
		Payload:   payload,
	}, nil
}

// NewTxID returns a fresh local transaction id.
func NewTxID() string {
	return uuid.NewString()
}
