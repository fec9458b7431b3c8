package eventbus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/coachpo/orderflow/errs"
)

func receive(t *testing.T, sub Subscription) Delivery {
	t.Helper()
	select {
	case d, ok := <-sub.Messages():
		if !ok {
			t.Fatal("subscription closed")
		}
		return d
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	return Delivery{}
}

func TestNewMemoryBus(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10, FanoutWorkers: 2})
	if bus == nil {
		t.Fatal("expected non-nil bus")
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestMemoryBusPublishNoSubscribers(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()

	if err := bus.Publish(context.Background(), Message{Topic: "order.events", Key: "O1", Value: []byte("x")}); err != nil {
		t.Fatalf("publish without subscribers: %v", err)
	}
	if got := len(bus.Published("order.events")); got != 1 {
		t.Fatalf("expected message in history, got %d", got)
	}
}

func TestMemoryBusRejectsMissingTopic(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()

	err := bus.Publish(context.Background(), Message{Key: "O1"})
	if !errs.IsCode(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid error, got %v", err)
	}
	if _, err := bus.Subscribe(context.Background(), "", "order.events"); err == nil {
		t.Fatal("expected error for empty group")
	}
}

func TestMemoryBusDeliversOncePerGroup(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 8})
	defer bus.Close()
	ctx := context.Background()

	payment, err := bus.Subscribe(ctx, "payment-service-group", "order.events")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	notify, err := bus.Subscribe(ctx, "notification-service-group", "order.events", "payment.events")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := bus.Publish(ctx, Message{Topic: "order.events", Key: "O1", Value: []byte("placed")}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.Publish(ctx, Message{Topic: "payment.events", Key: "O1", Value: []byte("authorized")}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if d := receive(t, payment); string(d.Value) != "placed" || d.Topic != "order.events" {
		t.Fatalf("unexpected payment delivery %+v", d.Message)
	}
	first := receive(t, notify)
	second := receive(t, notify)
	if string(first.Value) != "placed" || string(second.Value) != "authorized" {
		t.Fatalf("notification deliveries out of order: %q, %q", first.Value, second.Value)
	}
	select {
	case d := <-payment.Messages():
		t.Fatalf("payment group should not receive payment.events, got %+v", d.Message)
	default:
	}
}

func TestMemoryBusKeepsKeyOrderWithinGroup(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 64})
	defer bus.Close()
	ctx := context.Background()

	a, _ := bus.Subscribe(ctx, "order-service-group", "order.events")
	b, _ := bus.Subscribe(ctx, "order-service-group", "order.events")

	for i := range 10 {
		msg := Message{Topic: "order.events", Key: "O42", Value: []byte(fmt.Sprintf("%d", i))}
		if err := bus.Publish(ctx, msg); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	var got []string
	var offsets []int64
	for len(got) < 10 {
		select {
		case d := <-a.Messages():
			got = append(got, string(d.Value))
			offsets = append(offsets, d.Offset)
		case d := <-b.Messages():
			got = append(got, string(d.Value))
			offsets = append(offsets, d.Offset)
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d deliveries", len(got))
		}
	}
	for i := range got {
		if got[i] != fmt.Sprintf("%d", i) || offsets[i] != int64(i) {
			t.Fatalf("expected in-order delivery, got %v offsets %v", got, offsets)
		}
	}
}

func TestMemoryBusAckCounts(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()
	ctx := context.Background()

	sub, _ := bus.Subscribe(ctx, "g", "t")
	_ = bus.Publish(ctx, Message{Topic: "t", Key: "k"})
	d := receive(t, sub)
	if err := d.Ack(ctx); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if bus.Acked() != 1 {
		t.Fatalf("expected one ack, got %d", bus.Acked())
	}
}

func TestMemoryBusPublishRespectsContextWhenFull(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 1})
	defer bus.Close()

	_, _ = bus.Subscribe(context.Background(), "g", "t")
	if err := bus.Publish(context.Background(), Message{Topic: "t", Key: "k"}); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := bus.Publish(ctx, Message{Topic: "t", Key: "k"}); err == nil {
		t.Fatal("expected publish to fail once the buffer stays full")
	}
}

func TestMemoryBusCloseEndsSubscriptions(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	sub, _ := bus.Subscribe(context.Background(), "g", "t")
	_ = bus.Close()

	select {
	case _, ok := <-sub.Messages():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription channel not closed")
	}
	if err := bus.Publish(context.Background(), Message{Topic: "t"}); !errs.IsCode(err, errs.CodeUnavailable) {
		t.Fatalf("expected unavailable after close, got %v", err)
	}
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()
	ctx := context.Background()

	sub, _ := bus.Subscribe(ctx, "g", "t")
	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := bus.Publish(ctx, Message{Topic: "t", Key: "k"}); err != nil {
		t.Fatalf("publish after unsubscribe: %v", err)
	}
}
