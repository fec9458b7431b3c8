package postgres

import (
	"context"
	"testing"

	"github.com/coachpo/orderflow/internal/domain/orderstore"
)

func TestNewStoreAllowsNilPool(t *testing.T) {
	store := New(nil)
	if store == nil {
		t.Fatalf("expected store instance")
	}
	if store.Pool() != nil {
		t.Fatalf("expected nil pool passthrough")
	}
}

func TestDoRequiresPool(t *testing.T) {
	store := New(nil)
	called := false
	err := store.Do(context.Background(), func(context.Context, orderstore.Tx) error {
		called = true
		return nil
	})
	if err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if called {
		t.Fatalf("callback must not run without a transaction")
	}
}

func TestDoRequiresCallback(t *testing.T) {
	if err := New(nil).Do(context.Background(), nil); err == nil {
		t.Fatalf("expected error for nil callback")
	}
}
