package core

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"entitycore/pkg/domain"
)

func TestHistoryReaderAddedAccessors(t *testing.T) {
	h := newHarness()
	reader := NewHistoryReader(h.ledger)
	h.life = NewLifecycle(h.storage, h.txs, h.ledger, WithClock(fixedClock), WithListener(reader))

	u := &user{}
	u.SetName("mia")
	ctx := domain.WithActor(context.Background(), 12)
	ctx = domain.WithSourceAddress(ctx, netip.MustParseAddr("2001:db8::1"))
	if err := h.life.Insert(ctx, u); err != nil {
		t.Fatalf("insert: %v", err)
	}
	u.SetName("mia2")
	if err := h.life.Update(domain.WithActor(context.Background(), 13), u); err != nil {
		t.Fatalf("update: %v", err)
	}

	actor, ok, err := reader.AddedBy(context.Background(), u)
	if err != nil || !ok || actor != 12 {
		t.Fatalf("expected added by 12, got %d %v %v", actor, ok, err)
	}
	from, ok, err := reader.AddedFrom(context.Background(), u)
	if err != nil || !ok || from.String() != "2001:db8::1" {
		t.Fatalf("unexpected added from %v %v %v", from, ok, err)
	}
	at, ok, err := reader.AddedAt(context.Background(), u)
	if err != nil || !ok || !at.Equal(fixedNow) {
		t.Fatalf("unexpected added at %v %v %v", at, ok, err)
	}

	history, err := reader.History(context.Background(), u)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].Operation != domain.OperationInsert || history[1].Operation != domain.OperationUpdate {
		t.Fatalf("unexpected history %+v", history)
	}
	updates, err := reader.ByOperation(context.Background(), u, domain.OperationUpdate)
	if err != nil || len(updates) != 1 {
		t.Fatalf("expected one update, got %d (%v)", len(updates), err)
	}
}

func TestHistoryReaderCachesAndInvalidates(t *testing.T) {
	h := newHarness()
	reader := NewHistoryReader(h.ledger)
	h.life = NewLifecycle(h.storage, h.txs, h.ledger, WithListener(reader))

	u := &user{}
	if err := h.life.Insert(context.Background(), u); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := reader.History(context.Background(), u); err != nil {
		t.Fatalf("history: %v", err)
	}
	if _, err := reader.History(context.Background(), u); err != nil {
		t.Fatalf("history: %v", err)
	}
	if h.ledger.queryCalls != 1 {
		t.Fatalf("expected cached history, got %d queries", h.ledger.queryCalls)
	}

	u.SetName("new")
	if err := h.life.Update(context.Background(), u); err != nil {
		t.Fatalf("update: %v", err)
	}
	history, err := reader.History(context.Background(), u)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || h.ledger.queryCalls != 2 {
		t.Fatalf("expected refreshed history after notification, got %d records / %d queries", len(history), h.ledger.queryCalls)
	}

	history[0].Payload.Set("tampered", true)
	again, _ := reader.History(context.Background(), u)
	if _, ok := again[0].Payload.Get("tampered"); ok {
		t.Fatalf("cached records must not be shared with callers")
	}
}

func TestHistoryReaderForgetRefreshesCache(t *testing.T) {
	h := newHarness()
	reader := NewHistoryReader(h.ledger)
	h.life = NewLifecycle(h.storage, h.txs, h.ledger, WithListener(reader))

	u := &user{}
	u.SetName("nora")
	if err := h.life.Insert(context.Background(), u); err != nil {
		t.Fatalf("insert: %v", err)
	}
	inserts, err := reader.ByOperation(context.Background(), u, domain.OperationInsert)
	if err != nil || len(inserts) != 1 {
		t.Fatalf("expected one insert, got %d (%v)", len(inserts), err)
	}
	if _, err := reader.History(context.Background(), u); err != nil {
		t.Fatalf("history: %v", err)
	}

	if err := reader.Forget(context.Background(), inserts[0].ID); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if _, ok, err := reader.AddedAt(context.Background(), u); err != nil || ok {
		t.Fatalf("forgotten insert must not be served from cache, got %v (%v)", ok, err)
	}
	history, err := reader.History(context.Background(), u)
	if err != nil || len(history) != 0 {
		t.Fatalf("expected empty history after forget, got %d (%v)", len(history), err)
	}
	if err := reader.Forget(context.Background(), 9999); !errors.Is(err, domain.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestHistoryReaderUnsavedAndErrors(t *testing.T) {
	ledger := &fakeLedger{}
	reader := NewHistoryReader(ledger)
	if _, ok, err := reader.AddedBy(context.Background(), &user{}); ok || err != nil {
		t.Fatalf("unsaved entity has no history, got %v %v", ok, err)
	}
	if ledger.queryCalls != 0 {
		t.Fatalf("unsaved entity must not query the ledger")
	}
	if _, err := reader.ByOperation(context.Background(), persistedUser(1, "x"), "MERGE"); err == nil {
		t.Fatalf("expected invalid operation error")
	}
	ledger.err = domain.ErrStorageUnavailable
	if _, err := reader.History(context.Background(), persistedUser(1, "x")); !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Fatalf("expected storage unavailable, got %v", err)
	}
	ledger.err = nil
	actor, ok, err := reader.AddedBy(context.Background(), persistedUser(1, "x"))
	if ok || err != nil || actor != 0 {
		t.Fatalf("no insert record means no actor, got %d %v %v", actor, ok, err)
	}
}
