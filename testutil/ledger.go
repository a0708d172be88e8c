package testutil

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"entitycore/pkg/domain"
)

// LedgerFactory builds a fresh, empty ledger for one subtest.
type LedgerFactory func(t *testing.T) domain.Ledger

// RunLedgerContract exercises the behavior every domain.Ledger backend must
// share: ordering by creation time then identity, operation filtering,
// payload fidelity and tombstones.
func RunLedgerContract(t *testing.T, newLedger LedgerFactory) {
	t.Helper()
	base := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("append and query in creation order", func(t *testing.T) {
		ctx := context.Background()
		ledger := newLedger(t)
		actor := int64(7)
		first, err := ledger.Append(ctx, domain.AppendRequest{
			EntityType: "user", ExternalID: 1, Operation: domain.OperationInsert,
			ActorID: &actor, Source: netip.MustParseAddr("203.0.113.9"),
			Payload: domain.NewDiff("name", "a", "age", int64(3)), At: base,
		})
		if err != nil {
			t.Fatalf("append insert: %v", err)
		}
		second, err := ledger.Append(ctx, domain.AppendRequest{
			EntityType: "user", ExternalID: 1, Operation: domain.OperationUpdate,
			Payload: domain.NewDiff("name", "b"), Reason: "rename", TraceID: "t-1", At: base.Add(time.Minute),
		})
		if err != nil {
			t.Fatalf("append update: %v", err)
		}
		if _, err := ledger.Append(ctx, domain.AppendRequest{
			EntityType: "user", ExternalID: 2, Operation: domain.OperationInsert, At: base,
		}); err != nil {
			t.Fatalf("append other: %v", err)
		}
		if second <= first {
			t.Fatalf("expected increasing record ids, got %d then %d", first, second)
		}

		records, err := ledger.QueryByEntity(ctx, "user", 1)
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(records) != 2 {
			t.Fatalf("expected 2 records, got %d", len(records))
		}
		insert, update := records[0], records[1]
		if insert.ID != first || insert.Operation != domain.OperationInsert || update.Operation != domain.OperationUpdate {
			t.Fatalf("unexpected ordering %+v", records)
		}
		if insert.ActorID == nil || *insert.ActorID != 7 || insert.Source.String() != "203.0.113.9" {
			t.Fatalf("unexpected insert metadata %+v", insert)
		}
		if update.ActorID != nil || update.Source.IsValid() {
			t.Fatalf("expected absent actor and source, got %+v", update)
		}
		if update.Reason != "rename" || update.TraceID != "t-1" {
			t.Fatalf("unexpected reason/trace %+v", update)
		}
		if !insert.CreatedAt.Equal(base) {
			t.Fatalf("expected created at %v, got %v", base, insert.CreatedAt)
		}
		keys := insert.Payload.Keys()
		if len(keys) != 2 || keys[0] != "name" || keys[1] != "age" {
			t.Fatalf("payload order lost: %v", keys)
		}
		if v, _ := insert.Payload.Get("age"); v != int64(3) {
			t.Fatalf("expected age 3, got %T %v", v, v)
		}
	})

	t.Run("orders by creation time before identity", func(t *testing.T) {
		ctx := context.Background()
		ledger := newLedger(t)
		late := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
		early := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
		if _, err := ledger.Append(ctx, domain.AppendRequest{
			EntityType: "user", ExternalID: 9, Operation: domain.OperationUpdate, Payload: domain.NewDiff("name", "b"), At: late,
		}); err != nil {
			t.Fatalf("append update: %v", err)
		}
		if _, err := ledger.Append(ctx, domain.AppendRequest{
			EntityType: "user", ExternalID: 9, Operation: domain.OperationInsert, Payload: domain.NewDiff("name", "a"), At: early,
		}); err != nil {
			t.Fatalf("append insert: %v", err)
		}
		if _, err := ledger.Append(ctx, domain.AppendRequest{
			EntityType: "user", ExternalID: 9, Operation: domain.OperationUpdate, Payload: domain.NewDiff("name", "c"), At: late,
		}); err != nil {
			t.Fatalf("append tied update: %v", err)
		}
		records, err := ledger.QueryByEntity(ctx, "user", 9)
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(records) != 3 || records[0].Operation != domain.OperationInsert {
			t.Fatalf("expected the earlier insert first, got %+v", records)
		}
		if !records[0].CreatedAt.Equal(early) {
			t.Fatalf("expected created at %v, got %v", early, records[0].CreatedAt)
		}
		if records[1].ID >= records[2].ID {
			t.Fatalf("equal creation times must keep identity order, got %d then %d", records[1].ID, records[2].ID)
		}
		updates, err := ledger.QueryByEntityAndOperation(ctx, "user", domain.OperationUpdate, 9)
		if err != nil || len(updates) != 2 {
			t.Fatalf("expected two updates, got %d (%v)", len(updates), err)
		}
		if v, _ := updates[0].Payload.Get("name"); v != "b" {
			t.Fatalf("expected first update name=b, got %v", v)
		}
	})

	t.Run("query by operation", func(t *testing.T) {
		ctx := context.Background()
		ledger := newLedger(t)
		for i, op := range []domain.Operation{domain.OperationInsert, domain.OperationUpdate, domain.OperationUpdate, domain.OperationDelete} {
			if _, err := ledger.Append(ctx, domain.AppendRequest{
				EntityType: "address", ExternalID: 5, Operation: op,
				Payload: domain.NewDiff("n", int64(i)), At: base.Add(time.Duration(i) * time.Second),
			}); err != nil {
				t.Fatalf("append %d: %v", i, err)
			}
		}
		updates, err := ledger.QueryByEntityAndOperation(ctx, "address", domain.OperationUpdate, 5)
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(updates) != 2 {
			t.Fatalf("expected 2 updates, got %d", len(updates))
		}
		if v, _ := updates[0].Payload.Get("n"); v != int64(1) {
			t.Fatalf("expected first update n=1, got %v", v)
		}
		deletes, err := ledger.QueryByEntityAndOperation(ctx, "address", domain.OperationDelete, 5)
		if err != nil || len(deletes) != 1 {
			t.Fatalf("expected one delete, got %d (%v)", len(deletes), err)
		}
		none, err := ledger.QueryByEntityAndOperation(ctx, "user", domain.OperationInsert, 5)
		if err != nil || len(none) != 0 {
			t.Fatalf("expected no records for other type, got %d (%v)", len(none), err)
		}
	})

	t.Run("soft delete hides record", func(t *testing.T) {
		ctx := context.Background()
		ledger := newLedger(t)
		id, err := ledger.Append(ctx, domain.AppendRequest{EntityType: "user", ExternalID: 3, Operation: domain.OperationInsert, At: base})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if _, err := ledger.Append(ctx, domain.AppendRequest{EntityType: "user", ExternalID: 3, Operation: domain.OperationDelete, At: base}); err != nil {
			t.Fatalf("append delete: %v", err)
		}
		if err := ledger.SoftDelete(ctx, id); err != nil {
			t.Fatalf("soft delete: %v", err)
		}
		records, err := ledger.QueryByEntity(ctx, "user", 3)
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(records) != 1 || records[0].Operation != domain.OperationDelete {
			t.Fatalf("expected only the delete record, got %+v", records)
		}
		inserts, err := ledger.QueryByEntityAndOperation(ctx, "user", domain.OperationInsert, 3)
		if err != nil || len(inserts) != 0 {
			t.Fatalf("tombstoned record must be hidden, got %d (%v)", len(inserts), err)
		}
		if err := ledger.SoftDelete(ctx, 9999); !errors.Is(err, domain.ErrRecordNotFound) {
			t.Fatalf("expected ErrRecordNotFound, got %v", err)
		}
	})

	t.Run("rejects invalid requests", func(t *testing.T) {
		ledger := newLedger(t)
		if _, err := ledger.Append(context.Background(), domain.AppendRequest{ExternalID: 1, Operation: domain.OperationInsert}); err == nil {
			t.Fatalf("expected missing entity type error")
		}
		if _, err := ledger.Append(context.Background(), domain.AppendRequest{EntityType: "user", ExternalID: 1, Operation: "MERGE"}); err == nil {
			t.Fatalf("expected invalid operation error")
		}
	})

	t.Run("returned records are copies", func(t *testing.T) {
		ctx := context.Background()
		ledger := newLedger(t)
		if _, err := ledger.Append(ctx, domain.AppendRequest{
			EntityType: "user", ExternalID: 4, Operation: domain.OperationInsert, Payload: domain.NewDiff("k", "v"), At: base,
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
		records, _ := ledger.QueryByEntity(ctx, "user", 4)
		records[0].Payload.Set("k", "tampered")
		again, _ := ledger.QueryByEntity(ctx, "user", 4)
		if v, _ := again[0].Payload.Get("k"); v != "v" {
			t.Fatalf("ledger records must be immutable, got %v", v)
		}
	})
}
