package archive

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"testing"
	"time"

	"entitycore/internal/blob"
	"entitycore/internal/infra/persistence/memory"
	"entitycore/pkg/domain"
)

var exportTime = time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC)

func seededLedger(t *testing.T) *memory.Ledger {
	t.Helper()
	ledger := memory.NewLedger()
	actor := int64(5)
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	reqs := []domain.AppendRequest{
		{EntityType: "user", ExternalID: 1, Operation: domain.OperationInsert, ActorID: &actor, Source: netip.MustParseAddr("192.0.2.1"), Payload: domain.NewDiff("name", "ada", "age", int64(3)), At: base},
		{EntityType: "user", ExternalID: 1, Operation: domain.OperationUpdate, Reason: "birthday", Payload: domain.NewDiff("age", int64(4)), At: base.Add(time.Hour)},
		{EntityType: "user", ExternalID: 2, Operation: domain.OperationInsert, At: base},
	}
	for _, req := range reqs {
		if _, err := ledger.Append(context.Background(), req); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	return ledger
}

func TestExportReadImport(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()
	a := New(seededLedger(t), store, WithClock(func() time.Time { return exportTime }))
	ref := domain.Ref{Type: "user", ID: 1}

	obj, err := a.Export(ctx, ref)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if obj.Key != "history/user/1.json" || obj.Metadata["records"] != "2" {
		t.Fatalf("unexpected object %+v", obj)
	}

	doc, err := a.Read(ctx, ref)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !doc.ExportedAt.Equal(exportTime) || len(doc.Records) != 2 {
		t.Fatalf("unexpected document %+v", doc)
	}
	first := doc.Records[0]
	if first.Source != "192.0.2.1" || first.ActorID == nil || *first.ActorID != 5 {
		t.Fatalf("metadata lost: %+v", first)
	}
	if keys := first.Payload.Keys(); len(keys) != 2 || keys[0] != "name" || keys[1] != "age" {
		t.Fatalf("payload order lost: %v", keys)
	}

	target := memory.NewLedger()
	n, err := a.Import(ctx, ref, target)
	if err != nil || n != 2 {
		t.Fatalf("import: %d %v", n, err)
	}
	records, _ := target.QueryByEntity(ctx, "user", 1)
	if len(records) != 2 || records[1].Reason != "birthday" || !records[0].Source.IsValid() {
		t.Fatalf("unexpected imported records %+v", records)
	}
	if !records[1].CreatedAt.Equal(first.CreatedAt.Add(time.Hour)) {
		t.Fatalf("timestamps must be kept, got %v", records[1].CreatedAt)
	}
	if v, _ := records[1].Payload.Get("age"); v != int64(4) {
		t.Fatalf("expected age 4 after import, got %T %v", v, v)
	}
}

func TestArchivedAndPurge(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()
	a := New(seededLedger(t), store)
	for _, id := range []int64{2, 1} {
		if _, err := a.Export(ctx, domain.Ref{Type: "user", ID: id}); err != nil {
			t.Fatalf("export %d: %v", id, err)
		}
	}
	if _, err := store.Put(ctx, "history/user/notes.txt", strings.NewReader("x"), blob.PutOptions{}); err != nil {
		t.Fatalf("put stray: %v", err)
	}

	refs, err := a.Archived(ctx, "user")
	if err != nil {
		t.Fatalf("archived: %v", err)
	}
	if len(refs) != 2 || refs[0].ID != 1 || refs[1].ID != 2 {
		t.Fatalf("unexpected refs %+v", refs)
	}

	if err := a.Purge(ctx, domain.Ref{Type: "user", ID: 1}); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if err := a.Purge(ctx, domain.Ref{Type: "user", ID: 1}); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second purge, got %v", err)
	}
	if _, err := a.Read(ctx, domain.Ref{Type: "user", ID: 1}); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on read, got %v", err)
	}
}

func TestReadRejectsForeignDocuments(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()
	a := New(memory.NewLedger(), store)
	if _, err := store.Put(ctx, Key(domain.Ref{Type: "user", ID: 3}), strings.NewReader(`{"version":1,"entity_type":"user","external_id":4,"records":[]}`), blob.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := a.Read(ctx, domain.Ref{Type: "user", ID: 3}); err == nil {
		t.Fatalf("expected mismatched document error")
	}
	if _, err := store.Put(ctx, Key(domain.Ref{Type: "user", ID: 5}), strings.NewReader(`{"version":9,"entity_type":"user","external_id":5}`), blob.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := a.Read(ctx, domain.Ref{Type: "user", ID: 5}); err == nil {
		t.Fatalf("expected version error")
	}
}

func TestParseKey(t *testing.T) {
	ref, err := ParseKey("history/address/42.json")
	if err != nil || ref != (domain.Ref{Type: "address", ID: 42}) {
		t.Fatalf("unexpected %+v %v", ref, err)
	}
	for _, bad := range []string{"other/user/1.json", "history/user/1.txt", "history/1.json", "history/user/x.json"} {
		if _, err := ParseKey(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
