// Package archive exports the audit history of entities as JSON documents
// into a blob store and replays archived documents into a ledger.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"entitycore/internal/blob"
	"entitycore/pkg/domain"
)

// DocumentVersion is the format version written by Export.
const DocumentVersion = 1

const (
	keyPrefix   = "history/"
	contentType = "application/json"
)

// Record is the archived form of one audit record.
type Record struct {
	ID        int64            `json:"id"`
	Operation domain.Operation `json:"operation"`
	CreatedAt time.Time        `json:"created_at"`
	Source    string           `json:"source,omitempty"`
	ActorID   *int64           `json:"actor_id,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	TraceID   string           `json:"trace_id,omitempty"`
	Payload   domain.Diff      `json:"payload"`
}

// Document holds the live history of one entity at export time.
type Document struct {
	Version    int               `json:"version"`
	EntityType domain.EntityType `json:"entity_type"`
	ExternalID int64             `json:"external_id"`
	ExportedAt time.Time         `json:"exported_at"`
	Records    []Record          `json:"records"`
}

// Ref returns the archived entity.
func (d Document) Ref() domain.Ref {
	return domain.Ref{Type: d.EntityType, ID: d.ExternalID}
}

// Key returns the blob key of the document for ref.
func Key(ref domain.Ref) string {
	return keyPrefix + string(ref.Type) + "/" + strconv.FormatInt(ref.ID, 10) + ".json"
}

// ParseKey is the inverse of Key.
func ParseKey(key string) (domain.Ref, error) {
	rest, ok := strings.CutPrefix(key, keyPrefix)
	if !ok {
		return domain.Ref{}, fmt.Errorf("archive key %q: missing %s prefix", key, keyPrefix)
	}
	rest, ok = strings.CutSuffix(rest, ".json")
	if !ok {
		return domain.Ref{}, fmt.Errorf("archive key %q: missing .json suffix", key)
	}
	entityType, rawID, ok := strings.Cut(rest, "/")
	if !ok || entityType == "" {
		return domain.Ref{}, fmt.Errorf("archive key %q: malformed", key)
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return domain.Ref{}, fmt.Errorf("archive key %q: %w", key, err)
	}
	return domain.Ref{Type: domain.EntityType(entityType), ID: id}, nil
}

// Logger receives archive progress.
type Logger interface {
	Info(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}

// Archiver moves entity histories between a ledger and a blob store.
type Archiver struct {
	ledger domain.Ledger
	store  blob.Store
	logger Logger
	nowFn  func() time.Time
}

// Option configures an Archiver.
type Option func(*Archiver)

// WithLogger sets the progress logger.
func WithLogger(logger Logger) Option {
	return func(a *Archiver) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithClock overrides the export timestamp source.
func WithClock(now func() time.Time) Option {
	return func(a *Archiver) {
		if now != nil {
			a.nowFn = now
		}
	}
}

// New builds an archiver.
func New(ledger domain.Ledger, store blob.Store, opts ...Option) *Archiver {
	a := &Archiver{
		ledger: ledger,
		store:  store,
		logger: noopLogger{},
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Export writes the live history of ref, replacing a previous export.
func (a *Archiver) Export(ctx context.Context, ref domain.Ref) (blob.Object, error) {
	records, err := a.ledger.QueryByEntity(ctx, ref.Type, ref.ID)
	if err != nil {
		return blob.Object{}, fmt.Errorf("export %s: %w", ref, err)
	}
	doc := Document{
		Version:    DocumentVersion,
		EntityType: ref.Type,
		ExternalID: ref.ID,
		ExportedAt: a.nowFn(),
		Records:    make([]Record, 0, len(records)),
	}
	for _, rec := range records {
		doc.Records = append(doc.Records, fromAuditRecord(rec))
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return blob.Object{}, fmt.Errorf("encode %s: %w", ref, err)
	}
	obj, err := a.store.Put(ctx, Key(ref), bytes.NewReader(raw), blob.PutOptions{
		ContentType: contentType,
		Metadata: map[string]string{
			"entity":  ref.String(),
			"records": strconv.Itoa(len(doc.Records)),
		},
	})
	if err != nil {
		return blob.Object{}, fmt.Errorf("store %s: %w", ref, err)
	}
	a.logger.Info("history exported", "ref", ref.String(), "records", len(doc.Records), "key", obj.Key)
	return obj, nil
}

// Read loads the archived document of ref.
func (a *Archiver) Read(ctx context.Context, ref domain.Ref) (Document, error) {
	_, rc, err := a.store.Get(ctx, Key(ref))
	if err != nil {
		return Document{}, fmt.Errorf("read %s: %w", ref, err)
	}
	defer func() { _ = rc.Close() }()
	var doc Document
	dec := json.NewDecoder(rc)
	if err := dec.Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("decode %s: %w", ref, err)
	}
	if doc.Version != DocumentVersion {
		return Document{}, fmt.Errorf("decode %s: unsupported version %d", ref, doc.Version)
	}
	if doc.Ref() != ref {
		return Document{}, fmt.Errorf("decode %s: document describes %s", ref, doc.Ref())
	}
	return doc, nil
}

// Archived lists the entities of entityType with an exported history. An
// empty entityType lists every archived entity.
func (a *Archiver) Archived(ctx context.Context, entityType domain.EntityType) ([]domain.Ref, error) {
	prefix := keyPrefix
	if entityType != "" {
		prefix += string(entityType) + "/"
	}
	objs, err := a.store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list archive: %w", err)
	}
	refs := make([]domain.Ref, 0, len(objs))
	for _, obj := range objs {
		ref, err := ParseKey(obj.Key)
		if err != nil {
			continue
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// Import appends every archived record of ref to target, keeping the
// original timestamps and metadata. Records receive new identities. It
// returns the number of appended records.
func (a *Archiver) Import(ctx context.Context, ref domain.Ref, target domain.Ledger) (int, error) {
	doc, err := a.Read(ctx, ref)
	if err != nil {
		return 0, err
	}
	for i, rec := range doc.Records {
		req, err := rec.appendRequest(ref)
		if err != nil {
			return i, fmt.Errorf("import %s record %d: %w", ref, rec.ID, err)
		}
		if _, err := target.Append(ctx, req); err != nil {
			return i, fmt.Errorf("import %s record %d: %w", ref, rec.ID, err)
		}
	}
	a.logger.Info("history imported", "ref", ref.String(), "records", len(doc.Records))
	return len(doc.Records), nil
}

// Purge removes the archived document of ref.
func (a *Archiver) Purge(ctx context.Context, ref domain.Ref) error {
	ok, err := a.store.Delete(ctx, Key(ref))
	if err != nil {
		return fmt.Errorf("purge %s: %w", ref, err)
	}
	if !ok {
		return fmt.Errorf("purge %s: %w", ref, blob.ErrNotFound)
	}
	return nil
}

func fromAuditRecord(rec domain.AuditRecord) Record {
	out := Record{
		ID:        rec.ID,
		Operation: rec.Operation,
		CreatedAt: rec.CreatedAt.UTC(),
		ActorID:   rec.ActorID,
		Reason:    rec.Reason,
		TraceID:   rec.TraceID,
		Payload:   rec.Payload,
	}
	if rec.Source.IsValid() {
		out.Source = rec.Source.String()
	}
	return out
}

func (r Record) appendRequest(ref domain.Ref) (domain.AppendRequest, error) {
	req := domain.AppendRequest{
		EntityType: ref.Type,
		ExternalID: ref.ID,
		Operation:  r.Operation,
		ActorID:    r.ActorID,
		Reason:     r.Reason,
		TraceID:    r.TraceID,
		Payload:    r.Payload,
		At:         r.CreatedAt,
	}
	if r.Source != "" {
		addr, err := netip.ParseAddr(r.Source)
		if err != nil {
			return domain.AppendRequest{}, fmt.Errorf("source: %w", err)
		}
		req.Source = addr
	}
	if r.CreatedAt.IsZero() {
		return domain.AppendRequest{}, errors.New("missing created_at")
	}
	return req, nil
}
