package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"entitycore/pkg/domain"
)

// Lifecycle persists auditable entities and, once the surrounding transaction
// commits, appends one audit record per insert, update or delete.
type Lifecycle struct {
	storage   domain.Storage
	txs       domain.TxControl
	ledger    domain.Ledger
	logger    Logger
	clock     ClockFunc
	metrics   MetricsRecorder
	tracer    Tracer
	listeners []domain.Listener
	redact    RedactMap
}

// NewLifecycle wires storage, transaction control and the ledger.
func NewLifecycle(storage domain.Storage, txs domain.TxControl, ledger domain.Ledger, opts ...Option) *Lifecycle {
	l := &Lifecycle{
		storage: storage,
		txs:     txs,
		ledger:  ledger,
		logger:  noopLogger{},
		metrics: noopMetricsRecorder{},
		tracer:  noopTracer{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Insert persists a new entity and records an INSERT, even with an empty diff.
func (l *Lifecycle) Insert(ctx context.Context, e domain.Auditable) error {
	return l.run(ctx, OpInsert, func(ctx context.Context, tx domain.Tx) error {
		if err := l.persist(ctx, tx, e, domain.OperationInsert); err != nil {
			return err
		}
		l.schedule(ctx, tx, e, domain.OperationInsert, nil)
		return nil
	})
}

// Update persists an existing entity. No record is produced when nothing
// changed.
func (l *Lifecycle) Update(ctx context.Context, e domain.Auditable) error {
	return l.run(ctx, OpUpdate, func(ctx context.Context, tx domain.Tx) error {
		if err := l.persist(ctx, tx, e, domain.OperationUpdate); err != nil {
			return err
		}
		l.schedule(ctx, tx, e, domain.OperationUpdate, nil)
		return nil
	})
}

// Delete soft-deletes an entity and records a DELETE with an empty payload.
func (l *Lifecycle) Delete(ctx context.Context, e domain.Auditable) error {
	return l.run(ctx, OpDelete, func(ctx context.Context, tx domain.Tx) error {
		if err := l.persist(ctx, tx, e, domain.OperationDelete); err != nil {
			return err
		}
		l.schedule(ctx, tx, e, domain.OperationDelete, nil)
		return nil
	})
}

// Save persists parent and its owned entities in one transaction. Each owned
// entity is inserted when it has no identity and updated otherwise; its diff
// is marked with the operation and identity, then merged into the parent so
// a single record describes the whole save.
func (l *Lifecycle) Save(ctx context.Context, parent domain.Auditable, owned ...domain.Auditable) error {
	return l.run(ctx, OpSave, func(ctx context.Context, tx domain.Tx) error {
		restore := snapshotTrackers(parent, owned)
		tx.OnRollback(restore)

		op := operationFor(parent)
		if err := l.persist(ctx, tx, parent, op); err != nil {
			return err
		}
		absorbed := make([]staged, 0, len(owned))
		for _, child := range owned {
			childOp := operationFor(child)
			if childOp == domain.OperationUpdate && child.Changes().Unstaged().Len() == 0 {
				continue
			}
			if err := l.persist(ctx, tx, child, childOp); err != nil {
				return fmt.Errorf("save owned %s: %w", child.EntityType(), err)
			}
			id, _ := child.Identity()
			child.Changes().MarkPersisted(childOp, id)
			diff := child.Changes().Unstaged()
			diff.Set(domain.OperationKey, string(childOp))
			diff.Set(domain.IdentityKey, id)
			parent.Changes().Merge(domain.Ref{Type: child.EntityType(), ID: id}, diff)
			absorbed = append(absorbed, stage(tx, child.Changes(), diff))
		}
		l.schedule(ctx, tx, parent, op, absorbed)
		return nil
	})
}

func operationFor(e domain.Auditable) domain.Operation {
	if _, ok := e.Identity(); ok {
		return domain.OperationUpdate
	}
	return domain.OperationInsert
}

func snapshotTrackers(parent domain.Auditable, owned []domain.Auditable) func() {
	diffs := make([]domain.Diff, 0, len(owned)+1)
	trackers := make([]*domain.MutationTracker, 0, len(owned)+1)
	for _, e := range append([]domain.Auditable{parent}, owned...) {
		trackers = append(trackers, e.Changes())
		diffs = append(diffs, e.Changes().Snapshot())
	}
	return func() {
		for i, t := range trackers {
			t.Replace(diffs[i])
		}
	}
}

func (l *Lifecycle) run(ctx context.Context, op string, fn func(context.Context, domain.Tx) error) (err error) {
	start := l.clock.Now()
	ctx, span := l.tracer.Start(ctx, op)
	defer func() {
		span.End(err)
		l.metrics.Observe(ctx, op, err == nil, l.clock.Now().Sub(start))
	}()

	txCtx, tx, alreadyStarted, err := l.txs.StartIfNotStarted(ctx)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op, err)
	}
	if err := fn(txCtx, tx); err != nil {
		if !alreadyStarted {
			if rbErr := tx.Rollback(txCtx); rbErr != nil {
				l.logger.Error("rollback failed", "operation", op, "tx", tx.ID(), "error", rbErr)
			}
		}
		return err
	}
	if alreadyStarted {
		return nil
	}
	if err := tx.Commit(txCtx); err != nil {
		var post *domain.PostCommitError
		if errors.As(err, &post) {
			return err
		}
		return fmt.Errorf("%s: commit: %w", op, err)
	}
	return nil
}

func (l *Lifecycle) persist(ctx context.Context, tx domain.Tx, e domain.Auditable, op domain.Operation) error {
	entityType := e.EntityType()
	switch op {
	case domain.OperationInsert:
		if id, ok := e.Identity(); ok {
			return fmt.Errorf("insert %s#%d: %w", entityType, id, domain.ErrIdentityBound)
		}
		id, err := l.storage.Persist(ctx, entityType, 0, e.Fields())
		if err != nil {
			return fmt.Errorf("insert %s: %w", entityType, err)
		}
		if err := e.BindIdentity(id); err != nil {
			return fmt.Errorf("insert %s: %w", entityType, err)
		}
		tx.OnRollback(func() {
			if e.ReleaseIdentity() {
				l.logger.Debug("released provisional identity", "type", entityType, "id", id)
			}
		})
		tx.OnCommit(func(context.Context) error {
			e.ConfirmIdentity()
			return nil
		})
		return nil
	case domain.OperationUpdate:
		id, ok := e.Identity()
		if !ok {
			return fmt.Errorf("update %s: %w", entityType, domain.ErrIdentityMissing)
		}
		if _, err := l.storage.Persist(ctx, entityType, id, e.Fields()); err != nil {
			return fmt.Errorf("update %s#%d: %w", entityType, id, err)
		}
		return nil
	case domain.OperationDelete:
		id, ok := e.Identity()
		if !ok {
			return fmt.Errorf("delete %s: %w", entityType, domain.ErrIdentityMissing)
		}
		if err := l.storage.SoftDelete(ctx, entityType, id, l.clock.Now()); err != nil {
			return fmt.Errorf("delete %s#%d: %w", entityType, id, err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported operation %q", op)
	}
}

// staged is a diff handed to an open transaction on behalf of tracker.
type staged struct {
	tracker *domain.MutationTracker
	diff    domain.Diff
}

// stage marks diff as in flight on tracker until tx resolves. A rollback
// returns it to the pending changes.
func stage(tx domain.Tx, tracker *domain.MutationTracker, diff domain.Diff) staged {
	tracker.Stage(diff)
	tx.OnRollback(func() { tracker.Unstage(diff) })
	return staged{tracker: tracker, diff: diff}
}

func (s staged) emitted()  { s.tracker.ClearEmitted(s.diff) }
func (s staged) released() { s.tracker.Unstage(s.diff) }

// schedule registers the audit emission for e on tx. Only changes not yet
// claimed by an earlier emission in the same transaction are recorded; they
// are cleared from the tracker once the record is appended, leaving any later
// change pending. absorbed holds the owned diffs merged into e.
func (l *Lifecycle) schedule(ctx context.Context, tx domain.Tx, e domain.Auditable, op domain.Operation, absorbed []staged) {
	tracker := e.Changes()
	ref, _ := domain.RefOf(e)
	pending := tracker.Unstaged()

	if op == domain.OperationUpdate && pending.Len() == 0 && !domain.AuditSkipped(ctx) {
		l.logger.Debug("skipping audit for unchanged entity", "entity", ref.String())
		for _, s := range absorbed {
			s.released()
		}
		return
	}
	inFlight := append([]staged{stage(tx, tracker, pending)}, absorbed...)
	settle := func(emitted bool) {
		for _, s := range inFlight {
			if emitted {
				s.emitted()
			} else {
				s.released()
			}
		}
	}

	if domain.AuditSkipped(ctx) {
		tx.OnCommit(func(context.Context) error {
			settle(true)
			return nil
		})
		return
	}

	var payload domain.Diff
	if op != domain.OperationDelete {
		payload = l.redact.apply(pending)
	}
	meta := domain.MetadataFrom(ctx)
	req := domain.AppendRequest{
		EntityType: ref.Type,
		ExternalID: ref.ID,
		Operation:  op,
		ActorID:    meta.ActorID,
		Source:     meta.Source,
		Reason:     meta.Reason,
		TraceID:    meta.TraceID,
		Payload:    payload,
		At:         l.clock.Now(),
	}

	tx.OnCommit(func(hookCtx context.Context) error {
		start := l.clock.Now()
		recordID, err := l.ledger.Append(hookCtx, req)
		l.metrics.Observe(hookCtx, OpAuditAppend, err == nil, l.clock.Now().Sub(start))
		if err != nil {
			settle(false)
			l.logger.Error("audit append failed after commit",
				"entity", ref.String(), "operation", string(op), "tx", tx.ID(), "error", err)
			return &domain.AuditEmitError{Ref: ref, Operation: op, Err: err}
		}
		settle(true)
		l.logger.Debug("audit recorded", "entity", ref.String(), "operation", string(op), "record", recordID)
		l.notify(hookCtx, domain.Notification{
			EventID:   uuid.NewString(),
			Operation: op,
			Ref:       ref,
			RecordID:  recordID,
			ActorID:   req.ActorID,
			Payload:   req.Payload.Clone(),
			At:        req.At,
			Entity:    e,
		})
		return nil
	})
}

func (l *Lifecycle) notify(ctx context.Context, n domain.Notification) {
	for _, listener := range l.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.logger.Warn("listener panicked", "entity", n.Ref.String(), "panic", r)
				}
			}()
			listener.Notify(ctx, n)
		}()
	}
}
