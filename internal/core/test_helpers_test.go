package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"entitycore/pkg/domain"
)

type user struct {
	domain.Base
	name  string
	email string
}

func (*user) EntityType() domain.EntityType { return "user" }

func (u *user) Fields() map[string]any {
	return map[string]any{"name": u.name, "email": u.email}
}

func (u *user) SetName(v string) bool  { return domain.Set(u.Changes(), "name", &u.name, v) }
func (u *user) SetEmail(v string) bool { return domain.Set(u.Changes(), "email", &u.email, v) }

type address struct {
	domain.Base
	street string
}

func (*address) EntityType() domain.EntityType { return "address" }

func (a *address) Fields() map[string]any {
	return map[string]any{"street": a.street}
}

func (a *address) SetStreet(v string) bool { return domain.Set(a.Changes(), "street", &a.street, v) }

type fakeTx struct {
	id         string
	commits    []func(context.Context) error
	rollbacks  []func()
	commitErr  error
	committed  bool
	rolledBack bool
}

func (t *fakeTx) ID() string { return t.id }

func (t *fakeTx) OnCommit(fn func(context.Context) error) { t.commits = append(t.commits, fn) }

func (t *fakeTx) OnRollback(fn func()) { t.rollbacks = append(t.rollbacks, fn) }

func (t *fakeTx) Commit(ctx context.Context) error {
	if t.commitErr != nil {
		t.runRollbacks()
		return t.commitErr
	}
	t.committed = true
	hooks := t.commits
	t.commits, t.rollbacks = nil, nil
	var errs []error
	for _, fn := range hooks {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return &domain.PostCommitError{Err: errors.Join(errs...)}
	}
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	t.rolledBack = true
	t.runRollbacks()
	return nil
}

func (t *fakeTx) runRollbacks() {
	hooks := t.rollbacks
	t.commits, t.rollbacks = nil, nil
	for _, fn := range hooks {
		fn()
	}
}

type fakeTxControl struct {
	started   []*fakeTx
	commitErr error
}

func (c *fakeTxControl) StartIfNotStarted(ctx context.Context) (context.Context, domain.Tx, bool, error) {
	if tx, ok := domain.TxFromContext(ctx); ok {
		return ctx, tx, true, nil
	}
	tx := &fakeTx{id: fmt.Sprintf("tx-%d", len(c.started)+1), commitErr: c.commitErr}
	c.started = append(c.started, tx)
	return domain.ContextWithTx(ctx, tx), tx, false, nil
}

type persistCall struct {
	entityType domain.EntityType
	id         int64
	fields     map[string]any
}

type fakeStorage struct {
	nextID  int64
	calls   []persistCall
	deleted []persistCall
	err     error
}

func (s *fakeStorage) Persist(_ context.Context, entityType domain.EntityType, id int64, fields map[string]any) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.calls = append(s.calls, persistCall{entityType: entityType, id: id, fields: fields})
	if id == 0 {
		s.nextID++
		return s.nextID, nil
	}
	return id, nil
}

func (s *fakeStorage) SoftDelete(_ context.Context, entityType domain.EntityType, id int64, at time.Time) error {
	if s.err != nil {
		return s.err
	}
	s.deleted = append(s.deleted, persistCall{entityType: entityType, id: id, fields: map[string]any{"at": at}})
	return nil
}

type fakeLedger struct {
	records     []domain.AuditRecord
	appendCalls int
	queryCalls  int
	err         error
}

func (l *fakeLedger) Append(_ context.Context, req domain.AppendRequest) (int64, error) {
	l.appendCalls++
	if l.err != nil {
		return 0, l.err
	}
	if err := req.Validate(); err != nil {
		return 0, err
	}
	id := int64(len(l.records) + 1)
	l.records = append(l.records, req.Record(id, req.At))
	return id, nil
}

func (l *fakeLedger) QueryByEntity(_ context.Context, entityType domain.EntityType, externalID int64) ([]domain.AuditRecord, error) {
	return l.query(entityType, "", externalID)
}

func (l *fakeLedger) QueryByEntityAndOperation(_ context.Context, entityType domain.EntityType, op domain.Operation, externalID int64) ([]domain.AuditRecord, error) {
	return l.query(entityType, op, externalID)
}

func (l *fakeLedger) query(entityType domain.EntityType, op domain.Operation, externalID int64) ([]domain.AuditRecord, error) {
	l.queryCalls++
	if l.err != nil {
		return nil, l.err
	}
	var out []domain.AuditRecord
	for _, rec := range l.records {
		if rec.EntityType != entityType || rec.ExternalID != externalID || rec.Deleted() {
			continue
		}
		if op != "" && rec.Operation != op {
			continue
		}
		out = append(out, rec.Clone())
	}
	return out, nil
}

func (l *fakeLedger) SoftDelete(_ context.Context, recordID int64) error {
	for i := range l.records {
		if l.records[i].ID == recordID {
			at := time.Now()
			l.records[i].DeletedAt = &at
			return nil
		}
	}
	return domain.ErrRecordNotFound
}

type metricsCall struct {
	op      string
	success bool
}

type captureMetricsRecorder struct {
	calls []metricsCall
}

func (c *captureMetricsRecorder) Observe(_ context.Context, op string, success bool, _ time.Duration) {
	c.calls = append(c.calls, metricsCall{op: op, success: success})
}

func (c *captureMetricsRecorder) has(op string, success bool) bool {
	for _, call := range c.calls {
		if call.op == op && call.success == success {
			return true
		}
	}
	return false
}

type captureListener struct {
	notifications []domain.Notification
}

func (c *captureListener) Notify(_ context.Context, n domain.Notification) {
	c.notifications = append(c.notifications, n)
}

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

type harness struct {
	storage *fakeStorage
	txs     *fakeTxControl
	ledger  *fakeLedger
	metrics *captureMetricsRecorder
	life    *Lifecycle
}

func newHarness(opts ...Option) *harness {
	h := &harness{
		storage: &fakeStorage{},
		txs:     &fakeTxControl{},
		ledger:  &fakeLedger{},
		metrics: &captureMetricsRecorder{},
	}
	opts = append([]Option{WithClock(fixedClock), WithMetricsRecorder(h.metrics)}, opts...)
	h.life = NewLifecycle(h.storage, h.txs, h.ledger, opts...)
	return h
}

func persistedUser(id int64, name string) *user {
	u := &user{name: name}
	u.Restore(id)
	return u
}
