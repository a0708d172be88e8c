package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"entitycore/pkg/domain"
)

// Logger matches the structured logger used across the module.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

// MetricsRecorder receives the duration of each reconstruction.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// Resolver loads a single entity by identity when an ancestry walk reaches a
// parent that is not linked in memory.
type Resolver[T domain.Hierarchical] interface {
	Resolve(ctx context.Context, id int64) (T, bool, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc[T domain.Hierarchical] func(ctx context.Context, id int64) (T, bool, error)

// Resolve calls f.
func (f ResolverFunc[T]) Resolve(ctx context.Context, id int64) (T, bool, error) {
	return f(ctx, id)
}

// ChildResolver loads the direct children of an entity, in display order,
// when a node's children were not part of the reconstructed input.
type ChildResolver[T domain.Hierarchical] interface {
	ResolveChildren(ctx context.Context, parentID int64) ([]T, error)
}

// ChildResolverFunc adapts a function to ChildResolver.
type ChildResolverFunc[T domain.Hierarchical] func(ctx context.Context, parentID int64) ([]T, error)

// ResolveChildren calls f.
func (f ChildResolverFunc[T]) ResolveChildren(ctx context.Context, parentID int64) ([]T, error) {
	return f(ctx, parentID)
}

// Metric names reported by the engine.
const (
	OperationReconstruct = "hierarchy.reconstruct"
	OperationLink        = "hierarchy.link"
	OperationChildren    = "hierarchy.children"
)

type options struct {
	logger         Logger
	metrics        MetricsRecorder
	labels         domain.LabelProvider
	orphansAsRoots bool
	now            func() time.Time
	children       any
}

// Option configures an Engine.
type Option func(*options)

// WithLogger sets the logger receiving reconstruction summaries.
func WithLogger(l Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetricsRecorder sets the recorder receiving reconstruction timings.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithLabels sets the provider used by AncestryLabels.
func WithLabels(p domain.LabelProvider) Option {
	return func(o *options) {
		o.labels = p
	}
}

// WithOrphansAsRoots promotes entities whose parent is absent from the input
// to roots instead of failing. Cycles still fail.
func WithOrphansAsRoots() Option {
	return func(o *options) {
		o.orphansAsRoots = true
	}
}

// WithChildResolver sets the resolver used by Engine.Children. r must resolve
// the engine's entity type; a resolver for another type is ignored.
func WithChildResolver[T domain.Hierarchical](r ChildResolver[T]) Option {
	return func(o *options) {
		if r != nil {
			o.children = r
		}
	}
}

// WithClock overrides the time source used for timings.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Engine reconstructs forests and answers ancestry queries for one entity type.
type Engine[T domain.Hierarchical] struct {
	resolver Resolver[T]
	children ChildResolver[T]
	opts     options
}

// NewEngine builds an engine. resolver may be nil, in which case ancestry walks
// only follow parents already linked in memory.
func NewEngine[T domain.Hierarchical](resolver Resolver[T], opts ...Option) *Engine[T] {
	o := options{logger: noopLogger{}, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	children, _ := o.children.(ChildResolver[T])
	return &Engine[T]{resolver: resolver, children: children, opts: o}
}

// Reconstruct partitions items into a forest. Roots and children keep their
// relative input order. Entities that cannot be reached from a root, because
// their parent is missing or they form a cycle, fail the call with an
// *domain.OrphanedSubtreeError.
func (e *Engine[T]) Reconstruct(ctx context.Context, items []T) (forest *Forest[T], err error) {
	start := e.opts.now()
	defer func() {
		e.observe(ctx, OperationReconstruct, items, start, err)
	}()

	nodes, index, err := e.index(items)
	if err != nil {
		return nil, err
	}

	children := make(map[int64][]*Node[T], len(nodes))
	var roots []*Node[T]
	for _, n := range nodes {
		pid, ok := n.ParentID()
		if !ok {
			roots = append(roots, n)
			continue
		}
		if _, present := index[pid]; !present && e.opts.orphansAsRoots {
			roots = append(roots, n)
			continue
		}
		children[pid] = append(children[pid], n)
	}

	placed := make(map[*Node[T]]struct{}, len(nodes))
	queue := make([]*Node[T], 0, len(nodes))
	for _, r := range roots {
		placed[r] = struct{}{}
		queue = append(queue, r)
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		id, ok := n.ID()
		if !ok {
			continue
		}
		for _, child := range children[id] {
			if _, seen := placed[child]; seen {
				continue
			}
			n.attach(child)
			placed[child] = struct{}{}
			queue = append(queue, child)
		}
	}

	if len(placed) != len(nodes) {
		orphaned := &domain.OrphanedSubtreeError{}
		for i, n := range nodes {
			if _, ok := placed[n]; ok {
				continue
			}
			if id, ok := n.ID(); ok {
				orphaned.IDs = append(orphaned.IDs, id)
			} else {
				orphaned.Positions = append(orphaned.Positions, i)
			}
		}
		return nil, orphaned
	}

	return &Forest[T]{roots: roots, index: index, size: len(nodes)}, nil
}

// Link sets parent and children pointers for every item whose parent is also
// in the collection. No roots are required and unresolved parents stay lazy.
// The returned nodes follow input order.
func (e *Engine[T]) Link(ctx context.Context, items []T) (linked []*Node[T], err error) {
	start := e.opts.now()
	defer func() {
		e.observe(ctx, OperationLink, items, start, err)
	}()

	nodes, index, err := e.index(items)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		pid, ok := n.ParentID()
		if !ok {
			continue
		}
		if parent, present := index[pid]; present && parent != n {
			parent.attach(n)
		}
	}
	return nodes, nil
}

func (e *Engine[T]) index(items []T) ([]*Node[T], map[int64]*Node[T], error) {
	nodes := make([]*Node[T], len(items))
	index := make(map[int64]*Node[T], len(items))
	for i, item := range items {
		n := NewNode(item)
		if id, ok := n.ID(); ok {
			if _, dup := index[id]; dup {
				return nil, nil, fmt.Errorf("node %d: %w", id, domain.ErrDuplicateNode)
			}
			index[id] = n
		}
		nodes[i] = n
	}
	return nodes, index, nil
}

// AncestryChain returns the path from the furthest ancestor down to n.
// Missing parents are loaded through the resolver and linked onto the chain.
func (e *Engine[T]) AncestryChain(ctx context.Context, n *Node[T]) ([]*Node[T], error) {
	if n == nil {
		return nil, errors.New("ancestry: nil node")
	}
	var (
		chain   []*Node[T]
		path    []int64
		visited = make(map[int64]struct{})
	)
	for cur := n; cur != nil; {
		if id, ok := cur.ID(); ok {
			if _, seen := visited[id]; seen {
				return nil, &domain.CyclicHierarchyError{ID: id, Path: path}
			}
			visited[id] = struct{}{}
			path = append(path, id)
		}
		chain = append(chain, cur)

		pid, ok := cur.ParentID()
		if !ok {
			break
		}
		if cur.parent == nil {
			parent, err := e.resolve(ctx, pid)
			if err != nil {
				return nil, err
			}
			cur.parent = parent
		}
		cur = cur.parent
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

func (e *Engine[T]) resolve(ctx context.Context, id int64) (*Node[T], error) {
	if e.resolver == nil {
		return nil, fmt.Errorf("parent %d: %w", id, domain.ErrParentNotFound)
	}
	item, ok, err := e.resolver.Resolve(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("resolve parent %d: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("parent %d: %w", id, domain.ErrParentNotFound)
	}
	return NewNode(item), nil
}

// Children returns the direct children of n. The first call for a node loads
// its children through the child resolver and links those not already
// attached, in resolver order after the linked ones. Later calls return the
// linked children without loading again.
func (e *Engine[T]) Children(ctx context.Context, n *Node[T]) (children []*Node[T], err error) {
	if n == nil {
		return nil, errors.New("children: nil node")
	}
	id, ok := n.ID()
	if n.loaded || e.children == nil || !ok {
		return n.Children(), nil
	}

	start := e.opts.now()
	var items []T
	defer func() {
		e.observe(ctx, OperationChildren, items, start, err)
	}()
	items, err = e.children.ResolveChildren(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("resolve children %d: %w", id, err)
	}

	linked := make(map[int64]struct{}, len(n.children))
	for _, child := range n.children {
		if cid, ok := child.ID(); ok {
			linked[cid] = struct{}{}
		}
	}
	for _, item := range items {
		if pid, ok := item.ParentIdentity(); !ok || pid != id {
			e.opts.logger.Warn("child resolver returned a foreign entity", "parent", id, "type", item.EntityType())
			continue
		}
		if cid, ok := item.Identity(); ok {
			if _, dup := linked[cid]; dup {
				continue
			}
			linked[cid] = struct{}{}
		}
		n.attach(NewNode(item))
	}
	n.loaded = true
	return n.Children(), nil
}

// Depth returns the length of the ancestry chain; roots have depth 1.
func (e *Engine[T]) Depth(ctx context.Context, n *Node[T]) (int, error) {
	chain, err := e.AncestryChain(ctx, n)
	if err != nil {
		return 0, err
	}
	return len(chain), nil
}

// AncestryIdentities returns the identities along the ancestry chain.
func (e *Engine[T]) AncestryIdentities(ctx context.Context, n *Node[T]) ([]int64, error) {
	chain, err := e.AncestryChain(ctx, n)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(chain))
	for _, node := range chain {
		id, _ := node.ID()
		ids = append(ids, id)
	}
	return ids, nil
}

// AncestryLabels returns the localized label of each node along the chain.
func (e *Engine[T]) AncestryLabels(ctx context.Context, n *Node[T], locale string) ([]string, error) {
	if e.opts.labels == nil {
		return nil, errors.New("ancestry labels: no label provider configured")
	}
	chain, err := e.AncestryChain(ctx, n)
	if err != nil {
		return nil, err
	}
	labels := make([]string, 0, len(chain))
	for _, node := range chain {
		label, err := e.opts.labels.LabelFor(ctx, node.Item, locale)
		if err != nil {
			return nil, fmt.Errorf("label %s: %w", node.Item.EntityType(), err)
		}
		labels = append(labels, label)
	}
	return labels, nil
}

func (e *Engine[T]) observe(ctx context.Context, op string, items []T, start time.Time, err error) {
	elapsed := e.opts.now().Sub(start)
	if e.opts.metrics != nil {
		e.opts.metrics.Observe(ctx, op, err == nil, elapsed)
	}
	var entityType domain.EntityType
	if len(items) > 0 {
		entityType = items[0].EntityType()
	}
	if err != nil {
		e.opts.logger.Warn(op+" failed", "type", entityType, "size", len(items), "error", err)
		return
	}
	e.opts.logger.Debug(op, "type", entityType, "size", len(items), "duration", elapsed)
}
