package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"entitycore/pkg/domain"
)

type category struct {
	domain.Base
	name   string
	parent *int64
}

func (*category) EntityType() domain.EntityType { return "category" }

func (c *category) ParentIdentity() (int64, bool) {
	if c.parent == nil {
		return 0, false
	}
	return *c.parent, true
}

func cat(id int64, parent int64, name string) *category {
	c := &category{name: name}
	c.Restore(id)
	if parent != 0 {
		p := parent
		c.parent = &p
	}
	return c
}

type recordingMetrics struct {
	ops     []string
	success []bool
}

func (r *recordingMetrics) Observe(_ context.Context, op string, success bool, _ time.Duration) {
	r.ops = append(r.ops, op)
	r.success = append(r.success, success)
}

func names(nodes []*Node[*category]) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Item.name
	}
	return out
}

func TestReconstructRoundTrip(t *testing.T) {
	a, b, c, d := cat(1, 0, "A"), cat(2, 1, "B"), cat(3, 2, "C"), cat(4, 1, "D")
	metrics := &recordingMetrics{}
	engine := NewEngine[*category](nil, WithMetricsRecorder(metrics))

	forest, err := engine.Reconstruct(context.Background(), []*category{a, b, c, d})
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	roots := forest.Roots()
	if got := names(roots); !reflect.DeepEqual(got, []string{"A"}) {
		t.Fatalf("expected single root A, got %v", got)
	}
	if got := names(roots[0].Children()); !reflect.DeepEqual(got, []string{"B", "D"}) {
		t.Fatalf("expected children B,D got %v", got)
	}
	nodeB, _ := forest.Find(2)
	if got := names(nodeB.Children()); !reflect.DeepEqual(got, []string{"C"}) {
		t.Fatalf("expected B children C, got %v", got)
	}
	if nodeB.Parent() != roots[0] {
		t.Fatalf("expected B parent back reference to A")
	}

	nodeC, _ := forest.Find(3)
	chain, err := engine.AncestryChain(context.Background(), nodeC)
	if err != nil {
		t.Fatalf("ancestry: %v", err)
	}
	if got := names(chain); !reflect.DeepEqual(got, []string{"A", "B", "C"}) {
		t.Fatalf("expected chain A,B,C got %v", got)
	}
	depth, err := engine.Depth(context.Background(), nodeC)
	if err != nil || depth != 3 {
		t.Fatalf("expected depth 3, got %d (%v)", depth, err)
	}
	if depth, _ := engine.Depth(context.Background(), roots[0]); depth != 1 {
		t.Fatalf("expected root depth 1, got %d", depth)
	}
	ids, err := engine.AncestryIdentities(context.Background(), nodeC)
	if err != nil || !reflect.DeepEqual(ids, []int64{1, 2, 3}) {
		t.Fatalf("unexpected ancestry ids %v (%v)", ids, err)
	}
	if forest.Len() != 4 {
		t.Fatalf("expected 4 nodes, got %d", forest.Len())
	}
	if len(metrics.ops) != 1 || metrics.ops[0] != OperationReconstruct || !metrics.success[0] {
		t.Fatalf("unexpected metrics %+v", metrics)
	}
}

func TestReconstructPreservesInputOrder(t *testing.T) {
	items := []*category{cat(5, 1, "late"), cat(2, 0, "root2"), cat(1, 0, "root1"), cat(3, 1, "early")}
	forest, err := NewEngine[*category](nil).Reconstruct(context.Background(), items)
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	if got := names(forest.Roots()); !reflect.DeepEqual(got, []string{"root2", "root1"}) {
		t.Fatalf("roots out of order: %v", got)
	}
	root1, _ := forest.Find(1)
	if got := names(root1.Children()); !reflect.DeepEqual(got, []string{"late", "early"}) {
		t.Fatalf("children out of order: %v", got)
	}
}

func TestReconstructOrphanFails(t *testing.T) {
	metrics := &recordingMetrics{}
	engine := NewEngine[*category](nil, WithMetricsRecorder(metrics))
	_, err := engine.Reconstruct(context.Background(), []*category{cat(1, 0, "A"), cat(2, 99, "B")})
	if !errors.Is(err, domain.ErrOrphanedSubtree) {
		t.Fatalf("expected orphaned subtree, got %v", err)
	}
	var orphan *domain.OrphanedSubtreeError
	if !errors.As(err, &orphan) || !reflect.DeepEqual(orphan.IDs, []int64{2}) {
		t.Fatalf("expected orphan ids [2], got %+v", orphan)
	}
	if metrics.success[0] {
		t.Fatalf("expected failed reconstruction to be observed as failure")
	}
}

func TestReconstructCycleFails(t *testing.T) {
	items := []*category{cat(1, 0, "root"), cat(10, 11, "X"), cat(11, 10, "Y")}
	_, err := NewEngine[*category](nil).Reconstruct(context.Background(), items)
	var orphan *domain.OrphanedSubtreeError
	if !errors.As(err, &orphan) {
		t.Fatalf("expected orphaned subtree for cycle, got %v", err)
	}
	if !reflect.DeepEqual(orphan.IDs, []int64{10, 11}) {
		t.Fatalf("unexpected ids %v", orphan.IDs)
	}
}

func TestReconstructSelfParentFails(t *testing.T) {
	_, err := NewEngine[*category](nil).Reconstruct(context.Background(), []*category{cat(1, 1, "self")})
	if !errors.Is(err, domain.ErrOrphanedSubtree) {
		t.Fatalf("expected orphaned subtree for self parent, got %v", err)
	}
}

func TestReconstructOrphansAsRoots(t *testing.T) {
	items := []*category{cat(2, 99, "B"), cat(3, 2, "C"), cat(10, 11, "X"), cat(11, 10, "Y")}
	engine := NewEngine[*category](nil, WithOrphansAsRoots())
	_, err := engine.Reconstruct(context.Background(), items)
	var orphan *domain.OrphanedSubtreeError
	if !errors.As(err, &orphan) || !reflect.DeepEqual(orphan.IDs, []int64{10, 11}) {
		t.Fatalf("cycles must still fail, got %v", err)
	}

	forest, err := engine.Reconstruct(context.Background(), items[:2])
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	if got := names(forest.Roots()); !reflect.DeepEqual(got, []string{"B"}) {
		t.Fatalf("expected promoted root B, got %v", got)
	}
}

func TestReconstructDuplicateNode(t *testing.T) {
	_, err := NewEngine[*category](nil).Reconstruct(context.Background(), []*category{cat(1, 0, "A"), cat(1, 0, "A2")})
	if !errors.Is(err, domain.ErrDuplicateNode) {
		t.Fatalf("expected duplicate node, got %v", err)
	}
}

func TestReconstructEmpty(t *testing.T) {
	forest, err := NewEngine[*category](nil).Reconstruct(context.Background(), nil)
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	if forest.Len() != 0 || len(forest.Roots()) != 0 {
		t.Fatalf("expected empty forest")
	}
}

func TestForestWalkPreOrder(t *testing.T) {
	items := []*category{cat(1, 0, "A"), cat(2, 1, "B"), cat(3, 2, "C"), cat(4, 1, "D"), cat(5, 0, "E")}
	forest, err := NewEngine[*category](nil).Reconstruct(context.Background(), items)
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	var visited []string
	forest.Walk(func(n *Node[*category], depth int) bool {
		visited = append(visited, fmt.Sprintf("%s%d", n.Item.name, depth))
		return true
	})
	if want := []string{"A1", "B2", "C3", "D2", "E1"}; !reflect.DeepEqual(visited, want) {
		t.Fatalf("expected %v, got %v", want, visited)
	}

	count := 0
	forest.Walk(func(*Node[*category], int) bool {
		count++
		return count < 2
	})
	if count != 2 {
		t.Fatalf("expected walk to stop after 2 nodes, got %d", count)
	}
	if got := len(forest.Items()); got != 5 {
		t.Fatalf("expected 5 items, got %d", got)
	}
}

func TestAncestryChainResolvesMissingParents(t *testing.T) {
	store := map[int64]*category{1: cat(1, 0, "A"), 2: cat(2, 1, "B")}
	calls := 0
	resolver := ResolverFunc[*category](func(_ context.Context, id int64) (*category, bool, error) {
		calls++
		c, ok := store[id]
		return c, ok, nil
	})
	engine := NewEngine[*category](resolver)
	node := NewNode(cat(3, 2, "C"))

	chain, err := engine.AncestryChain(context.Background(), node)
	if err != nil {
		t.Fatalf("ancestry: %v", err)
	}
	if got := names(chain); !reflect.DeepEqual(got, []string{"A", "B", "C"}) {
		t.Fatalf("unexpected chain %v", got)
	}
	if _, err := engine.AncestryChain(context.Background(), node); err != nil {
		t.Fatalf("second walk: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected resolved parents to be cached, got %d calls", calls)
	}
}

func TestAncestryChainDetectsCycle(t *testing.T) {
	engine := NewEngine[*category](nil)
	nodes, err := engine.Link(context.Background(), []*category{cat(10, 11, "X"), cat(11, 10, "Y")})
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	_, err = engine.AncestryChain(context.Background(), nodes[0])
	if !errors.Is(err, domain.ErrCyclicHierarchy) {
		t.Fatalf("expected cyclic hierarchy, got %v", err)
	}
	var cyc *domain.CyclicHierarchyError
	if !errors.As(err, &cyc) || cyc.ID != 10 {
		t.Fatalf("expected cycle at 10, got %+v", cyc)
	}
}

func TestAncestryChainMissingParent(t *testing.T) {
	engine := NewEngine[*category](nil)
	if _, err := engine.AncestryChain(context.Background(), NewNode(cat(3, 2, "C"))); !errors.Is(err, domain.ErrParentNotFound) {
		t.Fatalf("expected parent not found without resolver, got %v", err)
	}
	resolver := ResolverFunc[*category](func(context.Context, int64) (*category, bool, error) {
		return nil, false, nil
	})
	engine = NewEngine[*category](resolver)
	if _, err := engine.AncestryChain(context.Background(), NewNode(cat(3, 2, "C"))); !errors.Is(err, domain.ErrParentNotFound) {
		t.Fatalf("expected parent not found from resolver, got %v", err)
	}
	boom := errors.New("boom")
	engine = NewEngine[*category](ResolverFunc[*category](func(context.Context, int64) (*category, bool, error) {
		return nil, false, boom
	}))
	if _, err := engine.AncestryChain(context.Background(), NewNode(cat(3, 2, "C"))); !errors.Is(err, boom) {
		t.Fatalf("expected resolver error, got %v", err)
	}
}

func TestLinkWithoutRoots(t *testing.T) {
	engine := NewEngine[*category](nil)
	nodes, err := engine.Link(context.Background(), []*category{cat(5, 2, "child"), cat(6, 5, "grandchild"), cat(7, 5, "other")})
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if nodes[0].Parent() != nil {
		t.Fatalf("absent parent must stay unresolved")
	}
	if got := names(nodes[0].Children()); !reflect.DeepEqual(got, []string{"grandchild", "other"}) {
		t.Fatalf("unexpected children %v", got)
	}
	if nodes[1].Parent() != nodes[0] {
		t.Fatalf("expected grandchild linked to child")
	}
}

func TestAncestryLabels(t *testing.T) {
	labels := domain.LabelFunc(func(_ context.Context, e domain.Entity, locale string) (string, error) {
		return e.(*category).name + "@" + locale, nil
	})
	engine := NewEngine[*category](nil, WithLabels(labels))
	forest, err := engine.Reconstruct(context.Background(), []*category{cat(1, 0, "A"), cat(2, 1, "B")})
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	leaf, _ := forest.Find(2)
	got, err := engine.AncestryLabels(context.Background(), leaf, "fr")
	if err != nil {
		t.Fatalf("labels: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"A@fr", "B@fr"}) {
		t.Fatalf("unexpected labels %v", got)
	}
	if _, err := NewEngine[*category](nil).AncestryLabels(context.Background(), leaf, "fr"); err == nil {
		t.Fatalf("expected error without label provider")
	}
}

func TestReconstructOrphanWithoutIdentity(t *testing.T) {
	p := int64(99)
	unsaved := &category{name: "draft", parent: &p}
	_, err := NewEngine[*category](nil).Reconstruct(context.Background(), []*category{cat(1, 0, "A"), cat(2, 98, "B"), unsaved})
	var orphan *domain.OrphanedSubtreeError
	if !errors.As(err, &orphan) {
		t.Fatalf("expected orphaned subtree, got %v", err)
	}
	if !reflect.DeepEqual(orphan.IDs, []int64{2}) {
		t.Fatalf("entities without identity must not be reported as id 0, got %v", orphan.IDs)
	}
	if !reflect.DeepEqual(orphan.Positions, []int{2}) {
		t.Fatalf("expected input position 2, got %v", orphan.Positions)
	}
	if msg := orphan.Error(); msg != "orphaned subtree: 2 entities unreachable from a root [2,@2]" {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestChildrenLoadsUnlinkedOnce(t *testing.T) {
	store := map[int64][]*category{
		1: {cat(2, 1, "B"), cat(3, 1, "C"), cat(9, 7, "stray")},
	}
	calls := 0
	children := ChildResolverFunc[*category](func(_ context.Context, id int64) ([]*category, error) {
		calls++
		return store[id], nil
	})
	metrics := &recordingMetrics{}
	engine := NewEngine[*category](nil, WithChildResolver[*category](children), WithMetricsRecorder(metrics))
	forest, err := engine.Reconstruct(context.Background(), []*category{cat(1, 0, "A"), cat(3, 1, "C")})
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	root, _ := forest.Find(1)

	got, err := engine.Children(context.Background(), root)
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if want := []string{"C", "B"}; !reflect.DeepEqual(names(got), want) {
		t.Fatalf("expected linked child then loaded ones %v, got %v", want, names(got))
	}
	if got[1].Parent() != root {
		t.Fatalf("loaded child must link back to its parent")
	}
	if _, err := engine.Children(context.Background(), root); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected children loaded once, got %d calls", calls)
	}
	if len(root.Children()) != 2 {
		t.Fatalf("expected node children updated, got %d", len(root.Children()))
	}
	if metrics.ops[len(metrics.ops)-1] != OperationChildren {
		t.Fatalf("expected children load observed, got %v", metrics.ops)
	}
}

func TestChildrenWithoutResolver(t *testing.T) {
	engine := NewEngine[*category](nil)
	nodes, err := engine.Link(context.Background(), []*category{cat(1, 0, "A"), cat(2, 1, "B")})
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	got, err := engine.Children(context.Background(), nodes[0])
	if err != nil || !reflect.DeepEqual(names(got), []string{"B"}) {
		t.Fatalf("expected linked children only, got %v (%v)", names(got), err)
	}
	if _, err := engine.Children(context.Background(), nil); err == nil {
		t.Fatalf("expected error for nil node")
	}
}

func TestChildrenResolverError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	engine := NewEngine[*category](nil, WithChildResolver[*category](ChildResolverFunc[*category](func(context.Context, int64) ([]*category, error) {
		calls++
		if calls == 1 {
			return nil, boom
		}
		return []*category{cat(2, 1, "B")}, nil
	})))
	node := NewNode(cat(1, 0, "A"))
	if _, err := engine.Children(context.Background(), node); !errors.Is(err, boom) {
		t.Fatalf("expected resolver error, got %v", err)
	}
	got, err := engine.Children(context.Background(), node)
	if err != nil || !reflect.DeepEqual(names(got), []string{"B"}) {
		t.Fatalf("failed load must be retried, got %v (%v)", names(got), err)
	}
}
