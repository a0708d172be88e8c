package domain

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDiffKeepsInsertionOrder(t *testing.T) {
	d := NewDiff("b", 1, "a", 2)
	d.Set("c", 3)
	d.Set("b", 10)
	if got := strings.Join(d.Keys(), ","); got != "b,a,c" {
		t.Fatalf("unexpected order %s", got)
	}
	if v, _ := d.Get("b"); v != 10 {
		t.Fatalf("expected overwrite in place, got %v", v)
	}
	d.Delete("a")
	d.Delete("missing")
	if got := strings.Join(d.Keys(), ","); got != "b,c" || d.Len() != 2 {
		t.Fatalf("unexpected keys after delete %s", got)
	}
	var visited []string
	d.Range(func(key string, _ any) bool {
		visited = append(visited, key)
		return false
	})
	if len(visited) != 1 || visited[0] != "b" {
		t.Fatalf("range must stop early, got %v", visited)
	}
}

func TestDiffNonStringKeys(t *testing.T) {
	d := NewDiff(7, "x", "dangling")
	if d.Len() != 1 {
		t.Fatalf("expected the dangling key to be ignored, got %d", d.Len())
	}
	if v, ok := d.Get("7"); !ok || v != "x" {
		t.Fatalf("expected key 7, got %v %v", v, ok)
	}
}

func TestDiffCloneIsIndependent(t *testing.T) {
	d := NewDiff("a", 1)
	c := d.Clone()
	c.Set("a", 2)
	c.Set("b", 3)
	if v, _ := d.Get("a"); v != 1 || d.Len() != 1 {
		t.Fatalf("clone leaked into original: %v", d.Map())
	}
	if empty := (Diff{}).Clone(); empty.Len() != 0 || empty.Keys() != nil {
		t.Fatalf("expected empty clone")
	}
}

func TestDiffJSON(t *testing.T) {
	d := NewDiff("z", "last", "n", int64(3), "f", 1.5, "nested", map[string]any{"k": 1})
	raw, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `{"z":"last","n":3,"f":1.5,"nested":{"k":1}}` {
		t.Fatalf("unexpected encoding %s", raw)
	}
	var back Diff
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := strings.Join(back.Keys(), ","); got != "z,n,f,nested" {
		t.Fatalf("order lost: %s", got)
	}
	if v, _ := back.Get("n"); v != int64(3) {
		t.Fatalf("expected int64 3, got %T", v)
	}
	if v, _ := back.Get("f"); v != 1.5 {
		t.Fatalf("expected float 1.5, got %v", v)
	}
	nested, _ := back.Get("nested")
	if m, ok := nested.(map[string]any); !ok || m["k"] != int64(1) {
		t.Fatalf("nested numbers must normalize, got %#v", nested)
	}

	empty, _ := json.Marshal(Diff{})
	if string(empty) != "{}" {
		t.Fatalf("expected {}, got %s", empty)
	}
	if err := json.Unmarshal([]byte("null"), &back); err != nil || back.Len() != 0 {
		t.Fatalf("null must decode to an empty diff: %v", err)
	}
	if err := json.Unmarshal([]byte(`[1]`), &back); err == nil {
		t.Fatalf("expected error for non-object")
	}
}

func TestDiffMarshalUnsupportedValue(t *testing.T) {
	if _, err := json.Marshal(NewDiff("ch", make(chan int))); err == nil || !strings.Contains(err.Error(), `"ch"`) {
		t.Fatalf("expected field error, got %v", err)
	}
}

func TestDiffCopiesDoNotShareWrites(t *testing.T) {
	orig := NewDiff("a", 1, "b", 2)
	cp := orig
	cp.Set("a", 10)
	cp.Set("c", 3)
	cp.Delete("b")
	if got := strings.Join(orig.Keys(), ","); got != "a,b" {
		t.Fatalf("copy writes leaked into original keys: %s", got)
	}
	if v, _ := orig.Get("a"); v != 1 {
		t.Fatalf("copy overwrite leaked into original: %v", v)
	}
	if _, ok := orig.Get("c"); ok {
		t.Fatalf("copy insert visible through original")
	}

	orig.Delete("a")
	orig.Set("b", 20)
	if got := strings.Join(cp.Keys(), ","); got != "a,c" {
		t.Fatalf("original writes leaked into copy keys: %s", got)
	}
	if v, _ := cp.Get("a"); v != 10 {
		t.Fatalf("original delete leaked into copy: %v", v)
	}
}
