package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"Chorus-Network/internal/credits"
	xerrors "Chorus-Network/internal/errors"
)

func n(id, skill string) Node { return Node{ID: id, Skill: skill} }

func TestValidateReturnsChainOrder(t *testing.T) {
	g := &Graph{
		ID:    "p",
		Nodes: []Node{n("c", "x"), n("a", "x"), n("b", "x")},
		Edges: []Edge{{From: "b", To: "c"}, {From: "a", To: "b"}},
	}
	order, err := g.Validate()
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	var ids []string
	for _, node := range order {
		ids = append(ids, node.ID)
	}
	if strings.Join(ids, ",") != "a,b,c" {
		t.Fatalf("unexpected order %v", ids)
	}
}

func TestValidateRejectsNonChains(t *testing.T) {
	cases := []struct {
		name  string
		graph *Graph
		code  xerrors.Code
	}{
		{"two start nodes", &Graph{Nodes: []Node{n("a", "x"), n("b", "x"), n("c", "x")}, Edges: []Edge{{From: "a", To: "c"}}}, xerrors.CodeGraph},
		{"fan out", &Graph{Nodes: []Node{n("a", "x"), n("b", "x"), n("c", "x")}, Edges: []Edge{{From: "a", To: "b"}, {From: "a", To: "c"}}}, xerrors.CodeGraph},
		{"fan in", &Graph{Nodes: []Node{n("a", "x"), n("b", "x"), n("c", "x")}, Edges: []Edge{{From: "a", To: "c"}, {From: "b", To: "c"}}}, xerrors.CodeGraph},
		{"full cycle", &Graph{Nodes: []Node{n("a", "x"), n("b", "x")}, Edges: []Edge{{From: "a", To: "b"}, {From: "b", To: "a"}}}, xerrors.CodeGraph},
		{"detached cycle", &Graph{Nodes: []Node{n("a", "x"), n("b", "x"), n("c", "x")}, Edges: []Edge{{From: "b", To: "c"}, {From: "c", To: "b"}}}, xerrors.CodeGraph},
		{"self loop", &Graph{Nodes: []Node{n("a", "x")}, Edges: []Edge{{From: "a", To: "a"}}}, xerrors.CodeGraph},
		{"unknown node", &Graph{Nodes: []Node{n("a", "x")}, Edges: []Edge{{From: "a", To: "z"}}}, xerrors.CodeGraph},
		{"empty", &Graph{}, xerrors.CodeValidation},
		{"duplicate id", &Graph{Nodes: []Node{n("a", "x"), n("a", "y")}}, xerrors.CodeValidation},
		{"unbound node", &Graph{Nodes: []Node{{ID: "a"}}}, xerrors.CodeValidation},
		{"negative budget", &Graph{Nodes: []Node{{ID: "a", Skill: "x", Budget: -1}}}, xerrors.CodeValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.graph.Validate()
			if err == nil {
				t.Fatalf("expected error")
			}
			if got := xerrors.CodeOf(err); got != tc.code {
				t.Fatalf("expected %s, got %s (%v)", tc.code, got, err)
			}
		})
	}
}

func TestParseYAMLAndCatalog(t *testing.T) {
	dir := t.TempDir()
	doc := `
name: Research
budget: 2.5
nodes:
  - id: fetch
    label: Fetcher
    skill: analyze_text
    budget: 0.5
  - id: calc
    skill: calculate
    min_reputation: 40
    position: {x: 120, y: 40}
edges:
  - from: fetch
    to: calc
`
	if err := os.WriteFile(filepath.Join(dir, "research.yaml"), []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cat := NewCatalog()
	loaded, err := cat.LoadDir(dir)
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	if loaded != 1 {
		t.Fatalf("expected one pipeline, got %d", loaded)
	}
	g, err := cat.Get("research")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if g.Budget != credits.FromFloat(2.5) || g.Nodes[0].Budget != credits.FromFloat(0.5) {
		t.Fatalf("budgets not decoded: %+v", g)
	}
	if g.Nodes[1].Position == nil || g.Nodes[1].Position.X != 120 {
		t.Fatalf("position not decoded: %+v", g.Nodes[1])
	}

	if _, err := ParseYAML([]byte("nodes: [{id: a, skil: typo}]")); err == nil {
		t.Fatalf("unknown fields should be rejected")
	}
	if _, err := cat.Get("missing"); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if n, err := NewCatalog().LoadDir(filepath.Join(dir, "absent")); err != nil || n != 0 {
		t.Fatalf("missing dir should be ignored, got %d %v", n, err)
	}
}
