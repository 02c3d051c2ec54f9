package index

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestUpsertModuleAndDependents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.UpsertModule(ctx, Module{Path: "a.go", Language: "go", Symbols: []string{"Foo"}, LinesOfCode: 10, LastModified: time.Now()}); err != nil {
		t.Fatalf("upsert a: %v", err)
	}
	if err := store.ReplaceEdges(ctx, "b.go", []Edge{{From: "b.go", To: "a.go", Kind: "import"}}); err != nil {
		t.Fatalf("replace edges: %v", err)
	}

	deps, err := store.DependentsOf(ctx, "a.go")
	if err != nil {
		t.Fatalf("dependents: %v", err)
	}
	if len(deps) != 1 || deps[0] != "b.go" {
		t.Fatalf("expected b.go as a dependent of a.go, got %+v", deps)
	}
}

func TestRecordChangeAndTopHotspots(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		if err := store.RecordChange(ctx, "hot.go", now); err != nil {
			t.Fatalf("record change: %v", err)
		}
	}
	if err := store.RecordChange(ctx, "cold.go", now); err != nil {
		t.Fatalf("record change: %v", err)
	}

	top, err := store.TopHotspots(ctx, 1)
	if err != nil {
		t.Fatalf("top hotspots: %v", err)
	}
	if len(top) != 1 || top[0].Path != "hot.go" || top[0].ChangeCount != 3 {
		t.Fatalf("expected hot.go with count 3, got %+v", top)
	}
}

func TestScannerFullScanIndexesGoFiles(t *testing.T) {
	root := t.TempDir()
	src := []byte("package demo\n\nimport \"fmt\"\n\nfunc Hello() { fmt.Println(\"hi\") }\n")
	if err := os.WriteFile(filepath.Join(root, "demo.go"), src, 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	store := newTestStore(t)
	scanner := NewScanner(root, nil, store)
	defer scanner.Close()

	ctx := context.Background()
	if err := scanner.FullScan(ctx); err != nil {
		t.Fatalf("full scan: %v", err)
	}

	deps, err := store.DependentsOf(ctx, "fmt")
	if err != nil {
		t.Fatalf("dependents: %v", err)
	}
	if len(deps) != 1 || deps[0] != "demo.go" {
		t.Fatalf("expected demo.go to import fmt, got %+v", deps)
	}
}

func TestExtractImportEdgesIgnoresParseErrors(t *testing.T) {
	edges := extractImportEdges("broken.go", []byte("not valid go"))
	if edges != nil {
		t.Fatalf("expected nil edges on parse failure, got %+v", edges)
	}
}

func TestStaticFindingsDetectsTodo(t *testing.T) {
	src := []byte("package demo\n\n// TODO: replace this stub\nfunc Stub() {}\n")
	findings := staticFindings("demo.go", src)
	if len(findings) != 1 || findings[0].Category != "todo" {
		t.Fatalf("expected one todo finding, got %+v", findings)
	}
}
