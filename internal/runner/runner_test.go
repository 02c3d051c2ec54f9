package runner

import (
	"testing"

	"github.com/loomworks/loom/internal/model"
)

func TestHasPathConflictDetectsSharedAllowedPath(t *testing.T) {
	a := &model.Ticket{ID: "a", AllowedPaths: []string{"src/foo.go"}}
	others := []*model.Ticket{{ID: "b", AllowedPaths: []string{"src/foo.go"}}}
	if !hasPathConflict(a, others) {
		t.Fatal("expected conflict on shared allowed path")
	}
}

func TestHasPathConflictIgnoresSelf(t *testing.T) {
	a := &model.Ticket{ID: "a", AllowedPaths: []string{"src/foo.go"}}
	others := []*model.Ticket{{ID: "a", AllowedPaths: []string{"src/foo.go"}}}
	if hasPathConflict(a, others) {
		t.Fatal("a ticket must not conflict with itself")
	}
}

func TestUnquotePathHandlesQuotedSpaces(t *testing.T) {
	got := unquotePath(`"a file.go"`)
	if got != "a file.go" {
		t.Fatalf("got %q", got)
	}
}

func TestUnquotePathPassesThroughPlain(t *testing.T) {
	got := unquotePath("plain.go")
	if got != "plain.go" {
		t.Fatalf("got %q", got)
	}
}
