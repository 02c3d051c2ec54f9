package config

import "testing"

func TestParseFlatScalarsListsAndBlock(t *testing.T) {
	src := `version: 1
description: a short recipe
categories: [bugfix, refactor]
min_confidence: 70
use_roadmap: true
prompt: |
  line one
  line two
tags:
  - alpha
  - beta
`
	node, err := ParseFlat(src)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if node.Scalars["description"] != "a short recipe" {
		t.Fatalf("got %q", node.Scalars["description"])
	}
	if got := node.Lists["categories"]; len(got) != 2 || got[0] != "bugfix" {
		t.Fatalf("got %v", got)
	}
	if node.Ints["min_confidence"] != 70 {
		t.Fatalf("got %d", node.Ints["min_confidence"])
	}
	if !node.Bools["use_roadmap"] {
		t.Fatal("expected use_roadmap true")
	}
	if node.Scalars["prompt"] != "line one\nline two" {
		t.Fatalf("got %q", node.Scalars["prompt"])
	}
	if got := node.Lists["tags"]; len(got) != 2 || got[1] != "beta" {
		t.Fatalf("got %v", got)
	}
}

func TestValidateFilenameRejectsPathEscape(t *testing.T) {
	cases := []string{"../evil", "a/b", `a\b`, "has space", ""}
	for _, c := range cases {
		if err := ValidateFilename(c); err == nil {
			t.Fatalf("expected rejection for %q", c)
		}
	}
	if err := ValidateFilename("deep-clean_v2"); err != nil {
		t.Fatalf("expected acceptance, got %v", err)
	}
}

func TestParseFormulaRecognizedKeys(t *testing.T) {
	src := `description: test formula
scope: src/**
categories: [test]
min_confidence: 60
risk_tolerance: low
measure_cmd: go test ./... | tail -1
measure_target: 90
measure_direction: up
`
	f, err := ParseFormula("sample", src)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !f.IsGoal() {
		t.Fatal("expected formula with measure_cmd to be a goal")
	}
	if f.Measure.Direction != "up" {
		t.Fatalf("got %q", f.Measure.Direction)
	}
}

func TestParseTrajectoryStepsAndDependsOn(t *testing.T) {
	src := `name: refactor-auth
description: multi-step auth cleanup
steps:
  - id: step-1
    title: Extract interfaces
    scope: internal/auth/**
    categories: [refactor]
    verification_commands: [go build ./...]
    max_retries: 2
  - id: step-2
    title: Remove old implementation
    depends_on: [step-1]
`
	doc, err := ParseTrajectory("refactor-auth", src)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(doc.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(doc.Steps))
	}
	if doc.Steps[0].ID != "step-1" || doc.Steps[0].MaxRetries != 2 {
		t.Fatalf("got %+v", doc.Steps[0])
	}
	if len(doc.Steps[1].DependsOn) != 1 || doc.Steps[1].DependsOn[0] != "step-1" {
		t.Fatalf("got %+v", doc.Steps[1])
	}
}
