package procsignal

import (
	"context"
	"testing"
	"time"
)

func TestControllerTriggerIsIdempotent(t *testing.T) {
	c, stop := New(context.Background())
	defer stop()

	c.Trigger("first")
	c.Trigger("second")

	if got := c.Reason(); got != "first" {
		t.Fatalf("expected first reason to stick, got %q", got)
	}
	if !c.Triggered() {
		t.Fatal("expected controller to report triggered")
	}
}

func TestControllerDoneClosesOnTrigger(t *testing.T) {
	c, stop := New(context.Background())
	defer stop()

	if c.Triggered() {
		t.Fatal("expected not triggered before Trigger is called")
	}
	c.Trigger("manual")

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("expected Done channel to close after Trigger")
	}
}

func TestControllerUntriggeredReasonIsEmpty(t *testing.T) {
	c, stop := New(context.Background())
	defer stop()

	if got := c.Reason(); got != "" {
		t.Fatalf("expected empty reason before trigger, got %q", got)
	}
}
