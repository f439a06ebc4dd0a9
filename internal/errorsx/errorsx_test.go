package errorsx

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonStageRecognize)
	if Reason(err) != ReasonStageRecognize {
		t.Fatalf("expected reason %s, got %s", ReasonStageRecognize, Reason(err))
	}
	if !HasReason(err, ReasonStageRecognize) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonBadParams)
	second := Wrap(fmt.Errorf("start: %w", first), ReasonInternal)
	if Reason(second) != ReasonBadParams {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

func TestReasonDefaults(t *testing.T) {
	if Reason(errors.New("plain")) != ReasonInternal {
		t.Fatalf("expected plain error to be internal")
	}
	if HasReason(nil, ReasonInternal) {
		t.Fatalf("expected nil error to carry no reason")
	}
	if Wrap(nil, ReasonBadRequest) != nil {
		t.Fatalf("expected nil wrap to stay nil")
	}
}

func TestNew(t *testing.T) {
	err := New(ReasonBadParams, "sample rate %d not supported", 44100)
	if Reason(err) != ReasonBadParams {
		t.Fatalf("expected %s, got %s", ReasonBadParams, Reason(err))
	}
	if err.Error() != "sample rate 44100 not supported" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestUnwrap(t *testing.T) {
	base := assertErr{}
	err := Wrap(base, ReasonVADRuntime)
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to be reachable")
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
