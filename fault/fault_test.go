package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := New(KindConflict, "lost race on task %s", "t1")
	if got := KindOf(err); got != KindConflict {
		t.Fatalf("expected KindConflict, got %v", got)
	}
	if KindOf(errors.New("plain")) != 0 {
		t.Fatal("unclassified error must report kind 0")
	}
	if KindOf(nil) != 0 {
		t.Fatal("nil error must report kind 0")
	}
}

func TestWrapPreservesSentinel(t *testing.T) {
	sentinel := errors.New("not found")
	err := Wrap(KindValidation, fmt.Errorf("lookup: %w", sentinel))

	if !errors.Is(err, sentinel) {
		t.Fatal("wrapping must not hide the sentinel from errors.Is")
	}
	if !IsKind(err, KindValidation) {
		t.Fatal("expected KindValidation")
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(KindState, nil) != nil {
		t.Fatal("wrapping nil must return nil")
	}
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		KindValidation:    "validation",
		KindAuthorization: "authorization",
		KindState:         "state",
		KindConflict:      "conflict",
		KindSettlement:    "settlement",
		Kind(0):           "unknown",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Fatalf("Kind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}
