package quo

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMatchesOnlyItsSentinel(t *testing.T) {
	all := []error{ErrGeneric, ErrInvalidArgument, ErrNotInitialized, ErrOutOfResources, ErrCollaborator}
	for code := CodeGeneric; code <= CodeCollaborator; code++ {
		err := fmt.Errorf("wrapped: %w", newError("Bound", code, errors.New("cause")))
		if CodeOf(err) != code {
			t.Fatalf("CodeOf=%v want %v", CodeOf(err), code)
		}
		for i, sentinel := range all {
			if got, want := errors.Is(err, sentinel), Code(i) == code; got != want {
				t.Fatalf("%v: errors.Is(%v)=%v", code, sentinel, got)
			}
		}
	}
	if CodeOutOfResources != 3 || CodeCollaborator != 4 {
		t.Fatalf("codes renumbered: oor=%d collaborator=%d", CodeOutOfResources, CodeCollaborator)
	}
	if CodeOf(errors.New("plain")) != CodeGeneric {
		t.Fatalf("plain error should be generic")
	}
}
