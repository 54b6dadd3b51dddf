package fab

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestCodeOf_ExtractsWrappedCode(t *testing.T) {
	if got := CodeOf(Error{Code: LockBusy, Err: errors.New("lease held")}); got != LockBusy {
		t.Fatalf("CodeOf = %v, want LockBusy", got)
	}
	wrapped := fmt.Errorf("save form: %w", Error{Code: NotFound, Err: errors.New("no such form")})
	if got := CodeOf(wrapped); got != NotFound {
		t.Fatalf("CodeOf(wrapped) = %v, want NotFound", got)
	}
	if got := CodeOf(errors.New("plain")); got != Unknown {
		t.Fatalf("CodeOf(plain) = %v, want Unknown", got)
	}
	if got := CodeOf(nil); got != Unknown {
		t.Fatalf("CodeOf(nil) = %v, want Unknown", got)
	}
}

func TestIsCode_MatchesOnlyTheCarriedCode(t *testing.T) {
	err := Error{Code: CommitFailed, Err: errors.New("tenant store down")}
	if !IsCode(err, CommitFailed) {
		t.Fatalf("IsCode(CommitFailed) = false")
	}
	if IsCode(err, LockBusy) {
		t.Fatalf("IsCode(LockBusy) = true for a CommitFailed error")
	}
}

func TestError_UnwrapExposesCause(t *testing.T) {
	err := Error{Code: CommitFailed, Err: context.Canceled}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("cause not reachable through Unwrap")
	}
}

func TestError_StringIncludesUserData(t *testing.T) {
	plain := Error{Code: LockBusy, Err: errors.New("lease held")}
	if msg := plain.Error(); !strings.Contains(msg, "lock_busy") || !strings.Contains(msg, "lease held") {
		t.Fatalf("unexpected message %q", msg)
	}
	squatter := NewUUID()
	withData := Error{Code: LockBusy, Err: errors.New("lease held"), UserData: squatter}
	if msg := withData.Error(); !strings.Contains(msg, squatter.String()) {
		t.Fatalf("user data missing from %q", msg)
	}
}

func TestErrorCode_Labels(t *testing.T) {
	cases := []struct {
		code ErrorCode
		want string
	}{
		{LockBusy, "lock_busy"},
		{ValidationFailed, "validation_failed"},
		{ReentrantSave, "reentrant_save"},
		{StaleAccess, "stale_access"},
		{CommitFailed, "commit_failed"},
		{ActionFailed, "action_failed"},
		{CheckFlowOverrun, "checkflow_overrun"},
		{NotFound, "not_found"},
		{RestoreFailed, "restore_failed"},
		{Unknown, "unknown"},
		{ErrorCode(999), "unknown"},
	}
	for _, c := range cases {
		if got := c.code.String(); got != c.want {
			t.Fatalf("ErrorCode(%d).String() = %q, want %q", c.code, got, c.want)
		}
	}
}
