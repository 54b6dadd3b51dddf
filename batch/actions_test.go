package batch

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/formbridge/fab"
)

func Test_ActionRegistry_LastRegistrationWins(t *testing.T) {
	reg := NewActionRegistry()
	var ran string
	reg.Register(ActionIndexForm, func(context.Context, fab.Scope, Action) error {
		ran = "first"
		return nil
	})
	reg.Register(ActionIndexForm, func(context.Context, fab.Scope, Action) error {
		ran = "second"
		return nil
	})

	err := reg.dispatch(context.Background(), testScope(), []Action{{Kind: ActionIndexForm}})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if ran != "second" {
		t.Errorf("ran = %q, want the replacement handler", ran)
	}
}

func Test_Dispatch_RunsQueueInOrder(t *testing.T) {
	reg := NewActionRegistry()
	var order []string
	record := func(_ context.Context, _ fab.Scope, a Action) error {
		order = append(order, a.Payload.(string))
		return nil
	}
	reg.Register(ActionIndexForm, record)
	reg.Register(ActionNotifyCarrier, record)

	queue := []Action{
		{Kind: ActionNotifyCarrier, Payload: "a"},
		{Kind: ActionIndexForm, Payload: "b"},
		{Kind: ActionNotifyCarrier, Payload: "c"},
	}
	if err := reg.dispatch(context.Background(), testScope(), queue); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := strings.Join(order, ""); got != "abc" {
		t.Errorf("order = %q, want abc", got)
	}
}

func Test_Dispatch_UnhandledKindFailsButDrainsQueue(t *testing.T) {
	reg := NewActionRegistry()
	ran := false
	reg.Register(ActionIndexForm, func(context.Context, fab.Scope, Action) error {
		ran = true
		return nil
	})

	err := reg.dispatch(context.Background(), testScope(), []Action{
		{Kind: ActionKind("bogus.kind")},
		{Kind: ActionIndexForm},
	})
	if !fab.IsCode(err, fab.ActionFailed) {
		t.Errorf("err = %v, want ActionFailed", err)
	}
	if !ran {
		t.Error("handled action behind the unhandled one did not run")
	}
}

func Test_Dispatch_CollectsEveryFailure(t *testing.T) {
	reg := NewActionRegistry()
	reg.Register(ActionNotifyCarrier, func(context.Context, fab.Scope, Action) error {
		// Coded errors are permanent, so the retry loop gives up at once.
		return fab.Error{Code: fab.CommitFailed, Err: fmt.Errorf("carrier endpoint down")}
	})
	reg.Register(ActionBroadcastMessage, func(context.Context, fab.Scope, Action) error {
		return fab.Error{Code: fab.CommitFailed, Err: fmt.Errorf("broker down")}
	})

	err := reg.dispatch(context.Background(), testScope(), []Action{
		{Kind: ActionNotifyCarrier},
		{Kind: ActionBroadcastMessage},
	})
	if !fab.IsCode(err, fab.ActionFailed) {
		t.Fatalf("err = %v, want ActionFailed", err)
	}
	for _, want := range []string{"carrier endpoint down", "broker down"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("combined error misses %q: %v", want, err)
		}
	}
}

func Test_Dispatch_HandlerSeesScopeAndAction(t *testing.T) {
	reg := NewActionRegistry()
	var gotScope fab.Scope
	var gotAction Action
	reg.Register(ActionCopyArchive, func(_ context.Context, s fab.Scope, a Action) error {
		gotScope, gotAction = s, a
		return nil
	})

	payload := ArchivePayload{Scope: testScope(), Bucket: "fab-archive"}
	err := reg.dispatch(context.Background(), testScope(), []Action{{Kind: ActionCopyArchive, Payload: payload}})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if gotScope.Tenant != "acme" {
		t.Errorf("scope = %+v", gotScope)
	}
	if p, ok := gotAction.Payload.(ArchivePayload); !ok || p.Bucket != "fab-archive" {
		t.Errorf("payload = %+v", gotAction.Payload)
	}
}

func Test_Dispatch_EmptyQueueIsNoOp(t *testing.T) {
	reg := NewActionRegistry()
	if err := reg.dispatch(context.Background(), testScope(), nil); err != nil {
		t.Errorf("dispatch of empty queue: %v", err)
	}
}
