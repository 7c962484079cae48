package transfer_test

import (
	"testing"

	"github.com/kestrelgfx/kestrel/transfer"
)

func TestStateMachineInitialStateIsUnloaded(t *testing.T) {
	var m transfer.StateMachine
	if m.Current() != transfer.StateUnloaded {
		t.Fatalf("transfer.StateMachine: have initial state %v, want %v", m.Current(), transfer.StateUnloaded)
	}
}

func TestStateMachineHappyPath(t *testing.T) {
	var m transfer.StateMachine
	path := []transfer.State{
		transfer.StatePending,
		transfer.StateLoading,
		transfer.StateDecoded,
		transfer.StateUploading,
		transfer.StateTransferred,
		transfer.StateFinalizing,
		transfer.StateComplete,
	}
	for _, next := range path {
		if !m.TryTransition(next) {
			t.Fatalf("transfer.StateMachine: TryTransition(%v) from %v: have false, want true", next, m.Current())
		}
		if m.Current() != next {
			t.Fatalf("transfer.StateMachine: have state %v, want %v", m.Current(), next)
		}
	}
}

func TestStateMachineRejectsInvalidJumps(t *testing.T) {
	var m transfer.StateMachine
	if m.TryTransition(transfer.StateComplete) {
		t.Fatal("transfer.StateMachine: Unloaded -> Complete should be rejected")
	}
	if m.Current() != transfer.StateUnloaded {
		t.Fatalf("transfer.StateMachine: state changed on a rejected transition: have %v", m.Current())
	}

	m.TryTransition(transfer.StatePending)
	if m.TryTransition(transfer.StateUnloaded) {
		t.Fatal("transfer.StateMachine: Pending -> Unloaded should be rejected (no direct unload path)")
	}
}

func TestStateMachineFailsFromAnyStateAndRecovers(t *testing.T) {
	// The happy-path prefix needed to legally reach each state before
	// testing that Failed is reachable from it.
	happyPath := []transfer.State{
		transfer.StatePending,
		transfer.StateLoading,
		transfer.StateDecoded,
		transfer.StateUploading,
		transfer.StateTransferred,
		transfer.StateFinalizing,
		transfer.StateComplete,
	}
	for i := 0; i <= len(happyPath); i++ {
		var m transfer.StateMachine
		for _, next := range happyPath[:i] {
			m.TryTransition(next)
		}
		start := m.Current()
		if !m.TryTransition(transfer.StateFailed) {
			t.Fatalf("transfer.StateMachine: %v -> Failed should always succeed", start)
		}
		if !m.TryTransition(transfer.StatePending) {
			t.Fatal("transfer.StateMachine: Failed -> Pending should succeed (retry path)")
		}
	}
}

func TestStateMachineSelfTransitionIsNoop(t *testing.T) {
	var m transfer.StateMachine
	if !m.TryTransition(transfer.StateUnloaded) {
		t.Fatal("transfer.StateMachine: self-transition should always succeed")
	}
	if m.Current() != transfer.StateUnloaded {
		t.Fatalf("transfer.StateMachine: self-transition changed state to %v", m.Current())
	}
}
