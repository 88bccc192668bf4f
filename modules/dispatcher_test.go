package modules

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eng-cc/agent-world/kernel"
)

// fakeSandbox is a deterministic stand-in for WasmerSandbox: it never touches
// real WASM bytes, just records calls and returns a scripted Output per
// module_id so dispatcher routing/ordering can be tested in isolation.
type fakeSandbox struct {
	calls   []string
	outputs map[string]*Output
	errs    map[string]*CallError
}

func newFakeSandbox() *fakeSandbox {
	return &fakeSandbox{outputs: map[string]*Output{}, errs: map[string]*CallError{}}
}

func (f *fakeSandbox) Call(ctx context.Context, req Request) (*Output, *CallError) {
	f.calls = append(f.calls, req.ModuleID+"/"+req.Entrypoint)
	if err, ok := f.errs[req.ModuleID]; ok {
		return nil, err
	}
	if out, ok := f.outputs[req.ModuleID]; ok {
		return out, nil
	}
	return &Output{}, nil
}

type fakeResolver struct{}

func (fakeResolver) ResolveWASM(ctx context.Context, wasmHash string) ([]byte, error) {
	return []byte("wasm-bytecode"), nil
}

func installManifest(s *kernel.WorldState, moduleID string, kind kernel.ModuleKind, sub kernel.Subscription) {
	s.Modules[moduleID] = &kernel.ModuleManifest{
		ModuleID:      moduleID,
		Version:       1,
		Kind:          kind,
		WASMHash:      "hash-" + moduleID,
		Subscriptions: []kernel.Subscription{sub},
	}
	s.ModuleInstances["inst-"+moduleID] = &kernel.ModuleInstance{
		InstanceID:    "inst-" + moduleID,
		ModuleID:      moduleID,
		InstallTarget: kernel.InstallTargetAgent,
		Active:        true,
	}
}

func TestDispatchPreActionInvokesSubscribedModuleInModuleIDOrder(t *testing.T) {
	s := kernel.NewWorldState()
	installManifest(s, "zzz-module", kernel.ModuleKindReducer, kernel.Subscription{
		Stage:       kernel.StagePreAction,
		ActionKinds: []string{"RegisterAgent"},
	})
	installManifest(s, "aaa-module", kernel.ModuleKindReducer, kernel.Subscription{
		Stage:       kernel.StagePreAction,
		ActionKinds: []string{"RegisterAgent"},
	})

	sandbox := newFakeSandbox()
	d := NewDispatcher(sandbox, fakeResolver{})

	bodies, denied := d.DispatchPreAction(s, kernel.RegisterAgent{AgentID: "a"})
	require.False(t, denied)
	require.Empty(t, bodies)
	require.Equal(t, []string{"aaa-module/pre_action", "zzz-module/pre_action"}, sandbox.calls)
}

func TestDispatchPreActionSkipsUnmatchedActionKind(t *testing.T) {
	s := kernel.NewWorldState()
	installManifest(s, "m1", kernel.ModuleKindReducer, kernel.Subscription{
		Stage:       kernel.StagePreAction,
		ActionKinds: []string{"MoveAgent"},
	})

	sandbox := newFakeSandbox()
	d := NewDispatcher(sandbox, fakeResolver{})

	bodies, denied := d.DispatchPreAction(s, kernel.RegisterAgent{AgentID: "a"})
	require.False(t, denied)
	require.Empty(t, bodies)
	require.Empty(t, sandbox.calls)
}

func TestDispatchPreActionPurePolicyDenyShortCircuits(t *testing.T) {
	s := kernel.NewWorldState()
	installManifest(s, "gatekeeper", kernel.ModuleKindPure, kernel.Subscription{
		Stage:       kernel.StagePreAction,
		ActionKinds: []string{"RegisterAgent"},
	})

	sandbox := newFakeSandbox()
	sandbox.outputs["gatekeeper"] = &Output{BlockedByPurePolicy: true}
	d := NewDispatcher(sandbox, fakeResolver{})

	bodies, denied := d.DispatchPreAction(s, kernel.RegisterAgent{AgentID: "a"})
	require.True(t, denied)
	require.Len(t, bodies, 1)
	failed, ok := bodies[0].(kernel.ModuleCallFailedBody)
	require.True(t, ok)
	require.Equal(t, kernel.ModuleFailPolicyDenied, failed.Code)
}

func TestDispatchPreActionFilterMatchesAgentID(t *testing.T) {
	s := kernel.NewWorldState()
	installManifest(s, "m1", kernel.ModuleKindReducer, kernel.Subscription{
		Stage:       kernel.StagePreAction,
		ActionKinds: []string{"MoveAgent"},
		Filters:     map[string]string{"agent_id": "only-this-agent"},
	})

	sandbox := newFakeSandbox()
	d := NewDispatcher(sandbox, fakeResolver{})

	_, denied := d.DispatchPreAction(s, kernel.MoveAgent{AgentID: "someone-else"})
	require.False(t, denied)
	require.Empty(t, sandbox.calls)

	_, denied = d.DispatchPreAction(s, kernel.MoveAgent{AgentID: "only-this-agent"})
	require.False(t, denied)
	require.Equal(t, []string{"m1/pre_action"}, sandbox.calls)
}

func TestDispatchPostEventAppendsModuleEmitted(t *testing.T) {
	s := kernel.NewWorldState()
	installManifest(s, "m1", kernel.ModuleKindReducer, kernel.Subscription{
		Stage:      kernel.StagePostEvent,
		EventKinds: []string{"AgentRegistered"},
	})

	sandbox := newFakeSandbox()
	sandbox.outputs["m1"] = &Output{Emits: []Emit{{Payload: []byte("hi")}}}
	d := NewDispatcher(sandbox, fakeResolver{})

	e := kernel.Event{ID: 1, Body: kernel.DomainEventBody{Event: kernel.AgentRegistered{AgentID: "a"}}}
	bodies := d.DispatchPostEvent(s, e)
	require.Len(t, bodies, 1)
	emitted, ok := bodies[0].(kernel.ModuleEmittedBody)
	require.True(t, ok)
	require.Equal(t, "m1", emitted.ModuleID)
	require.Equal(t, []byte("hi"), emitted.Payload)
}

func TestDispatchTickHonorsWakeAfter(t *testing.T) {
	s := kernel.NewWorldState()
	installManifest(s, "m1", kernel.ModuleKindReducer, kernel.Subscription{Stage: kernel.StageTick})

	sandbox := newFakeSandbox()
	sandbox.outputs["m1"] = &Output{TickLifecycle: &TickDirective{WakeAfterTicks: 3}}
	d := NewDispatcher(sandbox, fakeResolver{})

	d.DispatchTick(s, 10)
	require.Equal(t, []string{"m1/tick"}, sandbox.calls)

	d.DispatchTick(s, 11) // still dormant until tick 13
	require.Equal(t, []string{"m1/tick"}, sandbox.calls)

	d.DispatchTick(s, 13)
	require.Equal(t, []string{"m1/tick", "m1/tick"}, sandbox.calls)
}

func TestDispatchPostEventSandboxFailureIsModuleCallFailed(t *testing.T) {
	s := kernel.NewWorldState()
	installManifest(s, "m1", kernel.ModuleKindReducer, kernel.Subscription{
		Stage:      kernel.StagePostEvent,
		EventKinds: []string{"AgentRegistered"},
	})

	sandbox := newFakeSandbox()
	sandbox.errs["m1"] = &CallError{Code: FailLimitExceeded, Message: "too much output"}
	d := NewDispatcher(sandbox, fakeResolver{})

	e := kernel.Event{Body: kernel.DomainEventBody{Event: kernel.AgentRegistered{AgentID: "a"}}}
	bodies := d.DispatchPostEvent(s, e)
	require.Len(t, bodies, 1)
	failed, ok := bodies[0].(kernel.ModuleCallFailedBody)
	require.True(t, ok)
	require.Equal(t, kernel.ModuleFailLimitExceeded, failed.Code)
}

func TestDrainEffectsClearsQueue(t *testing.T) {
	s := kernel.NewWorldState()
	installManifest(s, "m1", kernel.ModuleKindReducer, kernel.Subscription{Stage: kernel.StageTick})

	sandbox := newFakeSandbox()
	sandbox.outputs["m1"] = &Output{Effects: []Effect{{Kind: "spawn_crisis", Payload: []byte("x")}}}
	d := NewDispatcher(sandbox, fakeResolver{})

	d.DispatchTick(s, 1)
	effects := d.DrainEffects()
	require.Len(t, effects, 1)
	require.Equal(t, "m1", effects[0].ModuleID)
	require.Empty(t, d.DrainEffects())
}

func TestStepWithModulesWiresDispatcherIntoReducer(t *testing.T) {
	r := kernel.NewReducer()
	r.SubmitAction(kernel.RegisterAgent{AgentID: "a"})
	r.Step()

	s := r.Snapshot()
	installManifest(s, "echo", kernel.ModuleKindReducer, kernel.Subscription{
		Stage:      kernel.StagePostEvent,
		EventKinds: []string{"AgentMoved"},
	})
	r = kernel.NewReducerFromState(s)

	sandbox := newFakeSandbox()
	sandbox.outputs["echo"] = &Output{Emits: []Emit{{Payload: []byte("moved")}}}
	d := NewDispatcher(sandbox, fakeResolver{})

	r.SubmitAction(kernel.MoveAgent{AgentID: "a", To: kernel.Position{X: 1}})
	events := r.StepWithModules(d)

	var sawMoved, sawEmitted bool
	var ids []uint64
	for _, e := range events {
		ids = append(ids, e.ID)
		switch body := e.Body.(type) {
		case kernel.DomainEventBody:
			if body.Event.Kind() == "AgentMoved" {
				sawMoved = true
			}
		case kernel.ModuleEmittedBody:
			sawEmitted = true
			require.Equal(t, "echo", body.ModuleID)
			require.Equal(t, []byte("moved"), body.Payload)
		}
	}
	require.True(t, sawMoved)
	require.True(t, sawEmitted)
	require.Len(t, ids, 2)
	require.Less(t, ids[0], ids[1]) // reducer assigned monotonic IDs to both
}
