package modules

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/eng-cc/agent-world/cas"
	"github.com/eng-cc/agent-world/kernel"
)

// WASMResolver fetches the bytecode for a content-addressed wasm_hash. The
// production wiring is a cas.Resolver (component C1); tests can substitute a
// fixed map.
type WASMResolver interface {
	ResolveWASM(ctx context.Context, wasmHash string) ([]byte, error)
}

// QueuedEffect is a module-produced effect awaiting translation into a
// concrete kernel.Action for the next reducer step (spec.md §4.3: "effects
// are queued for the next reducer step"). Decoding Effect.Payload into an
// Action is domain-specific and left to the caller wiring the dispatcher to
// a Reducer, not to this package. No command in this tree wires a dispatcher
// or drains its effects; cmd/worldd steps its reducer without one.
type QueuedEffect struct {
	ModuleID   string
	InstanceID string
	Effect     Effect
}

// Dispatcher implements kernel.ModuleDispatcher, routing PreAction/PostEvent/
// Tick subscriptions to installed module instances in module_id order
// (spec.md §4.2 scenario note: "sorted by module_id").
type Dispatcher struct {
	sandbox  Sandbox
	resolver WASMResolver

	pendingEffects []QueuedEffect
	suspended      map[string]bool   // instance_id -> suspended until explicit event
	wakeAtTick     map[string]uint64 // instance_id -> tick at which to resume ticking
}

// NewDispatcher builds a dispatcher over the given sandbox and wasm source.
func NewDispatcher(sandbox Sandbox, resolver WASMResolver) *Dispatcher {
	return &Dispatcher{
		sandbox:    sandbox,
		resolver:   resolver,
		suspended:  make(map[string]bool),
		wakeAtTick: make(map[string]uint64),
	}
}

// DrainEffects returns and clears the effects queued since the last drain.
func (d *Dispatcher) DrainEffects() []QueuedEffect {
	out := d.pendingEffects
	d.pendingEffects = nil
	return out
}

// instancesForStage returns the installed instances whose manifest has
// at least one subscription at the given stage, sorted by module_id then
// instance_id for a fully deterministic invocation order.
func (d *Dispatcher) instancesForStage(s *kernel.WorldState, stage kernel.SubscriptionStage) []*kernel.ModuleInstance {
	var out []*kernel.ModuleInstance
	for _, inst := range s.ModuleInstances {
		if !inst.Active {
			continue
		}
		manifest := s.Modules[inst.ModuleID]
		if manifest == nil {
			continue
		}
		for _, sub := range manifest.Subscriptions {
			if sub.Stage == stage {
				out = append(out, inst)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ModuleID != out[j].ModuleID {
			return out[i].ModuleID < out[j].ModuleID
		}
		return out[i].InstanceID < out[j].InstanceID
	})
	return out
}

func subscriptionMatches(sub kernel.Subscription, stage kernel.SubscriptionStage, kind string, kinds []string, ctx map[string]string) bool {
	if sub.Stage != stage {
		return false
	}
	matched := false
	for _, k := range kinds {
		if k == kind {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	for fk, fv := range sub.Filters {
		if ctx[fk] != fv {
			return false
		}
	}
	return true
}

func manifestSubscribesAction(m *kernel.ModuleManifest, stage kernel.SubscriptionStage, actionKind string, ctx map[string]string) *kernel.Subscription {
	for i := range m.Subscriptions {
		if subscriptionMatches(m.Subscriptions[i], stage, actionKind, m.Subscriptions[i].ActionKinds, ctx) {
			return &m.Subscriptions[i]
		}
	}
	return nil
}

func manifestSubscribesEvent(m *kernel.ModuleManifest, stage kernel.SubscriptionStage, eventKind string, ctx map[string]string) *kernel.Subscription {
	for i := range m.Subscriptions {
		if subscriptionMatches(m.Subscriptions[i], stage, eventKind, m.Subscriptions[i].EventKinds, ctx) {
			return &m.Subscriptions[i]
		}
	}
	return nil
}

// actionContext extracts the filter-matchable fields of an action (spec.md
// §4.3 subscription filters), covering the action kinds a module is ever
// subscribed to by agent or location.
func actionContext(a kernel.Action) map[string]string {
	ctx := map[string]string{}
	switch act := a.(type) {
	case kernel.RegisterAgent:
		ctx["agent_id"] = act.AgentID
	case kernel.MoveAgent:
		ctx["agent_id"] = act.AgentID
	case kernel.ResourceTransfer:
		ctx["agent_id"] = act.FromAgentID
	case kernel.MaterialTransfer:
		ctx["agent_id"] = act.FromAgentID
	case kernel.ScheduleRecipe:
		ctx["location_id"] = act.LocationID
	case kernel.BuildFactory:
		ctx["location_id"] = act.LocationID
	case kernel.DeclareWar:
		ctx["agent_id"] = act.Aggressor
	}
	return ctx
}

// eventContext mirrors actionContext for domain events.
func eventContext(de kernel.DomainEvent) map[string]string {
	ctx := map[string]string{}
	switch e := de.(type) {
	case kernel.AgentRegistered:
		ctx["agent_id"] = e.AgentID
	case kernel.AgentMoved:
		ctx["agent_id"] = e.AgentID
	case kernel.ResourceTransferred:
		ctx["agent_id"] = e.FromAgentID
	case kernel.MaterialTransferred:
		ctx["agent_id"] = e.ToAgentID
	case kernel.FactoryBuilt:
		ctx["location_id"] = e.LocationID
	}
	return ctx
}

func (d *Dispatcher) wasmBytes(ctx context.Context, hash string) ([]byte, *kernel.ModuleCallFailedCode) {
	code := kernel.ModuleFailSandboxUnavailable
	if d.resolver == nil {
		return nil, &code
	}
	b, err := d.resolver.ResolveWASM(ctx, hash)
	if err != nil {
		return nil, &code
	}
	return b, nil
}

func toKernelLimits(l kernel.ModuleLimits) Limits {
	return Limits{
		MaxMemBytes:    l.MaxMemBytes,
		MaxGas:         l.MaxGas,
		MaxCallRate:    l.MaxCallRate,
		MaxOutputBytes: l.MaxOutputBytes,
		MaxEffects:     l.MaxEffects,
		MaxEmits:       l.MaxEmits,
	}
}

// DispatchPreAction implements kernel.ModuleDispatcher.
func (d *Dispatcher) DispatchPreAction(s *kernel.WorldState, a kernel.Action) ([]kernel.EventBody, bool) {
	ctx := actionContext(a)
	var bodies []kernel.EventBody
	for _, inst := range d.instancesForStage(s, kernel.StagePreAction) {
		manifest := s.Modules[inst.ModuleID]
		sub := manifestSubscribesAction(manifest, kernel.StagePreAction, a.Kind(), ctx)
		if sub == nil {
			continue
		}

		out, callErr := d.invoke(context.Background(), manifest, inst, "pre_action", a.Kind(), ctx)
		if callErr != nil {
			bodies = append(bodies, failureBody(manifest.ModuleID, inst.InstanceID, *callErr))
			if manifest.Kind == kernel.ModuleKindPure && callErr.Code == FailPolicyDenied {
				return bodies, true
			}
			continue
		}
		d.applyOutput(s, manifest, inst, out)
		if out.BlockedByPurePolicy {
			bodies = append(bodies, failureBody(manifest.ModuleID, inst.InstanceID, CallError{
				Code:    FailPolicyDenied,
				Message: "blocked_by_pure_policy",
			}))
			return bodies, true
		}
	}
	return bodies, false
}

// DispatchPostEvent implements kernel.ModuleDispatcher.
func (d *Dispatcher) DispatchPostEvent(s *kernel.WorldState, e kernel.Event) []kernel.EventBody {
	de, ok := e.AsDomainEvent()
	if !ok {
		return nil
	}
	ctx := eventContext(de)
	var out []kernel.EventBody
	for _, inst := range d.instancesForStage(s, kernel.StagePostEvent) {
		manifest := s.Modules[inst.ModuleID]
		sub := manifestSubscribesEvent(manifest, kernel.StagePostEvent, de.Kind(), ctx)
		if sub == nil {
			continue
		}

		result, callErr := d.invoke(context.Background(), manifest, inst, "post_event", de.Kind(), ctx)
		if callErr != nil {
			out = append(out, failureBody(manifest.ModuleID, inst.InstanceID, *callErr))
			continue
		}
		d.applyOutput(s, manifest, inst, result)
		for _, emit := range result.Emits {
			out = append(out, kernel.ModuleEmittedBody{
				ModuleID:   manifest.ModuleID,
				InstanceID: inst.InstanceID,
				Payload:    emit.Payload,
			})
		}
	}
	return out
}

// DispatchTick implements kernel.ModuleDispatcher.
func (d *Dispatcher) DispatchTick(s *kernel.WorldState, now uint64) []kernel.EventBody {
	var out []kernel.EventBody
	for _, inst := range d.instancesForStage(s, kernel.StageTick) {
		if d.suspended[inst.InstanceID] {
			continue
		}
		if wake, ok := d.wakeAtTick[inst.InstanceID]; ok && now < wake {
			continue
		}
		manifest := s.Modules[inst.ModuleID]

		origin := "tick"
		if inst.InstallTarget == kernel.InstallTargetInfrastructure {
			origin = "infrastructure_tick"
		}

		result, callErr := d.invoke(context.Background(), manifest, inst, origin, "Tick", nil)
		if callErr != nil {
			out = append(out, failureBody(manifest.ModuleID, inst.InstanceID, *callErr))
			continue
		}
		d.applyOutput(s, manifest, inst, result)
		for _, emit := range result.Emits {
			out = append(out, kernel.ModuleEmittedBody{
				ModuleID:   manifest.ModuleID,
				InstanceID: inst.InstanceID,
				Payload:    emit.Payload,
			})
		}
		if result.TickLifecycle != nil {
			if result.TickLifecycle.Suspend {
				d.suspended[inst.InstanceID] = true
			} else if result.TickLifecycle.WakeAfterTicks > 0 {
				d.wakeAtTick[inst.InstanceID] = now + result.TickLifecycle.WakeAfterTicks
			}
		}
	}
	return out
}

// Wake clears a suspended instance's dormancy, invoked when an explicit event
// targets it (spec.md §4.3: "do not reinvoke until an explicit event").
func (d *Dispatcher) Wake(instanceID string) {
	delete(d.suspended, instanceID)
	delete(d.wakeAtTick, instanceID)
}

func (d *Dispatcher) invoke(ctx context.Context, manifest *kernel.ModuleManifest, inst *kernel.ModuleInstance, entrypoint, kind string, invokeCtx map[string]string) (*Output, *CallError) {
	bytecode, code := d.wasmBytes(ctx, manifest.WASMHash)
	if code != nil {
		return nil, &CallError{Code: FailureCode(*code), Message: "wasm bytes unavailable for " + manifest.WASMHash}
	}
	input, err := cas.CanonicalCBOR(map[string]any{"kind": kind, "context": invokeCtx})
	if err != nil {
		return nil, &CallError{Code: FailSchemaMismatch, Message: err.Error()}
	}
	req := Request{
		ModuleID:   manifest.ModuleID,
		WASMHash:   manifest.WASMHash,
		InstanceID: inst.InstanceID,
		TraceID:    uuid.NewString(),
		Entrypoint: entrypoint,
		Input:      input,
		WASMBytes:  bytecode,
		Limits:     toKernelLimits(manifest.Limits),
		PrevState:  inst.StateBytes,
	}
	return d.sandbox.Call(ctx, req)
}

func (d *Dispatcher) applyOutput(s *kernel.WorldState, manifest *kernel.ModuleManifest, inst *kernel.ModuleInstance, out *Output) {
	if out == nil {
		return
	}
	if out.NewState != nil {
		inst.StateBytes = out.NewState
	}
	for _, eff := range out.Effects {
		d.pendingEffects = append(d.pendingEffects, QueuedEffect{
			ModuleID:   manifest.ModuleID,
			InstanceID: inst.InstanceID,
			Effect:     eff,
		})
	}
}

func failureBody(moduleID, instanceID string, callErr CallError) kernel.EventBody {
	return kernel.ModuleCallFailedBody{
		ModuleID:   moduleID,
		InstanceID: instanceID,
		Code:       kernel.ModuleCallFailedCode(callErr.Code),
		Message:    callErr.Message,
	}
}
