// Package modules implements the module sandbox dispatcher: routing of
// PreAction/PostEvent/Tick subscriptions to installed WASM modules and
// mediation of their effects, emits, and policy verdicts.
package modules

import "context"

// TickOrigin distinguishes a tick invocation aimed at an agent-installed
// instance from one aimed at a location-installed (infrastructure) instance.
type TickOrigin string

const (
	TickOriginAgent          TickOrigin = "tick"
	TickOriginInfrastructure TickOrigin = "infrastructure_tick"
)

// TickDirective is a module's instruction for when it wants to be invoked
// again, returned on a Tick call.
type TickDirective struct {
	WakeAfterTicks uint64
	Suspend        bool
}

// Request is everything a sandbox needs to run one module invocation.
type Request struct {
	ModuleID   string
	WASMHash   string
	InstanceID string
	TraceID    string
	Entrypoint string
	Input      []byte // CBOR
	WASMBytes  []byte
	Limits     Limits
	PrevState  []byte
	TickOrigin TickOrigin
}

// Limits bounds a single sandbox invocation.
type Limits struct {
	MaxMemBytes    uint64
	MaxGas         uint64
	MaxCallRate    uint64
	MaxOutputBytes uint64
	MaxEffects     uint64
	MaxEmits       uint64
}

// Effect is a module-produced instruction queued for the next reducer step.
type Effect struct {
	Kind    string
	Payload []byte
}

// Emit is a module-produced notification appended to the journal verbatim as
// a ModuleEmitted event.
type Emit struct {
	Payload []byte
}

// Output is the result of a sandbox.call.
type Output struct {
	NewState      []byte
	Effects       []Effect
	Emits         []Emit
	TickLifecycle *TickDirective
	OutputBytes   []byte

	// BlockedByPurePolicy is set by a Pure-kind PreAction hook to deny the
	// action outright.
	BlockedByPurePolicy bool
}

// FailureCode mirrors kernel.ModuleCallFailedCode without importing kernel,
// keeping this package importable by anything that builds a Sandbox.
type FailureCode string

const (
	FailSandboxUnavailable FailureCode = "SandboxUnavailable"
	FailPolicyDenied       FailureCode = "PolicyDenied"
	FailLimitExceeded      FailureCode = "LimitExceeded"
	FailSchemaMismatch     FailureCode = "SchemaMismatch"
)

// CallError reports a failed sandbox invocation with a closed failure code,
// never a bare Go error the dispatcher would have to classify after the fact.
type CallError struct {
	Code    FailureCode
	Message string
}

func (e *CallError) Error() string { return string(e.Code) + ": " + e.Message }

// Sandbox executes a single module entrypoint under resource bounds. An
// implementation must be deterministic for identical inputs: replay depends
// on it (spec.md §4.3).
type Sandbox interface {
	Call(ctx context.Context, req Request) (*Output, *CallError)
}
