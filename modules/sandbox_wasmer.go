package modules

import (
	"context"
	"fmt"
	"sync"

	"github.com/wasmerio/wasmer-go/wasmer"
)

// WasmerSandbox executes module WASM bytecode via wasmer-go, the same
// engine/store/instance/host-import shape as a Wasmer-backed heavy VM: one
// engine shared across calls, a fresh store/module/instance per invocation so
// independent module instances never share linear memory.
type WasmerSandbox struct {
	engine *wasmer.Engine
	mu     sync.Mutex // serializes calls; wasmer stores are not safe for concurrent compile
}

// NewWasmerSandbox constructs a sandbox backed by a single wasmer engine.
func NewWasmerSandbox() *WasmerSandbox {
	return &WasmerSandbox{engine: wasmer.NewEngine()}
}

// hostCtx carries the per-call state the host functions close over.
type hostCtx struct {
	mem     *wasmer.Memory
	gasLim  uint64
	gasUsed uint64

	input     []byte
	newState  []byte
	output    []byte
	effects   []Effect
	emits     []Emit
	failed    *CallError
}

func (h *hostCtx) consumeGas(units uint32) int32 {
	h.gasUsed += uint64(units)
	if h.gasUsed > h.gasLim {
		return -1
	}
	return 0
}

func (h *hostCtx) read(ptr, length int32) []byte {
	data := h.mem.Data()
	if ptr < 0 || length < 0 || int(ptr)+int(length) > len(data) {
		return nil
	}
	out := make([]byte, length)
	copy(out, data[ptr:int(ptr)+int(length)])
	return out
}

func (h *hostCtx) write(ptr int32, data []byte) bool {
	mem := h.mem.Data()
	if ptr < 0 || int(ptr)+len(data) > len(mem) {
		return false
	}
	copy(mem[ptr:], data)
	return true
}

// Call compiles the module's WASM bytes against a fresh store, wires host
// imports under the "env" namespace, invokes the requested entrypoint, and
// translates the module's host calls into an Output.
func (s *WasmerSandbox) Call(ctx context.Context, req Request) (*Output, *CallError) {
	if err := ctx.Err(); err != nil {
		return nil, &CallError{Code: FailSandboxUnavailable, Message: err.Error()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	store := wasmer.NewStore(s.engine)
	hctx := &hostCtx{gasLim: req.Limits.MaxGas, input: req.Input}

	mod, err := wasmer.NewModule(store, req.WASMBytes)
	if err != nil {
		return nil, &CallError{Code: FailSchemaMismatch, Message: err.Error()}
	}

	imports := registerHost(store, hctx)
	instance, err := wasmer.NewInstance(mod, imports)
	if err != nil {
		return nil, &CallError{Code: FailSandboxUnavailable, Message: fmt.Sprintf("instantiate: %v", err)}
	}
	defer instance.Close()

	mem, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return nil, &CallError{Code: FailSchemaMismatch, Message: "wasm memory export missing"}
	}
	if req.Limits.MaxMemBytes > 0 && uint64(mem.DataSize()) > req.Limits.MaxMemBytes {
		return nil, &CallError{Code: FailLimitExceeded, Message: "initial memory exceeds max_mem_bytes"}
	}
	hctx.mem = mem

	entry, err := instance.Exports.GetFunction(req.Entrypoint)
	if err != nil {
		return nil, &CallError{Code: FailSchemaMismatch, Message: fmt.Sprintf("entrypoint %q not exported", req.Entrypoint)}
	}

	if _, err := entry(); err != nil {
		return nil, &CallError{Code: FailSandboxUnavailable, Message: err.Error()}
	}
	if hctx.failed != nil {
		return nil, hctx.failed
	}

	if req.Limits.MaxOutputBytes > 0 && uint64(len(hctx.output)) > req.Limits.MaxOutputBytes {
		return nil, &CallError{Code: FailLimitExceeded, Message: "output_bytes exceeds max_output_bytes"}
	}
	if req.Limits.MaxEffects > 0 && uint64(len(hctx.effects)) > req.Limits.MaxEffects {
		return nil, &CallError{Code: FailLimitExceeded, Message: "effects exceed max_effects"}
	}
	if req.Limits.MaxEmits > 0 && uint64(len(hctx.emits)) > req.Limits.MaxEmits {
		return nil, &CallError{Code: FailLimitExceeded, Message: "emits exceed max_emits"}
	}

	return &Output{
		NewState:    hctx.newState,
		Effects:     hctx.effects,
		Emits:       hctx.emits,
		OutputBytes: hctx.output,
	}, nil
}

// registerHost wires the module's "env" imports: gas metering, the call's
// input, emit/effect/output/state sinks the dispatcher reads back afterward.
func registerHost(store *wasmer.Store, h *hostCtx) *wasmer.ImportObject {
	imports := wasmer.NewImportObject()

	i32 := wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32))
	i32i32 := wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32))
	noResult := wasmer.NewValueTypes()

	hostConsumeGas := wasmer.NewFunction(store,
		wasmer.NewFunctionType(i32, i32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			return []wasmer.Value{wasmer.NewI32(h.consumeGas(uint32(args[0].I32())))}, nil
		})

	hostInputLen := wasmer.NewFunction(store,
		wasmer.NewFunctionType(noResult, i32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			return []wasmer.Value{wasmer.NewI32(int32(len(h.input)))}, nil
		})

	hostInputRead := wasmer.NewFunction(store,
		wasmer.NewFunctionType(i32, i32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			ptr := args[0].I32()
			if !h.write(ptr, h.input) {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			return []wasmer.Value{wasmer.NewI32(int32(len(h.input)))}, nil
		})

	hostSetState := wasmer.NewFunction(store,
		wasmer.NewFunctionType(i32i32, i32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			h.newState = h.read(args[0].I32(), args[1].I32())
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		})

	hostSetOutput := wasmer.NewFunction(store,
		wasmer.NewFunctionType(i32i32, i32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			h.output = h.read(args[0].I32(), args[1].I32())
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		})

	hostEmit := wasmer.NewFunction(store,
		wasmer.NewFunctionType(i32i32, i32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			h.emits = append(h.emits, Emit{Payload: h.read(args[0].I32(), args[1].I32())})
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		})

	hostEffect := wasmer.NewFunction(store,
		wasmer.NewFunctionType(i32i32, i32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			h.effects = append(h.effects, Effect{Payload: h.read(args[0].I32(), args[1].I32())})
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		})

	hostDeny := wasmer.NewFunction(store,
		wasmer.NewFunctionType(noResult, noResult),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			h.failed = &CallError{Code: FailPolicyDenied, Message: "blocked_by_pure_policy"}
			return []wasmer.Value{}, nil
		})

	imports.Register("env", map[string]wasmer.IntoExtern{
		"host_consume_gas": hostConsumeGas,
		"host_input_len":   hostInputLen,
		"host_input_read":  hostInputRead,
		"host_set_state":   hostSetState,
		"host_set_output":  hostSetOutput,
		"host_emit":        hostEmit,
		"host_effect":      hostEffect,
		"host_deny":        hostDeny,
	})

	return imports
}
