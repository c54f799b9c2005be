// Package tools implements the canonical tool registry and dispatch from
// the component design: a name-keyed map of ToolDef plus implementation,
// loose JSON-Schema argument validation, and the tool.called/tool.result/
// tool.error event emissions around every dispatch.
//
// Tools are plain Go functions registered by name at startup; the def
// carries everything a provider adapter needs to advertise the tool.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/wangtian24/agiraph/pkg/agierr"
	"github.com/wangtian24/agiraph/pkg/bus"
	"github.com/wangtian24/agiraph/pkg/event"
	"github.com/wangtian24/agiraph/pkg/model"
)

// Context is passed to every tool implementation. It carries only
// id-level references back to the owning agent/run/node/worker plus
// handles onto the shared subsystems a tool may need — never a direct
// pointer to the coordinator or kernel, so the cyclic agent/board/worker
// object graph never closes through a tool implementation.
type Context struct {
	AgentID  string
	RunID    string
	NodeID   string
	WorkerID string // empty when called by the coordinator

	Bus   *bus.Bus
	Log   Emitter
	Board BoardView
	// Trigger is an opaque handle for tools that need to register a new
	// trigger (e.g. a "remind me later" tool); nil is valid when the
	// concrete trigger scheduler isn't wired into a test.
	Trigger any
}

// Emitter is the subset of *event.Log dispatch needs.
type Emitter interface {
	Emit(ctx context.Context, typ event.Type, data map[string]any) (event.Event, error)
}

// BoardView is the subset of the work board a tool implementation may
// legitimately consult (e.g. to look up a ref's published path). Kept
// narrow deliberately: tools must not mutate the board directly except
// through registered board-mutating tools (create_node, publish, ...).
type BoardView interface {
	Get(id string) (Node, bool)
}

// Node is the minimal view of a work node a tool needs, independent of the
// board package's own richer type, to avoid an import cycle between tools
// and board.
type Node struct {
	ID        string
	Status    string
	Published []string
}

// Impl is a tool's dispatch function: given a Context and the raw JSON
// argument object, it returns the tool result text (what is fed back to the
// model as a ToolResultPart) or an error.
type Impl func(ctx context.Context, tctx *Context, args json.RawMessage) (string, error)

type registration struct {
	def    model.ToolDef
	impl   Impl
	schema *jsonschema.Schema
}

// Registry maps tool name to {ToolDef, Impl} and performs validated
// dispatch. Safe for concurrent Register/Dispatch once built; in practice
// all Register calls happen at startup before any Dispatch.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*registration
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{defs: make(map[string]*registration)}
}

// Register pairs def with impl. If def.Parameters is a non-empty JSON
// Schema document, it is compiled once up front so Dispatch never pays
// compilation cost per call. Register panics on a malformed schema or a
// duplicate name — both are programmer errors caught at startup.
func (r *Registry) Register(def model.ToolDef, impl Impl) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		panic(fmt.Sprintf("tools: duplicate registration for %q", def.Name))
	}
	reg := &registration{def: def, impl: impl}
	if len(def.Parameters) > 0 {
		sch, err := compileSchema(def.Name, def.Parameters)
		if err != nil {
			panic(fmt.Sprintf("tools: invalid schema for %q: %v", def.Name, err))
		}
		reg.schema = sch
	}
	r.defs[def.Name] = reg
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	res := "tool://" + name
	if err := c.AddResource(res, doc); err != nil {
		return nil, err
	}
	return c.Compile(res)
}

// Defs returns every registered ToolDef, in registration order is not
// guaranteed (map iteration); callers that need stable ordering should sort.
func (r *Registry) Defs() []model.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.ToolDef, 0, len(r.defs))
	for _, reg := range r.defs {
		out = append(out, reg.def)
	}
	return out
}

// Dispatch validates call.Args against the registered schema (loose: see
// Validate), runs the implementation, and emits tool.called followed by
// either tool.result or tool.error. A call to an unregistered tool name is a
// ToolError, not a panic — the model can say anything.
func (r *Registry) Dispatch(ctx context.Context, tctx *Context, call model.ToolCall) (string, error) {
	r.mu.RLock()
	reg, ok := r.defs[call.Name]
	r.mu.RUnlock()

	emit := func(typ event.Type, data map[string]any) {
		if tctx == nil || tctx.Log == nil {
			return
		}
		base := map[string]any{"tool": call.Name, "call_id": call.ID}
		for k, v := range data {
			base[k] = v
		}
		_, _ = tctx.Log.Emit(ctx, typ, base)
	}

	emit("tool.called", map[string]any{"args": json.RawMessage(call.Args)})

	if !ok {
		err := agierr.Newf(agierr.KindToolError, "unknown tool %q", call.Name)
		emit("tool.error", map[string]any{"error": err.Error()})
		return "", err
	}

	if reg.schema != nil {
		if err := Validate(reg.schema, call.Args); err != nil {
			werr := agierr.Wrap(agierr.KindToolError, "invalid arguments", err)
			emit("tool.error", map[string]any{"error": werr.Error()})
			return "", werr
		}
	}

	result, err := reg.impl(ctx, tctx, call.Args)
	if err != nil {
		var kind agierr.Kind = agierr.KindToolError
		if k, ok := agierr.KindOf(err); ok {
			kind = k
		}
		werr := agierr.Wrap(kind, "tool execution failed", err)
		emit("tool.error", map[string]any{"error": werr.Error()})
		return "", werr
	}

	emit("tool.result", map[string]any{"result": result})
	return result, nil
}

// Validate checks raw JSON arguments against schema using the "loose"
// coercion rule: unknown top-level keys are rejected
// only when the schema explicitly sets additionalProperties:false; integer
// coercion of whole-valued JSON numbers is handled by the jsonschema
// library's own type assertion pass.
func Validate(schema *jsonschema.Schema, raw json.RawMessage) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("tools: malformed arguments: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return err
	}
	return nil
}
