// Package policy provides reusable connection policy implementations that
// collaborators can bind through the dispatcher.
package policy

import (
	"fmt"

	"github.com/dop251/goja"

	"flowmesh/dataflow-runtime/internal/cluster"
	"flowmesh/dataflow-runtime/pkg/logger"
	"flowmesh/dataflow-runtime/pkg/types"
)

// ScriptPolicy is a Handler whose accept decision is a JavaScript expression.
// The expression sees `endpoint` (string), `role` (string) and `state` (a
// plain object persisted across callbacks) and must evaluate to a boolean:
// true accepts, false rejects. A thrown error rejects with its message.
//
// The goja runtime is confined to the handler runtime goroutine, so scripts
// never run concurrently.
type ScriptPolicy struct {
	vm     *goja.Runtime
	accept *goja.Program
}

// NewScriptPolicy compiles the accept expression. An empty expression
// accepts everything.
func NewScriptPolicy(acceptExpr string) (*ScriptPolicy, error) {
	if acceptExpr == "" {
		acceptExpr = "true"
	}
	prog, err := goja.Compile("accept", acceptExpr, true)
	if err != nil {
		return nil, fmt.Errorf("compile accept expression: %w", err)
	}
	return &ScriptPolicy{vm: goja.New(), accept: prog}, nil
}

type scriptState struct {
	data map[string]any
}

// Init produces an empty script-visible state object.
func (p *ScriptPolicy) Init() cluster.HandlerState {
	return &scriptState{data: make(map[string]any)}
}

// AcceptConnection evaluates the accept expression for the endpoint.
func (p *ScriptPolicy) AcceptConnection(endpoint types.Endpoint, role types.Role, state cluster.HandlerState) (cluster.HandlerState, error) {
	st := state.(*scriptState)

	p.vm.Set("endpoint", string(endpoint))
	p.vm.Set("role", string(role))
	p.vm.Set("state", st.data)

	value, err := p.vm.RunProgram(p.accept)
	if err != nil {
		return st, &cluster.RejectedError{Reason: err.Error()}
	}
	if !value.ToBoolean() {
		return st, &cluster.RejectedError{Reason: fmt.Sprintf("accept script refused %s", endpoint)}
	}
	return st, nil
}

// RemoveConnection is a no-op beyond logging; script state is left to the
// script itself.
func (p *ScriptPolicy) RemoveConnection(endpoint types.Endpoint, state cluster.HandlerState) cluster.HandlerState {
	logger.Debug("script policy: connection removed", "endpoint", endpoint)
	return state
}

// RemoteDown is a no-op beyond logging.
func (p *ScriptPolicy) RemoteDown(endpoint types.Endpoint, state cluster.HandlerState) cluster.HandlerState {
	logger.Debug("script policy: endpoint down", "endpoint", endpoint)
	return state
}
