package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowmesh/dataflow-runtime/internal/cluster"
	"flowmesh/dataflow-runtime/pkg/types"
)

func TestScriptPolicyAccepts(t *testing.T) {
	p, err := NewScriptPolicy(`role === "worker" && endpoint.indexOf("gpu") === 0`)
	require.NoError(t, err)

	state := p.Init()
	state, err = p.AcceptConnection("gpu-worker-1:8081", types.RoleWorker, state)
	assert.NoError(t, err)

	_, err = p.AcceptConnection("cpu-worker-1:8082", types.RoleWorker, state)
	var rejected *cluster.RejectedError
	assert.ErrorAs(t, err, &rejected)
}

func TestScriptPolicyEmptyExpressionAcceptsAll(t *testing.T) {
	p, err := NewScriptPolicy("")
	require.NoError(t, err)

	state := p.Init()
	_, err = p.AcceptConnection("worker-1:8081", types.RoleWorker, state)
	assert.NoError(t, err)
}

func TestScriptPolicyCompileError(t *testing.T) {
	_, err := NewScriptPolicy("this is not javascript ===")
	assert.Error(t, err)
}

func TestScriptPolicyThrowRejects(t *testing.T) {
	p, err := NewScriptPolicy(`(function() { throw new Error("quota exceeded"); })()`)
	require.NoError(t, err)

	state := p.Init()
	_, err = p.AcceptConnection("worker-1:8081", types.RoleWorker, state)
	var rejected *cluster.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Contains(t, rejected.Reason, "quota exceeded")
}

func TestScriptPolicyStatePersistsAcrossCalls(t *testing.T) {
	// Admit at most two endpoints, counting in script-visible state.
	p, err := NewScriptPolicy(`
		state.count = (state.count || 0) + 1;
		state.count <= 2
	`)
	require.NoError(t, err)

	state := p.Init()
	state, err = p.AcceptConnection("worker-1:8081", types.RoleWorker, state)
	require.NoError(t, err)
	state, err = p.AcceptConnection("worker-2:8082", types.RoleWorker, state)
	require.NoError(t, err)

	_, err = p.AcceptConnection("worker-3:8083", types.RoleWorker, state)
	var rejected *cluster.RejectedError
	assert.ErrorAs(t, err, &rejected)
}

func TestScriptPolicyRemoveAndDownAreNoOps(t *testing.T) {
	p, err := NewScriptPolicy("true")
	require.NoError(t, err)

	state := p.Init()
	state = p.RemoveConnection("worker-1:8081", state)
	state = p.RemoteDown("worker-1:8081", state)
	assert.NotNil(t, state)
}
