package kernels

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorun/tensorun/graphs"
	"github.com/tensorun/tensorun/memory"
)

func TestDefBuilder(t *testing.T) {
	def := NewDef("Reshape").
		Provider("cpu").
		SinceVersion(5).
		Alias(0, 0).
		MayInplace(1, 0).
		InputMemoryType(1, memory.TypeCPUInput).
		OutputMemoryType(0, memory.TypeCPUOutput).
		InputOnCPU(1).
		ExecQueueID(2).
		Build()

	assert.Equal(t, "Reshape", def.OpType())
	assert.Equal(t, "cpu", def.Provider())
	assert.Equal(t, 5, def.SinceVersion())
	assert.Equal(t, [][2]int{{0, 0}}, def.Alias())
	assert.Equal(t, [][2]int{{1, 0}}, def.MayInplace())
	assert.Equal(t, memory.TypeCPUInput, def.InputMemoryType(1))
	assert.Equal(t, memory.TypeDefault, def.InputMemoryType(0), "unannotated positions default")
	assert.Equal(t, memory.TypeCPUOutput, def.OutputMemoryType(0))
	assert.True(t, def.IsInputOnCPU(1))
	assert.False(t, def.IsInputOnCPU(0))
	assert.Equal(t, 2, def.ExecQueueID())
}

func buildSingleNode(t *testing.T, opType string, opVersion int, provider string) graphs.Node {
	t.Helper()
	b := graphs.NewBuilder("g")
	x := b.TensorValue("x", dtypes.Float32, 2)
	y := b.TensorValue("y", dtypes.Float32, 2)
	b.Input(x)
	b.AddVersionedNode(opType, opVersion, "node0", provider, []*graphs.NodeArg{x}, nil, []*graphs.NodeArg{y})
	b.Output(y)
	g, err := b.Build()
	require.NoError(t, err)
	return g.GetNode(0)
}

func TestRegistryFind(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(NewDef("Relu").Provider("cpu").SinceVersion(6).Build()))

	def, err := reg.Find(buildSingleNode(t, "Relu", 6, "cpu"))
	require.NoError(t, err)
	assert.Equal(t, "Relu", def.OpType())

	// Wrong provider.
	_, err = reg.Find(buildSingleNode(t, "Relu", 6, "cuda"))
	require.Error(t, err)

	// Node authored before the kernel's op-set version.
	_, err = reg.Find(buildSingleNode(t, "Relu", 3, "cpu"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Relu(3)")
	assert.Contains(t, err.Error(), `"node0"`)
}

func TestRegistryDuplicate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(NewDef("Relu").Provider("cpu").Build()))
	assert.Error(t, reg.Register(NewDef("Relu").Provider("cpu").Build()))
	assert.Panics(t, func() { reg.MustRegister(NewDef("Relu").Provider("cpu").Build()) })
}

func TestComputeUnbound(t *testing.T) {
	def := NewDef("Stub").Provider("cpu").Build()
	err := def.Compute(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no compute function")
}
