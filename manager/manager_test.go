package manager

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/libraxisai/lbrxserve/kernel"
	"github.com/libraxisai/lbrxserve/registry"
	"github.com/libraxisai/lbrxserve/types"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r, err := registry.New([]registry.Descriptor{
		{Name: "small", ID: "x/small", MemoryGB: 2, ContextLength: 4096, Priority: 2},
		{Name: "medium", ID: "x/medium", MemoryGB: 8, ContextLength: 4096, Priority: 1},
		{Name: "big", ID: "x/big", MemoryGB: 30, ContextLength: 4096, Priority: 3},
	}, map[string]string{"default": "medium"})
	require.NoError(t, err)
	return r
}

func testManager(t *testing.T, maxGB float64) *Manager {
	t.Helper()
	return New(zaptest.NewLogger(t), testRegistry(t), kernel.NewStubRuntime(), Options{
		ModelsDir:   t.TempDir(),
		MaxMemoryGB: maxGB,
	})
}

func TestLoadIdempotent(t *testing.T) {
	m := testManager(t, 24)
	ctx := context.Background()

	require.NoError(t, m.Load(ctx, "medium"))
	require.NoError(t, m.Load(ctx, "default")) // alias of medium
	require.NoError(t, m.Load(ctx, "x/medium"))

	assert.Len(t, m.Loaded(), 1)
	assert.True(t, m.IsLoaded("medium"))
}

func TestLoadUnknownModel(t *testing.T) {
	m := testManager(t, 24)
	err := m.Load(context.Background(), "gpt-4")
	assert.Equal(t, types.ErrModelNotFound, types.GetErrorCode(err))
}

func TestUnload(t *testing.T) {
	m := testManager(t, 24)
	ctx := context.Background()

	require.NoError(t, m.Load(ctx, "small"))
	require.NoError(t, m.Unload("small"))
	assert.False(t, m.IsLoaded("small"))

	err := m.Unload("small")
	assert.Equal(t, types.ErrModelNotFound, types.GetErrorCode(err))
}

func TestResidencyPersistsOverBudget(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	m := New(zap.New(core), testRegistry(t), kernel.NewStubRuntime(), Options{
		ModelsDir:   t.TempDir(),
		MaxMemoryGB: 10,
	})
	ctx := context.Background()

	require.NoError(t, m.Load(ctx, "small"))  // 2 GB
	require.NoError(t, m.Load(ctx, "medium")) // 8 GB, total 10
	require.NoError(t, m.Load(ctx, "big"))    // 30 GB, well past the cap

	// Nothing is evicted; the over-budget load only warns.
	assert.True(t, m.IsLoaded("small"))
	assert.True(t, m.IsLoaded("medium"))
	assert.True(t, m.IsLoaded("big"))
	assert.Len(t, m.Loaded(), 3)
	assert.Equal(t, 1,
		logs.FilterMessage("resident set over memory budget, loading anyway").Len())
}

func TestGenerate(t *testing.T) {
	m := testManager(t, 24)
	text, finish, err := m.Generate(context.Background(), "default",
		[]types.Message{types.NewUserMessage("ping")}, kernel.GenerateOptions{MaxTokens: 32})
	require.NoError(t, err)
	assert.Equal(t, "You said: ping", text)
	assert.Equal(t, "stop", finish)
	assert.True(t, m.IsLoaded("medium"), "generation loads the model just in time")
}

func TestGenerateSerialized(t *testing.T) {
	m := testManager(t, 24)
	ctx := context.Background()
	require.NoError(t, m.Load(ctx, "small"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := m.Generate(ctx, "small",
				[]types.Message{types.NewUserMessage("x")}, kernel.GenerateOptions{MaxTokens: 8})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestModelPathEncoding(t *testing.T) {
	assert.Equal(t, "LibraxisAI--Qwen3-14b-MLX-Q5", EncodeModelPath("LibraxisAI/Qwen3-14b-MLX-Q5"))
	assert.Equal(t, "LibraxisAI/Qwen3-14b-MLX-Q5", DecodeModelPath("LibraxisAI--Qwen3-14b-MLX-Q5"))
}

func TestCountTokens(t *testing.T) {
	assert.Zero(t, CountTokens(""))
	assert.Positive(t, CountTokens("hello world, this is a test"))
	assert.Positive(t, CountMessageTokens([]types.Message{
		types.NewSystemMessage("be brief"),
		types.NewUserMessage("hello"),
	}))
}
