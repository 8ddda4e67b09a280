package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolmend/internal/types"
)

const scaleProgram = `
import (
	"strconv"
	"strings"
)

func Transform(input string) (string, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(input), 64)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(int64(f*100+0.5), 10), nil
}`

func testBudget() types.SandboxBudget {
	return types.SandboxBudget{
		WallClock:   5 * time.Second,
		CPUTime:     2 * time.Second,
		MemoryBytes: 64 << 20,
	}
}

func TestRunScaleProgram(t *testing.T) {
	e := New(2, testBudget())

	result, err := e.Run(context.Background(), &types.SandboxJob{
		ID:       "job-1",
		Program:  scaleProgram,
		Bindings: map[string]string{"value": "19.99"},
		Budget:   testBudget(),
	})
	require.NoError(t, err)
	assert.Equal(t, "1999", result.Value)
}

func TestRunIsDeterministic(t *testing.T) {
	e := New(2, testBudget())
	job := func(id string) *types.SandboxJob {
		return &types.SandboxJob{
			ID:       id,
			Program:  scaleProgram,
			Bindings: map[string]string{"value": "42.5"},
			Budget:   testBudget(),
		}
	}

	first, err := e.Run(context.Background(), job("job-a"))
	require.NoError(t, err)
	second, err := e.Run(context.Background(), job("job-b"))
	require.NoError(t, err)

	assert.Equal(t, first.Value, second.Value, "identical program and bindings must yield identical output")
}

func TestRunBlocksUnsafeProgram(t *testing.T) {
	e := New(2, testBudget())

	_, err := e.Run(context.Background(), &types.SandboxJob{
		ID: "job-unsafe",
		Program: `
import "os"
func Transform(input string) (string, error) { return os.Getenv("HOME"), nil }`,
		Bindings: map[string]string{"value": "x"},
		Budget:   testBudget(),
	})
	require.Error(t, err)
	assert.True(t, types.IsSandboxFault(err), "blocked program must surface as a sandbox fault, got %v", err)
}

func TestRunProgramErrorIsFault(t *testing.T) {
	e := New(2, testBudget())

	_, err := e.Run(context.Background(), &types.SandboxJob{
		ID: "job-err",
		Program: `
import "errors"
func Transform(input string) (string, error) { return "", errors.New("bad input") }`,
		Bindings: map[string]string{"value": "x"},
		Budget:   testBudget(),
	})
	require.Error(t, err)
	assert.True(t, types.IsSandboxFault(err))
}

func TestRunWallClockTimeout(t *testing.T) {
	e := New(2, testBudget())

	budget := testBudget()
	budget.WallClock = 200 * time.Millisecond

	_, err := e.Run(context.Background(), &types.SandboxJob{
		ID: "job-loop",
		Program: `
func Transform(input string) (string, error) {
	n := 0
	for {
		n++
	}
}`,
		Bindings: map[string]string{"value": "x"},
		Budget:   budget,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrSandboxTimeout)
}

func TestRunCancellationPassesThrough(t *testing.T) {
	e := New(2, testBudget())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := e.Run(ctx, &types.SandboxJob{
		ID: "job-cancel",
		Program: `
func Transform(input string) (string, error) {
	n := 0
	for {
		n++
	}
}`,
		Bindings: map[string]string{"value": "x"},
		Budget:   testBudget(),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunRequiresProgram(t *testing.T) {
	e := New(2, testBudget())

	_, err := e.Run(context.Background(), &types.SandboxJob{ID: "job-empty"})
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}
