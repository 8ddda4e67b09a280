// Package sandbox runs short, auto-generated deterministic transformation
// programs under strict isolation. Programs are interpreted with Yaegi
// instead of compiled, which eliminates compilation hangs and dependency
// resolution entirely; each job gets a fresh interpreter so no state leaks
// between concurrent tenants.
//
// Limits are enforced externally to the program: wall clock via context,
// memory via a watchdog sampling the heap against the job budget. Stdout
// and stderr are captured for audit but never trusted as the result; only
// the explicit return value of Transform is.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"golang.org/x/sync/semaphore"

	"toolmend/internal/logging"
	"toolmend/internal/types"
)

// Executor runs sandbox jobs with bounded concurrency.
type Executor struct {
	sem           *semaphore.Weighted
	defaultBudget types.SandboxBudget
}

// DefaultBudget is applied to jobs that carry no explicit budget.
func DefaultBudget() types.SandboxBudget {
	return types.SandboxBudget{
		WallClock:   5 * time.Second,
		CPUTime:     2 * time.Second,
		MemoryBytes: 64 << 20,
	}
}

// New creates an executor allowing at most maxConcurrent simultaneous jobs.
func New(maxConcurrent int64, defaultBudget types.SandboxBudget) *Executor {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if defaultBudget.WallClock == 0 {
		defaultBudget = DefaultBudget()
	}
	return &Executor{
		sem:           semaphore.NewWeighted(maxConcurrent),
		defaultBudget: defaultBudget,
	}
}

// Run executes one job to completion or typed failure. The program must
// define func Transform(input string) (string, error); the job's bindings
// are JSON-encoded and passed as input. Cancellation of ctx kills the job.
func (e *Executor) Run(ctx context.Context, job *types.SandboxJob) (*types.SandboxResult, error) {
	timer := logging.StartTimer(logging.CategorySandbox, "Run")
	defer timer.Stop()

	if job == nil || job.Program == "" {
		return nil, fmt.Errorf("%w: job requires a program", types.ErrInvalidInput)
	}

	budget := job.Budget
	if budget.WallClock == 0 {
		budget = e.defaultBudget
	}

	// Reject unsafe programs before interpretation.
	if err := ValidateProgram(job.Program); err != nil {
		logging.Audit().Event(logging.AuditSandboxBlocked, "", job.ID, false, err.Error())
		return nil, types.NewSandboxFault(job.ID, err.Error())
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSandboxTimeout, err)
	}
	defer e.sem.Release(1)

	runCtx, cancel := context.WithTimeout(ctx, budget.WallClock)
	defer cancel()

	input, err := encodeBindings(job.Bindings)
	if err != nil {
		return nil, types.NewSandboxFault(job.ID, fmt.Sprintf("bindings not encodable: %v", err))
	}

	start := time.Now()
	result, err := e.interpret(runCtx, job, input, budget)
	if err != nil {
		return nil, err
	}
	result.Duration = time.Since(start)

	logging.SandboxDebug("Job %s completed in %v", job.ID, result.Duration)
	logging.Audit().Event(logging.AuditSandboxRun, "", job.ID, true, "")
	return result, nil
}

// interpret evaluates the program in a fresh interpreter and invokes
// Transform under the watchdog.
func (e *Executor) interpret(ctx context.Context, job *types.SandboxJob, input string, budget types.SandboxBudget) (*types.SandboxResult, error) {
	var stdout, stderr bytes.Buffer

	i := interp.New(interp.Options{
		Stdout: &stdout,
		Stderr: &stderr,
	})

	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("failed to load stdlib symbols: %w", err)
	}

	program := wrapProgram(job.Program)
	if _, err := i.Eval(program); err != nil {
		return nil, types.NewSandboxFault(job.ID, fmt.Sprintf("program evaluation failed: %v", err))
	}

	transformVal, err := i.Eval("main.Transform")
	if err != nil {
		return nil, types.NewSandboxFault(job.ID, "Transform function not found")
	}

	transform, ok := transformVal.Interface().(func(string) (string, error))
	if !ok {
		return nil, types.NewSandboxFault(job.ID, "Transform has incorrect signature (expected func(string) (string, error))")
	}

	type outcome struct {
		value string
		err   error
	}
	resultChan := make(chan outcome, 1)

	// Memory watchdog: samples heap growth against the job's ceiling. The
	// interpreter cannot be pre-empted mid-expression, so a breach reports
	// ResourceExceeded and the job is abandoned.
	memExceeded := make(chan struct{})
	watchdogDone := make(chan struct{})
	go memoryWatchdog(ctx, budget.MemoryBytes, memExceeded, watchdogDone)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultChan <- outcome{err: types.NewSandboxFault(job.ID, fmt.Sprintf("program panicked: %v", r))}
			}
		}()
		value, err := transform(input)
		if err != nil {
			resultChan <- outcome{err: types.NewSandboxFault(job.ID, err.Error())}
			return
		}
		resultChan <- outcome{value: value}
	}()

	defer close(watchdogDone)

	select {
	case out := <-resultChan:
		if out.err != nil {
			logging.Audit().Event(logging.AuditSandboxFault, "", job.ID, false, out.err.Error())
			return nil, out.err
		}
		return &types.SandboxResult{
			Value:  out.value,
			Stdout: stdout.String(),
			Stderr: stderr.String(),
		}, nil
	case <-memExceeded:
		logging.Get(logging.CategorySandbox).Warn("Job %s breached memory ceiling (%d bytes)", job.ID, budget.MemoryBytes)
		return nil, fmt.Errorf("%w: job %s exceeded %d bytes", types.ErrSandboxResourceExceeded, job.ID, budget.MemoryBytes)
	case <-ctx.Done():
		if ctx.Err() == context.Canceled {
			return nil, ctx.Err()
		}
		logging.Get(logging.CategorySandbox).Warn("Job %s hit wall-clock budget %v", job.ID, budget.WallClock)
		return nil, fmt.Errorf("%w: job %s exceeded %v", types.ErrSandboxTimeout, job.ID, budget.WallClock)
	}
}

// memoryWatchdog signals memExceeded if heap usage grows past the ceiling
// while the job runs.
func memoryWatchdog(ctx context.Context, ceiling int64, memExceeded chan<- struct{}, done <-chan struct{}) {
	if ceiling <= 0 {
		return
	}

	var baseline runtime.MemStats
	runtime.ReadMemStats(&baseline)

	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			var now runtime.MemStats
			runtime.ReadMemStats(&now)
			if now.HeapAlloc > baseline.HeapAlloc && int64(now.HeapAlloc-baseline.HeapAlloc) > ceiling {
				select {
				case memExceeded <- struct{}{}:
				default:
				}
				return
			}
		}
	}
}

// encodeBindings serializes job bindings to the single string input the
// program receives. A lone "value" binding passes through raw so simple
// scalar transforms need no JSON handling.
func encodeBindings(bindings map[string]string) (string, error) {
	if len(bindings) == 1 {
		if v, ok := bindings["value"]; ok {
			return v, nil
		}
	}
	data, err := json.Marshal(bindings)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
