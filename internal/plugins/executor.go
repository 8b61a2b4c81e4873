package plugins

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/szczyglis-dev/py-gpt-sub005/internal/observability"
	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

// ExecutorConfig configures the command worker pool.
type ExecutorConfig struct {
	// MaxConcurrency limits parallel command executions.
	// Default: 4
	MaxConcurrency int `yaml:"max_concurrency"`

	// DefaultTimeout bounds one attempt of a command.
	// Default: 60s
	DefaultTimeout time.Duration `yaml:"timeout"`

	// DefaultRetries is the number of retries for retryable errors.
	// Default: 1
	DefaultRetries int `yaml:"retries"`

	// RetryBackoff is the initial backoff between retries.
	// Default: 200ms
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// MaxRetryBackoff caps the exponential backoff.
	// Default: 5s
	MaxRetryBackoff time.Duration `yaml:"max_retry_backoff"`
}

// DefaultExecutorConfig returns the default executor configuration.
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		MaxConcurrency:  4,
		DefaultTimeout:  60 * time.Second,
		DefaultRetries:  1,
		RetryBackoff:    200 * time.Millisecond,
		MaxRetryBackoff: 5 * time.Second,
	}
}

func (c *ExecutorConfig) sanitize() {
	def := DefaultExecutorConfig()
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = def.MaxConcurrency
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = def.DefaultTimeout
	}
	if c.DefaultRetries < 0 {
		c.DefaultRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = def.RetryBackoff
	}
	if c.MaxRetryBackoff <= 0 {
		c.MaxRetryBackoff = def.MaxRetryBackoff
	}
}

// Executor runs blocking plugin commands on a bounded pool with a
// per-attempt timeout, retry of retryable failures and panic recovery.
type Executor struct {
	registry *Registry
	config   *ExecutorConfig
	sem      chan struct{}
	metrics  *observability.Metrics
	tracer   *observability.Tracer

	statsMu sync.Mutex
	stats   ExecutorStats
}

// ExecutorStats is a snapshot of executor counters.
type ExecutorStats struct {
	Executions int64
	Retries    int64
	Failures   int64
	Timeouts   int64
	Panics     int64
}

// NewExecutor creates a worker pool. A nil config uses the defaults.
func NewExecutor(config *ExecutorConfig, metrics *observability.Metrics, tracer *observability.Tracer) *Executor {
	if config == nil {
		config = DefaultExecutorConfig()
	}
	config.sanitize()
	return &Executor{
		config:  config,
		sem:     make(chan struct{}, config.MaxConcurrency),
		metrics: metrics,
		tracer:  tracer,
	}
}

func (e *Executor) bind(r *Registry) {
	e.registry = r
}

// ExecuteAll runs cmds in parallel within the pool limit. Results are
// returned in the same order as cmds.
func (e *Executor) ExecuteAll(ctx context.Context, item *models.CtxItem, cmds []models.Command) []CommandResult {
	if len(cmds) == 0 {
		return nil
	}
	results := make([]CommandResult, len(cmds))
	var wg sync.WaitGroup
	for i, cmd := range cmds {
		wg.Add(1)
		go func(idx int, c models.Command) {
			defer wg.Done()
			results[idx] = e.Execute(ctx, item, c)
		}(i, cmd)
	}
	wg.Wait()
	return results
}

// Execute runs one command, waiting for a pool slot first.
func (e *Executor) Execute(ctx context.Context, item *models.CtxItem, cmd models.Command) CommandResult {
	start := time.Now()
	result := CommandResult{Cmd: cmd.Cmd}

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		result.Err = NewCommandError(cmd.Cmd, ctx.Err()).WithType(ErrorTimeout)
		result.Duration = time.Since(start)
		return result
	}

	ctx, span := e.tracer.TraceToolExecution(ctx, cmd.Cmd)
	defer span.End()

	timeout := e.config.DefaultTimeout
	maxRetries := e.config.DefaultRetries
	if registered, ok := e.registry.lookup(cmd.Cmd); ok {
		if registered.def.Timeout > 0 {
			timeout = registered.def.Timeout
		}
		if registered.def.Retries != nil && *registered.def.Retries >= 0 {
			maxRetries = *registered.def.Retries
		}
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		result.Attempts = attempt + 1
		value, err := e.executeWithTimeout(ctx, item, cmd, timeout)
		if err == nil {
			result.Value = value
			result.Duration = time.Since(start)
			e.record(cmd.Cmd, "success", result, nil)
			return result
		}
		lastErr = err

		if !IsRetryable(err) || ctx.Err() != nil || attempt >= maxRetries {
			break
		}

		sleep := e.config.RetryBackoff * time.Duration(1<<uint(attempt))
		if sleep > e.config.MaxRetryBackoff {
			sleep = e.config.MaxRetryBackoff
		}
		timer := time.NewTimer(sleep)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			lastErr = NewCommandError(cmd.Cmd, ctx.Err()).WithType(ErrorTimeout)
		}
		if ctx.Err() != nil {
			break
		}
	}

	if cmdErr, ok := AsCommandError(lastErr); ok {
		cmdErr.Attempts = result.Attempts
	}
	result.Err = lastErr
	result.Duration = time.Since(start)
	e.tracer.RecordError(span, lastErr)
	e.record(cmd.Cmd, "error", result, lastErr)
	return result
}

func (e *Executor) executeWithTimeout(ctx context.Context, item *models.CtxItem, cmd models.Command, timeout time.Duration) (any, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type execResult struct {
		value any
		err   error
	}
	resultCh := make(chan execResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				err := NewCommandError(cmd.Cmd, fmt.Errorf("panic: %v\n%s", r, debug.Stack())).
					WithType(ErrorPanic)
				resultCh <- execResult{err: err}
			}
		}()
		value, err := e.registry.Execute(execCtx, item, cmd.Cmd, cmd.Params)
		if err != nil {
			resultCh <- execResult{err: NewCommandError(cmd.Cmd, err)}
			return
		}
		resultCh <- execResult{value: value}
	}()

	select {
	case res := <-resultCh:
		return res.value, res.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, NewCommandError(cmd.Cmd, ctx.Err()).
				WithType(ErrorTimeout).
				WithMessage("context cancelled")
		}
		return nil, NewCommandError(cmd.Cmd, ErrCommandTimeout).
			WithMessage(fmt.Sprintf("execution timed out after %s", timeout))
	}
}

func (e *Executor) record(name, status string, result CommandResult, err error) {
	e.metrics.RecordToolExecution(name, status, result.Duration.Seconds())

	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.stats.Executions++
	if result.Attempts > 1 {
		e.stats.Retries += int64(result.Attempts - 1)
	}
	if err == nil {
		return
	}
	e.stats.Failures++
	if cmdErr, ok := AsCommandError(err); ok {
		switch cmdErr.Type {
		case ErrorTimeout:
			e.stats.Timeouts++
		case ErrorPanic:
			e.stats.Panics++
		}
	}
}

// Stats returns a snapshot of the executor counters.
func (e *Executor) Stats() ExecutorStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}
