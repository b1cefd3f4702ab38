package indicators

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/Uri-do/Monitor-sub000/internal/domain"
)

// ExecutionResult is what one indicator execution produced. The core
// never interprets the payload beyond its size.
type ExecutionResult struct {
	Success      bool
	Duration     time.Duration
	PayloadBytes int
	Summary      string
}

// Executor runs one due indicator.
type Executor interface {
	Execute(ctx context.Context, ind domain.Indicator) (ExecutionResult, error)
}

// Executors maps indicator kinds to executors, like a handler registry.
type Executors map[string]Executor

// DefaultExecutors returns the built-in executor set.
func DefaultExecutors() Executors {
	return Executors{
		"http":  HTTPExecutor{Timeout: 30 * time.Second},
		"shell": ShellExecutor{},
		"noop":  NoopExecutor{},
	}
}

// Execute dispatches to the executor for the indicator's kind.
func (e Executors) Execute(ctx context.Context, ind domain.Indicator) (ExecutionResult, error) {
	exe, ok := e[ind.Kind]
	if !ok {
		return ExecutionResult{}, fmt.Errorf("%w: no executor for kind %q", domain.ErrInvalidArgument, ind.Kind)
	}
	start := time.Now()
	res, err := exe.Execute(ctx, ind)
	res.Duration = time.Since(start)
	res.Success = err == nil
	return res, err
}

// HTTPExecutor probes the indicator's target URL.
type HTTPExecutor struct {
	Timeout time.Duration
}

func (h HTTPExecutor) Execute(ctx context.Context, ind domain.Indicator) (ExecutionResult, error) {
	if ind.Target == "" {
		return ExecutionResult{}, fmt.Errorf("%w: http indicator needs a target URL", domain.ErrInvalidArgument)
	}
	client := &http.Client{Timeout: h.Timeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ind.Target, nil)
	if err != nil {
		return ExecutionResult{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return ExecutionResult{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ExecutionResult{}, err
	}
	if resp.StatusCode >= 400 {
		return ExecutionResult{PayloadBytes: len(body)}, fmt.Errorf("HTTP %d from %s", resp.StatusCode, ind.Target)
	}
	return ExecutionResult{PayloadBytes: len(body), Summary: resp.Status}, nil
}

// ShellExecutor runs the indicator's target as a command line.
type ShellExecutor struct{}

func (ShellExecutor) Execute(ctx context.Context, ind domain.Indicator) (ExecutionResult, error) {
	fields := strings.Fields(ind.Target)
	if len(fields) == 0 {
		return ExecutionResult{}, fmt.Errorf("%w: shell indicator needs a command", domain.ErrInvalidArgument)
	}
	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return ExecutionResult{PayloadBytes: len(out)}, fmt.Errorf("shell error: %v; out=%s", err, string(out))
	}
	return ExecutionResult{PayloadBytes: len(out)}, nil
}

// NoopExecutor succeeds instantly; the default when a deployment has no
// real executors wired yet.
type NoopExecutor struct{}

func (NoopExecutor) Execute(context.Context, domain.Indicator) (ExecutionResult, error) {
	return ExecutionResult{Summary: "noop"}, nil
}
