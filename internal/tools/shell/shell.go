// Package shell implements the shell execution tool. Every invocation passes
// through the approval gate: a command never runs without an operator
// decision.
package shell

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/jkaninda/idhini/internal/tools"
)

const defaultTimeout = 30 * time.Second

// Config holds shell tool settings.
type Config struct {
	DefaultTimeout time.Duration // Zero = 30s.
	WorkingDir     string        // Empty = process working directory.
}

// Tool executes shell commands.
type Tool struct {
	cfg    Config
	logger *slog.Logger
}

// NewTool creates a shell tool.
func NewTool(cfg Config, logger *slog.Logger) *Tool {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	return &Tool{cfg: cfg, logger: logger}
}

func (t *Tool) Name() string        { return "shell_exec" }
func (t *Tool) Description() string { return "Execute a shell command on the host" }

func (t *Tool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{"type": "string", "description": "The shell command to execute"},
			"timeout": map[string]any{"type": "string", "description": "Duration string (e.g. '10s', '1m'), overrides default timeout"},
		},
		"required": []string{"command"},
	}
}

// RequiresApproval is always true for shell commands.
func (t *Tool) RequiresApproval() bool { return true }

// Validate checks that required params are present and well-formed.
func (t *Tool) Validate(params map[string]any) error {
	if _, err := requireString(params, "command"); err != nil {
		return err
	}
	if timeout, ok := params["timeout"].(string); ok && timeout != "" {
		if _, err := time.ParseDuration(timeout); err != nil {
			return fmt.Errorf("invalid timeout %q: %w", timeout, err)
		}
	}
	return nil
}

// Execute runs the command via `sh -c` with a timeout.
func (t *Tool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	command, err := requireString(params, "command")
	if err != nil {
		return nil, err
	}

	timeout := t.cfg.DefaultTimeout
	if s, ok := params["timeout"].(string); ok && s != "" {
		if d, perr := time.ParseDuration(s); perr == nil {
			timeout = d
		}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = t.cfg.WorkingDir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	t.logger.Info("shell command finished",
		slog.String("command", tools.TruncateOutput(command, 120)),
		slog.Duration("elapsed", elapsed),
		slog.Bool("success", runErr == nil),
	)

	output := tools.TruncateOutput(out.String(), tools.MaxOutputBytes)
	if runErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("command timed out after %s", timeout)
		}
		return &tools.Result{
			Output:  output,
			Success: false,
			Metadata: map[string]any{
				"error":      runErr.Error(),
				"elapsed_ms": elapsed.Milliseconds(),
			},
		}, nil
	}

	return &tools.Result{
		Output:  output,
		Success: true,
		Metadata: map[string]any{
			"elapsed_ms": elapsed.Milliseconds(),
		},
	}, nil
}

func requireString(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing required parameter %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("parameter %q must be a non-empty string", key)
	}
	return s, nil
}
