package handler

import (
	"bytes"
	"context"
	"fmt"
	osExec "os/exec"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// ShellHandler runs a whitelisted shell command, adapted from
// ShellPlugin. DANGEROUS by nature — kept to the same command whitelist
// ShellPlugin shipped.
type ShellHandler struct {
	allowedCommands map[string]bool
	tracer          trace.Tracer
}

// NewShellHandler builds a ShellHandler restricted to a safe command set.
func NewShellHandler() *ShellHandler {
	return &ShellHandler{
		allowedCommands: map[string]bool{
			"echo": true, "cat": true, "grep": true, "awk": true,
			"sed": true, "jq": true, "curl": true, "wget": true, "python": true,
		},
		tracer: otel.Tracer("datapillar-job-handler-shell"),
	}
}

func (s *ShellHandler) HandlerType() string { return "shell" }

// Execute runs jc.Job.Params["script"] after checking its leading command
// against the whitelist.
func (s *ShellHandler) Execute(ctx context.Context, jc JobContext) (map[string]any, error) {
	ctx, span := s.tracer.Start(ctx, "shell.execute")
	defer span.End()

	script, _ := jc.Job.Params["script"].(string)
	parts := strings.Fields(script)
	if len(parts) == 0 {
		return nil, fmt.Errorf("shell handler: empty command")
	}
	if !s.allowedCommands[parts[0]] {
		return nil, fmt.Errorf("shell handler: command not allowed: %s", parts[0])
	}

	cmd := osExec.CommandContext(ctx, parts[0], parts[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("command failed: %w: %s", err, stderr.String())
	}

	return map[string]any{
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": cmd.ProcessState.ExitCode(),
	}, nil
}
