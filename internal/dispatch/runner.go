package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Result is what a Runner reports for a finished command.
type Result struct {
	Success bool   `json:"success"`
	Stdout  string `json:"stdout"`
	Stderr  string `json:"stderr"`
	Code    int    `json:"code"`
}

// Runner executes a specialized command string. A non-zero exit is a Result
// with Success false, not an error; errors mean the command never ran.
type Runner interface {
	Run(ctx context.Context, command string) (*Result, error)
}

// ShellRunner runs commands through "sh -c".
type ShellRunner struct {
	Dir string
	Env []string
}

func (r *ShellRunner) Run(ctx context.Context, command string) (*Result, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("empty command")
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(), r.Env...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &Result{
		Stdout: strings.TrimSpace(stdout.String()),
		Stderr: strings.TrimSpace(stderr.String()),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.Success = true
	case errors.As(err, &exitErr):
		res.Code = exitErr.ExitCode()
	default:
		return nil, fmt.Errorf("start %q: %w", command, err)
	}
	return res, nil
}
