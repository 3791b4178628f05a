// Package agentexec runs the commands and scripts an Agent receives over
// the wire: split argv with shell-word rules, resolve the executable
// against PATH, run it with a deadline, and kill it if the deadline
// elapses.
//
// Script execution generalizes the same mechanism: instead of spawning the
// script path directly, an interpreter (powershell/sh/python) is invoked
// with its conventional literal-script flag (-Command, -c, -c) and the
// script source as that flag's argument — no temporary file, no shell
// quoting required since exec.Command passes argv entries directly.
package agentexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"time"

	"github.com/google/shlex"
)

// Result is the outcome of running one command or script.
type Result struct {
	Output   string
	ExitCode any // int, or false if the executable could not be resolved
}

// ErrEmptyCommand is returned when the command string has no tokens.
var ErrEmptyCommand = errors.New("agentexec: empty command")

// RunCommand splits command using shell-word rules, resolves the first
// token against PATH, and runs it with the given timeout in seconds. If the
// executable cannot be resolved, ExitCode is the literal false value the
// wire protocol reserves for that case and no process is
// spawned.
func RunCommand(ctx context.Context, command string, timeoutSeconds int) (Result, error) {
	argv, err := shlex.Split(command)
	if err != nil {
		return Result{}, fmt.Errorf("agentexec: split command: %w", err)
	}
	if len(argv) == 0 {
		return Result{}, ErrEmptyCommand
	}

	if _, err := exec.LookPath(argv[0]); err != nil {
		return Result{Output: fmt.Sprintf("%s is unknown", argv[0]), ExitCode: false}, nil
	}

	return run(ctx, argv[0], argv[1:], timeoutSeconds)
}

// RunScript runs source using the named interpreter's literal-script flag
// (protocol.ScriptSh, ScriptPowerShell, or ScriptPython), so the source
// string is the executed script rather than a path or stdin stream.
func RunScript(ctx context.Context, scriptType, source string, timeoutSeconds int) (Result, error) {
	interpreter, args, err := interpreterFor(scriptType, source)
	if err != nil {
		return Result{}, err
	}

	if _, err := exec.LookPath(interpreter); err != nil {
		return Result{Output: fmt.Sprintf("%s is unknown", interpreter), ExitCode: false}, nil
	}

	return run(ctx, interpreter, args, timeoutSeconds)
}

func interpreterFor(scriptType, source string) (string, []string, error) {
	switch scriptType {
	case "sh":
		return "sh", []string{"-c", source}, nil
	case "python":
		return "python3", []string{"-c", source}, nil
	case "powershell":
		if runtime.GOOS == "windows" {
			return "powershell.exe", []string{"-NoProfile", "-NonInteractive", "-Command", source}, nil
		}
		return "pwsh", []string{"-NoProfile", "-NonInteractive", "-Command", source}, nil
	default:
		return "", nil, fmt.Errorf("agentexec: unsupported script type %q", scriptType)
	}
}

func run(ctx context.Context, name string, args []string, timeoutSeconds int) (Result, error) {
	timeout := time.Duration(timeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return Result{
			Output:   fmt.Sprintf("command %q killed after exceeding %s timeout", name, timeout),
			ExitCode: -1,
		}, nil
	}

	output := combineOutput(stdout.String(), stderr.String())

	exitCode := 0
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		exitCode = exitErr.ExitCode()
	} else if runErr != nil {
		return Result{}, fmt.Errorf("agentexec: run %s: %w", name, runErr)
	}

	return Result{Output: output, ExitCode: exitCode}, nil
}

func combineOutput(stdout, stderr string) string {
	switch {
	case stdout != "" && stderr != "":
		return fmt.Sprintf("Output: %s, Error: %s", stdout, stderr)
	case stdout != "":
		return stdout
	case stderr != "":
		return stderr
	default:
		return "empty response"
	}
}
