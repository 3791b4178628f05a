package agentexec

import (
	"context"
	"strings"
	"testing"
)

func TestRunCommandSuccess(t *testing.T) {
	res, err := RunCommand(context.Background(), "echo hello world", 5)
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if !strings.Contains(res.Output, "hello world") {
		t.Errorf("got output %q, want it to contain %q", res.Output, "hello world")
	}
	if res.ExitCode != 0 {
		t.Errorf("got ExitCode = %v, want 0", res.ExitCode)
	}
}

func TestRunCommandUnknownExecutable(t *testing.T) {
	res, err := RunCommand(context.Background(), "definitely-not-a-real-binary --flag", 5)
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if res.ExitCode != false {
		t.Errorf("got ExitCode = %v, want false", res.ExitCode)
	}
}

func TestRunCommandEmpty(t *testing.T) {
	_, err := RunCommand(context.Background(), "   ", 5)
	if err != ErrEmptyCommand {
		t.Fatalf("got err = %v, want ErrEmptyCommand", err)
	}
}

func TestRunCommandNonZeroExit(t *testing.T) {
	res, err := RunCommand(context.Background(), "sh -c 'exit 7'", 5)
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if res.ExitCode != 7 {
		t.Errorf("got ExitCode = %v, want 7", res.ExitCode)
	}
}

func TestRunCommandTimeoutKillsProcess(t *testing.T) {
	res, err := RunCommand(context.Background(), "sleep 5", 1)
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if res.ExitCode != -1 {
		t.Errorf("got ExitCode = %v, want -1 (killed)", res.ExitCode)
	}
}

func TestRunScriptSh(t *testing.T) {
	res, err := RunScript(context.Background(), "sh", "echo from-script", 5)
	if err != nil {
		t.Fatalf("RunScript: %v", err)
	}
	if !strings.Contains(res.Output, "from-script") {
		t.Errorf("got output %q, want it to contain %q", res.Output, "from-script")
	}
}

func TestRunScriptUnsupportedType(t *testing.T) {
	_, err := RunScript(context.Background(), "basic", "PRINT 1", 5)
	if err == nil {
		t.Fatal("expected error for unsupported script type")
	}
}
