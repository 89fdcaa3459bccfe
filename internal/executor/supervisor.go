// Package executor implements the task-executor supervisor (§4.4): it
// spawns one child OS process per task instance, exchanges length-framed
// pipe messages with it, and terminates the child when the caller's
// context is done. It applies no task timeout of its own.
//
// The child-side half (§4.6, the registry a spawned process uses to look
// up and invoke the requested function) lives in registry.go and is driven
// by cmd/spider-task-executor.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/y-scope/spider-go/internal/codec"
)

// Supervisor spawns child-process task executors and speaks the pipe
// protocol to them, grounded in swarmguard's PythonPlugin/ShellPlugin
// os/exec + kill-on-cancel pattern (plugins.go), generalized from a single
// request/response call to the framed args/result/error protocol.
type Supervisor struct {
	// BinaryPath is the spider-task-executor binary invoked for every task
	// instance (one child process per instance, never reused).
	BinaryPath string
	tracer     trace.Tracer
}

// NewSupervisor constructs a Supervisor that spawns binaryPath for each
// task instance.
func NewSupervisor(binaryPath string) *Supervisor {
	return &Supervisor{BinaryPath: binaryPath, tracer: otel.GetTracerProvider().Tracer("spider/executor")}
}

// Outcome is what running one task instance produced: a set of outputs, an
// invocation error, or an abort (the function called abort(message) itself,
// which cancels the whole job rather than just this task instance).
type Outcome struct {
	Outputs []codec.OutputValue
	Err     *codec.ErrorMessage
	Abort   *codec.AbortMessage
}

// Run spawns a child process, sends it functionName/inputs, and waits for
// either a result, an error, or ctx being done — at which point it
// terminates the child and returns a Go error wrapping ctx.Err(). No
// TagCancel message is sent to the child.
func (s *Supervisor) Run(ctx context.Context, functionName string, inputs []codec.OutputValue) (Outcome, error) {
	ctx, span := s.tracer.Start(ctx, "executor.run", trace.WithAttributes(attribute.String("function", functionName)))
	defer span.End()

	cmd := exec.CommandContext(ctx, s.BinaryPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Outcome{}, fmt.Errorf("executor: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Outcome{}, fmt.Errorf("executor: stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Outcome{}, fmt.Errorf("executor: start child: %w", err)
	}

	if err := codec.WritePipe(stdin, codec.TagArgs, codec.ArgsMessage{FunctionName: functionName, Inputs: inputs}); err != nil {
		_ = cmd.Process.Kill()
		return Outcome{}, fmt.Errorf("executor: write args: %w", err)
	}

	type readResult struct {
		env codec.Envelope
		err error
	}
	resultCh := make(chan readResult, 1)
	go func() {
		env, err := codec.ReadPipe(stdout)
		resultCh <- readResult{env, err}
	}()

	select {
	case <-ctx.Done():
		s.terminate(cmd)
		<-resultCh // drain so the reader goroutine doesn't leak
		return Outcome{}, fmt.Errorf("executor: task instance timed out or was cancelled: %w", ctx.Err())

	case r := <-resultCh:
		if r.err != nil {
			s.terminate(cmd)
			// stdout closed without a framed envelope: the child exited
			// (crashed, panicked, or was killed) before reporting. Synthesize
			// the FunctionExecutionError §4.4(5) requires instead of leaking
			// a pipe-framing error up to the task.
			if cmd.ProcessState != nil && !cmd.ProcessState.Success() {
				return Outcome{Err: &codec.ErrorMessage{
					Code:    codec.InvokeFunctionExecutionError,
					Message: fmt.Sprintf("Subprocess exit with %d", cmd.ProcessState.ExitCode()),
				}}, nil
			}
			return Outcome{}, fmt.Errorf("executor: read child response: %w (stderr: %s)", r.err, stderr.String())
		}
		defer func() { _ = cmd.Wait() }()
		return s.decodeOutcome(r.env)
	}
}

func (s *Supervisor) decodeOutcome(env codec.Envelope) (Outcome, error) {
	switch env.Tag {
	case codec.TagResult:
		var msg codec.ResultMessage
		if err := codec.DecodeBody(env.Body, &msg); err != nil {
			return Outcome{}, fmt.Errorf("executor: decode result: %w", err)
		}
		return Outcome{Outputs: msg.Outputs}, nil
	case codec.TagError:
		var msg codec.ErrorMessage
		if err := codec.DecodeBody(env.Body, &msg); err != nil {
			return Outcome{}, fmt.Errorf("executor: decode error message: %w", err)
		}
		return Outcome{Err: &msg}, nil
	case codec.TagAbort:
		var msg codec.AbortMessage
		if err := codec.DecodeBody(env.Body, &msg); err != nil {
			return Outcome{}, fmt.Errorf("executor: decode abort message: %w", err)
		}
		return Outcome{Abort: &msg}, nil
	default:
		return Outcome{}, fmt.Errorf("executor: unexpected child response tag %q", env.Tag)
	}
}

// terminate sends SIGTERM, then escalates to SIGKILL after a short grace
// period if the process hasn't exited (§4.4 cancel semantics).
func (s *Supervisor) terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	done := make(chan struct{})
	go func() { _ = cmd.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		_ = cmd.Process.Kill()
	}
}
