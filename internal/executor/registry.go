package executor

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/y-scope/spider-go/internal/codec"
)

// AbortError is what a task Function returns to call spec.md's abort(message)
// from within a task: unlike an ordinary returned error, it cancels the
// whole job rather than retrying or failing just this task.
type AbortError struct {
	Message string
}

func (e *AbortError) Error() string { return e.Message }

// Abort constructs the error a Function should return to abort its job,
// matching the source's abort(message) call.
func Abort(message string) error { return &AbortError{Message: message} }

// Function is a registered task body: it receives its bound positional
// inputs and returns its positional outputs, or an error (§4.6's dynamic
// dispatch via function registry, generalized from the source's global
// mutable registration table to an explicit map built at process start).
type Function func(ctx context.Context, inputs []codec.OutputValue) ([]codec.OutputValue, error)

// Registry is the child process's table of invokable functions, looked up
// by name from an incoming TagArgs message.
type Registry struct {
	functions map[string]Function
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{functions: make(map[string]Function)}
}

// Register adds fn under name. Calling Register twice for the same name
// overwrites the previous entry, matching the source's library-reload
// semantics (a worker re-registering a function after reloading its
// library should win over the stale entry).
func (r *Registry) Register(name string, fn Function) {
	r.functions[name] = fn
}

// Serve runs the child-process side of the pipe protocol (§4.6): read one
// TagArgs message from in, dispatch to the matching registered function,
// and write exactly one TagResult, TagError or TagAbort message to out (no
// message when reading the args fails). It returns
// after that single exchange, matching the one-task-per-process lifecycle
// the supervisor assumes.
func (r *Registry) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	env, err := codec.ReadPipe(in)
	if err != nil {
		return fmt.Errorf("executor: read args: %w", err)
	}
	if env.Tag != codec.TagArgs {
		return writeInvokeError(out, codec.InvokeArgumentParsingError, fmt.Sprintf("expected tag %q, got %q", codec.TagArgs, env.Tag))
	}

	var args codec.ArgsMessage
	if err := codec.DecodeBody(env.Body, &args); err != nil {
		return writeInvokeError(out, codec.InvokeArgumentParsingError, err.Error())
	}

	fn, ok := r.functions[args.FunctionName]
	if !ok {
		return writeInvokeError(out, codec.InvokeFunctionExecutionError, fmt.Sprintf("unregistered function %q", args.FunctionName))
	}

	outputs, err := fn(ctx, args.Inputs)
	if err != nil {
		var abort *AbortError
		if errors.As(err, &abort) {
			return codec.WritePipe(out, codec.TagAbort, codec.AbortMessage{Message: abort.Message})
		}
		return writeInvokeError(out, codec.InvokeFunctionExecutionError, err.Error())
	}

	return codec.WritePipe(out, codec.TagResult, codec.ResultMessage{Outputs: outputs})
}

func writeInvokeError(out io.Writer, code codec.InvokeError, message string) error {
	return codec.WritePipe(out, codec.TagError, codec.ErrorMessage{Code: code, Message: message})
}
