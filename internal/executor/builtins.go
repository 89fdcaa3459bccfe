package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/y-scope/spider-go/internal/codec"
)

// RegisterBuiltins populates reg with the native (Language == core.LanguageNative)
// functions spider-task-executor ships with out of the box. Real deployments
// register their own application functions the same way; these cover the
// arithmetic/identity tasks the reference test suite's simulated jobs exercise
// (§8's "failure propagation"/"successful pipeline" scenarios).
func RegisterBuiltins(reg *Registry) {
	reg.Register("identity", identityFn)
	reg.Register("sum_ints", sumIntsFn)
	reg.Register("concat_strings", concatStringsFn)
	reg.Register("always_fail", alwaysFailFn)
	reg.Register("abort_test", abortTestFn)
}

func identityFn(ctx context.Context, inputs []codec.OutputValue) ([]codec.OutputValue, error) {
	outputs := make([]codec.OutputValue, len(inputs))
	for i, in := range inputs {
		outputs[i] = codec.OutputValue{Position: in.Position, TypeTag: in.TypeTag, Value: in.Value}
	}
	return outputs, nil
}

func sumIntsFn(ctx context.Context, inputs []codec.OutputValue) ([]codec.OutputValue, error) {
	var total int64
	for _, in := range inputs {
		n, err := strconv.ParseInt(string(in.Value), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("sum_ints: position %d: %w", in.Position, err)
		}
		total += n
	}
	return []codec.OutputValue{{Position: 0, TypeTag: "int", Value: []byte(strconv.FormatInt(total, 10))}}, nil
}

func concatStringsFn(ctx context.Context, inputs []codec.OutputValue) ([]codec.OutputValue, error) {
	var buf bytes.Buffer
	for _, in := range inputs {
		buf.Write(in.Value)
	}
	return []codec.OutputValue{{Position: 0, TypeTag: "string", Value: buf.Bytes()}}, nil
}

// alwaysFailFn exists to exercise §4.1's retry-then-terminate path and §8's
// "get_job_message returns (function_name, 'Simulated error')" scenario.
func alwaysFailFn(ctx context.Context, inputs []codec.OutputValue) ([]codec.OutputValue, error) {
	return nil, fmt.Errorf("Simulated error")
}

// abortTestFn exercises §8's "Cancellation from task" scenario: the job
// ends Cancelled and get_job_message yields ("abort_test", "Abort test").
func abortTestFn(ctx context.Context, inputs []codec.OutputValue) ([]codec.OutputValue, error) {
	return nil, Abort("Abort test")
}

// PythonBridge dispatches Language == core.LanguagePython tasks to a
// standalone python3 interpreter, grounded on swarmguard's PythonPlugin
// (services/orchestrator/plugins.go): spider-go's child executor has no
// embedded interpreter, so a python task's body lives in
// <scriptsDir>/<function_name>.py and is handed its inputs as a JSON array on
// stdin, returning its outputs as a JSON array of {position,type_tag,value}
// objects on stdout. Unlike PythonPlugin's inline-script-plus-context-var
// approach, spider-go keeps scripts as ordinary files and passes data only
// over stdio so a script has no implicit access to the worker's environment
// beyond what it's given.
type PythonBridge struct {
	PythonPath string
	ScriptsDir string
}

// NewPythonBridge builds a PythonBridge invoking pythonPath on scripts found
// under scriptsDir.
func NewPythonBridge(pythonPath, scriptsDir string) *PythonBridge {
	return &PythonBridge{PythonPath: pythonPath, ScriptsDir: scriptsDir}
}

// jsonValue is the stdin/stdout wire shape a python script body reads/writes;
// Value stays a string since task payloads already cross spider-go's own
// pipe protocol as opaque bytes (§6.3's type_tag is informational only, not
// interpreted by the bridge).
type jsonValue struct {
	Position int    `json:"position"`
	TypeTag  string `json:"type_tag"`
	Value    string `json:"value"`
}

// Invoke runs functionName's python script with inputs piped in as JSON and
// decodes its JSON stdout as the task's outputs.
func (b *PythonBridge) Invoke(ctx context.Context, functionName string, inputs []codec.OutputValue) ([]codec.OutputValue, error) {
	scriptPath := filepath.Join(b.ScriptsDir, functionName+".py")

	in := make([]jsonValue, len(inputs))
	for i, v := range inputs {
		in[i] = jsonValue{Position: v.Position, TypeTag: v.TypeTag, Value: string(v.Value)}
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("python bridge: marshal inputs: %w", err)
	}

	cmd := exec.CommandContext(ctx, b.PythonPath, scriptPath)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("python bridge: %s: %w (stderr: %s)", functionName, err, stderr.String())
	}

	var out []jsonValue
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("python bridge: decode %s output: %w", functionName, err)
	}

	outputs := make([]codec.OutputValue, len(out))
	for i, v := range out {
		outputs[i] = codec.OutputValue{Position: v.Position, TypeTag: v.TypeTag, Value: []byte(v.Value)}
	}
	return outputs, nil
}

// AsFunction adapts the bridge to the Registry's Function signature for a
// single python function name, so each python script gets its own registry
// entry the same way a native function would.
func (b *PythonBridge) AsFunction(functionName string) Function {
	return func(ctx context.Context, inputs []codec.OutputValue) ([]codec.OutputValue, error) {
		return b.Invoke(ctx, functionName, inputs)
	}
}
