package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

// DefaultTimeout bounds a command execution when the manifest does not.
const DefaultTimeout = 30 * time.Second

// interruptReason is carried through vm.Interrupt so the abort cause
// survives into the error mapping.
type interruptReason string

const (
	interruptTimeout interruptReason = "execution timed out"
	interruptBudget  interruptReason = "call_tool budget exhausted"
)

// ToolCaller dispatches call_tool invocations from command scripts into the
// aggregated catalog. Implemented by the server coordinator.
type ToolCaller interface {
	CallTool(ctx context.Context, fullName string, args map[string]interface{}) (interface{}, error)
}

// ExecOptions bounds one execution.
type ExecOptions struct {
	// Input is exposed to the script as the global input value.
	Input map[string]interface{}

	// Timeout is the wall-clock budget. Zero means DefaultTimeout.
	Timeout time.Duration

	// MaxToolCalls caps call_tool invocations; exceeding it aborts the
	// script. Zero means unlimited.
	MaxToolCalls int
}

// Execute runs a command script in a sandboxed VM. The script sees two
// globals: input (the caller's arguments) and call_tool(name, args?), which
// dispatches by full tool name and returns {ok, result} or {ok, error}.
// The value of the final expression becomes the result and must be
// JSON-serializable.
func Execute(ctx context.Context, caller ToolCaller, source string, opts ExecOptions) *Result {
	vm := goja.New()
	sandbox(vm)

	input := opts.Input
	if input == nil {
		input = map[string]interface{}{}
	}
	if err := vm.Set("input", input); err != nil {
		return failure(CodeRuntime, fmt.Sprintf("bind input: %v", err))
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The VM runs the script on a single goroutine, so a plain counter is
	// enough for the budget.
	calls := 0
	callTool := func(call goja.FunctionCall) goja.Value {
		if caller == nil {
			return errValue(vm, "NO_DISPATCH", "tool dispatch is not available")
		}
		if len(call.Arguments) < 1 {
			return errValue(vm, "INVALID_ARGS", "call_tool requires a tool name")
		}
		name := call.Arguments[0].String()

		var args map[string]interface{}
		if len(call.Arguments) >= 2 && !goja.IsUndefined(call.Arguments[1]) && !goja.IsNull(call.Arguments[1]) {
			exported, ok := call.Arguments[1].Export().(map[string]interface{})
			if !ok {
				return errValue(vm, "INVALID_ARGS", "call_tool arguments must be an object")
			}
			args = exported
		}

		if opts.MaxToolCalls > 0 && calls >= opts.MaxToolCalls {
			vm.Interrupt(interruptBudget)
			return goja.Undefined()
		}
		calls++

		result, err := caller.CallTool(execCtx, name, args)
		if err != nil {
			return errValue(vm, "UPSTREAM_ERROR", err.Error())
		}
		return vm.ToValue(map[string]interface{}{"ok": true, "result": result})
	}
	if err := vm.Set("call_tool", callTool); err != nil {
		return failure(CodeRuntime, fmt.Sprintf("bind call_tool: %v", err))
	}

	resultCh := make(chan *Result, 1)
	go func() { resultCh <- runVM(vm, source) }()

	select {
	case res := <-resultCh:
		return res
	case <-execCtx.Done():
		vm.Interrupt(interruptTimeout)
		msg := "execution timed out after " + timeout.String()
		if !errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			msg = "execution cancelled"
		}
		return failure(CodeTimeout, msg)
	}
}

func runVM(vm *goja.Runtime, source string) *Result {
	// Compile separately so syntax errors classify apart from runtime ones.
	if _, err := goja.Compile("", source, false); err != nil {
		return failure(CodeSyntax, err.Error())
	}

	value, err := vm.RunString(source)
	if err != nil {
		switch e := err.(type) {
		case *goja.InterruptedError:
			if reason, ok := e.Value().(interruptReason); ok && reason == interruptBudget {
				return failure(CodeCallBudget, string(reason))
			}
			return failure(CodeTimeout, string(interruptTimeout))
		case *goja.Exception:
			return failureWithStack(CodeRuntime, e.Error(), e.String())
		default:
			return failure(CodeRuntime, err.Error())
		}
	}

	exported := value.Export()
	if _, err := json.Marshal(exported); err != nil {
		return failure(CodeBadResult, fmt.Sprintf("result must be JSON-serializable: %v", err))
	}
	return success(exported)
}

// sandbox strips the globals that would let a script schedule work or load
// modules. Goja exposes no filesystem, network, or process access.
func sandbox(vm *goja.Runtime) {
	vm.Set("require", goja.Undefined())
	vm.Set("setTimeout", goja.Undefined())
	vm.Set("setInterval", goja.Undefined())
	vm.Set("clearTimeout", goja.Undefined())
	vm.Set("clearInterval", goja.Undefined())
}

func errValue(vm *goja.Runtime, code, message string) goja.Value {
	return vm.ToValue(map[string]interface{}{
		"ok": false,
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	})
}
