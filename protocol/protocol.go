package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Sentinel is the literal prefix of the one stdout line carrying the
// structured result payload. It is chosen to be vanishingly unlikely to
// collide with ordinary program output.
const Sentinel = "__RUNBOX_RESULT__"

// Reserved names recognized by the wrapper: an entry function that is called
// (and awaited when it returns a coroutine), and a variable holding the final
// value when no entry function is defined.
const (
	EntryFunction  = "main"
	ResultVariable = "_result"
)

// Error classification tokens attached to failed results. Exception class
// names reported by the executed program (e.g. "ValueError") pass through
// unchanged; these cover failures the program never got to report itself.
const (
	ErrorTypeTimeout = "TimeoutError"
	ErrorTypeCommand = "CommandError"
	ErrorTypeLaunch  = "LaunchError"
	ErrorTypeDecode  = "ResultDecodeError"
)

// ExecutionResult is the structured outcome of one execution, identical in
// shape for every backend. A failed result always carries a non-empty Error
// and ErrorType and a null Result.
type ExecutionResult struct {
	Result    Value
	Success   bool
	Duration  time.Duration
	Error     string
	ErrorType string
	Stdout    string
	Stderr    string
	ExitCode  *int
}

// MarshalJSON renders the result with duration in seconds, matching the wire
// shape backends and tool callers exchange.
func (r ExecutionResult) MarshalJSON() ([]byte, error) {
	type wire struct {
		Result    Value   `json:"result"`
		Success   bool    `json:"success"`
		Duration  float64 `json:"duration"`
		Error     *string `json:"error"`
		ErrorType *string `json:"error_type"`
		Stdout    string  `json:"stdout"`
		Stderr    string  `json:"stderr"`
		ExitCode  *int    `json:"exit_code"`
	}
	w := wire{
		Result:   r.Result,
		Success:  r.Success,
		Duration: r.Duration.Seconds(),
		Stdout:   r.Stdout,
		Stderr:   r.Stderr,
		ExitCode: r.ExitCode,
	}
	if r.Error != "" {
		w.Error = &r.Error
	}
	if r.ErrorType != "" {
		w.ErrorType = &r.ErrorType
	}
	return json.Marshal(w)
}

// payload is the JSON object carried on the sentinel line.
type payload struct {
	Result    Value   `json:"result"`
	Success   bool    `json:"success"`
	Error     *string `json:"error"`
	ErrorType *string `json:"error_type"`
}

const wrapperTemplate = `import asyncio
import inspect
import json
import sys

__runbox_code = %s

def __runbox_default(obj):
    return {"%s": type(obj).__name__}

def __runbox_emit(result):
    sys.stdout.flush()
    sys.stderr.flush()
    try:
        payload = json.dumps(result, default=__runbox_default, allow_nan=False)
    except ValueError:
        result["result"] = {"%s": type(result["result"]).__name__}
        payload = json.dumps(result, default=__runbox_default, allow_nan=False)
    sys.stdout.write("%s" + payload + "\n")
    sys.stdout.flush()

def __runbox_run():
    namespace = {"__name__": "__main__"}
    exec(compile(__runbox_code, "<runbox>", "exec"), namespace)
    value = None
    entry = namespace.get("%s")
    if callable(entry):
        value = entry()
        if inspect.iscoroutine(value):
            value = asyncio.run(value)
    elif "%s" in namespace:
        value = namespace["%s"]
    return value

try:
    __runbox_value = __runbox_run()
except BaseException as exc:
    __runbox_emit({"result": None, "success": False, "error": str(exc), "error_type": type(exc).__name__})
    sys.exit(1)
else:
    __runbox_emit({"result": __runbox_value, "success": True, "error": None, "error_type": None})
`

// Wrap turns user code into a standalone program that runs it, captures the
// outcome via the reserved entry function or result variable, and emits the
// sentinel payload as its last stdout line. A raised exception produces a
// failure payload and exit code 1. Values that cannot be carried as strict
// JSON, non-finite floats included, degrade to the opaque type marker rather
// than a malformed payload.
func Wrap(code string) string {
	encoded, err := json.Marshal(code)
	if err != nil {
		// strings always marshal; kept for completeness
		encoded = []byte(`""`)
	}
	return fmt.Sprintf(wrapperTemplate,
		string(encoded), opaqueKey, opaqueKey, Sentinel, EntryFunction, ResultVariable, ResultVariable)
}

const driverTemplate = `import asyncio
import inspect
import json
import sys

__runbox_namespace = {"__name__": "__main__"}

def __runbox_default(obj):
    return {"%s": type(obj).__name__}

def __runbox_emit(result):
    sys.stdout.flush()
    sys.stderr.flush()
    try:
        payload = json.dumps(result, default=__runbox_default, allow_nan=False)
    except ValueError:
        result["result"] = {"%s": type(result["result"]).__name__}
        payload = json.dumps(result, default=__runbox_default, allow_nan=False)
    sys.stdout.write("%s" + payload + "\n")
    sys.stdout.flush()

for __runbox_line in sys.stdin:
    __runbox_line = __runbox_line.strip()
    if not __runbox_line:
        continue
    try:
        __runbox_req = json.loads(__runbox_line)
        exec(compile(__runbox_req["code"], "<runbox>", "exec"), __runbox_namespace)
        __runbox_value = None
        __runbox_entry = __runbox_namespace.pop("%s", None)
        if callable(__runbox_entry):
            __runbox_value = __runbox_entry()
            if inspect.iscoroutine(__runbox_value):
                __runbox_value = asyncio.run(__runbox_value)
        elif "%s" in __runbox_namespace:
            __runbox_value = __runbox_namespace.pop("%s")
        __runbox_emit({"result": __runbox_value, "success": True, "error": None, "error_type": None})
    except BaseException as exc:
        __runbox_emit({"result": None, "success": False, "error": str(exc), "error_type": type(exc).__name__})
`

// Driver returns the program for the long-lived shared interpreter used by
// non-isolated execution. It reads one EncodeRequest line per call from
// stdin, executes the code in a namespace that persists across calls, and
// emits the same sentinel payload the wrapper would. The entry function and
// result variable are removed from the namespace after each capture so a
// later call cannot re-trigger a stale entry point; all other state persists
// across calls.
func Driver() string {
	return fmt.Sprintf(driverTemplate,
		opaqueKey, opaqueKey, Sentinel, EntryFunction, ResultVariable, ResultVariable)
}

// EncodeRequest encodes one driver request as a single line, newline
// terminated, safe to write to the interpreter's stdin.
func EncodeRequest(code string) ([]byte, error) {
	data, err := json.Marshal(map[string]string{"code": code})
	if err != nil {
		return nil, fmt.Errorf("encode driver request: %w", err)
	}
	return append(data, '\n'), nil
}

// Decode turns captured output into an ExecutionResult. It is a total
// function: malformed payloads, missing sentinel lines and unclassifiable
// failures all degrade to a best-effort result, never an error.
//
// When the sentinel line is found, the payload supplies result, success and
// error fields, and the line itself is stripped from the returned stdout.
// Without a sentinel line, exit code zero means success with a null result;
// anything else is classified from a recognizable exception trace in stderr,
// falling back to the generic command-failure token.
func Decode(stdout, stderr string, exitCode int) ExecutionResult {
	code := exitCode
	res := ExecutionResult{
		Result:   Null(),
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: &code,
	}

	if line, remainder, found := ExtractSentinel(stdout); found {
		res.Stdout = remainder
		var p payload
		if err := json.Unmarshal([]byte(line), &p); err != nil {
			res.Success = false
			res.ErrorType = ErrorTypeDecode
			res.Error = fmt.Sprintf("malformed result payload: %s%s", Sentinel, line)
			return res
		}
		res.Result = p.Result
		res.Success = p.Success
		if p.Error != nil {
			res.Error = *p.Error
		}
		if p.ErrorType != nil {
			res.ErrorType = *p.ErrorType
		}
		if !res.Success {
			res.Result = Null()
			if res.Error == "" {
				res.Error = "execution failed"
			}
			if res.ErrorType == "" {
				res.ErrorType = ErrorTypeCommand
			}
		}
		return res
	}

	if exitCode == 0 {
		res.Success = true
		return res
	}

	res.Success = false
	res.ErrorType = ClassifyStderr(stderr)
	res.Error = failureMessage(stderr, exitCode)
	return res
}

// exceptionLine matches the terminating line of a standard exception trace,
// e.g. "ValueError: boom" or "KeyboardInterrupt".
var exceptionLine = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*)*(?:Error|Exception|Exit|Interrupt))(?::\s?.*)?$`)

// ClassifyStderr returns the exception class name from the last recognizable
// trace line in stderr, or the generic command-failure token.
func ClassifyStderr(stderr string) string {
	lines := strings.Split(stderr, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if m := exceptionLine.FindStringSubmatch(strings.TrimSpace(lines[i])); m != nil {
			return m[1]
		}
	}
	return ErrorTypeCommand
}

func failureMessage(stderr string, exitCode int) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return fmt.Sprintf("command exited with code %d", exitCode)
}

// ExtractSentinel finds the last sentinel-tagged line in stdout. It returns
// the raw JSON payload, the stdout text with the sentinel line removed, and
// whether a sentinel line was present.
func ExtractSentinel(stdout string) (payloadJSON, remainder string, found bool) {
	lines := strings.Split(stdout, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.HasPrefix(lines[i], Sentinel) {
			payloadJSON = lines[i][len(Sentinel):]
			rest := append(append([]string(nil), lines[:i]...), lines[i+1:]...)
			return payloadJSON, strings.Join(rest, "\n"), true
		}
	}
	return "", stdout, false
}
