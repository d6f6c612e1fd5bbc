// Package protocol implements the result wire protocol between the
// orchestrator and any execution backend.
//
// The protocol package wraps user code into a program that emits a single
// sentinel-tagged JSON payload on stdout, and decodes captured output back
// into a structured ExecutionResult. The sentinel line is the only structured
// channel between a backend (local subprocess, container, remote sandbox) and
// the orchestrator; everything else on stdout/stderr is ordinary user output.
//
// Usage:
//
//	program := protocol.Wrap("_result = 21 * 2")
//	// ... run program, capture stdout/stderr/exit code ...
//	result := protocol.Decode(stdout, stderr, exitCode)
//	fmt.Println(result.Result.String()) // 42
package protocol
