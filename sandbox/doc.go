// Package sandbox provides a uniform contract for executing code and shell
// commands and retrieving structured results.
//
// The sandbox package composes the result protocol, the process registry and
// the stream multiplexer into the Environment interface: run code, stream
// code, run a command, stream a command, under a configured timeout. Concrete
// environments cover local subprocess execution (with an optional shared
// long-lived interpreter), containerized execution via Docker, and a mock
// environment with canned responses for testing callers.
//
// Usage:
//
//	env, err := sandbox.NewEnvironment(logger, cfg, sandbox.BackendLocal)
//	result, err := env.Execute(ctx, "_result = 21 * 2")
//	fmt.Println(result.Result.String()) // 42
package sandbox
