// Package process implements the local process registry and stream
// multiplexer.
//
// The process package owns every supervised OS process: the Manager registry
// tracks handles, buffered output and terminal state, while a per-process
// supervisor pumps stdout and stderr concurrently into the registry buffers
// and an ordered event feed. A process that stays silent for an arbitrary
// time remains valid; only an explicit caller deadline can abort a wait.
//
// Usage:
//
//	mgr := process.NewManager(logger)
//	id, err := mgr.StartProcess(ctx, "sleep", process.StartOptions{Args: []string{"5"}})
//	// ...
//	exitCode, err := mgr.WaitForExit(ctx, id)
package process
