package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/isdmx/runbox/process"
	"github.com/isdmx/runbox/protocol"
)

// settleTimeout bounds how long a timed-out call waits for the killed
// process to reach its terminal state before snapshotting output.
const settleTimeout = 5 * time.Second

// eventFeedBuffer is the capacity of the event channels handed to stream
// consumers.
const eventFeedBuffer = 256

// lineBuffer is the capacity of a Stream's line channel.
const lineBuffer = 64

// shellMeta lists the characters that force a command through the shell.
// Plain argv commands exec directly so a missing executable surfaces as a
// launch failure rather than the shell's exit 127.
const shellMeta = "|&;<>()$`\\\"'*?[]#~{}\n"

// runSpec describes one supervised process run.
type runSpec struct {
	command string
	opts    process.StartOptions
	timeout time.Duration
}

// splitCommand turns a command string into an executable and argv, routing
// through "sh -c" only when shell syntax is present.
func splitCommand(command string) (string, []string) {
	if strings.ContainsAny(command, shellMeta) {
		return "sh", []string{"-c", command}
	}
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return command, nil
	}
	return fields[0], fields[1:]
}

// launchFailure is the result for a process the OS could not spawn.
func launchFailure(err error) protocol.ExecutionResult {
	return protocol.ExecutionResult{
		Result:    protocol.Null(),
		Success:   false,
		Error:     err.Error(),
		ErrorType: protocol.ErrorTypeLaunch,
	}
}

// timeoutFailure is the result for a call that outlived its deadline.
func timeoutFailure(timeout time.Duration, out process.Output) protocol.ExecutionResult {
	return protocol.ExecutionResult{
		Result:    protocol.Null(),
		Success:   false,
		Error:     fmt.Sprintf("execution timed out after %s", timeout),
		ErrorType: protocol.ErrorTypeTimeout,
		Stdout:    out.Stdout,
		Stderr:    out.Stderr,
	}
}

// commandResult decodes a command run without the result protocol: exit zero
// succeeds with the captured stdout text as the result value.
func commandResult(out process.Output, exitCode int) protocol.ExecutionResult {
	code := exitCode
	if exitCode == 0 {
		return protocol.ExecutionResult{
			Result:   protocol.String(out.Stdout),
			Success:  true,
			Stdout:   out.Stdout,
			Stderr:   out.Stderr,
			ExitCode: &code,
		}
	}
	errMsg := lastNonEmptyLine(out.Stderr)
	if errMsg == "" {
		errMsg = fmt.Sprintf("command exited with code %d", exitCode)
	}
	return protocol.ExecutionResult{
		Result:    protocol.Null(),
		Success:   false,
		Error:     errMsg,
		ErrorType: protocol.ErrorTypeCommand,
		Stdout:    out.Stdout,
		Stderr:    out.Stderr,
		ExitCode:  &code,
	}
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

// runSupervised starts a process through the registry, waits for its
// terminal state under the spec's timeout, and decodes the output snapshot.
// On timeout the process is killed and the call resolves as a TimeoutError
// failure. The handle is always released before returning.
func runSupervised(ctx context.Context, mgr ProcessManager, spec runSpec, decode func(process.Output, int) protocol.ExecutionResult) protocol.ExecutionResult {
	id, err := mgr.StartProcess(ctx, spec.command, spec.opts)
	if err != nil {
		return launchFailure(err)
	}
	defer mgr.ReleaseProcess(id)

	waitCtx := ctx
	if spec.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, spec.timeout)
		defer cancel()
	}

	exitCode, err := mgr.WaitForExit(waitCtx, id)
	if err != nil {
		_ = mgr.KillProcess(id)
		settleCtx, cancel := context.WithTimeout(context.Background(), settleTimeout)
		defer cancel()
		_, _ = mgr.WaitForExit(settleCtx, id)
		out, _ := mgr.GetOutput(id)
		return timeoutFailure(spec.timeout, out)
	}

	out, err := mgr.GetOutput(id)
	if err != nil {
		return launchFailure(err)
	}
	return decode(out, exitCode)
}

// channelSink returns an EventSink feeding ch, closing it after the
// completion event. The completion event is emitted once, after both pumps
// finish, so the close is race-free.
func channelSink(ch chan process.Event) process.EventSink {
	return func(ev process.Event) {
		ch <- ev
		if _, ok := ev.(process.ProcessCompletedEvent); ok {
			close(ch)
		}
	}
}

// streamEvents starts a process and returns its raw event feed. A supervisor
// goroutine enforces the timeout and releases the handle once the process is
// terminal. The caller must drain the channel.
func streamEvents(ctx context.Context, mgr ProcessManager, spec runSpec, cleanup func()) (<-chan process.Event, error) {
	events := make(chan process.Event, eventFeedBuffer)
	spec.opts.Sink = channelSink(events)

	id, err := mgr.StartProcess(ctx, spec.command, spec.opts)
	if err != nil {
		if cleanup != nil {
			cleanup()
		}
		return nil, err
	}

	go func() {
		if cleanup != nil {
			defer cleanup()
		}
		waitCtx := ctx
		if spec.timeout > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, spec.timeout)
			defer cancel()
		}
		if _, err := mgr.WaitForExit(waitCtx, id); err != nil {
			_ = mgr.KillProcess(id)
			settleCtx, cancel := context.WithTimeout(context.Background(), settleTimeout)
			defer cancel()
			_, _ = mgr.WaitForExit(settleCtx, id)
		}
		_ = mgr.ReleaseProcess(id)
	}()

	return events, nil
}

// streamSupervised starts a process and returns a line Stream assembled from
// its live output events. Sentinel lines are never yielded. When the process
// completes, trailer may append one synthetic summary line derived from the
// final output snapshot. Closing the stream early kills the process.
func streamSupervised(ctx context.Context, mgr ProcessManager, spec runSpec, trailer func(process.Output, int) (string, bool), cleanup func()) (*Stream, error) {
	events := make(chan process.Event, eventFeedBuffer)
	spec.opts.Sink = channelSink(events)

	id, err := mgr.StartProcess(ctx, spec.command, spec.opts)
	if err != nil {
		if cleanup != nil {
			cleanup()
		}
		return nil, fmt.Errorf("launch %s: %w", spec.command, err)
	}

	lines := make(chan string, lineBuffer)
	stopCh := make(chan struct{})
	s := &Stream{lines: lines, stop: func() { close(stopCh) }}

	go func() {
		defer close(lines)
		defer mgr.ReleaseProcess(id)
		if cleanup != nil {
			defer cleanup()
		}

		var timeoutCh <-chan time.Time
		if spec.timeout > 0 {
			timer := time.NewTimer(spec.timeout)
			defer timer.Stop()
			timeoutCh = timer.C
		}

		emit := func(line string) bool {
			if strings.HasPrefix(line, protocol.Sentinel) {
				return true
			}
			select {
			case lines <- line:
				return true
			case <-stopCh:
				return false
			}
		}
		abort := func() {
			_ = mgr.KillProcess(id)
			// keep the sink from blocking on a feed nobody reads
			go func() {
				for range events {
				}
			}()
		}

		var split lineSplitter
		for {
			select {
			case <-stopCh:
				abort()
				return
			case <-timeoutCh:
				abort()
				return
			case <-ctx.Done():
				abort()
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				switch e := ev.(type) {
				case process.OutputEvent:
					for _, line := range split.feed(e.Data) {
						if !emit(line) {
							abort()
							return
						}
					}
				case process.ProcessCompletedEvent:
					if tail, ok := split.flush(); ok {
						if !emit(tail) {
							abort()
							return
						}
					}
					if trailer != nil {
						if out, err := mgr.GetOutput(id); err == nil {
							if line, ok := trailer(out, e.ExitCode); ok {
								select {
								case lines <- line:
								case <-stopCh:
								}
							}
						}
					}
					for range events {
					}
					return
				}
			}
		}
	}()

	return s, nil
}

// resultTrailer builds the synthetic trailing line for code streams: the
// decoded terminal value, when there is one.
func resultTrailer(out process.Output, exitCode int) (string, bool) {
	res := protocol.Decode(out.Stdout, out.Stderr, exitCode)
	if res.Success && !res.Result.IsNull() {
		return "Result: " + res.Result.String(), true
	}
	return "", false
}
