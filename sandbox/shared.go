package sandbox

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/runbox/process"
	"github.com/isdmx/runbox/protocol"
)

// sharedInterpreter is the long-lived driver process backing non-isolated
// execution. Calls are serialized through callMu; the broadcaster lets each
// call watch the live event feed for its own sentinel line.
type sharedInterpreter struct {
	id    string
	stdin io.WriteCloser
	bcast *process.Broadcaster

	callMu sync.Mutex
}

// interpreter returns the running shared interpreter, starting or restarting
// it as needed.
func (l *LocalEnvironment) interpreter(ctx context.Context) (*sharedInterpreter, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.shared != nil {
		if info, err := l.manager.GetProcessInfo(l.shared.id); err == nil && info.IsRunning {
			return l.shared, nil
		}
		l.dropSharedLocked()
	}

	pr, pw := io.Pipe()
	bcast := process.NewBroadcaster()
	id, err := l.manager.StartProcess(ctx, l.executable(), process.StartOptions{
		Args:  []string{"-u", "-c", protocol.Driver()},
		Cwd:   l.config.Workdir,
		Stdin: pr,
		Sink:  bcast.Publish,
	})
	if err != nil {
		pw.Close()
		return nil, err
	}

	l.logger.Debug("shared interpreter started", zap.String("process_id", id))
	l.shared = &sharedInterpreter{id: id, stdin: pw, bcast: bcast}
	return l.shared, nil
}

// dropSharedLocked kills and forgets the shared interpreter. Callers hold
// l.mu.
func (l *LocalEnvironment) dropSharedLocked() {
	if l.shared == nil {
		return
	}
	_ = l.shared.stdin.Close()
	_ = l.manager.KillProcess(l.shared.id)
	_ = l.manager.ReleaseProcess(l.shared.id)
	l.shared = nil
}

// discardInterpreter drops si if it is still the environment's current
// interpreter. Used after a timeout or abandonment so the next call starts
// from a fresh interpreter instead of one mid-execution.
func (l *LocalEnvironment) discardInterpreter(si *sharedInterpreter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.shared == si {
		l.dropSharedLocked()
	}
}

// sentinelComplete reports whether acc contains a full sentinel line.
func sentinelComplete(acc string) bool {
	idx := strings.LastIndex(acc, protocol.Sentinel)
	return idx >= 0 && strings.IndexByte(acc[idx:], '\n') >= 0
}

// stderrSettleDelay bounds how long a call waits for trailing stderr after
// the sentinel line has arrived. stderr rides its own pipe, so a chunk
// written just before the sentinel may still be in flight.
const stderrSettleDelay = 10 * time.Millisecond

// settleStderr consumes events until no stderr has arrived for
// stderrSettleDelay, so the output snapshot taken afterwards includes any
// chunk the stderr pump had not yet flushed when the sentinel landed.
func settleStderr(events <-chan process.Event) {
	timer := time.NewTimer(stderrSettleDelay)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return
		case ev := <-events:
			e, ok := ev.(process.OutputEvent)
			if !ok || e.Stream != process.StreamStderr {
				continue
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(stderrSettleDelay)
		}
	}
}

// sharedRun dispatches one request to the shared interpreter and waits for
// its sentinel line. onLine, when set, receives each stdout line as it
// arrives (sentinel line excluded) and returns false to abandon the run,
// which discards the interpreter.
func (l *LocalEnvironment) sharedRun(ctx context.Context, code string, onLine func(string) bool) (protocol.ExecutionResult, error) {
	si, err := l.interpreter(ctx)
	if err != nil {
		return launchFailure(err), nil
	}
	si.callMu.Lock()
	defer si.callMu.Unlock()

	before, err := l.manager.GetOutput(si.id)
	if err != nil {
		l.discardInterpreter(si)
		return launchFailure(err), nil
	}

	events, cancelSub := si.bcast.Subscribe()
	defer cancelSub()

	req, err := protocol.EncodeRequest(code)
	if err != nil {
		return protocol.ExecutionResult{}, err
	}
	if _, err := si.stdin.Write(req); err != nil {
		l.discardInterpreter(si)
		return launchFailure(err), nil
	}

	var timeoutCh <-chan time.Time
	if l.config.Timeout > 0 {
		timer := time.NewTimer(l.config.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var acc strings.Builder
	var split lineSplitter
	forward := onLine
	for {
		select {
		case <-ctx.Done():
			l.discardInterpreter(si)
			return timeoutFailure(l.config.Timeout, process.Output{Stdout: acc.String()}), nil
		case <-timeoutCh:
			l.discardInterpreter(si)
			return timeoutFailure(l.config.Timeout, process.Output{Stdout: acc.String()}), nil
		case ev := <-events:
			switch e := ev.(type) {
			case process.OutputEvent:
				if e.Stream != process.StreamStdout {
					continue
				}
				acc.WriteString(e.Data)
				if forward != nil {
					for _, line := range split.feed(e.Data) {
						if strings.HasPrefix(line, protocol.Sentinel) {
							continue
						}
						if !forward(line) {
							l.discardInterpreter(si)
							return abandonedFailure(), nil
						}
					}
				}
				if sentinelComplete(acc.String()) {
					settleStderr(events)
					after, err := l.manager.GetOutput(si.id)
					if err != nil {
						// interpreter vanished between sentinel and snapshot
						return protocol.Decode(acc.String(), "", 0), nil
					}
					stdout := after.Stdout[len(before.Stdout):]
					stderr := after.Stderr[len(before.Stderr):]
					return protocol.Decode(stdout, stderr, 0), nil
				}
			case process.ProcessCompletedEvent:
				// interpreter died mid-call
				l.discardInterpreter(si)
				return protocol.Decode(acc.String(), "", e.ExitCode), nil
			}
		}
	}
}

func abandonedFailure() protocol.ExecutionResult {
	return protocol.ExecutionResult{
		Result:    protocol.Null(),
		Success:   false,
		Error:     "stream abandoned before completion",
		ErrorType: protocol.ErrorTypeCommand,
	}
}

// streamShared is ExecuteStream for the non-isolated mode: lines are
// forwarded from the shared interpreter as they arrive, with the result
// trailer appended on success.
func (l *LocalEnvironment) streamShared(ctx context.Context, code string) (*Stream, error) {
	lines := make(chan string, lineBuffer)
	stopCh := make(chan struct{})
	s := &Stream{lines: lines, stop: func() { close(stopCh) }}

	go func() {
		defer close(lines)
		onLine := func(line string) bool {
			select {
			case lines <- line:
				return true
			case <-stopCh:
				return false
			}
		}
		res, err := l.sharedRun(ctx, code, onLine)
		if err != nil {
			return
		}
		if res.Success && !res.Result.IsNull() {
			select {
			case lines <- "Result: " + res.Result.String():
			case <-stopCh:
			}
		}
	}()

	return s, nil
}
