package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrProcessNotFound is returned by every lookup on an unknown or released
// process id.
var ErrProcessNotFound = errors.New("process not found")

// KilledExitCode is the conventional exit code recorded for a process
// terminated through KillProcess (SIGINT).
const KilledExitCode = 130

// killGracePeriod is how long KillProcess waits after the interrupt signal
// before escalating to SIGKILL.
const killGracePeriod = 2 * time.Second

// pumpChunkSize is the read buffer size of each stream pump.
const pumpChunkSize = 4096

// StartOptions configures a process launch.
type StartOptions struct {
	Args []string
	Cwd  string
	// Env entries in KEY=VALUE form, appended to the parent environment.
	Env []string
	// Stdin, when set, is connected to the child's standard input.
	Stdin io.Reader
	// CombineOutput funnels stderr into the stdout buffer and stream,
	// for callers that want a single diagnostic stream.
	CombineOutput bool
	// Sink, when set, receives the process's event feed.
	Sink EventSink
}

// Output is a point-in-time snapshot of a process's buffered output.
// ExitCode is set once the process is terminal.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode *int
}

// Info describes a registered process handle.
type Info struct {
	ProcessID string
	Command   string
	Args      []string
	Cwd       string
	CreatedAt time.Time
	IsRunning bool
	ExitCode  *int
}

// proc is one registered handle. The running→terminal transition happens
// exactly once, inside the supervisor, under mu.
type proc struct {
	id        string
	command   string
	args      []string
	cwd       string
	createdAt time.Time
	cmd       *exec.Cmd
	sink      EventSink

	mu       sync.Mutex
	stdout   bytes.Buffer
	stderr   bytes.Buffer
	running  bool
	killed   bool
	exitCode int
	done     chan struct{}
}

// Manager is the process registry. One Manager instance is owned by one
// execution environment and shared with its collaborators by reference;
// callers operating on different process ids never interfere.
type Manager struct {
	logger *zap.Logger

	mu    sync.RWMutex
	procs map[string]*proc
}

// NewManager returns an empty registry.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		logger: logger,
		procs:  make(map[string]*proc),
	}
}

// StartProcess launches command asynchronously and registers a running
// handle. It returns once the OS confirms the launch, not once the process
// finishes. A spawn failure returns an error and registers nothing.
func (m *Manager) StartProcess(ctx context.Context, command string, opts StartOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	cmd := exec.Command(command, opts.Args...)
	if opts.Cwd != "" {
		cmd.Dir = opts.Cwd
	}
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	if opts.Stdin != nil {
		cmd.Stdin = opts.Stdin
	}

	var stdoutR, stderrR io.ReadCloser
	var parentWrite *os.File
	if opts.CombineOutput {
		pr, pw, err := os.Pipe()
		if err != nil {
			return "", fmt.Errorf("create output pipe: %w", err)
		}
		cmd.Stdout = pw
		cmd.Stderr = pw
		stdoutR = pr
		parentWrite = pw
	} else {
		var err error
		stdoutR, err = cmd.StdoutPipe()
		if err != nil {
			return "", fmt.Errorf("create stdout pipe: %w", err)
		}
		stderrR, err = cmd.StderrPipe()
		if err != nil {
			return "", fmt.Errorf("create stderr pipe: %w", err)
		}
	}

	if err := cmd.Start(); err != nil {
		if parentWrite != nil {
			parentWrite.Close()
			stdoutR.Close()
		}
		return "", fmt.Errorf("start %s: %w", command, err)
	}
	if parentWrite != nil {
		// The child holds its own copy of the write end; the parent's copy
		// must close or the pump never sees EOF.
		parentWrite.Close()
	}

	p := &proc{
		id:        uuid.NewString(),
		command:   command,
		args:      append([]string(nil), opts.Args...),
		cwd:       opts.Cwd,
		createdAt: time.Now(),
		cmd:       cmd,
		sink:      opts.Sink,
		running:   true,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.procs[p.id] = p
	m.mu.Unlock()

	if p.sink != nil {
		p.sink(ProcessStartedEvent{Command: command})
	}

	m.logger.Debug("process started",
		zap.String("process_id", p.id),
		zap.String("command", command),
		zap.Int("pid", cmd.Process.Pid))

	go m.supervise(p, stdoutR, stderrR)

	return p.id, nil
}

// supervise pumps both output streams until EOF, then records the one
// terminal transition and emits the completion event. Completion is emitted
// strictly after every chunk produced before process death was delivered.
func (m *Manager) supervise(p *proc, stdoutR, stderrR io.Reader) {
	g := new(errgroup.Group)
	g.Go(func() error {
		return p.pump(StreamStdout, stdoutR, &p.stdout)
	})
	if stderrR != nil {
		g.Go(func() error {
			return p.pump(StreamStderr, stderrR, &p.stderr)
		})
	}
	pumpErr := g.Wait()

	waitErr := p.cmd.Wait()
	code := exitStatus(waitErr)

	p.mu.Lock()
	if p.killed {
		code = KilledExitCode
	}
	p.running = false
	p.exitCode = code
	close(p.done)
	p.mu.Unlock()

	if p.sink != nil {
		p.sink(ProcessCompletedEvent{ExitCode: code})
	}

	m.logger.Debug("process completed",
		zap.String("process_id", p.id),
		zap.Int("exit_code", code),
		zap.NamedError("pump_error", pumpErr))
}

// pump copies one stream into the registry buffer and the event sink, one
// chunk at a time, so neither stream can starve the other.
func (p *proc) pump(stream string, r io.Reader, buf *bytes.Buffer) error {
	chunk := make([]byte, pumpChunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			data := string(chunk[:n])
			p.mu.Lock()
			buf.WriteString(data)
			p.mu.Unlock()
			if p.sink != nil {
				p.sink(OutputEvent{Stream: stream, Data: data})
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read %s: %w", stream, err)
		}
	}
}

func (m *Manager) lookup(id string) (*proc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.procs[id]
	if !ok {
		return nil, fmt.Errorf("process %s: %w", id, ErrProcessNotFound)
	}
	return p, nil
}

// GetOutput returns a snapshot of the accumulated output. It never blocks
// waiting for more data and is valid both while running and after exit.
func (m *Manager) GetOutput(id string) (Output, error) {
	p, err := m.lookup(id)
	if err != nil {
		return Output{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := Output{
		Stdout: p.stdout.String(),
		Stderr: p.stderr.String(),
	}
	if !p.running {
		code := p.exitCode
		out.ExitCode = &code
	}
	return out, nil
}

// GetProcessInfo returns the handle's descriptive state.
func (m *Manager) GetProcessInfo(id string) (Info, error) {
	p, err := m.lookup(id)
	if err != nil {
		return Info{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	info := Info{
		ProcessID: p.id,
		Command:   p.command,
		Args:      append([]string(nil), p.args...),
		Cwd:       p.cwd,
		CreatedAt: p.createdAt,
		IsRunning: p.running,
	}
	if !p.running {
		code := p.exitCode
		info.ExitCode = &code
	}
	return info, nil
}

// WaitForExit suspends until the process leaves the running state and
// returns its exit code. There is no inactivity timeout: a process silent
// for an arbitrary duration stays valid, and only the caller's context can
// abort the wait.
func (m *Manager) WaitForExit(ctx context.Context, id string) (int, error) {
	p, err := m.lookup(id)
	if err != nil {
		return 0, err
	}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-p.done:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, nil
}

// KillProcess interrupts a running process, escalating to SIGKILL after a
// grace period, and records the conventional interrupted exit code once the
// process terminates. Killing an already-terminal process is a no-op and
// leaves its recorded exit code unchanged.
func (m *Manager) KillProcess(id string) error {
	p, err := m.lookup(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.killed = true
	p.mu.Unlock()

	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		// Already reaped between the state check and the signal; the
		// supervisor settles the terminal transition.
		m.logger.Debug("interrupt signal failed", zap.String("process_id", id), zap.Error(err))
	}

	go func() {
		select {
		case <-p.done:
		case <-time.After(killGracePeriod):
			_ = p.cmd.Process.Kill()
		}
	}()

	return nil
}

// ReleaseProcess kills the process if it is still running and removes the
// handle from the registry. Every subsequent lookup of the id fails with
// ErrProcessNotFound.
func (m *Manager) ReleaseProcess(id string) error {
	p, err := m.lookup(id)
	if err != nil {
		return err
	}

	p.mu.Lock()
	running := p.running
	if running {
		p.killed = true
	}
	p.mu.Unlock()
	if running {
		_ = p.cmd.Process.Kill()
	}

	m.mu.Lock()
	delete(m.procs, id)
	m.mu.Unlock()

	m.logger.Debug("process released", zap.String("process_id", id))
	return nil
}

// ListProcesses returns the ids of all non-released handles, running or
// terminal.
func (m *Manager) ListProcesses() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.procs))
	for id := range m.procs {
		ids = append(ids, id)
	}
	return ids
}

// exitStatus maps a Wait error to the conventional exit code, including the
// 128+signal form for signal-terminated processes.
func exitStatus(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
		return exitErr.ExitCode()
	}
	return 1
}
