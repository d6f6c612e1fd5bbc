package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/runbox/process"
	"github.com/isdmx/runbox/protocol"
)

// defaultExecutable is the interpreter used when the config does not name
// one.
const defaultExecutable = "python3"

// codeFileName is the staged file name for isolated code runs.
const codeFileName = "main.py"

// LocalEnvironment executes code and commands in subprocesses on the host.
// With Isolated set, every call spawns a fresh wrapped process; otherwise
// code runs inside one long-lived interpreter whose namespace persists
// across calls.
type LocalEnvironment struct {
	logger  *zap.Logger
	config  *Config
	manager *process.Manager
	fs      FileSystem

	mu     sync.Mutex
	shared *sharedInterpreter
}

// LocalEnvironmentOption defines a functional option for LocalEnvironment.
type LocalEnvironmentOption func(*LocalEnvironment)

// WithLocalFileSystem sets the FileSystem for LocalEnvironment.
func WithLocalFileSystem(fs FileSystem) LocalEnvironmentOption {
	return func(l *LocalEnvironment) {
		l.fs = fs
	}
}

// WithLocalProcessManager sets the process registry for LocalEnvironment.
func WithLocalProcessManager(m *process.Manager) LocalEnvironmentOption {
	return func(l *LocalEnvironment) {
		l.manager = m
	}
}

// NewLocalEnvironment creates a LocalEnvironment with default collaborators
// and optional overrides.
func NewLocalEnvironment(logger *zap.Logger, config *Config, opts ...LocalEnvironmentOption) *LocalEnvironment {
	env := &LocalEnvironment{
		logger: logger,
		config: config,
		fs:     OSFileSystem{},
	}
	for _, opt := range opts {
		opt(env)
	}
	if env.manager == nil {
		env.manager = process.NewManager(logger)
	}
	return env
}

func (l *LocalEnvironment) executable() string {
	if l.config.Executable != "" {
		return l.config.Executable
	}
	return defaultExecutable
}

// Open verifies the configured interpreter is resolvable.
func (l *LocalEnvironment) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := exec.LookPath(l.executable()); err != nil {
		return fmt.Errorf("interpreter unavailable: %w", err)
	}
	return nil
}

// Close shuts down the shared interpreter, if one is running.
func (l *LocalEnvironment) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropSharedLocked()
	return nil
}

// ProcessManager exposes the environment's process registry.
func (l *LocalEnvironment) ProcessManager() ProcessManager { return l.manager }

// Manager returns the concrete registry, for callers managing daemon-style
// processes directly.
func (l *LocalEnvironment) Manager() *process.Manager { return l.manager }

// Execute wraps code, runs it under the configured timeout and returns the
// decoded structured result.
func (l *LocalEnvironment) Execute(ctx context.Context, code string) (protocol.ExecutionResult, error) {
	start := time.Now()
	var res protocol.ExecutionResult
	var err error
	if l.config.Isolated {
		res, err = l.executeIsolated(ctx, code)
	} else {
		res, err = l.sharedRun(ctx, code, nil)
	}
	if err != nil {
		return protocol.ExecutionResult{}, err
	}
	res.Duration = time.Since(start)
	return res, nil
}

func (l *LocalEnvironment) executeIsolated(ctx context.Context, code string) (protocol.ExecutionResult, error) {
	path, cleanup, err := l.stageCode(code)
	if err != nil {
		return protocol.ExecutionResult{}, err
	}
	defer cleanup()

	res := runSupervised(ctx, l.manager, runSpec{
		command: l.executable(),
		opts:    process.StartOptions{Args: []string{path}, Cwd: l.config.Workdir},
		timeout: l.config.Timeout,
	}, func(out process.Output, exitCode int) protocol.ExecutionResult {
		return protocol.Decode(out.Stdout, out.Stderr, exitCode)
	})
	return res, nil
}

// stageCode writes the wrapped program into a fresh temp directory.
func (l *LocalEnvironment) stageCode(code string) (string, func(), error) {
	dir, err := l.fs.MkdirTemp("", "runbox-exec-*")
	if err != nil {
		return "", nil, fmt.Errorf("create temp dir: %w", err)
	}
	cleanup := func() { _ = l.fs.RemoveAll(dir) }
	path := filepath.Join(dir, codeFileName)
	if err := l.fs.WriteFile(path, []byte(protocol.Wrap(code)), FilePermission); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("write code file: %w", err)
	}
	return path, cleanup, nil
}

// ExecuteStream runs code and streams its output lines live, appending the
// decoded result summary when the run ends successfully.
func (l *LocalEnvironment) ExecuteStream(ctx context.Context, code string) (*Stream, error) {
	if !l.config.Isolated {
		return l.streamShared(ctx, code)
	}
	path, cleanup, err := l.stageCode(code)
	if err != nil {
		return nil, err
	}
	return streamSupervised(ctx, l.manager, runSpec{
		command: l.executable(),
		opts:    process.StartOptions{Args: []string{path}, Cwd: l.config.Workdir},
		timeout: l.config.Timeout,
	}, resultTrailer, cleanup)
}

// ExecuteCommand runs a shell command; no result-protocol decoding applies.
func (l *LocalEnvironment) ExecuteCommand(ctx context.Context, command string) (protocol.ExecutionResult, error) {
	start := time.Now()
	name, args := splitCommand(command)
	res := runSupervised(ctx, l.manager, runSpec{
		command: name,
		opts:    process.StartOptions{Args: args, Cwd: l.config.Workdir},
		timeout: l.config.Timeout,
	}, commandResult)
	res.Duration = time.Since(start)
	return res, nil
}

// ExecuteCommandStream runs a command and streams its raw output lines.
func (l *LocalEnvironment) ExecuteCommandStream(ctx context.Context, command string) (*Stream, error) {
	name, args := splitCommand(command)
	return streamSupervised(ctx, l.manager, runSpec{
		command: name,
		opts:    process.StartOptions{Args: args, Cwd: l.config.Workdir},
		timeout: l.config.Timeout,
	}, nil, nil)
}

// StreamCode runs code in a fresh wrapped process and returns its raw event
// feed. Event feeds are process-scoped, so this path is always isolated.
func (l *LocalEnvironment) StreamCode(ctx context.Context, code string) (<-chan process.Event, error) {
	path, cleanup, err := l.stageCode(code)
	if err != nil {
		return nil, err
	}
	return streamEvents(ctx, l.manager, runSpec{
		command: l.executable(),
		opts:    process.StartOptions{Args: []string{path}, Cwd: l.config.Workdir},
		timeout: l.config.Timeout,
	}, cleanup)
}

// StreamCommand runs a command and returns its raw event feed.
func (l *LocalEnvironment) StreamCommand(ctx context.Context, command string) (<-chan process.Event, error) {
	name, args := splitCommand(command)
	return streamEvents(ctx, l.manager, runSpec{
		command: name,
		opts:    process.StartOptions{Args: args, Cwd: l.config.Workdir},
		timeout: l.config.Timeout,
	}, nil)
}

var _ Environment = (*LocalEnvironment)(nil)
