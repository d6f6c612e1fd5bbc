package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/runbox/process"
	"github.com/isdmx/runbox/protocol"
)

// MockEnvironment returns canned results keyed by the exact code or command
// string, for testing callers of the execution contract without spawning
// anything.
type MockEnvironment struct {
	logger         *zap.Logger
	codeResults    map[string]protocol.ExecutionResult
	commandResults map[string]protocol.ExecutionResult
	defaultResult  protocol.ExecutionResult
	manager        *MockManager
}

// MockEnvironmentOption defines a functional option for MockEnvironment.
type MockEnvironmentOption func(*MockEnvironment)

// WithCodeResult registers the result returned for an exact code string.
func WithCodeResult(code string, res protocol.ExecutionResult) MockEnvironmentOption {
	return func(m *MockEnvironment) {
		m.codeResults[code] = res
	}
}

// WithCommandResult registers the result returned for an exact command.
func WithCommandResult(command string, res protocol.ExecutionResult) MockEnvironmentOption {
	return func(m *MockEnvironment) {
		m.commandResults[command] = res
	}
}

// WithDefaultResult sets the result returned for unregistered code/commands.
func WithDefaultResult(res protocol.ExecutionResult) MockEnvironmentOption {
	return func(m *MockEnvironment) {
		m.defaultResult = res
	}
}

// WithProcessOutput registers canned process output on the mock manager,
// keyed by "command" or "command arg...".
func WithProcessOutput(key string, out process.Output) MockEnvironmentOption {
	return func(m *MockEnvironment) {
		m.manager.commandOutputs[key] = out
	}
}

// NewMockEnvironment creates a MockEnvironment. Without options every call
// succeeds with an empty result.
func NewMockEnvironment(logger *zap.Logger, opts ...MockEnvironmentOption) *MockEnvironment {
	env := &MockEnvironment{
		logger:         logger,
		codeResults:    make(map[string]protocol.ExecutionResult),
		commandResults: make(map[string]protocol.ExecutionResult),
		defaultResult: protocol.ExecutionResult{
			Result:  protocol.Null(),
			Success: true,
		},
		manager: NewMockManager(logger),
	}
	for _, opt := range opts {
		opt(env)
	}
	return env
}

// Open is a no-op.
func (m *MockEnvironment) Open(context.Context) error { return nil }

// Close is a no-op.
func (m *MockEnvironment) Close() error { return nil }

// ProcessManager exposes the mock registry.
func (m *MockEnvironment) ProcessManager() ProcessManager { return m.manager }

func (m *MockEnvironment) codeResult(code string) protocol.ExecutionResult {
	if res, ok := m.codeResults[code]; ok {
		return res
	}
	return m.defaultResult
}

func (m *MockEnvironment) commandResult(command string) protocol.ExecutionResult {
	if res, ok := m.commandResults[command]; ok {
		return res
	}
	return m.defaultResult
}

// Execute returns the canned result for code.
func (m *MockEnvironment) Execute(_ context.Context, code string) (protocol.ExecutionResult, error) {
	return m.codeResult(code), nil
}

// ExecuteCommand returns the canned result for command.
func (m *MockEnvironment) ExecuteCommand(_ context.Context, command string) (protocol.ExecutionResult, error) {
	return m.commandResult(command), nil
}

// ExecuteStream yields the canned result's stdout as lines, with the result
// trailer a real environment would append.
func (m *MockEnvironment) ExecuteStream(_ context.Context, code string) (*Stream, error) {
	res := m.codeResult(code)
	var lines []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	if res.Success && !res.Result.IsNull() {
		lines = append(lines, "Result: "+res.Result.String())
	}
	return staticStream(lines), nil
}

// ExecuteCommandStream yields the canned command stdout as lines.
func (m *MockEnvironment) ExecuteCommandStream(_ context.Context, command string) (*Stream, error) {
	res := m.commandResult(command)
	var lines []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	return staticStream(lines), nil
}

// StreamCode synthesizes the event feed a real code run would produce.
func (m *MockEnvironment) StreamCode(_ context.Context, code string) (<-chan process.Event, error) {
	return syntheticEvents(defaultExecutable, m.codeResult(code)), nil
}

// StreamCommand synthesizes the event feed of a command run.
func (m *MockEnvironment) StreamCommand(_ context.Context, command string) (<-chan process.Event, error) {
	return syntheticEvents(command, m.commandResult(command)), nil
}

func staticStream(lines []string) *Stream {
	ch := make(chan string, len(lines)+1)
	for _, line := range lines {
		ch <- line
	}
	close(ch)
	return &Stream{lines: ch, stop: func() {}}
}

// syntheticEvents builds Started/Output/Completed from a canned result.
// Failed results surface their stderr on the stderr stream, mirroring what a
// real process would emit.
func syntheticEvents(command string, res protocol.ExecutionResult) <-chan process.Event {
	events := make(chan process.Event, 4)
	events <- process.ProcessStartedEvent{Command: command}
	if res.Stdout != "" {
		events <- process.OutputEvent{Stream: process.StreamStdout, Data: res.Stdout}
	}
	if res.Stderr != "" {
		events <- process.OutputEvent{Stream: process.StreamStderr, Data: res.Stderr}
	}
	exitCode := 0
	if res.ExitCode != nil {
		exitCode = *res.ExitCode
	} else if !res.Success {
		exitCode = 1
	}
	events <- process.ProcessCompletedEvent{ExitCode: exitCode}
	close(events)
	return events
}

// mockProc is one registered handle of the MockManager.
type mockProc struct {
	info   process.Info
	output process.Output
}

// MockManager is a canned ProcessManager: handles are registered with
// predefined output, waits resolve immediately, and kills record the
// conventional interrupted exit code.
type MockManager struct {
	logger *zap.Logger

	mu             sync.Mutex
	next           int
	procs          map[string]*mockProc
	defaultOutput  process.Output
	commandOutputs map[string]process.Output
}

// MockManagerOption defines a functional option for MockManager.
type MockManagerOption func(*MockManager)

// WithMockDefaultOutput sets the output for unregistered commands.
func WithMockDefaultOutput(out process.Output) MockManagerOption {
	return func(m *MockManager) {
		m.defaultOutput = out
	}
}

// WithMockCommandOutput registers output keyed by "command" or
// "command arg...".
func WithMockCommandOutput(key string, out process.Output) MockManagerOption {
	return func(m *MockManager) {
		m.commandOutputs[key] = out
	}
}

// NewMockManager creates a MockManager usable standalone or through a
// MockEnvironment.
func NewMockManager(logger *zap.Logger, opts ...MockManagerOption) *MockManager {
	zero := 0
	m := &MockManager{
		logger:         logger,
		procs:          make(map[string]*mockProc),
		defaultOutput:  process.Output{ExitCode: &zero},
		commandOutputs: make(map[string]process.Output),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MockManager) cannedOutput(command string, args []string) process.Output {
	key := command
	if len(args) > 0 {
		key = command + " " + strings.Join(args, " ")
	}
	if out, ok := m.commandOutputs[key]; ok {
		return out
	}
	if out, ok := m.commandOutputs[command]; ok {
		return out
	}
	return m.defaultOutput
}

// StartProcess registers a running handle with canned output.
func (m *MockManager) StartProcess(_ context.Context, command string, opts process.StartOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	id := fmt.Sprintf("mock_%d", m.next)
	m.procs[id] = &mockProc{
		info: process.Info{
			ProcessID: id,
			Command:   command,
			Args:      append([]string(nil), opts.Args...),
			Cwd:       opts.Cwd,
			CreatedAt: time.Now(),
			IsRunning: true,
		},
		output: m.cannedOutput(command, opts.Args),
	}
	if opts.Sink != nil {
		opts.Sink(process.ProcessStartedEvent{Command: command})
	}
	return id, nil
}

func (m *MockManager) lookup(id string) (*mockProc, error) {
	p, ok := m.procs[id]
	if !ok {
		return nil, fmt.Errorf("process %s: %w", id, process.ErrProcessNotFound)
	}
	return p, nil
}

// GetOutput returns the canned output snapshot.
func (m *MockManager) GetOutput(id string) (process.Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.lookup(id)
	if err != nil {
		return process.Output{}, err
	}
	return p.output, nil
}

// GetProcessInfo returns the handle's state.
func (m *MockManager) GetProcessInfo(id string) (process.Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.lookup(id)
	if err != nil {
		return process.Info{}, err
	}
	return p.info, nil
}

// WaitForExit resolves immediately with the canned exit code and marks the
// handle terminal.
func (m *MockManager) WaitForExit(ctx context.Context, id string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.lookup(id)
	if err != nil {
		return 0, err
	}
	exitCode := 0
	if p.output.ExitCode != nil {
		exitCode = *p.output.ExitCode
	}
	p.info.IsRunning = false
	p.info.ExitCode = &exitCode
	return exitCode, nil
}

// KillProcess marks the handle terminal with the interrupted exit code.
// Killing an already-terminal handle leaves its exit code unchanged.
func (m *MockManager) KillProcess(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.lookup(id)
	if err != nil {
		return err
	}
	if !p.info.IsRunning {
		return nil
	}
	code := process.KilledExitCode
	p.info.IsRunning = false
	p.info.ExitCode = &code
	return nil
}

// ReleaseProcess removes the handle.
func (m *MockManager) ReleaseProcess(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.lookup(id); err != nil {
		return err
	}
	delete(m.procs, id)
	return nil
}

// ListProcesses returns the ids of all registered handles.
func (m *MockManager) ListProcesses() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.procs))
	for id := range m.procs {
		ids = append(ids, id)
	}
	return ids
}

var _ Environment = (*MockEnvironment)(nil)
var _ ProcessManager = (*MockManager)(nil)
