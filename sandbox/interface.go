package sandbox

import (
	"context"
	"time"

	"github.com/isdmx/runbox/process"
	"github.com/isdmx/runbox/protocol"
)

// Backend names accepted by the factory.
const (
	BackendLocal  = "local"
	BackendDocker = "docker"
	BackendMock   = "mock"
)

// Config carries the execution parameters an environment consumes. Values it
// does not understand for its backend (CPU and memory hints for a local
// environment, the keep-alive duration) are pass-through and uninterpreted.
type Config struct {
	// Isolated spawns a fresh process per call. When false, code executes
	// inside a long-lived interpreter shared across calls, and state defined
	// by one call is visible to the next.
	Isolated bool
	// Timeout bounds each execute call. Zero means no timeout.
	Timeout time.Duration
	// KeepAlive hints how long a backend should keep a warm session around.
	KeepAlive time.Duration
	// Language selects the target runtime. Only "python" is built in.
	Language string
	// Executable overrides the interpreter binary (default "python3").
	Executable string
	// Workdir is the working directory for spawned processes.
	Workdir string
	// Image is the container image for the docker backend.
	Image string
	// MemoryMB and CPUs are resource hints for containerized backends.
	MemoryMB int
	CPUs     float64
	// NetworkEnabled allows network access in containerized backends.
	NetworkEnabled bool
}

// Environment is the execution contract every backend satisfies: four
// operations plus enter/exit lifecycle. Additional backends (remote cloud
// sandboxes, WASM runners) implement the same interface by translating into
// their own session primitives; callers never inspect the concrete type.
type Environment interface {
	// Open prepares the environment for use.
	Open(ctx context.Context) error
	// Close releases every resource the environment holds.
	Close() error

	// Execute runs code and returns its decoded structured result. Failures
	// of the executed code surface inside the result; the error return is
	// reserved for infrastructure faults.
	Execute(ctx context.Context, code string) (protocol.ExecutionResult, error)
	// ExecuteStream runs code and returns a single-use, forward-only stream
	// of output lines, with a trailing result summary line when the terminal
	// result decodes successfully.
	ExecuteStream(ctx context.Context, code string) (*Stream, error)
	// ExecuteCommand runs a shell command without result-protocol decoding:
	// exit code zero yields success with the captured stdout as the result.
	ExecuteCommand(ctx context.Context, command string) (protocol.ExecutionResult, error)
	// ExecuteCommandStream runs a command and streams its raw output lines.
	ExecuteCommandStream(ctx context.Context, command string) (*Stream, error)

	// StreamCode runs code and returns its live event feed. The channel is
	// closed after the completion event; the caller must drain it.
	StreamCode(ctx context.Context, code string) (<-chan process.Event, error)
	// StreamCommand is StreamCode for shell commands.
	StreamCommand(ctx context.Context, command string) (<-chan process.Event, error)

	// ProcessManager exposes the environment's process registry.
	ProcessManager() ProcessManager
}

// ProcessManager is the registry contract environments expose. The local and
// docker environments hand out the real process.Manager; the mock environment
// substitutes canned behavior.
type ProcessManager interface {
	StartProcess(ctx context.Context, command string, opts process.StartOptions) (string, error)
	GetOutput(id string) (process.Output, error)
	GetProcessInfo(id string) (process.Info, error)
	WaitForExit(ctx context.Context, id string) (int, error)
	KillProcess(id string) error
	ReleaseProcess(id string) error
	ListProcesses() []string
}

var _ ProcessManager = (*process.Manager)(nil)
