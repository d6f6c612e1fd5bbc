package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/runbox/process"
	"github.com/isdmx/runbox/protocol"
)

// defaultImage is the container image used when the config does not name one.
const defaultImage = "python:3.11-slim"

// DockerEnvironment satisfies the execution contract by delegating every run
// to a fresh container. Lifecycle, output multiplexing and decoding are all
// shared with the local environment; only the launch command differs. Each
// call is fully isolated regardless of the isolation flag.
type DockerEnvironment struct {
	logger  *zap.Logger
	config  *Config
	manager *process.Manager
}

// DockerEnvironmentOption defines a functional option for DockerEnvironment.
type DockerEnvironmentOption func(*DockerEnvironment)

// WithDockerProcessManager sets the process registry for DockerEnvironment.
func WithDockerProcessManager(m *process.Manager) DockerEnvironmentOption {
	return func(d *DockerEnvironment) {
		d.manager = m
	}
}

// NewDockerEnvironment creates a DockerEnvironment.
func NewDockerEnvironment(logger *zap.Logger, config *Config, opts ...DockerEnvironmentOption) *DockerEnvironment {
	env := &DockerEnvironment{
		logger: logger,
		config: config,
	}
	for _, opt := range opts {
		opt(env)
	}
	if env.manager == nil {
		env.manager = process.NewManager(logger)
	}
	return env
}

func (d *DockerEnvironment) image() string {
	if d.config.Image != "" {
		return d.config.Image
	}
	return defaultImage
}

func (d *DockerEnvironment) executable() string {
	if d.config.Executable != "" {
		return d.config.Executable
	}
	return defaultExecutable
}

// runArgs builds the container launch arguments with the configured resource
// and network constraints.
func (d *DockerEnvironment) runArgs() []string {
	args := []string{"run", "--rm", "-i"}
	if d.config.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", d.config.MemoryMB))
	}
	if d.config.CPUs > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(d.config.CPUs, 'f', -1, 64))
	}
	if !d.config.NetworkEnabled {
		args = append(args, "--network", "none")
	}
	return args
}

// Open verifies the docker client is resolvable.
func (d *DockerEnvironment) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := exec.LookPath("docker"); err != nil {
		return fmt.Errorf("docker unavailable: %w", err)
	}
	return nil
}

// Close is a no-op: containers are removed per run.
func (d *DockerEnvironment) Close() error { return nil }

// ProcessManager exposes the environment's process registry.
func (d *DockerEnvironment) ProcessManager() ProcessManager { return d.manager }

// codeSpec builds the run spec for executing wrapped code: the interpreter
// reads the program from stdin so nothing is staged inside the container.
func (d *DockerEnvironment) codeSpec(code string) runSpec {
	args := append(d.runArgs(), d.image(), d.executable(), "-u", "-")
	return runSpec{
		command: "docker",
		opts: process.StartOptions{
			Args:  args,
			Stdin: strings.NewReader(protocol.Wrap(code)),
		},
		timeout: d.config.Timeout,
	}
}

func (d *DockerEnvironment) commandSpec(command string) runSpec {
	args := append(d.runArgs(), d.image(), "sh", "-c", command)
	return runSpec{
		command: "docker",
		opts:    process.StartOptions{Args: args},
		timeout: d.config.Timeout,
	}
}

// Execute runs wrapped code in a fresh container and decodes the result.
func (d *DockerEnvironment) Execute(ctx context.Context, code string) (protocol.ExecutionResult, error) {
	start := time.Now()
	res := runSupervised(ctx, d.manager, d.codeSpec(code), func(out process.Output, exitCode int) protocol.ExecutionResult {
		return protocol.Decode(out.Stdout, out.Stderr, exitCode)
	})
	res.Duration = time.Since(start)
	return res, nil
}

// ExecuteStream runs code in a container and streams its output lines.
func (d *DockerEnvironment) ExecuteStream(ctx context.Context, code string) (*Stream, error) {
	return streamSupervised(ctx, d.manager, d.codeSpec(code), resultTrailer, nil)
}

// ExecuteCommand runs a shell command inside a fresh container.
func (d *DockerEnvironment) ExecuteCommand(ctx context.Context, command string) (protocol.ExecutionResult, error) {
	start := time.Now()
	res := runSupervised(ctx, d.manager, d.commandSpec(command), commandResult)
	res.Duration = time.Since(start)
	return res, nil
}

// ExecuteCommandStream runs a command in a container and streams raw lines.
func (d *DockerEnvironment) ExecuteCommandStream(ctx context.Context, command string) (*Stream, error) {
	return streamSupervised(ctx, d.manager, d.commandSpec(command), nil, nil)
}

// StreamCode returns the raw event feed of a containerized code run.
func (d *DockerEnvironment) StreamCode(ctx context.Context, code string) (<-chan process.Event, error) {
	return streamEvents(ctx, d.manager, d.codeSpec(code), nil)
}

// StreamCommand returns the raw event feed of a containerized command run.
func (d *DockerEnvironment) StreamCommand(ctx context.Context, command string) (<-chan process.Event, error) {
	return streamEvents(ctx, d.manager, d.commandSpec(command), nil)
}

var _ Environment = (*DockerEnvironment)(nil)
