package sandbox

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/runbox/protocol"
)

func TestDockerRunArgs(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("Defaults", func(t *testing.T) {
		d := NewDockerEnvironment(logger, &Config{})
		args := d.runArgs()
		assert.Equal(t, []string{"run", "--rm", "-i", "--network", "none"}, args)
	})

	t.Run("ResourceLimits", func(t *testing.T) {
		d := NewDockerEnvironment(logger, &Config{MemoryMB: 512, CPUs: 1.5})
		args := d.runArgs()
		assert.Contains(t, strings.Join(args, " "), "--memory 512m")
		assert.Contains(t, strings.Join(args, " "), "--cpus 1.5")
	})

	t.Run("NetworkEnabled", func(t *testing.T) {
		d := NewDockerEnvironment(logger, &Config{NetworkEnabled: true})
		assert.NotContains(t, d.runArgs(), "--network")
	})
}

func TestDockerSpecs(t *testing.T) {
	logger := zaptest.NewLogger(t)
	d := NewDockerEnvironment(logger, &Config{Timeout: 9 * time.Second})

	t.Run("CodeSpecFeedsWrappedProgramOnStdin", func(t *testing.T) {
		spec := d.codeSpec("print('x')")

		assert.Equal(t, "docker", spec.command)
		assert.Equal(t, 9*time.Second, spec.timeout)
		assert.Contains(t, spec.opts.Args, defaultImage)
		assert.Equal(t, "-", spec.opts.Args[len(spec.opts.Args)-1])

		require.NotNil(t, spec.opts.Stdin)
		program, err := io.ReadAll(spec.opts.Stdin)
		require.NoError(t, err)
		assert.Contains(t, string(program), protocol.Sentinel)
		assert.Contains(t, string(program), `print('x')`)
	})

	t.Run("CommandSpecUsesShell", func(t *testing.T) {
		spec := d.commandSpec("ls -la")

		assert.Equal(t, "docker", spec.command)
		n := len(spec.opts.Args)
		require.GreaterOrEqual(t, n, 3)
		assert.Equal(t, []string{"sh", "-c", "ls -la"}, spec.opts.Args[n-3:])
	})

	t.Run("CustomImage", func(t *testing.T) {
		custom := NewDockerEnvironment(logger, &Config{Image: "python:3.12"})
		assert.Contains(t, custom.codeSpec("x = 1").opts.Args, "python:3.12")
	})
}
