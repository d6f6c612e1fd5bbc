package sandbox

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/runbox/process"
	"github.com/isdmx/runbox/protocol"
)

func requirePython(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
}

func newLocalEnv(t *testing.T, isolated bool, timeout time.Duration) *LocalEnvironment {
	t.Helper()
	env := NewLocalEnvironment(zaptest.NewLogger(t), &Config{
		Isolated: isolated,
		Timeout:  timeout,
	})
	require.NoError(t, env.Open(context.Background()))
	t.Cleanup(func() { _ = env.Close() })
	return env
}

func TestLocalExecuteIsolated(t *testing.T) {
	requirePython(t)
	env := newLocalEnv(t, true, 30*time.Second)
	ctx := context.Background()

	t.Run("EntryFunctionResult", func(t *testing.T) {
		res, err := env.Execute(ctx, "def main():\n    return 42\n")
		require.NoError(t, err)

		assert.True(t, res.Success)
		assert.True(t, res.Result.Equal(protocol.Number(42)))
		assert.Empty(t, res.Error)
		assert.Greater(t, res.Duration, time.Duration(0))
	})

	t.Run("AsyncEntryFunction", func(t *testing.T) {
		code := "import asyncio\n\nasync def main():\n    await asyncio.sleep(0)\n    return 'async done'\n"
		res, err := env.Execute(ctx, code)
		require.NoError(t, err)

		assert.True(t, res.Success)
		assert.True(t, res.Result.Equal(protocol.String("async done")))
	})

	t.Run("ResultVariable", func(t *testing.T) {
		res, err := env.Execute(ctx, "_result = 21 * 2\n")
		require.NoError(t, err)

		assert.True(t, res.Success)
		assert.True(t, res.Result.Equal(protocol.Number(42)))
	})

	t.Run("NoEntryPointYieldsNull", func(t *testing.T) {
		res, err := env.Execute(ctx, "x = 5\n")
		require.NoError(t, err)

		assert.True(t, res.Success)
		assert.True(t, res.Result.IsNull())
	})

	t.Run("StdoutCaptured", func(t *testing.T) {
		res, err := env.Execute(ctx, "print('hello')\nprint('world')\n")
		require.NoError(t, err)

		assert.True(t, res.Success)
		assert.Equal(t, "hello\nworld\n", res.Stdout)
		assert.NotContains(t, res.Stdout, protocol.Sentinel)
	})

	t.Run("RaisedException", func(t *testing.T) {
		res, err := env.Execute(ctx, "raise ValueError('boom')\n")
		require.NoError(t, err)

		assert.False(t, res.Success)
		assert.True(t, res.Result.IsNull())
		assert.Equal(t, "ValueError", res.ErrorType)
		assert.Equal(t, "boom", res.Error)
	})

	t.Run("ExceptionInsideEntryFunction", func(t *testing.T) {
		res, err := env.Execute(ctx, "def main():\n    return 1 / 0\n")
		require.NoError(t, err)

		assert.False(t, res.Success)
		assert.Equal(t, "ZeroDivisionError", res.ErrorType)
	})

	t.Run("UnserializableResult", func(t *testing.T) {
		res, err := env.Execute(ctx, "def main():\n    return lambda: 1\n")
		require.NoError(t, err)

		assert.True(t, res.Success)
		assert.Equal(t, protocol.KindOpaque, res.Result.Kind())
		assert.Equal(t, "function", res.Result.OpaqueType())
	})

	t.Run("NonFiniteResult", func(t *testing.T) {
		// json.dumps would happily emit bare NaN, which is not valid
		// JSON; the wrapper must degrade it to the opaque marker
		// instead of producing an undecodable payload.
		res, err := env.Execute(ctx, "_result = float('nan')\n")
		require.NoError(t, err)

		assert.True(t, res.Success)
		assert.Equal(t, protocol.KindOpaque, res.Result.Kind())
		assert.Equal(t, "float", res.Result.OpaqueType())
	})

	t.Run("MappingResultPreservesOrder", func(t *testing.T) {
		res, err := env.Execute(ctx, "_result = {'z': 1, 'a': 2, 'm': 3}\n")
		require.NoError(t, err)

		assert.True(t, res.Success)
		assert.Equal(t, []string{"z", "a", "m"}, res.Result.Keys())
	})

	t.Run("IsolationBetweenCalls", func(t *testing.T) {
		res, err := env.Execute(ctx, "leaked = 99\n")
		require.NoError(t, err)
		require.True(t, res.Success)

		res, err = env.Execute(ctx, "_result = leaked\n")
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, "NameError", res.ErrorType)
	})
}

func TestLocalExecuteTimeout(t *testing.T) {
	requirePython(t)
	env := newLocalEnv(t, true, 500*time.Millisecond)

	res, err := env.Execute(context.Background(), "import time\nprint('before')\ntime.sleep(10)\n")
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, protocol.ErrorTypeTimeout, res.ErrorType)
	assert.Contains(t, res.Error, "timed out")
}

func TestLocalExecuteShared(t *testing.T) {
	requirePython(t)
	env := newLocalEnv(t, false, 30*time.Second)
	ctx := context.Background()

	t.Run("StatePersistsAcrossCalls", func(t *testing.T) {
		res, err := env.Execute(ctx, "counter = 10\n")
		require.NoError(t, err)
		require.True(t, res.Success)

		res, err = env.Execute(ctx, "counter += 5\n_result = counter\n")
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.True(t, res.Result.Equal(protocol.Number(15)))
	})

	t.Run("FunctionsPersist", func(t *testing.T) {
		res, err := env.Execute(ctx, "def double(x):\n    return x * 2\n")
		require.NoError(t, err)
		require.True(t, res.Success)

		res, err = env.Execute(ctx, "_result = double(8)\n")
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.True(t, res.Result.Equal(protocol.Number(16)))
	})

	t.Run("EntryFunctionDoesNotLeakToNextCall", func(t *testing.T) {
		res, err := env.Execute(ctx, "def main():\n    return 'first'\n")
		require.NoError(t, err)
		require.True(t, res.Success)
		assert.True(t, res.Result.Equal(protocol.String("first")))

		// Without its own entry point this call must not re-run the
		// previous one.
		res, err = env.Execute(ctx, "x = 1\n")
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.True(t, res.Result.IsNull())
	})

	t.Run("ErrorDoesNotKillInterpreter", func(t *testing.T) {
		res, err := env.Execute(ctx, "kept = 'alive'\n")
		require.NoError(t, err)
		require.True(t, res.Success)

		res, err = env.Execute(ctx, "raise RuntimeError('transient')\n")
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, "RuntimeError", res.ErrorType)

		res, err = env.Execute(ctx, "_result = kept\n")
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.True(t, res.Result.Equal(protocol.String("alive")))
	})

	t.Run("StdoutScopedToCall", func(t *testing.T) {
		res, err := env.Execute(ctx, "print('call one')\n")
		require.NoError(t, err)
		require.True(t, res.Success)
		assert.Equal(t, "call one\n", res.Stdout)

		res, err = env.Execute(ctx, "print('call two')\n")
		require.NoError(t, err)
		assert.Equal(t, "call two\n", res.Stdout)
		assert.NotContains(t, res.Stdout, "call one")
	})

	t.Run("StderrCaptured", func(t *testing.T) {
		// stderr travels on its own pipe; the trailing chunk must have
		// landed before the result is sliced.
		res, err := env.Execute(ctx, "import sys\nsys.stderr.write('warn\\n')\n_result = 1\n")
		require.NoError(t, err)

		assert.True(t, res.Success)
		assert.Equal(t, "warn\n", res.Stderr)
	})

	t.Run("NonFiniteResult", func(t *testing.T) {
		res, err := env.Execute(ctx, "_result = float('nan')\n")
		require.NoError(t, err)

		assert.True(t, res.Success)
		assert.Equal(t, protocol.KindOpaque, res.Result.Kind())
		assert.Equal(t, "float", res.Result.OpaqueType())
	})
}

func TestLocalSharedTimeoutRecovery(t *testing.T) {
	requirePython(t)
	env := newLocalEnv(t, false, 1*time.Second)
	ctx := context.Background()

	res, err := env.Execute(ctx, "import time\ntime.sleep(30)\n")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, protocol.ErrorTypeTimeout, res.ErrorType)

	// The stuck interpreter was discarded; the next call gets a fresh one.
	res, err = env.Execute(ctx, "_result = 'recovered'\n")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Result.Equal(protocol.String("recovered")))
}

func TestLocalExecuteStream(t *testing.T) {
	requirePython(t)
	ctx := context.Background()

	t.Run("IsolatedLinesAndTrailer", func(t *testing.T) {
		env := newLocalEnv(t, true, 30*time.Second)
		s, err := env.ExecuteStream(ctx, "print('a')\nprint('b')\n_result = 7\n")
		require.NoError(t, err)

		assert.Equal(t, []string{"a", "b", "Result: 7"}, s.Collect())
	})

	t.Run("NoTrailerOnNullResult", func(t *testing.T) {
		env := newLocalEnv(t, true, 30*time.Second)
		s, err := env.ExecuteStream(ctx, "print('only')\n")
		require.NoError(t, err)

		assert.Equal(t, []string{"only"}, s.Collect())
	})

	t.Run("SentinelNeverYielded", func(t *testing.T) {
		env := newLocalEnv(t, true, 30*time.Second)
		s, err := env.ExecuteStream(ctx, "_result = [1, 2]\n")
		require.NoError(t, err)

		for _, line := range s.Collect() {
			assert.NotContains(t, line, protocol.Sentinel)
		}
	})

	t.Run("SharedModeStreamsAndPersists", func(t *testing.T) {
		env := newLocalEnv(t, false, 30*time.Second)

		s, err := env.ExecuteStream(ctx, "streamed = 'yes'\nprint('from stream')\n_result = 3\n")
		require.NoError(t, err)
		assert.Equal(t, []string{"from stream", "Result: 3"}, s.Collect())

		res, err := env.Execute(ctx, "_result = streamed\n")
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.True(t, res.Result.Equal(protocol.String("yes")))
	})
}

func TestLocalExecuteCommand(t *testing.T) {
	env := NewLocalEnvironment(zaptest.NewLogger(t), &Config{Timeout: 30 * time.Second})
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		res, err := env.ExecuteCommand(ctx, "echo hello")
		require.NoError(t, err)

		assert.True(t, res.Success)
		assert.True(t, res.Result.Equal(protocol.String("hello\n")))
		assert.Equal(t, "hello\n", res.Stdout)
		require.NotNil(t, res.ExitCode)
		assert.Equal(t, 0, *res.ExitCode)
	})

	t.Run("ShellPipeline", func(t *testing.T) {
		res, err := env.ExecuteCommand(ctx, "echo hello | tr a-z A-Z")
		require.NoError(t, err)

		assert.True(t, res.Success)
		assert.Equal(t, "HELLO\n", res.Stdout)
	})

	t.Run("NonZeroExit", func(t *testing.T) {
		res, err := env.ExecuteCommand(ctx, "sh -c 'echo bad 1>&2; exit 3'")
		require.NoError(t, err)

		assert.False(t, res.Success)
		assert.Equal(t, protocol.ErrorTypeCommand, res.ErrorType)
		assert.Equal(t, "bad", res.Error)
		require.NotNil(t, res.ExitCode)
		assert.Equal(t, 3, *res.ExitCode)
	})

	t.Run("MissingBinaryIsLaunchError", func(t *testing.T) {
		res, err := env.ExecuteCommand(ctx, "definitely-not-a-binary-xyz --flag")
		require.NoError(t, err)

		assert.False(t, res.Success)
		assert.Equal(t, protocol.ErrorTypeLaunch, res.ErrorType)
	})

	t.Run("Timeout", func(t *testing.T) {
		short := NewLocalEnvironment(zaptest.NewLogger(t), &Config{Timeout: 500 * time.Millisecond})
		res, err := short.ExecuteCommand(ctx, "sleep 30")
		require.NoError(t, err)

		assert.False(t, res.Success)
		assert.Equal(t, protocol.ErrorTypeTimeout, res.ErrorType)
	})
}

func TestLocalExecuteCommandStream(t *testing.T) {
	env := NewLocalEnvironment(zaptest.NewLogger(t), &Config{Timeout: 30 * time.Second})

	s, err := env.ExecuteCommandStream(context.Background(), "sh -c 'echo one; echo two'")
	require.NoError(t, err)

	assert.Equal(t, []string{"one", "two"}, s.Collect())
}

func TestLocalStreamCode(t *testing.T) {
	requirePython(t)
	env := newLocalEnv(t, true, 30*time.Second)

	events, err := env.StreamCode(context.Background(), "print('evt')\n")
	require.NoError(t, err)

	var all []process.Event
	for ev := range events {
		all = append(all, ev)
	}
	require.GreaterOrEqual(t, len(all), 3)
	assert.IsType(t, process.ProcessStartedEvent{}, all[0])

	completed, ok := all[len(all)-1].(process.ProcessCompletedEvent)
	require.True(t, ok)
	assert.Equal(t, 0, completed.ExitCode)

	var sawOutput bool
	for _, ev := range all[1 : len(all)-1] {
		if out, ok := ev.(process.OutputEvent); ok && out.Stream == process.StreamStdout {
			sawOutput = true
			assert.Contains(t, out.Data, "evt")
			break
		}
	}
	assert.True(t, sawOutput)
}

func TestLocalStreamCommand(t *testing.T) {
	env := NewLocalEnvironment(zaptest.NewLogger(t), &Config{Timeout: 30 * time.Second})

	events, err := env.StreamCommand(context.Background(), "echo cmd-evt")
	require.NoError(t, err)

	var last process.Event
	for ev := range events {
		last = ev
	}
	completed, ok := last.(process.ProcessCompletedEvent)
	require.True(t, ok)
	assert.Equal(t, 0, completed.ExitCode)
}

func TestLocalOpen(t *testing.T) {
	t.Run("MissingInterpreter", func(t *testing.T) {
		env := NewLocalEnvironment(zaptest.NewLogger(t), &Config{Executable: "definitely-not-a-binary-xyz"})
		assert.Error(t, env.Open(context.Background()))
	})

	t.Run("DefaultExecutable", func(t *testing.T) {
		env := NewLocalEnvironment(zaptest.NewLogger(t), &Config{})
		assert.Equal(t, "python3", env.executable())
	})
}
