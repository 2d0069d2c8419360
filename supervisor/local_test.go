package supervisor

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guseggert/procbridge/internal/echo"
	"github.com/guseggert/procbridge/process"
	"github.com/guseggert/procbridge/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const workerEnv = "PROCBRIDGE_SUPERVISOR_WORKER"

// TestMain runs the echo worker instead of the tests when workerEnv is set.
func TestMain(m *testing.M) {
	if os.Getenv(workerEnv) == "" {
		os.Exit(m.Run())
	}
	reg := rpc.NewRegistry()
	if err := echo.Register(reg, os.Stderr, os.Exit); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := rpc.Serve(context.Background(), reg, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

func newLocalSupervisor(t *testing.T, log *zap.Logger) *Supervisor {
	t.Helper()
	reg := rpc.NewRegistry()
	require.NoError(t, echo.Declare(reg))
	factory := process.Local(process.Command{
		Path: os.Args[0],
		Env:  []string{workerEnv + "=1"},
	})
	sup := New("local", reg, factory, WithLogger(log))
	t.Cleanup(sup.Dispose)
	return sup
}

func TestLocalWorkerLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	core, logs := observer.New(zapcore.DebugLevel)
	sup := newLocalSupervisor(t, zap.New(core))
	assert.Equal(t, "local", sup.Name())

	svc, err := sup.GetService(ctx, echo.ServiceName)
	require.NoError(t, err)
	firstPid := sup.Pid()
	require.NotZero(t, firstPid)

	var out string
	require.NoError(t, svc.Call(ctx, "Upper", "hello", &out))
	assert.Equal(t, "HELLO", out)

	var echoed map[string]int
	require.NoError(t, svc.Call(ctx, "Echo", map[string]int{"a": 1}, &echoed))
	assert.Equal(t, map[string]int{"a": 1}, echoed)

	require.NoError(t, svc.Call(ctx, "Stderr", "diagnostics", nil))
	require.Eventually(t, func() bool {
		return logs.FilterMessage("stderr received").FilterField(zap.String("Data", "diagnostics\n")).Len() > 0
	}, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateRunning, sup.State())

	// the worker exits before replying, so the call fails once the connection is torn down
	err = svc.Call(ctx, "Exit", 4, nil)
	assert.ErrorIs(t, err, rpc.ErrConnectionClosed)
	require.Eventually(t, func() bool { return sup.State() == StateNoProcess }, 10*time.Second, 10*time.Millisecond)

	exits := logs.FilterMessage("child process exited").All()
	require.Len(t, exits, 1)
	assert.Equal(t, int64(4), exits[0].ContextMap()["ExitCode"])

	svc, err = sup.GetService(ctx, echo.ServiceName)
	require.NoError(t, err)
	assert.NotEqual(t, firstPid, sup.Pid())
	require.NoError(t, svc.Call(ctx, "Upper", "again", &out))
	assert.Equal(t, "AGAIN", out)

	sup.Dispose()
	assert.True(t, sup.IsDisposed())
	assert.ErrorIs(t, svc.Call(ctx, "Upper", "x", nil), rpc.ErrConnectionClosed)
	_, err = sup.GetService(ctx, echo.ServiceName)
	assert.ErrorIs(t, err, ErrDisposed)
}

func TestLocalWorkerSpawnFailure(t *testing.T) {
	reg := rpc.NewRegistry()
	require.NoError(t, echo.Declare(reg))
	sup := New("missing", reg, process.Local(process.Command{Path: "/nonexistent/worker"}), WithLogger(zap.NewNop()))
	defer sup.Dispose()

	_, err := sup.GetService(context.Background(), echo.ServiceName)
	require.Error(t, err)
	assert.Equal(t, StateNoProcess, sup.State())
	assert.False(t, sup.IsDisposed())
}

func TestLocalWorkerExitWithOrphanedOutput(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reg := rpc.NewRegistry()
	require.NoError(t, echo.Declare(reg))
	// the background job inherits stdout and stderr and outlives the worker
	local := process.Local(process.Command{Path: "/bin/sh", Args: []string{"-c", "sleep 5 & exit 3"}})
	var spawns atomic.Int32
	factory := func(ctx context.Context) (process.Handle, error) {
		spawns.Add(1)
		return local(ctx)
	}
	sup := New("orphan", reg, factory, WithLogger(zap.NewNop()))
	t.Cleanup(sup.Dispose)

	_, err := sup.GetService(ctx, echo.ServiceName)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sup.State() == StateNoProcess }, 3*time.Second, 10*time.Millisecond)

	_, err = sup.GetService(ctx, echo.ServiceName)
	require.NoError(t, err)
	assert.Equal(t, int32(2), spawns.Load())
}
