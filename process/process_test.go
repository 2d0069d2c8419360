package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helperEnv = "PROCBRIDGE_PROCESS_HELPER"

// TestMain doubles as the worker binary: when helperEnv is set, the test binary behaves as a child process.
func TestMain(m *testing.M) {
	switch os.Getenv(helperEnv) {
	case "":
		os.Exit(m.Run())
	case "echo":
		io.Copy(os.Stdout, os.Stdin)
		os.Exit(0)
	case "stderr-exit":
		fmt.Fprint(os.Stderr, "oops")
		os.Exit(3)
	case "sleep":
		time.Sleep(time.Minute)
		os.Exit(0)
	}
	os.Exit(2)
}

func helper(mode string) Command {
	return Command{
		Path: os.Args[0],
		Env:  []string{helperEnv + "=" + mode},
	}
}

func collect(t *testing.T, h Handle) (<-chan Event, Subscription) {
	t.Helper()
	ch := make(chan Event, 16)
	sub := Observe(h, func(ev Event) { ch <- ev })
	return ch, sub
}

func next(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestLocalStdio(t *testing.T) {
	proc, err := StartLocal(context.Background(), helper("echo"))
	require.NoError(t, err)
	assert.NotZero(t, proc.Pid())

	_, err = io.WriteString(proc.Stdin(), "hello\n")
	require.NoError(t, err)
	line, err := bufio.NewReader(proc.Stdout()).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "hello\n", line)

	require.NoError(t, proc.Stdin().Close())
	code, err := proc.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	// Wait is memoized
	code, err = proc.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.NoError(t, proc.Kill())
}

func TestObserveStderrThenExit(t *testing.T) {
	proc, err := StartLocal(context.Background(), helper("stderr-exit"))
	require.NoError(t, err)

	events, sub := collect(t, proc)
	defer sub.Unsubscribe()

	var stderr []byte
	for {
		ev := next(t, events)
		if e, ok := ev.(StderrEvent); ok {
			stderr = append(stderr, e.Data...)
			continue
		}
		require.Equal(t, KindExit, ev.Kind())
		assert.Equal(t, 3, ev.(ExitEvent).ExitCode)
		break
	}
	assert.Equal(t, "oops", string(stderr))

	// the observer releases stderr once it is done with it
	require.Eventually(t, func() bool {
		_, err := proc.Stderr().Read(make([]byte, 1))
		return errors.Is(err, os.ErrClosed)
	}, 5*time.Second, 10*time.Millisecond)
}

// orphanCommand exits 3 while a background job keeps its stdout and stderr open.
var orphanCommand = Command{Path: "/bin/sh", Args: []string{"-c", "echo oops >&2; sleep 5 & exit 3"}}

func TestObserveExitWithOrphanedStderr(t *testing.T) {
	proc, err := StartLocal(context.Background(), orphanCommand)
	require.NoError(t, err)
	t.Cleanup(proc.CloseOutput)

	events, sub := collect(t, proc)
	defer sub.Unsubscribe()

	start := time.Now()
	var stderr []byte
	for {
		ev := next(t, events)
		if e, ok := ev.(StderrEvent); ok {
			stderr = append(stderr, e.Data...)
			continue
		}
		require.Equal(t, KindExit, ev.Kind())
		assert.Equal(t, 3, ev.(ExitEvent).ExitCode)
		break
	}
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, "oops\n", string(stderr))
}

func TestCloseOutputUnblocksReads(t *testing.T) {
	proc, err := StartLocal(context.Background(), orphanCommand)
	require.NoError(t, err)

	code, err := proc.Wait()
	require.NoError(t, err)
	assert.Equal(t, 3, code)

	readErr := make(chan error, 1)
	go func() {
		_, err := io.ReadAll(proc.Stdout())
		readErr <- err
	}()
	proc.CloseOutput()
	proc.CloseOutput()

	select {
	case err := <-readErr:
		assert.ErrorIs(t, err, os.ErrClosed)
	case <-time.After(3 * time.Second):
		t.Fatal("read still blocked after CloseOutput")
	}
}

func TestKillDeliversExit(t *testing.T) {
	proc, err := StartLocal(context.Background(), helper("sleep"))
	require.NoError(t, err)

	events, sub := collect(t, proc)
	defer sub.Unsubscribe()

	require.NoError(t, proc.Kill())
	ev := next(t, events)
	require.Equal(t, KindExit, ev.Kind())
	assert.Equal(t, -1, ev.(ExitEvent).ExitCode)
	assert.True(t, proc.Exited())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	proc, err := StartLocal(context.Background(), helper("sleep"))
	require.NoError(t, err)
	t.Cleanup(func() { proc.Kill() })

	events, sub := collect(t, proc)
	sub.Unsubscribe()
	sub.Unsubscribe()

	require.NoError(t, proc.Kill())
	_, err = proc.Wait()
	require.NoError(t, err)

	select {
	case ev := <-events:
		t.Fatalf("unexpected event after unsubscribe: %v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStartLocalErrors(t *testing.T) {
	_, err := StartLocal(context.Background(), Command{Path: "/nonexistent/procbridge-worker"})
	assert.ErrorContains(t, err, "starting")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Local(helper("echo"))(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
