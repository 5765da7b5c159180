package gdbstub

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// slowFindGDB answers every console command at once except find, which
// it sits on long after any test deadline.
const slowFindGDB = `#!/bin/sh
echo '(gdb)'
while IFS= read -r line; do
	case "$line" in
	*'"find '*)
		sleep 30 </dev/null >/dev/null 2>&1
		echo '^done'
		echo '(gdb)'
		;;
	-gdb-exit*)
		echo '^exit'
		exit 0
		;;
	*)
		echo '^done'
		echo '(gdb)'
		;;
	esac
done
`

// chattyGDB writes far more records than the transport buffers before
// it reads any command.
const chattyGDB = `#!/bin/sh
echo '(gdb)'
i=0
while [ $i -lt 1000 ]; do
	printf '%s\n' '~"noise\n"'
	i=$((i+1))
done
while IFS= read -r line; do
	case "$line" in
	-gdb-exit*)
		echo '^exit'
		exit 0
		;;
	esac
done
`

func fakeGDB(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake gdb is a shell script")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no sh in PATH")
	}

	path := filepath.Join(t.TempDir(), "gdb")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestDisconnectAfterSearchTimeoutKillsGDB(t *testing.T) {
	gdb := fakeGDB(t, slowFindGDB)

	ch, err := Dial(context.Background(), &Config{
		GDBPath:       gdb,
		Target:        "localhost:1234",
		SearchTimeout: 200 * time.Millisecond,
		Logger:        zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	start := time.Now()
	_, err = ch.FindPattern(context.Background(), 0xc0000000, 0x40000000, []byte("STAGER"))
	require.ErrorIs(t, err, ErrTimeout)

	require.NoError(t, ch.Disconnect())
	assert.Less(t, time.Since(start), 5*time.Second, "disconnect waited for the search to finish")
}

func TestCancelledSearchDoesNotHoldDisconnect(t *testing.T) {
	gdb := fakeGDB(t, slowFindGDB)

	ch, err := Dial(context.Background(), &Config{GDBPath: gdb, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	_, err = ch.FindPattern(ctx, 0xc0000000, 0x40000000, []byte("STAGER"))
	require.ErrorIs(t, err, context.Canceled)

	require.NoError(t, ch.Disconnect())
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestDisconnectExitsCleanly(t *testing.T) {
	gdb := fakeGDB(t, slowFindGDB)

	ch, err := Dial(context.Background(), &Config{GDBPath: gdb, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, ch.Disconnect())
	assert.Less(t, time.Since(start), DefaultExitGrace)
}

func TestCloseDrainsUnreadOutput(t *testing.T) {
	gdb := fakeGDB(t, chattyGDB)

	tr, err := StartMI(context.Background(), gdb, zaptest.NewLogger(t))
	require.NoError(t, err)
	tr.ExitGrace = 10 * time.Second

	// let the reader fill its buffer
	require.Eventually(t, func() bool { return len(tr.lines) == cap(tr.lines) }, 5*time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, tr.Close())
	assert.Less(t, time.Since(start), 5*time.Second, "gdb exit was not noticed while output was pending")

	select {
	case <-tr.readDone:
	default:
		t.Fatal("reader still running after Close")
	}
}

func TestExecAfterKillIsConnectionError(t *testing.T) {
	gdb := fakeGDB(t, slowFindGDB)

	tr, err := StartMI(context.Background(), gdb, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = tr.Exec(ctx, "find 0xc0000000, +0x40000000, \"STAGER\"")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, tr.Close())
	_, err = tr.Exec(context.Background(), "x/6xw 0xc0000000")
	require.ErrorIs(t, err, ErrConnection)
	assert.True(t, strings.Contains(err.Error(), "find"))
}
