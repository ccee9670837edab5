package runner

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return sh
}

func TestExecOutputReportsExitCode(t *testing.T) {
	sh := requireShell(t)

	out, err := NewExecLauncher().Output(context.Background(), sh, "-c", "echo 'Speedtest by Ookla 1.2.0'; echo 'bad license' >&2; exit 3")
	require.NoError(t, err)
	assert.Equal(t, 3, out.ExitCode)
	assert.Equal(t, "Speedtest by Ookla 1.2.0\n", out.Stdout)
	assert.Equal(t, "bad license\n", out.Stderr)
}

func TestExecOutputTimeout(t *testing.T) {
	sh := requireShell(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := NewExecLauncher().Output(ctx, sh, "-c", "sleep 5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deadline exceeded")
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestExecOutputMissingBinary(t *testing.T) {
	_, err := NewExecLauncher().Output(context.Background(), "/definitely/not/here/speedtest", "--version")
	assert.Error(t, err)
}

func TestExecProcessStreams(t *testing.T) {
	sh := requireShell(t)

	proc, err := NewExecLauncher().Start(sh, "-c", `echo '{"type":"ping"}'; echo oops >&2; exit 1`)
	require.NoError(t, err)

	stderr, err := io.ReadAll(proc.Stderr())
	require.NoError(t, err)
	stdout, err := io.ReadAll(proc.Stdout())
	require.NoError(t, err)

	code, err := proc.Wait()
	require.NoError(t, err)
	assert.Equal(t, 1, code)
	assert.Equal(t, "{\"type\":\"ping\"}\n", string(stdout))
	assert.Equal(t, "oops\n", string(stderr))
}

func TestExecProcessTerminateUnblocksRead(t *testing.T) {
	sh := requireShell(t)

	proc, err := NewExecLauncher().Start(sh, "-c", "echo started; sleep 30")
	require.NoError(t, err)

	scanner := bufio.NewScanner(proc.Stdout())
	require.True(t, scanner.Scan())
	assert.Equal(t, "started", scanner.Text())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for scanner.Scan() {
		}
	}()

	_ = proc.Terminate()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("read did not return after Terminate")
	}

	go proc.Wait()
}

func TestLineTailKeepsLastLines(t *testing.T) {
	tail := newLineTail(2)
	assert.Equal(t, "", tail.String())

	tail.Add("one")
	tail.Add("two")
	tail.Add("three")
	assert.Equal(t, "two\nthree", tail.String())
}

func TestReadLinesTruncatesAndContinues(t *testing.T) {
	input := "short\n" + strings.Repeat("a", 200) + "\n\nlast without newline"

	type line struct {
		text      string
		truncated bool
	}
	var got []line
	err := readLines(strings.NewReader(input), 16, func(b []byte, truncated bool) bool {
		got = append(got, line{string(b), truncated})
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []line{
		{"short", false},
		{strings.Repeat("a", 16), true},
		{"", false},
		{"last without new", true},
	}, got)
}

func TestReadLinesLongerThanBuffer(t *testing.T) {
	long := strings.Repeat("b", readBufferSize*3)
	var lines []string
	err := readLines(strings.NewReader(long+"\nnext\n"), readBufferSize*4, func(b []byte, truncated bool) bool {
		assert.False(t, truncated)
		lines = append(lines, string(b))
		return true
	})
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, long, lines[0])
	assert.Equal(t, "next", lines[1])
}

func TestReadLinesStopsWhenAsked(t *testing.T) {
	calls := 0
	err := readLines(strings.NewReader("a\nb\nc\n"), 16, func([]byte, bool) bool {
		calls++
		return false
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}
