package executor

import (
	"context"
	"errors"
	"os/exec"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func TestRunSuccess(t *testing.T) {
	requireUnix(t)
	res := Run(context.Background(), []string{"echo", "hello world"}, 5*time.Second)

	assert.True(t, res.Success())
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 0, *res.ExitCode)
	assert.Empty(t, res.Error)
	assert.Equal(t, "hello world\n", res.Stdout)
}

func TestRunNoShellInterpretation(t *testing.T) {
	requireUnix(t)
	res := Run(context.Background(), []string{"echo", "$HOME", "a;b", "|"}, 5*time.Second)
	assert.Equal(t, "$HOME a;b |\n", res.Stdout)
}

func TestRunNonZeroExit(t *testing.T) {
	requireUnix(t)
	res := Run(context.Background(), []string{"sh", "-c", "echo oops >&2; exit 3"}, 5*time.Second)

	assert.False(t, res.Success())
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 3, *res.ExitCode)
	assert.Equal(t, ErrNonZeroExit, res.Error)
	assert.Equal(t, "oops\n", res.Stderr)
}

func TestRunSpawnFailure(t *testing.T) {
	res := Run(context.Background(), []string{"definitely-not-a-real-binary-queuectl"}, time.Second)

	assert.False(t, res.Success())
	assert.Nil(t, res.ExitCode)
	assert.NotEmpty(t, res.Error)
	assert.NotEqual(t, ErrTimeout, res.Error)
}

func TestRunEmptyArgv(t *testing.T) {
	res := Run(context.Background(), nil, time.Second)
	assert.False(t, res.Success())
	assert.Equal(t, errEmptyArgv, res.Error)
}

func TestRunTimeoutKillsProcessGroup(t *testing.T) {
	requireUnix(t)
	start := time.Now()
	res := Run(context.Background(), []string{"sh", "-c", "echo started; sleep 30 & sleep 30"}, 300*time.Millisecond)

	assert.Equal(t, ErrTimeout, res.Error)
	assert.Nil(t, res.ExitCode)
	assert.Equal(t, "started\n", res.Stdout, "output captured before the kill is kept")
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestClassify(t *testing.T) {
	requireUnix(t)
	exitErr := exec.Command("sh", "-c", "exit 3").Run()
	require.Error(t, exitErr)

	tests := []struct {
		name     string
		waitErr  error
		ctxErr   error
		wantCode *int
		wantErr  string
	}{
		{"success", nil, nil, intPtr(0), ""},
		{"success at deadline", nil, context.DeadlineExceeded, intPtr(0), ""},
		{"killed at deadline", errors.New("signal: killed"), context.DeadlineExceeded, nil, ErrTimeout},
		{"non-zero exit", exitErr, nil, intPtr(3), ErrNonZeroExit},
		{"wait failure", errors.New("boom"), nil, nil, "boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var res Result
			classify(&res, tt.waitErr, tt.ctxErr)
			assert.Equal(t, tt.wantErr, res.Error)
			assert.Equal(t, tt.wantCode, res.ExitCode)
		})
	}
}

func intPtr(v int) *int { return &v }

func TestRunIgnoresCallerCancellation(t *testing.T) {
	requireUnix(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := Run(ctx, []string{"sh", "-c", "sleep 0.2; echo done"}, 5*time.Second)
	assert.True(t, res.Success(), "stop signals must not abort a running job: %s", res.Error)
	assert.Equal(t, "done\n", res.Stdout)
}

func TestRunTruncatesOutput(t *testing.T) {
	requireUnix(t)
	res := Run(context.Background(), []string{"sh", "-c", "i=0; while [ $i -lt 2000 ]; do printf 'line%04d\\n' $i; i=$((i+1)); done"}, 10*time.Second)

	require.True(t, res.Success(), res.Error)
	assert.Len(t, res.Stdout, DefaultTailLimit)
	assert.True(t, strings.HasSuffix(res.Stdout, "line1999\n"))
}

func TestTailBuffer(t *testing.T) {
	tb := newTailBuffer(5)
	_, _ = tb.Write([]byte("abc"))
	_, _ = tb.Write([]byte("defg"))
	assert.Equal(t, "cdefg", tb.String())

	_, _ = tb.Write([]byte("0123456789"))
	assert.Equal(t, "56789", tb.String())
}

func TestTailBufferDropsPartialRune(t *testing.T) {
	// "é" is two bytes; the last three bytes of "éé" start mid-rune.
	tb := newTailBuffer(3)
	_, _ = tb.Write([]byte("éé"))
	assert.Equal(t, "é", tb.String())
}

func TestRunRecordsSpan(t *testing.T) {
	requireUnix(t)
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	e := &Executor{Tracer: tp.Tracer("test")}

	e.Run(context.Background(), []string{"sh", "-c", "exit 1"}, time.Second)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "queuectl.job.execute", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, ErrNonZeroExit, spans[0].Status().Description)
}
