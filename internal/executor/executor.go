// ============================================================================
// queuectl Command Executor - 子程序執行器
// ============================================================================
//
// Package: internal/executor
// 文件: executor.go
// 功能: 以 argv 直接啟動子程序（不經 shell），收集輸出尾端並強制逾時
//
// 行為:
//   - exit 0            -> 成功
//   - 其他 exit code     -> Error = "non-zero exit"
//   - 逾時              -> 殺掉整個 process group，Error = "timeout"
//   - 無法啟動          -> Error = 啟動錯誤訊息，ExitCode = nil
//
// Run 永遠不回傳 error，也不 panic；所有結果都在 Result 內。
// 呼叫端的取消（stop 訊號）不會中止子程序，只有逾時會。
//
// ============================================================================

package executor

import (
	"context"
	"errors"
	"os/exec"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultTailLimit 每個串流保留的最大位元組數
	DefaultTailLimit = 4000

	// ErrTimeout / ErrNonZeroExit are the error strings recorded on the job.
	ErrTimeout     = "timeout"
	ErrNonZeroExit = "non-zero exit"
	errEmptyArgv   = "empty command"

	tracerName = "github.com/ChuLiYu/queuectl/executor"

	// waitDelay bounds how long Wait blocks on pipes held open by
	// grandchildren after the process itself has exited or been killed.
	waitDelay = 2 * time.Second
)

// Result 執行結果
type Result struct {
	ExitCode *int
	Error    string // 空字串表示成功
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Success reports whether the command exited with code 0.
func (r Result) Success() bool {
	return r.Error == "" && r.ExitCode != nil && *r.ExitCode == 0
}

// Executor runs commands. The zero value is usable.
type Executor struct {
	TailLimit int
	Tracer    trace.Tracer
}

// New returns an executor with the default tail limit and the global tracer.
func New() *Executor {
	return &Executor{TailLimit: DefaultTailLimit, Tracer: otel.Tracer(tracerName)}
}

// Run executes argv with the given timeout using a default Executor.
func Run(ctx context.Context, argv []string, timeout time.Duration) Result {
	return New().Run(ctx, argv, timeout)
}

// Run executes argv and never returns an error; see Result.
func (e *Executor) Run(ctx context.Context, argv []string, timeout time.Duration) Result {
	tracer := e.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	name := ""
	if len(argv) > 0 {
		name = argv[0]
	}
	ctx, span := tracer.Start(ctx, "queuectl.job.execute",
		trace.WithAttributes(
			attribute.String("queuectl.command", name),
			attribute.Int("queuectl.argc", len(argv)),
			attribute.Int64("queuectl.timeout_ms", timeout.Milliseconds()),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	res := e.run(ctx, argv, timeout)

	if res.ExitCode != nil {
		span.SetAttributes(attribute.Int("queuectl.exit_code", *res.ExitCode))
	}
	if res.Error != "" {
		span.RecordError(errors.New(res.Error))
		span.SetStatus(codes.Error, res.Error)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return res
}

func (e *Executor) run(ctx context.Context, argv []string, timeout time.Duration) Result {
	start := time.Now()
	if len(argv) == 0 || argv[0] == "" {
		return Result{Error: errEmptyArgv}
	}

	limit := e.TailLimit
	if limit <= 0 {
		limit = DefaultTailLimit
	}
	stdout := newTailBuffer(limit)
	stderr := newTailBuffer(limit)

	// 與呼叫端的取消脫鉤，只保留逾時
	runCtx := context.WithoutCancel(ctx)
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(runCtx)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay
	configureProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return Result{
			Error:    err.Error(),
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Duration: time.Since(start),
		}
	}

	waitErr := cmd.Wait()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	classify(&res, waitErr, runCtx.Err())
	return res
}

// classify fills the exit code and error label from the Wait result. A
// timeout is reported only when the process also failed: one that exits 0
// right at the deadline keeps its success.
func classify(res *Result, waitErr, ctxErr error) {
	if waitErr != nil && errors.Is(ctxErr, context.DeadlineExceeded) {
		res.Error = ErrTimeout
		return
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		code := 0
		res.ExitCode = &code
	case errors.As(waitErr, &exitErr):
		if code := exitErr.ExitCode(); code >= 0 {
			res.ExitCode = &code
		}
		res.Error = ErrNonZeroExit
	default:
		res.Error = waitErr.Error()
	}
}
