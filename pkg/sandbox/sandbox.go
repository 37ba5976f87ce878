// Package sandbox isolates tool invocations behind a bounded-resource
// execution contract: wall-clock, memory, and output limits, no
// filesystem, no network.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Executor runs an untrusted tool invocation and returns its output.
type Executor interface {
	Execute(ctx context.Context, module []byte, input []byte) ([]byte, error)
	Close(ctx context.Context) error
}

// Config bounds a sandboxed execution.
type Config struct {
	MemoryLimitBytes int64
	TimeLimit        time.Duration
	NetworkEnabled   bool // currently always false for WASI
}

// Deterministic error codes for limit violations.
const (
	ErrTimeExhausted   = "ERR_COMPUTE_TIME_EXHAUSTED"
	ErrMemoryExhausted = "ERR_COMPUTE_MEMORY_EXHAUSTED"
	ErrOutputExhausted = "ERR_COMPUTE_OUTPUT_EXHAUSTED"
)

// Error is a typed sandbox limit violation.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// OutputMaxBytes caps combined stdout+stderr per execution.
const OutputMaxBytes = 1024 * 1024

// WasiSandbox confines execution inside a WebAssembly runtime.
type WasiSandbox struct {
	runtime wazero.Runtime
	config  Config
}

// NewWasiSandbox creates the runtime with the configured memory ceiling.
func NewWasiSandbox(ctx context.Context, config Config) (*WasiSandbox, error) {
	rConfig := wazero.NewRuntimeConfig()
	if config.MemoryLimitBytes > 0 {
		pages := uint32(config.MemoryLimitBytes / 65536) // 64KB per page
		if pages == 0 {
			pages = 1
		}
		rConfig = rConfig.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, rConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("sandbox: instantiate WASI: %w", err)
	}
	return &WasiSandbox{runtime: r, config: config}, nil
}

// Execute compiles and runs a WASM module with input on stdin, capturing
// stdout as the result. WASI is deny-by-default: no filesystem mounts, no
// sockets.
func (s *WasiSandbox) Execute(ctx context.Context, module []byte, input []byte) ([]byte, error) {
	execCtx := ctx
	if s.config.TimeLimit > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, s.config.TimeLimit)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	moduleConfig := wazero.NewModuleConfig().
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithName("sandbox")

	compiled, err := s.runtime.CompileModule(execCtx, module)
	if err != nil {
		return nil, fmt.Errorf("sandbox: compile module: %w", err)
	}
	defer func() { _ = compiled.Close(execCtx) }()

	mod, err := s.runtime.InstantiateModule(execCtx, compiled, moduleConfig)
	if err != nil {
		if execCtx.Err() != nil {
			return nil, &Error{
				Code:    ErrTimeExhausted,
				Message: fmt.Sprintf("execution exceeded time limit (%s)", s.config.TimeLimit),
			}
		}
		if isMemoryError(err) {
			return nil, &Error{
				Code:    ErrMemoryExhausted,
				Message: fmt.Sprintf("execution exceeded memory limit (%d bytes)", s.config.MemoryLimitBytes),
			}
		}
		return nil, fmt.Errorf("sandbox: execution failed: %w", err)
	}
	defer func() { _ = mod.Close(execCtx) }()

	if total := stdout.Len() + stderr.Len(); total > OutputMaxBytes {
		return nil, &Error{
			Code:    ErrOutputExhausted,
			Message: fmt.Sprintf("output size %d exceeds limit %d", total, OutputMaxBytes),
		}
	}
	return stdout.Bytes(), nil
}

func (s *WasiSandbox) Close(ctx context.Context) error { return s.runtime.Close(ctx) }

func isMemoryError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "memory") &&
		(strings.Contains(msg, "limit") || strings.Contains(msg, "grow") || strings.Contains(msg, "exceeded"))
}

// InProcessExecutor runs the invocation natively. Developer mode only;
// it provides the timeout contract but no real isolation.
type InProcessExecutor struct {
	Handler func(ctx context.Context, input []byte) ([]byte, error)
	Timeout time.Duration
}

func (e *InProcessExecutor) Execute(ctx context.Context, _ []byte, input []byte) ([]byte, error) {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}
	if e.Handler == nil {
		select {
		case <-ctx.Done():
			return nil, &Error{Code: ErrTimeExhausted, Message: "execution exceeded time limit"}
		default:
			return append([]byte("echo: "), input...), nil
		}
	}
	type result struct {
		out []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		out, err := e.Handler(ctx, input)
		ch <- result{out, err}
	}()
	select {
	case <-ctx.Done():
		return nil, &Error{Code: ErrTimeExhausted, Message: "execution exceeded time limit"}
	case r := <-ch:
		return r.out, r.err
	}
}

func (e *InProcessExecutor) Close(ctx context.Context) error { return nil }
