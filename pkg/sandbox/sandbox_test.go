package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInProcessExecutorEcho(t *testing.T) {
	e := &InProcessExecutor{Timeout: time.Second}
	out, err := e.Execute(context.Background(), nil, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, []byte("echo: hello"), out)
}

func TestInProcessExecutorHandler(t *testing.T) {
	e := &InProcessExecutor{
		Timeout: time.Second,
		Handler: func(ctx context.Context, input []byte) ([]byte, error) {
			return append([]byte("ran: "), input...), nil
		},
	}
	out, err := e.Execute(context.Background(), nil, []byte("task"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ran: task"), out)
}

func TestInProcessExecutorTimesOut(t *testing.T) {
	e := &InProcessExecutor{
		Timeout: 10 * time.Millisecond,
		Handler: func(ctx context.Context, input []byte) ([]byte, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
				return input, nil
			}
		},
	}
	_, err := e.Execute(context.Background(), nil, []byte("slow"))
	var sbErr *Error
	require.True(t, errors.As(err, &sbErr))
	assert.Equal(t, ErrTimeExhausted, sbErr.Code)
}

func TestInProcessExecutorPropagatesHandlerError(t *testing.T) {
	boom := errors.New("tool failed")
	e := &InProcessExecutor{
		Timeout: time.Second,
		Handler: func(ctx context.Context, input []byte) ([]byte, error) {
			return nil, boom
		},
	}
	_, err := e.Execute(context.Background(), nil, nil)
	assert.ErrorIs(t, err, boom)
}

func TestWasiSandboxRejectsGarbageModule(t *testing.T) {
	ctx := context.Background()
	sb, err := NewWasiSandbox(ctx, Config{MemoryLimitBytes: 1 << 20, TimeLimit: time.Second})
	require.NoError(t, err)
	defer sb.Close(ctx)

	_, err = sb.Execute(ctx, []byte("not a wasm module"), nil)
	assert.Error(t, err)
}

func TestErrorFormatsCodeAndMessage(t *testing.T) {
	err := &Error{Code: ErrMemoryExhausted, Message: "over limit"}
	assert.Equal(t, "ERR_COMPUTE_MEMORY_EXHAUSTED: over limit", err.Error())
}
