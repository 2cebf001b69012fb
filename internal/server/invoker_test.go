package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// scriptedAIClient lets a test pin separate behaviors for streamed and
// buffered calls and records which models were asked. Safe for the
// concurrent fan-out the translator does.
type scriptedAIClient struct {
	queryFn  func(ctx context.Context, req AIModelRequest) (AIModelResponse, error)
	streamFn func(ctx context.Context, req AIModelRequest) (AIModelResponse, error)

	mu     sync.Mutex
	models []string
}

func (s *scriptedAIClient) record(model string) {
	s.mu.Lock()
	s.models = append(s.models, model)
	s.mu.Unlock()
}

func (s *scriptedAIClient) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.models)
}

func (s *scriptedAIClient) Query(ctx context.Context, req AIModelRequest) (AIModelResponse, error) {
	s.record(req.Model)
	return s.queryFn(ctx, req)
}

func (s *scriptedAIClient) QueryStream(
	ctx context.Context,
	req AIModelRequest,
	_ func(string),
) (AIModelResponse, error) {
	s.record(req.Model)
	if s.streamFn != nil {
		return s.streamFn(ctx, req)
	}
	return s.queryFn(ctx, req)
}

func newTestInvoker(client AIClient, streamEnabled bool) *modelInvoker {
	return &modelInvoker{
		client:          client,
		primaryModel:    "primary-model",
		fallbackModel:   "fallback-model",
		primaryTimeout:  200 * time.Millisecond,
		fallbackTimeout: 200 * time.Millisecond,
		streamEnabled:   streamEnabled,
	}
}

func TestInvokePrimarySuccess(t *testing.T) {
	client := &scriptedAIClient{
		queryFn: func(_ context.Context, req AIModelRequest) (AIModelResponse, error) {
			return AIModelResponse{Answer: "hello", Model: req.Model}, nil
		},
	}
	result := newTestInvoker(client, false).invoke(context.Background(), "system", nil, "hi")
	if result.Failed || result.FallbackUsed {
		t.Fatalf("unexpected failure: %+v", result)
	}
	if result.State != invokeStatePrimary || result.Answer != "hello" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(client.models) != 1 || client.models[0] != "primary-model" {
		t.Fatalf("expected a single primary call, got %v", client.models)
	}
}

func TestInvokeTimeoutFallsBack(t *testing.T) {
	calls := 0
	client := &scriptedAIClient{
		queryFn: func(_ context.Context, req AIModelRequest) (AIModelResponse, error) {
			calls++
			if calls == 1 {
				return AIModelResponse{}, context.DeadlineExceeded
			}
			return AIModelResponse{Answer: "from fallback", Model: req.Model}, nil
		},
	}
	result := newTestInvoker(client, false).invoke(context.Background(), "system", nil, "hi")
	if result.Failed {
		t.Fatalf("fallback should have answered: %+v", result)
	}
	if result.State != invokeStateFallback || !result.FallbackUsed {
		t.Fatalf("expected fallback state, got %+v", result)
	}
	if client.models[1] != "fallback-model" {
		t.Fatalf("retry must use the fallback model, got %v", client.models)
	}
}

func TestInvokeBothTimeoutsFail(t *testing.T) {
	client := &scriptedAIClient{
		queryFn: func(_ context.Context, _ AIModelRequest) (AIModelResponse, error) {
			return AIModelResponse{}, context.DeadlineExceeded
		},
	}
	result := newTestInvoker(client, false).invoke(context.Background(), "system", nil, "hi")
	if !result.Failed || result.State != invokeStateFailed {
		t.Fatalf("expected terminal failure, got %+v", result)
	}
	if result.FailureKind != failureKindExhausted {
		t.Fatalf("expected exhausted failure kind, got %q", result.FailureKind)
	}
	if len(client.models) != 2 {
		t.Fatalf("expected exactly one retry, got %d calls", len(client.models))
	}
}

func TestInvokeFallbackProviderErrorIsTerminal(t *testing.T) {
	calls := 0
	client := &scriptedAIClient{
		queryFn: func(_ context.Context, _ AIModelRequest) (AIModelResponse, error) {
			calls++
			if calls == 1 {
				return AIModelResponse{}, context.DeadlineExceeded
			}
			return AIModelResponse{}, errors.New("500 internal provider error")
		},
	}
	result := newTestInvoker(client, false).invoke(context.Background(), "system", nil, "hi")
	if !result.Failed {
		t.Fatalf("expected terminal failure, got %+v", result)
	}
	if result.FailureKind != failureKindExhausted {
		t.Fatalf("fallback-stage errors must not report the provider kind, got %q", result.FailureKind)
	}
	if len(client.models) != 2 {
		t.Fatalf("expected no retry after the fallback, got %d calls", len(client.models))
	}
}

func TestInvokeProviderErrorSkipsFallback(t *testing.T) {
	client := &scriptedAIClient{
		queryFn: func(_ context.Context, _ AIModelRequest) (AIModelResponse, error) {
			return AIModelResponse{}, errors.New("401 invalid api key")
		},
	}
	result := newTestInvoker(client, false).invoke(context.Background(), "system", nil, "hi")
	if !result.Failed || result.FailureKind != failureKindProvider {
		t.Fatalf("expected provider failure, got %+v", result)
	}
	if len(client.models) != 1 {
		t.Fatalf("non-timeout errors must not retry, got %d calls", len(client.models))
	}
}

func TestInvokeStreamingPrimary(t *testing.T) {
	streamed := false
	client := &scriptedAIClient{
		queryFn: func(_ context.Context, _ AIModelRequest) (AIModelResponse, error) {
			t.Fatalf("buffered call must not happen when streaming succeeds")
			return AIModelResponse{}, nil
		},
		streamFn: func(_ context.Context, req AIModelRequest) (AIModelResponse, error) {
			streamed = true
			return AIModelResponse{Answer: "streamed", Model: req.Model}, nil
		},
	}
	result := newTestInvoker(client, true).invoke(context.Background(), "system", nil, "hi")
	if !streamed || result.Answer != "streamed" {
		t.Fatalf("expected the streaming path, got %+v", result)
	}
}

func TestInvokeStreamTimeoutRetriesBuffered(t *testing.T) {
	client := &scriptedAIClient{
		queryFn: func(_ context.Context, req AIModelRequest) (AIModelResponse, error) {
			return AIModelResponse{Answer: "buffered rescue", Model: req.Model}, nil
		},
		streamFn: func(_ context.Context, _ AIModelRequest) (AIModelResponse, error) {
			return AIModelResponse{}, context.DeadlineExceeded
		},
	}
	result := newTestInvoker(client, true).invoke(context.Background(), "system", nil, "hi")
	if result.Failed || !result.FallbackUsed {
		t.Fatalf("expected buffered fallback after stream timeout, got %+v", result)
	}
	if result.Answer != "buffered rescue" {
		t.Fatalf("unexpected answer: %q", result.Answer)
	}
}
