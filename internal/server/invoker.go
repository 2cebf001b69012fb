package server

import (
	"context"
	"errors"
	"log"
	"net"
	"time"
)

type invokeState string

const (
	invokeStatePrimary  invokeState = "primary"
	invokeStateFallback invokeState = "fallback"
	invokeStateFailed   invokeState = "failed"
)

const (
	failureKindExhausted = "fallback_exhausted"
	failureKindProvider  = "provider_error"
)

type invokeResult struct {
	Answer       string
	Model        string
	Usage        AIUsage
	State        invokeState
	FallbackUsed bool
	Failed       bool
	FailureKind  string
}

// modelInvoker drives the primary/fallback attempt sequence. The primary
// model gets one attempt under its own deadline; only a timeout earns a
// single non-streaming retry on the fallback model. Any other provider error
// fails immediately so the caller can answer from the static library.
type modelInvoker struct {
	client          AIClient
	primaryModel    string
	fallbackModel   string
	primaryTimeout  time.Duration
	fallbackTimeout time.Duration
	streamEnabled   bool
}

func (m *modelInvoker) invoke(
	ctx context.Context,
	systemPrompt string,
	turns []ChatTurn,
	userPrompt string,
) invokeResult {
	request := AIModelRequest{
		Model:        m.primaryModel,
		SystemPrompt: systemPrompt,
		Conversation: turns,
		UserPrompt:   userPrompt,
	}

	primaryCtx, cancel := context.WithTimeout(ctx, m.primaryTimeout)
	var response AIModelResponse
	var err error
	if m.streamEnabled {
		response, err = m.client.QueryStream(primaryCtx, request, nil)
	} else {
		response, err = m.client.Query(primaryCtx, request)
	}
	cancel()
	if err == nil {
		return invokeResult{
			Answer: response.Answer,
			Model:  response.Model,
			Usage:  response.Usage,
			State:  invokeStatePrimary,
		}
	}

	if !isTimeoutError(err) {
		log.Printf("primary model call failed model=%s err=%v", m.primaryModel, err)
		return invokeResult{State: invokeStateFailed, Failed: true, FailureKind: failureKindProvider}
	}
	log.Printf("primary model timed out model=%s timeout=%s", m.primaryModel, m.primaryTimeout)

	fallbackModel := m.fallbackModel
	if fallbackModel == "" {
		fallbackModel = m.primaryModel
	}
	request.Model = fallbackModel

	fallbackCtx, cancel := context.WithTimeout(ctx, m.fallbackTimeout)
	response, err = m.client.Query(fallbackCtx, request)
	cancel()
	if err != nil {
		log.Printf("fallback model call failed model=%s err=%v", fallbackModel, err)
		// Any failure after the fallback transition is terminal. The static
		// advice library answers primary provider errors only.
		return invokeResult{State: invokeStateFailed, Failed: true, FailureKind: failureKindExhausted}
	}

	return invokeResult{
		Answer:       response.Answer,
		Model:        response.Model,
		Usage:        response.Usage,
		State:        invokeStateFallback,
		FallbackUsed: true,
	}
}

func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
