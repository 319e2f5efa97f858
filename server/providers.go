package server

import (
	"context"
	"errors"

	"github.com/hrygo/protectogram/plugin/chat"
	"github.com/hrygo/protectogram/plugin/voice"
)

// Unconfigured providers fail fast with permanent errors, so the outbox
// records a terminal outcome instead of retrying into nowhere. Dev setups
// without credentials still boot and exercise the rest of the pipeline.

type disabledChannel struct{}

func (disabledChannel) SendMessage(context.Context, int64, string, []chat.InlineButton) (string, error) {
	return "", &chat.Error{Retryable: false, Err: errors.New("chat provider not configured")}
}

func (disabledChannel) EditMessage(context.Context, int64, string, string, []chat.InlineButton) error {
	return &chat.Error{Retryable: false, Err: errors.New("chat provider not configured")}
}

func (disabledChannel) AnswerCallback(context.Context, string, string) error {
	return &chat.Error{Retryable: false, Err: errors.New("chat provider not configured")}
}

type disabledCaller struct{}

func (disabledCaller) PlaceCall(context.Context, *voice.PlaceCallRequest) (string, error) {
	return "", &voice.Error{Retryable: false, Err: errors.New("voice provider not configured")}
}

// Hangup succeeds: with no provider there is nothing live to tear down.
func (disabledCaller) Hangup(context.Context, string) error {
	return nil
}
