// Package voice defines the provider-neutral port for outbound calls.
package voice

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidPayload marks a webhook body that cannot be parsed into an
// Event. The intake layer maps it to HTTP 400.
var ErrInvalidPayload = errors.New("invalid voice payload")

// InstructionKind discriminates call script steps.
type InstructionKind string

const (
	InstructionSpeak  InstructionKind = "speak"
	InstructionGather InstructionKind = "gather"
	InstructionHangup InstructionKind = "hangup"
)

// Instruction is one step of the call script. The adapter folds the ordered
// sequence into provider commands; instructions survive a webhook round-trip
// inside provider client state, hence the JSON tags.
type Instruction struct {
	Kind InstructionKind `json:"kind"`

	// speak
	Language string `json:"language,omitempty"`
	Text     string `json:"text,omitempty"`
	Voice    string `json:"voice,omitempty"`

	// gather
	MaxDigits   int    `json:"max_digits,omitempty"`
	ValidDigits string `json:"valid_digits,omitempty"`
	FinishOnKey string `json:"finish_on_key,omitempty"`
	TimeoutSec  int    `json:"timeout_sec,omitempty"`
}

// Speak reads text to the callee in the given language tag (e.g. "ru-RU").
func Speak(language, text string) Instruction {
	return Instruction{Kind: InstructionSpeak, Language: language, Text: text, Voice: "female"}
}

// GatherDigits collects up to maxDigits DTMF digits from validDigits,
// giving up after timeoutSec.
func GatherDigits(maxDigits int, validDigits string, timeoutSec int) Instruction {
	return Instruction{Kind: InstructionGather, MaxDigits: maxDigits, ValidDigits: validDigits, TimeoutSec: timeoutSec}
}

// HangUp terminates the call once the preceding steps ran.
func HangUp() Instruction {
	return Instruction{Kind: InstructionHangup}
}

// PlaceCallRequest carries everything needed to dial one attempt.
type PlaceCallRequest struct {
	To           string
	Instructions []Instruction
	// WebhookURL receives the provider's call events.
	WebhookURL string
	// RingTimeoutSec bounds how long the call may ring unanswered.
	RingTimeoutSec int
	// MaxDurationSec bounds the total attempt duration once answered.
	MaxDurationSec int
}

// Caller places and terminates calls. Implementations may be invoked
// concurrently.
type Caller interface {
	// PlaceCall dials the number and returns the provider's call id. Call
	// progress arrives asynchronously on the webhook.
	PlaceCall(ctx context.Context, req *PlaceCallRequest) (string, error)

	// Hangup tears down a live call. Hanging up a call that already ended
	// is not an error.
	Hangup(ctx context.Context, providerCallID string) error
}

// EventKind discriminates normalized call events.
type EventKind string

const (
	EventInitiated EventKind = "call-initiated"
	EventAnswered  EventKind = "call-answered"
	EventDTMF      EventKind = "dtmf-received"
	EventHangup    EventKind = "call-hangup"
	EventAMD       EventKind = "amd-result"
)

// Event is a provider callback normalized for the domain layer.
type Event struct {
	// EventID is the provider's delivery id, used for inbox deduplication.
	EventID        string
	Kind           EventKind
	ProviderCallID string

	// Digit is set for dtmf-received.
	Digit string
	// HangupCause is set for call-hangup, in provider vocabulary.
	HangupCause string
	// AMDResult is "human" or "machine" for amd-result.
	AMDResult string

	OccurredAt time.Time
}

// Result is the normalized terminal outcome of a call attempt. Values match
// the persisted call-attempt vocabulary.
type Result string

const (
	ResultAnsweredHuman   Result = "answered-human"
	ResultAnsweredMachine Result = "answered-machine"
	ResultNoAnswer        Result = "no-answer"
	ResultBusy            Result = "busy"
	ResultFailed          Result = "failed"
)

// MapHangupCause normalizes a provider hangup cause. answered reports
// whether the call was picked up before it ended; a clean hangup on an
// answered call means the callee listened but never pressed a digit.
func MapHangupCause(cause string, answered bool) Result {
	switch cause {
	case "call_rejected", "user_busy", "busy":
		return ResultBusy
	case "no_answer", "call_timeout", "originator_cancel", "timeout":
		return ResultNoAnswer
	case "normal_clearing", "time_limit":
		if answered {
			return ResultAnsweredHuman
		}
		return ResultNoAnswer
	default:
		return ResultFailed
	}
}

// Error is a classified provider failure.
type Error struct {
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether a provider call may be retried. Unclassified
// errors count as retryable.
func Retryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}
