// Package telnyx adapts the voice port to the Telnyx Call Control API.
package telnyx

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hrygo/protectogram/plugin/voice"
)

const defaultBaseURL = "https://api.telnyx.com"

// Config holds configuration for the Telnyx caller.
type Config struct {
	APIKey       string
	ConnectionID string
	// FromNumber is the E.164 caller id presented to the callee.
	FromNumber string
	// BaseURL overrides the API host, for tests.
	BaseURL string
}

// Caller implements voice.Caller over the Call Control REST API.
type Caller struct {
	config  *Config
	baseURL string
	client  *http.Client
}

// NewCaller creates a Telnyx caller.
func NewCaller(config *Config) *Caller {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Caller{
		config:  config,
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// apiError is a non-2xx response from Telnyx.
type apiError struct {
	status  int
	message string
}

func (e *apiError) Error() string {
	return e.message
}

// clientState rides along the call and comes back on every webhook, so the
// answer continuation can replay the scripted gather without a DB read.
type clientState struct {
	Instructions []voice.Instruction `json:"instructions"`
}

type dialRequest struct {
	To            string `json:"to"`
	From          string `json:"from"`
	ConnectionID  string `json:"connection_id"`
	WebhookURL    string `json:"webhook_url,omitempty"`
	TimeoutSecs   int    `json:"timeout_secs,omitempty"`
	TimeLimitSecs int    `json:"time_limit_secs,omitempty"`
	ClientState   string `json:"client_state,omitempty"`
}

type callData struct {
	Data struct {
		CallControlID string `json:"call_control_id"`
		IsAlive       bool   `json:"is_alive"`
	} `json:"data"`
}

// PlaceCall dials the number. The scripted instructions are carried in
// client_state; the adapter replays them when call.answered arrives.
func (c *Caller) PlaceCall(ctx context.Context, req *voice.PlaceCallRequest) (string, error) {
	state, err := encodeClientState(&clientState{Instructions: req.Instructions})
	if err != nil {
		return "", err
	}

	body := &dialRequest{
		To:            req.To,
		From:          c.config.FromNumber,
		ConnectionID:  c.config.ConnectionID,
		WebhookURL:    req.WebhookURL,
		TimeoutSecs:   req.RingTimeoutSec,
		TimeLimitSecs: req.MaxDurationSec,
		ClientState:   state,
	}

	var resp callData
	if err := c.do(ctx, http.MethodPost, "/v2/calls", body, &resp); err != nil {
		return "", err
	}
	if resp.Data.CallControlID == "" {
		return "", fmt.Errorf("telnyx dial response missing call_control_id")
	}
	return resp.Data.CallControlID, nil
}

// Hangup tears down a live call. Telnyx answers 404 or 422 once the call is
// gone, which is the outcome the caller wanted anyway.
func (c *Caller) Hangup(ctx context.Context, providerCallID string) error {
	path := fmt.Sprintf("/v2/calls/%s/actions/hangup", providerCallID)
	err := c.do(ctx, http.MethodPost, path, struct{}{}, nil)
	if err != nil {
		var ae *apiError
		if errors.As(err, &ae) && (ae.status == http.StatusNotFound || ae.status == http.StatusUnprocessableEntity) {
			slog.Debug("telnyx: hangup on ended call", "call_control_id", providerCallID)
			return nil
		}
		return err
	}
	return nil
}

type gatherUsingSpeakRequest struct {
	Payload          string `json:"payload"`
	Language         string `json:"language,omitempty"`
	Voice            string `json:"voice,omitempty"`
	MaximumDigits    int    `json:"maximum_digits,omitempty"`
	ValidDigits      string `json:"valid_digits,omitempty"`
	TimeoutMillis    int    `json:"timeout_millis,omitempty"`
	TerminatingDigit string `json:"terminating_digit,omitempty"`
	ClientState      string `json:"client_state,omitempty"`
}

// ContinueAnswered replays the scripted speak+gather once the callee picks
// up, using the instruction list round-tripped through client_state.
func (c *Caller) ContinueAnswered(ctx context.Context, providerCallID, state string) error {
	decoded, err := decodeClientState(state)
	if err != nil {
		return err
	}

	req := &gatherUsingSpeakRequest{
		Voice:       "female",
		ClientState: state,
	}
	var texts []string
	for _, in := range decoded.Instructions {
		switch in.Kind {
		case voice.InstructionSpeak:
			texts = append(texts, in.Text)
			if in.Language != "" {
				req.Language = in.Language
			}
			if in.Voice != "" {
				req.Voice = in.Voice
			}
		case voice.InstructionGather:
			req.MaximumDigits = in.MaxDigits
			req.ValidDigits = in.ValidDigits
			req.TimeoutMillis = in.TimeoutSec * 1000
			req.TerminatingDigit = in.FinishOnKey
		case voice.InstructionHangup:
			// Implicit: the gather's empty result ends the call.
		}
	}
	req.Payload = strings.Join(texts, " ")
	if req.Payload == "" {
		return fmt.Errorf("call script has no speak step")
	}

	path := fmt.Sprintf("/v2/calls/%s/actions/gather_using_speak", providerCallID)
	return c.do(ctx, http.MethodPost, path, req, nil)
}

func encodeClientState(state *clientState) (string, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to marshal client state: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decodeClientState(state string) (*clientState, error) {
	raw, err := base64.StdEncoding.DecodeString(state)
	if err != nil {
		return nil, fmt.Errorf("failed to decode client state: %w", err)
	}
	decoded := &clientState{}
	if err := json.Unmarshal(raw, decoded); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client state: %w", err)
	}
	return decoded, nil
}

func (c *Caller) do(ctx context.Context, method, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal telnyx request to %s: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to construct telnyx request to %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call telnyx %s: %w", path, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read telnyx response from %s: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		retryable := resp.StatusCode == http.StatusRequestTimeout ||
			resp.StatusCode == http.StatusTooManyRequests ||
			resp.StatusCode >= 500
		return &voice.Error{
			Retryable: retryable,
			Err: &apiError{
				status:  resp.StatusCode,
				message: fmt.Sprintf("telnyx %s %s: status %d: %s", method, path, resp.StatusCode, b),
			},
		}
	}

	if out != nil {
		if err := json.Unmarshal(b, out); err != nil {
			return fmt.Errorf("failed to unmarshal telnyx response from %s: %w", path, err)
		}
	}
	return nil
}

// Ensure Caller implements the voice port.
var _ voice.Caller = (*Caller)(nil)
