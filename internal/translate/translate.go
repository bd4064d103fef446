// Package translate implements the Translator: a stateless conversion
// between the OpenAI chat-completions wire format and the harness event
// stream, in both the non-streaming and SSE-streaming directions.
package translate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/agcluster/gateway/internal/gatewayerr"
	"github.com/agcluster/gateway/internal/harness"
	"github.com/agcluster/gateway/internal/toolhub"
)

// ErrNoUserMessage is returned when a request carries no user-role message
// to forward to the harness.
var ErrNoUserMessage = errors.New("no user message in request")

// Translator converts between the OpenAI wire format and harness events.
// It carries no per-request state: every method takes everything it needs
// as arguments, so one Translator serves every session concurrently.
type Translator struct {
	hub *toolhub.Hub
	log *slog.Logger
}

// New constructs a Translator publishing every harness event it observes
// to hub. logger may be nil.
func New(hub *toolhub.Hub, logger *slog.Logger) *Translator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Translator{hub: hub, log: logger}
}

// ExtractUserMessage finds the last user-role message in req and
// concatenates its text parts (in order) with newlines, dropping any
// non-text parts (images, etc. are not forwarded to the harness).
func ExtractUserMessage(req *openai.ChatCompletionRequest) (string, error) {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		msg := req.Messages[i]
		if msg.Role != openai.ChatMessageRoleUser {
			continue
		}
		if msg.Content != "" {
			return msg.Content, nil
		}
		if len(msg.MultiContent) == 0 {
			return "", nil
		}
		var parts []string
		for _, part := range msg.MultiContent {
			if part.Type == openai.ChatMessagePartTypeText && part.Text != "" {
				parts = append(parts, part.Text)
			}
		}
		return strings.Join(parts, "\n"), nil
	}
	return "", ErrNoUserMessage
}

// StreamSink receives the OpenAI-shaped chunks of a streaming turn. The
// HTTP front implements it over an SSE response writer; tests implement it
// over a slice.
type StreamSink interface {
	WriteChunk(chunk openai.ChatCompletionStreamResponse) error
}

// Sender is the narrow slice of container.Connection the Translator needs:
// enqueue a frame for delivery to the harness. Accepting an interface
// rather than *container.Connection keeps this package test-friendly and
// avoids a dependency on the container package.
type Sender interface {
	Send(frame []byte) error
}

// ChatCompletionResponse wraps the OpenAI chat-completion response with the
// gateway's session_id, so a non-streaming caller that did not already know
// the session (e.g. a config-based request with no X-Session-ID) can address
// it on subsequent turns.
type ChatCompletionResponse struct {
	openai.ChatCompletionResponse
	SessionID string `json:"session_id"`
}

// defaultTurnInactivityTimeout applies when the caller passes zero.
const defaultTurnInactivityTimeout = 300 * time.Second

func normalizeTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return defaultTurnInactivityTimeout
	}
	return timeout
}

// RunNonStreaming sends userText over conn and accumulates the harness's
// response into a single OpenAI chat.completion. Every event observed
// along the way (including the ones that don't feed the accumulated text)
// is published to the hub for sessionID.
func (t *Translator) RunNonStreaming(ctx context.Context, sessionID string, conn Sender, events <-chan *harness.Event, userText string, inactivityTimeout time.Duration) (*ChatCompletionResponse, error) {
	frame, err := harness.EncodeUserMessage(userText)
	if err != nil {
		return nil, fmt.Errorf("encode user message: %w", err)
	}
	if err := conn.Send(frame); err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindUnavailable, "send turn to harness", err)
	}

	timeout := normalizeTimeout(inactivityTimeout)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var content strings.Builder
	var usage harness.Usage

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			t.publishInactivityError(sessionID, timeout)
			return nil, gatewayerr.New(gatewayerr.KindTimeout, fmt.Sprintf("no event from harness within %s", timeout))
		case ev, ok := <-events:
			if !ok {
				return nil, gatewayerr.New(gatewayerr.KindUnavailable, "harness connection closed mid-turn")
			}
			t.hub.Publish(sessionID, ev)
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(timeout)

			switch ev.Kind {
			case harness.KindContent:
				content.WriteString(ev.Text)
			case harness.KindMetadata:
				final := ev.FinalContent
				if final == "" {
					final = content.String()
				}
				if ev.Usage != nil {
					usage = *ev.Usage
				}
				return buildResponse(sessionID, final, usage), nil
			}
		}
	}
}

// RunStreaming sends userText over conn and forwards the harness's
// response to sink as OpenAI SSE chunks, publishing every observed event
// to the hub for sessionID along the way.
func (t *Translator) RunStreaming(ctx context.Context, sessionID string, conn Sender, events <-chan *harness.Event, userText string, inactivityTimeout time.Duration, sink StreamSink) error {
	frame, err := harness.EncodeUserMessage(userText)
	if err != nil {
		return fmt.Errorf("encode user message: %w", err)
	}
	if err := conn.Send(frame); err != nil {
		return gatewayerr.Wrap(gatewayerr.KindUnavailable, "send turn to harness", err)
	}

	timeout := normalizeTimeout(inactivityTimeout)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	sentRole := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			t.publishInactivityError(sessionID, timeout)
			return gatewayerr.New(gatewayerr.KindTimeout, fmt.Sprintf("no event from harness within %s", timeout))
		case ev, ok := <-events:
			if !ok {
				return gatewayerr.New(gatewayerr.KindUnavailable, "harness connection closed mid-turn")
			}
			t.hub.Publish(sessionID, ev)
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(timeout)

			switch ev.Kind {
			case harness.KindContent:
				delta := openai.ChatCompletionStreamChoiceDelta{Content: ev.Text}
				if !sentRole {
					delta.Role = openai.ChatMessageRoleAssistant
					sentRole = true
				}
				chunk := streamChunk(id, created, delta, "")
				if err := sink.WriteChunk(chunk); err != nil {
					return err
				}
			case harness.KindMetadata:
				final := streamChunk(id, created, openai.ChatCompletionStreamChoiceDelta{}, openai.FinishReasonStop)
				return sink.WriteChunk(final)
			}
		}
	}
}

func (t *Translator) publishInactivityError(sessionID string, timeout time.Duration) {
	t.hub.Publish(sessionID, &harness.Event{
		Kind:      harness.KindMetadata,
		Timestamp: time.Now(),
		ErrorNote: fmt.Sprintf("turn aborted: no event from harness within %s", timeout),
	})
}

func buildResponse(sessionID, content string, usage harness.Usage) *ChatCompletionResponse {
	return &ChatCompletionResponse{
		ChatCompletionResponse: openai.ChatCompletionResponse{
			ID:      "chatcmpl-" + uuid.NewString(),
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Choices: []openai.ChatCompletionChoice{
				{
					Index: 0,
					Message: openai.ChatCompletionMessage{
						Role:    openai.ChatMessageRoleAssistant,
						Content: content,
					},
					FinishReason: openai.FinishReasonStop,
				},
			},
			Usage: openai.Usage{
				PromptTokens:     usage.PromptTokens,
				CompletionTokens: usage.CompletionTokens,
				TotalTokens:      usage.TotalTokens,
			},
		},
		SessionID: sessionID,
	}
}

func streamChunk(id string, created int64, delta openai.ChatCompletionStreamChoiceDelta, finishReason openai.FinishReason) openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Choices: []openai.ChatCompletionStreamChoice{
			{
				Index:        0,
				Delta:        delta,
				FinishReason: finishReason,
			},
		},
	}
}
