package orchestrator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"chatdf/backend/internal/apperr"
)

// chatMessage is one turn of conversation sent to the model, including
// the synthetic tool-call/tool-response turns appended during dispatch.
type chatMessage struct {
	Role       string          `json:"role"`
	Content    string          `json:"content,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolArgs   json.RawMessage `json:"tool_args,omitempty"`
	ToolResult string          `json:"tool_result,omitempty"`
}

// chatRequest is the payload posted to the streaming completion
// endpoint.
type chatRequest struct {
	Model    string        `json:"model"`
	System   string        `json:"system"`
	Messages []chatMessage `json:"messages"`
	Tools    []toolSpec    `json:"tools"`
}

type toolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// streamChunk is one SSE frame from the model. Exactly one of Text,
// Thought, or FunctionCall is populated per chunk; Usage is populated
// only on the final chunk of a stream.
type streamChunk struct {
	Text         string           `json:"text,omitempty"`
	Thought      string           `json:"thought,omitempty"`
	FunctionCall *functionCallMsg `json:"function_call,omitempty"`
	Usage        *usageMsg        `json:"usage,omitempty"`
}

type functionCallMsg struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type usageMsg struct {
	PromptTokens     int `json:"prompt_tokens"`
	CandidatesTokens int `json:"candidates_tokens"`
}

// chunkHandler is invoked once per decoded SSE frame, on the caller's
// goroutine, before the next frame is read.
type chunkHandler func(streamChunk)

// llmClient streams chat completions from the configured model
// provider and retries its rate-limit response with exponential
// backoff.
type llmClient struct {
	http       *resty.Client
	model      string
	maxRetries int
	baseDelay  time.Duration
}

func newLLMClient(baseURL, apiKey, model string, maxRetries int, baseDelay, requestTimeout time.Duration) *llmClient {
	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetTimeout(requestTimeout)
	client.SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		client.SetHeader("Authorization", "Bearer "+apiKey)
	}

	return &llmClient{
		http:       client,
		model:      model,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
	}
}

// streamChat posts one completion request and decodes the SSE response
// body, invoking handle per chunk. It retries the whole request on a
// 429 response with exponential backoff, and returns accumulated
// prompt/candidate token counts from the final chunk's usage block.
func (c *llmClient) streamChat(ctx context.Context, req chatRequest, handle chunkHandler) (inputTokens, outputTokens int, err error) {
	req.Model = c.model

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.baseDelay * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return 0, 0, ctx.Err()
			}
		}

		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(req).
			SetDoNotParseResponse(true).
			Post("/v1/chat/stream")
		if err != nil {
			if ctx.Err() != nil {
				return 0, 0, ctx.Err()
			}
			return 0, 0, apperr.Wrap(err, apperr.ErrNetwork)
		}

		raw := resp.RawResponse
		if raw.StatusCode == http.StatusTooManyRequests {
			raw.Body.Close()
			lastErr = apperr.New(apperr.ErrLLMBusy, "model provider is rate-limiting requests")
			continue
		}
		if raw.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(raw.Body)
			raw.Body.Close()
			return 0, 0, apperr.NewWithDetails(apperr.ErrNetwork, "model provider returned an error", string(body))
		}

		in, out, err := readChatStream(ctx, raw.Body, handle)
		raw.Body.Close()
		return in, out, err
	}

	return 0, 0, apperr.Wrap(lastErr, apperr.ErrLLMBusy)
}

// readChatStream decodes one SSE response body into chunk callbacks,
// accumulating token usage from the terminal chunk.
func readChatStream(ctx context.Context, body io.Reader, handle chunkHandler) (inputTokens, outputTokens int, err error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	scanner.Split(splitSSEFrames)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return inputTokens, outputTokens, ctx.Err()
		default:
		}

		frame := scanner.Bytes()
		if !bytes.HasPrefix(frame, []byte("data: ")) {
			continue
		}
		payload := bytes.TrimPrefix(frame, []byte("data: "))
		if len(payload) == 0 || string(payload) == "[DONE]" {
			continue
		}

		var chunk streamChunk
		if err := json.Unmarshal(payload, &chunk); err != nil {
			slog.Warn("failed to decode model stream chunk", "error", err)
			continue
		}

		if chunk.Usage != nil {
			inputTokens += chunk.Usage.PromptTokens
			outputTokens += chunk.Usage.CandidatesTokens
		}

		handle(chunk)
	}

	if err := scanner.Err(); err != nil {
		return inputTokens, outputTokens, fmt.Errorf("reading model stream: %w", err)
	}
	return inputTokens, outputTokens, nil
}

// splitSSEFrames splits a byte stream on blank-line-delimited SSE
// frames ("\n\n"), matching the wire format produced by the provider.
func splitSSEFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		return i + 2, data[0:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
