package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/angeloszaimis/credential-dispatcher/internal/provider"
)

// maxErrorBody bounds how much of a failed response is read for its message.
const maxErrorBody = 64 << 10

var ErrEmptyCompletion = errors.New("upstream returned no choices")

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Prompt struct {
	System      string
	User        string
	Temperature *float64
	MaxTokens   int
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// errorResponse covers both the OpenAI and the Gemini error envelope.
type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Status  string `json:"status"`
	} `json:"error"`
}

type Completion struct {
	Text             string        `json:"text"`
	Provider         string        `json:"provider"`
	Model            string        `json:"model"`
	FinishReason     string        `json:"finish_reason,omitempty"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	Latency          time.Duration `json:"latency"`
}

// Complete sends one chat completion request to h.Endpoint.
func Complete(ctx context.Context, h provider.Handle, p Prompt) (*Completion, error) {
	body := chatRequest{
		Model:       h.Model,
		Messages:    messages(p),
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.APIKey)

	client := h.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	start := time.Now()
	res, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", h.Provider, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, statusError(res)
	}

	var cr chatResponse
	if err := json.NewDecoder(res.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("decoding chat response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return nil, ErrEmptyCompletion
	}

	return &Completion{
		Text:             cr.Choices[0].Message.Content,
		Provider:         h.Provider,
		Model:            h.Model,
		FinishReason:     cr.Choices[0].FinishReason,
		PromptTokens:     cr.Usage.PromptTokens,
		CompletionTokens: cr.Usage.CompletionTokens,
		Latency:          time.Since(start),
	}, nil
}

func messages(p Prompt) []Message {
	msgs := make([]Message, 0, 2)
	if p.System != "" {
		msgs = append(msgs, Message{Role: "system", Content: p.System})
	}
	return append(msgs, Message{Role: "user", Content: p.User})
}

func statusError(res *http.Response) *provider.StatusError {
	raw, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))

	se := &provider.StatusError{Code: res.StatusCode}

	var er errorResponse
	if err := json.Unmarshal(raw, &er); err == nil && er.Error.Message != "" {
		parts := make([]string, 0, 2)
		if er.Error.Status != "" {
			parts = append(parts, er.Error.Status)
		}
		parts = append(parts, er.Error.Message)
		se.Message = strings.Join(parts, ": ")
		return se
	}

	se.Message = strings.TrimSpace(string(raw))
	return se
}
