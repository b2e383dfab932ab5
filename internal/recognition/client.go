// Package recognition extracts structured expense data from receipt images
// through a vision-capable chat completions endpoint.
package recognition

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/expensio/expensio/internal/config"
	"github.com/expensio/expensio/internal/errors"
)

// Client talks to an OpenAI-compatible chat completions API.
type Client struct {
	cfg    config.RecognitionConfig
	client *http.Client
}

// NewClient creates a recognition API client.
func NewClient(cfg config.RecognitionConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60
	}
	return &Client{
		cfg: cfg,
		client: &http.Client{
			Timeout: time.Duration(timeout) * time.Second,
		},
	}
}

// ContentPart is one element of a multimodal message.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries an inline data URL.
type ImageURL struct {
	URL string `json:"url"`
}

// Message is a chat message with multimodal content.
type Message struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ChatRequest is the API request payload.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
}

// ChatResponse is the API response payload.
type ChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Complete sends one vision prompt with an inline image and returns the
// model's text output.
func (c *Client) Complete(ctx context.Context, prompt string, image []byte, mime string) (string, error) {
	req := ChatRequest{
		Model: c.cfg.Model,
		Messages: []Message{{
			Role: "user",
			Content: []ContentPart{
				{Type: "text", Text: prompt},
				{Type: "image_url", ImageURL: &ImageURL{
					URL: fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(image)),
				}},
			},
		}},
		MaxTokens: 1024,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrInternal.Code, "failed to marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, errors.ErrInternal.Code, "failed to create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrRecognitionUnavailable.Code, "failed to reach recognition service")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", errors.Wrap(
			fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody)),
			errors.ErrRecognitionUnavailable.Code,
			"recognition service returned an error",
		)
	}

	var result ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", errors.Wrap(err, errors.ErrRecognitionFailed.Code, "failed to decode response")
	}
	if len(result.Choices) == 0 {
		return "", errors.New(errors.ErrRecognitionFailed.Code, "no choices in response")
	}
	return result.Choices[0].Message.Content, nil
}
