package dialect

import (
	"encoding/json"
	"fmt"
	"net/http"

	gateway "github.com/eugener/gatewayd/internal"
)

// Anthropic implements the `messages` array, `content[*].text` dialect.
type Anthropic struct{}

func (Anthropic) Path() string { return "/v1/messages" }

func (Anthropic) SetHeaders(h http.Header, apiKey string) {
	h.Set("x-api-key", apiKey)
	h.Set("anthropic-version", "2023-06-01")
	h.Set("Content-Type", "application/json")
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (Anthropic) BuildRequest(req *gateway.Request, model string, maxTokens int) ([]byte, error) {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	body := anthropicRequest{
		Model:     model,
		MaxTokens: maxTokens,
		Messages:  []anthropicMessage{{Role: "user", Content: req.Prompt}},
	}
	return json.Marshal(body)
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (Anthropic) ParseResponse(body []byte) (string, gateway.Usage, error) {
	var r anthropicResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return "", gateway.Usage{}, fmt.Errorf("anthropic: parse response: %w", err)
	}
	var text string
	for _, c := range r.Content {
		if c.Type == "text" {
			text += c.Text
		}
	}
	usage := gateway.Usage{
		PromptTokens:     r.Usage.InputTokens,
		CompletionTokens: r.Usage.OutputTokens,
		TotalTokens:      r.Usage.InputTokens + r.Usage.OutputTokens,
	}
	return text, usage, nil
}
