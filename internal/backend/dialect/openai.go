package dialect

import (
	"encoding/json"
	"fmt"
	"net/http"

	gateway "github.com/eugener/gatewayd/internal"
)

// OpenAI implements the `choices[*].message.content` dialect.
type OpenAI struct{}

func (OpenAI) Path() string { return "/chat/completions" }

func (OpenAI) SetHeaders(h http.Header, apiKey string) {
	h.Set("Authorization", "Bearer "+apiKey)
	h.Set("Content-Type", "application/json")
}

type openAIRequest struct {
	Model     string          `json:"model"`
	Messages  []openAIMessage `json:"messages"`
	MaxTokens int             `json:"max_tokens,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (OpenAI) BuildRequest(req *gateway.Request, model string, maxTokens int) ([]byte, error) {
	body := openAIRequest{
		Model:     model,
		MaxTokens: maxTokens,
		Messages:  []openAIMessage{{Role: "user", Content: req.Prompt}},
	}
	return json.Marshal(body)
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (OpenAI) ParseResponse(body []byte) (string, gateway.Usage, error) {
	var r openAIResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return "", gateway.Usage{}, fmt.Errorf("openai: parse response: %w", err)
	}
	if len(r.Choices) == 0 {
		return "", gateway.Usage{}, fmt.Errorf("openai: response has no choices")
	}
	usage := gateway.Usage{
		PromptTokens:     r.Usage.PromptTokens,
		CompletionTokens: r.Usage.CompletionTokens,
		TotalTokens:      r.Usage.TotalTokens,
	}
	return r.Choices[0].Message.Content, usage, nil
}
