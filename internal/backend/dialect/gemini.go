package dialect

import (
	"encoding/json"
	"fmt"
	"net/http"

	gateway "github.com/eugener/gatewayd/internal"
)

// Gemini implements the `candidates[*].content.parts[*].text` dialect.
type Gemini struct{}

func (Gemini) Path() string { return ":generateContent" }

func (Gemini) SetHeaders(h http.Header, apiKey string) {
	h.Set("x-goog-api-key", apiKey)
	h.Set("Content-Type", "application/json")
}

type geminiRequest struct {
	Contents         []geminiContent  `json:"contents"`
	GenerationConfig *geminiGenConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

func (Gemini) BuildRequest(req *gateway.Request, model string, maxTokens int) ([]byte, error) {
	body := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: req.Prompt}}}},
	}
	if maxTokens > 0 {
		body.GenerationConfig = &geminiGenConfig{MaxOutputTokens: maxTokens}
	}
	return json.Marshal(body)
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (Gemini) ParseResponse(body []byte) (string, gateway.Usage, error) {
	var r geminiResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return "", gateway.Usage{}, fmt.Errorf("gemini: parse response: %w", err)
	}
	if len(r.Candidates) == 0 || len(r.Candidates[0].Content.Parts) == 0 {
		return "", gateway.Usage{}, fmt.Errorf("gemini: response has no candidates")
	}
	var text string
	for _, p := range r.Candidates[0].Content.Parts {
		text += p.Text
	}
	usage := gateway.Usage{
		PromptTokens:     r.UsageMetadata.PromptTokenCount,
		CompletionTokens: r.UsageMetadata.CandidatesTokenCount,
		TotalTokens:      r.UsageMetadata.TotalTokenCount,
	}
	return text, usage, nil
}
