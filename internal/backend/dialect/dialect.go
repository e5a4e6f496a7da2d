// Package dialect registers the three HTTP payload/extraction families
// named in spec §4.2(a): Anthropic-style, OpenAI-style, and Gemini-style.
// Provider descriptors select one by name; the HTTP backend is oblivious to
// the wire format beyond calling BuildRequest/ParseResponse.
package dialect

import (
	"fmt"
	"net/http"

	gateway "github.com/eugener/gatewayd/internal"
)

// Dialect builds an upstream request body and parses its response.
type Dialect interface {
	// Path is appended to the provider's base URL.
	Path() string
	// BuildRequest returns the JSON body for req.
	BuildRequest(req *gateway.Request, model string, maxTokens int) ([]byte, error)
	// SetHeaders adds dialect-specific headers (e.g. anthropic-version).
	SetHeaders(h http.Header, apiKey string)
	// ParseResponse extracts text and token usage from a 2xx body.
	ParseResponse(body []byte) (text string, usage gateway.Usage, err error)
}

var registry = map[gateway.Dialect]Dialect{
	gateway.DialectOpenAI:    OpenAI{},
	gateway.DialectAnthropic: Anthropic{},
	gateway.DialectGemini:    Gemini{},
}

// Get returns the named dialect, or an error if unregistered.
func Get(name gateway.Dialect) (Dialect, error) {
	d, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown dialect %q", name)
	}
	return d, nil
}
