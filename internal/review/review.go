// Package review asks a generative model to rewrite a code snippet and
// cleans the reply into plain buffer text. It sits beside the session
// engine: a reviewed buffer only reaches a room when a client sends it
// as an ordinary code change.
package review

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"google.golang.org/genai"
)

var (
	ErrEmptyCode = errors.New("code is required")
	ErrNoReply   = errors.New("model returned no text")
)

// Reviewer turns a snippet into an improved version of itself
type Reviewer interface {
	Review(ctx context.Context, code, language string) (string, error)
}

// Prompt is the instruction sent along with the snippet
func Prompt(code, language string) string {
	return fmt.Sprintf("You are an expert %s developer.\n"+
		"Please generate the improved and corrected %s code based on the following code snippet.\n"+
		"Do not include any comments, explanations, or suggestions, only provide the complete corrected code.\n"+
		"Here is the code:\n\n%s\n\nImproved Code:", language, language, code)
}

// GeminiClient reviews code through the Gemini API
type GeminiClient struct {
	client *genai.Client
	model  string
}

// NewGeminiClient builds a client for model. An empty baseURL keeps the
// SDK's default endpoint.
func NewGeminiClient(ctx context.Context, apiKey, model, baseURL string) (*GeminiClient, error) {
	cc := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
	}
	if baseURL != "" {
		cc.HTTPOptions.BaseURL = baseURL
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiClient{client: client, model: model}, nil
}

func (g *GeminiClient) Review(ctx context.Context, code, language string) (string, error) {
	if code == "" {
		return "", ErrEmptyCode
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(Prompt(code, language)), nil)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return "", ErrNoReply
	}
	return text, nil
}

var (
	openingFence = regexp.MustCompile("```[A-Za-z0-9_+#-]*\\s*")
	nonAlnum     = regexp.MustCompile(`[^a-z0-9]`)
)

var languageNames = map[string]bool{
	"javascript": true,
	"python":     true,
	"java":       true,
	"cpp":        true,
	"csharp":     true,
	"ruby":       true,
	"go":         true,
	"typescript": true,
}

// StripFences removes markdown code fences anywhere in the reply
func StripFences(reply string) string {
	out := openingFence.ReplaceAllString(reply, "")
	out = strings.ReplaceAll(out, "```", "")
	return strings.TrimSpace(out)
}

// StripLanguageLine drops a first line that only names a language
func StripLanguageLine(text string) string {
	first, rest, found := strings.Cut(text, "\n")

	lower := strings.ToLower(first)
	normalized := nonAlnum.ReplaceAllString(lower, "")
	if normalized == "c" {
		switch {
		case strings.Contains(lower, "c++"):
			normalized = "cpp"
		case strings.Contains(lower, "c#"):
			normalized = "csharp"
		}
	}

	if !languageNames[normalized] {
		return text
	}
	if !found {
		return ""
	}
	return strings.TrimSpace(rest)
}

// Clean turns a raw model reply into buffer text
func Clean(reply string) string {
	return StripLanguageLine(StripFences(reply))
}
