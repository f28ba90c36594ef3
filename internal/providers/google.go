package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const googleAPIBase = "https://generativelanguage.googleapis.com"

// GoogleProvider speaks the Gemini generateContent API.
type GoogleProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	retry   RetryConfig
}

// GoogleOption configures the provider.
type GoogleOption func(*GoogleProvider)

// WithGoogleBaseURL overrides the API endpoint.
func WithGoogleBaseURL(url string) GoogleOption {
	return func(p *GoogleProvider) {
		if url != "" {
			p.baseURL = url
		}
	}
}

// WithGoogleRetry overrides the retry policy.
func WithGoogleRetry(cfg RetryConfig) GoogleOption {
	return func(p *GoogleProvider) { p.retry = cfg }
}

// NewGoogleProvider creates a provider with the given API key.
func NewGoogleProvider(apiKey string, opts ...GoogleOption) *GoogleProvider {
	p := &GoogleProvider{
		apiKey:  apiKey,
		baseURL: googleAPIBase,
		client:  &http.Client{Timeout: 120 * time.Second},
		retry:   DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *GoogleProvider) Name() string { return "google" }

type googlePart struct {
	Text         string `json:"text,omitempty"`
	FunctionCall *struct {
		Name string         `json:"name"`
		Args map[string]any `json:"args"`
	} `json:"functionCall,omitempty"`
	FunctionResponse *struct {
		Name     string         `json:"name"`
		Response map[string]any `json:"response"`
	} `json:"functionResponse,omitempty"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

// Chat sends the request and normalizes the response.
func (p *GoogleProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body, err := p.buildRequestBody(req)
	if err != nil {
		return nil, fmt.Errorf("google: build request: %w", err)
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.baseURL, req.Model)
	return retryDo(ctx, p.retry, "google", func() (*ChatResponse, error) {
		return p.doRequest(ctx, url, body)
	})
}

func (p *GoogleProvider) buildRequestBody(req ChatRequest) ([]byte, error) {
	contents := make([]googleContent, 0, len(req.Messages))
	toolNames := map[string]string{}
	for _, m := range req.Messages {
		for _, tc := range m.ToolCalls {
			toolNames[tc.ID] = tc.Name
		}
	}
	system := req.System
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			// System-role history (compaction summaries) joins the
			// systemInstruction block.
			if m.Content != "" {
				if system != "" {
					system += "\n\n"
				}
				system += m.Content
			}
			continue
		case "assistant":
			parts := []googlePart{}
			if m.Content != "" {
				parts = append(parts, googlePart{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				part := googlePart{}
				part.FunctionCall = &struct {
					Name string         `json:"name"`
					Args map[string]any `json:"args"`
				}{Name: tc.Name, Args: tc.Input}
				parts = append(parts, part)
			}
			if len(parts) == 0 {
				parts = append(parts, googlePart{Text: " "})
			}
			contents = append(contents, googleContent{Role: "model", Parts: parts})
		case "tool":
			name := toolNames[m.ToolCallID]
			part := googlePart{}
			part.FunctionResponse = &struct {
				Name     string         `json:"name"`
				Response map[string]any `json:"response"`
			}{Name: name, Response: map[string]any{"result": m.Content}}
			contents = append(contents, googleContent{Role: "user", Parts: []googlePart{part}})
		default:
			contents = append(contents, googleContent{Role: "user", Parts: []googlePart{{Text: m.Content}}})
		}
	}

	payload := map[string]any{"contents": contents}
	if system != "" {
		payload["systemInstruction"] = googleContent{Parts: []googlePart{{Text: system}}}
	}
	genCfg := map[string]any{}
	if req.MaxTokens > 0 {
		genCfg["maxOutputTokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		genCfg["temperature"] = req.Temperature
	}
	if len(genCfg) > 0 {
		payload["generationConfig"] = genCfg
	}
	if len(req.Tools) > 0 {
		decls := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  scrubSchema(t.InputSchema),
			})
		}
		payload["tools"] = []map[string]any{{"functionDeclarations": decls}}
	}
	return json.Marshal(payload)
}

// scrubSchema drops JSON-Schema keywords the Gemini API rejects.
func scrubSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		switch k {
		case "$schema", "additionalProperties", "default":
			continue
		}
		if sub, ok := v.(map[string]any); ok {
			out[k] = scrubSchema(sub)
			continue
		}
		out[k] = v
	}
	return out
}

type googleResponse struct {
	Candidates []struct {
		FinishReason string        `json:"finishReason"`
		Content      googleContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func (p *GoogleProvider) doRequest(ctx context.Context, url string, body []byte) (*ChatResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("google: request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("google: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Provider: "google", Status: resp.StatusCode, Body: string(respBody)}
	}

	var parsed googleResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("google: parse response: %w", err)
	}
	if len(parsed.Candidates) == 0 {
		return nil, fmt.Errorf("google: empty candidates in response")
	}
	cand := parsed.Candidates[0]

	out := &ChatResponse{}
	out.Usage.InputTokens = parsed.UsageMetadata.PromptTokenCount
	out.Usage.OutputTokens = parsed.UsageMetadata.CandidatesTokenCount
	for i, part := range cand.Content.Parts {
		if part.Text != "" {
			if out.Content != "" {
				out.Content += "\n"
			}
			out.Content += part.Text
		}
		if part.FunctionCall != nil {
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:    fmt.Sprintf("call-%s-%d", part.FunctionCall.Name, i),
				Name:  part.FunctionCall.Name,
				Input: part.FunctionCall.Args,
			})
		}
	}

	switch {
	case len(out.ToolCalls) > 0:
		out.StopReason = StopToolUse
	case cand.FinishReason == "MAX_TOKENS":
		out.StopReason = StopMaxTokens
	default:
		out.StopReason = StopEndTurn
	}
	return out, nil
}
