package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"tailcoach/backend/internal/config"
)

type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type AIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type AIModelRequest struct {
	Model        string
	SystemPrompt string
	Conversation []ChatTurn
	UserPrompt   string
}

type AIModelResponse struct {
	Answer string
	Model  string
	Usage  AIUsage
}

// AIClient is the generic completion interface. QueryStream must yield a
// final response equivalent to what Query would have returned for the same
// request; onDelta receives incremental text fragments.
type AIClient interface {
	Query(ctx context.Context, req AIModelRequest) (AIModelResponse, error)
	QueryStream(ctx context.Context, req AIModelRequest, onDelta func(string)) (AIModelResponse, error)
}

type OpenAIChatClient struct {
	apiKey          string
	baseURL         string
	maxOutputTokens int
	httpClient      *http.Client
}

func NewOpenAIChatClient(cfg config.Config) *OpenAIChatClient {
	return &OpenAIChatClient{
		apiKey:          strings.TrimSpace(cfg.OpenAIAPIKey),
		baseURL:         strings.TrimRight(strings.TrimSpace(cfg.OpenAIBaseURL), "/"),
		maxOutputTokens: cfg.AIMaxOutputTokens,
		// Deadlines are owned by the invoker via request contexts, so the
		// client itself carries no timeout.
		httpClient: &http.Client{},
	}
}

func (c *OpenAIChatClient) buildMessages(req AIModelRequest) []map[string]string {
	messages := make([]map[string]string, 0, len(req.Conversation)+2)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		messages = append(messages, map[string]string{
			"role":    "system",
			"content": strings.TrimSpace(req.SystemPrompt),
		})
	}
	for _, turn := range req.Conversation {
		role := strings.ToLower(strings.TrimSpace(turn.Role))
		if role != "user" && role != "assistant" {
			continue
		}
		content := strings.TrimSpace(turn.Content)
		if content == "" {
			continue
		}
		messages = append(messages, map[string]string{"role": role, "content": content})
	}
	if userPrompt := strings.TrimSpace(req.UserPrompt); userPrompt != "" {
		messages = append(messages, map[string]string{"role": "user", "content": userPrompt})
	}
	return messages
}

func (c *OpenAIChatClient) newRequest(ctx context.Context, req AIModelRequest, stream bool) (*http.Request, error) {
	if c.apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY is not configured")
	}
	if c.baseURL == "" {
		return nil, errors.New("OPENAI_BASE_URL is not configured")
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		return nil, errors.New("AI request model is empty")
	}
	messages := c.buildMessages(req)
	if len(messages) == 0 {
		return nil, errors.New("AI request input is empty")
	}

	maxTokens := c.maxOutputTokens
	if maxTokens < 600 {
		maxTokens = 600
	}
	payload := map[string]any{
		"model":                 model,
		"messages":              messages,
		"max_completion_tokens": maxTokens,
	}
	if stream {
		payload["stream"] = true
		payload["stream_options"] = map[string]any{"include_usage": true}
	}
	bodyRaw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	request, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.baseURL+"/chat/completions",
		bytes.NewReader(bodyRaw),
	)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Authorization", "Bearer "+c.apiKey)
	request.Header.Set("Content-Type", "application/json")
	return request, nil
}

func (c *OpenAIChatClient) Query(ctx context.Context, req AIModelRequest) (AIModelResponse, error) {
	request, err := c.newRequest(ctx, req, false)
	if err != nil {
		return AIModelResponse{}, err
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return AIModelResponse{}, err
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return AIModelResponse{}, err
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return AIModelResponse{}, fmt.Errorf(
			"openai chat error (%d): %s",
			response.StatusCode,
			strings.TrimSpace(string(responseBody)),
		)
	}

	parsed := parseJSONStringMap(responseBody)
	answer := extractChatAnswer(parsed)
	if strings.TrimSpace(answer) == "" {
		return AIModelResponse{}, errors.New("openai chat answer is empty")
	}

	usage, _ := parsed["usage"].(map[string]any)
	modelName := strings.TrimSpace(toString(parsed["model"]))
	if modelName == "" {
		modelName = strings.TrimSpace(req.Model)
	}
	return AIModelResponse{
		Answer: answer,
		Model:  modelName,
		Usage:  usageFromMap(usage),
	}, nil
}

// QueryStream consumes the line-delimited SSE event protocol, accumulating
// text deltas into the same final string a buffered call would produce.
func (c *OpenAIChatClient) QueryStream(
	ctx context.Context,
	req AIModelRequest,
	onDelta func(string),
) (AIModelResponse, error) {
	request, err := c.newRequest(ctx, req, true)
	if err != nil {
		return AIModelResponse{}, err
	}
	request.Header.Set("Accept", "text/event-stream")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return AIModelResponse{}, err
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		responseBody, _ := io.ReadAll(response.Body)
		return AIModelResponse{}, fmt.Errorf(
			"openai chat error (%d): %s",
			response.StatusCode,
			strings.TrimSpace(string(responseBody)),
		)
	}

	scanner := bufio.NewScanner(response.Body)
	// Large deltas can exceed the default 64KB token size.
	const maxCapacity = 1024 * 1024
	scanner.Buffer(make([]byte, maxCapacity), maxCapacity)

	var builder strings.Builder
	usage := AIUsage{}
	modelName := ""
	done := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			done = true
			break
		}
		event := parseJSONStringMap([]byte(data))
		if name := strings.TrimSpace(toString(event["model"])); name != "" {
			modelName = name
		}
		if usageMap, ok := event["usage"].(map[string]any); ok && usageMap != nil {
			usage = usageFromMap(usageMap)
		}
		delta := extractStreamDelta(event)
		if delta == "" {
			continue
		}
		builder.WriteString(delta)
		if onDelta != nil {
			onDelta(delta)
		}
	}
	if err := scanner.Err(); err != nil {
		return AIModelResponse{}, err
	}
	if !done && ctx.Err() != nil {
		return AIModelResponse{}, ctx.Err()
	}

	answer := strings.TrimSpace(builder.String())
	if answer == "" {
		return AIModelResponse{}, errors.New("openai chat answer is empty")
	}
	if modelName == "" {
		modelName = strings.TrimSpace(req.Model)
	}
	return AIModelResponse{Answer: answer, Model: modelName, Usage: usage}, nil
}

func extractChatAnswer(data map[string]any) string {
	choices, ok := data["choices"].([]any)
	if !ok || len(choices) == 0 {
		return ""
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return ""
	}
	message, ok := choice["message"].(map[string]any)
	if !ok {
		return ""
	}
	return strings.TrimSpace(toString(message["content"]))
}

func extractStreamDelta(event map[string]any) string {
	choices, ok := event["choices"].([]any)
	if !ok || len(choices) == 0 {
		return ""
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return ""
	}
	delta, ok := choice["delta"].(map[string]any)
	if !ok {
		return ""
	}
	return toString(delta["content"])
}

func usageFromMap(usage map[string]any) AIUsage {
	return AIUsage{
		PromptTokens:     int(extractNumberFromMap(usage, "prompt_tokens", "input_tokens")),
		CompletionTokens: int(extractNumberFromMap(usage, "completion_tokens", "output_tokens")),
		TotalTokens:      int(extractNumberFromMap(usage, "total_tokens")),
	}
}

// MockAIClient returns canned responses for tests and local development.
type MockAIClient struct {
	Model  string
	Answer string
	Err    error
}

func (m MockAIClient) respond(req AIModelRequest) (AIModelResponse, error) {
	if m.Err != nil {
		return AIModelResponse{}, m.Err
	}
	answer := m.Answer
	if answer == "" {
		question := strings.TrimSpace(req.UserPrompt)
		if question == "" {
			question = "No question provided."
		}
		answer = "Mock response: " + question
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = strings.TrimSpace(m.Model)
	}
	if model == "" {
		model = "gpt-5-mini"
	}
	return AIModelResponse{
		Answer: answer,
		Model:  model,
		Usage:  AIUsage{PromptTokens: 120, CompletionTokens: 80, TotalTokens: 200},
	}, nil
}

func (m MockAIClient) Query(_ context.Context, req AIModelRequest) (AIModelResponse, error) {
	return m.respond(req)
}

func (m MockAIClient) QueryStream(
	_ context.Context,
	req AIModelRequest,
	onDelta func(string),
) (AIModelResponse, error) {
	resp, err := m.respond(req)
	if err != nil {
		return AIModelResponse{}, err
	}
	if onDelta != nil {
		onDelta(resp.Answer)
	}
	return resp, nil
}
