//go:build !integration && !e2e
// +build !integration,!e2e

package transformer

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/user/ucr/internal/models"
)

func minimalRequest() *models.CanonicalRequest {
	return &models.CanonicalRequest{
		Model:     "test-model",
		MaxTokens: 64,
		Messages: []models.Message{
			{Role: "user", Content: models.MessageContent{Text: "Hi"}},
		},
	}
}

func testProvider(id string) *models.Provider {
	return &models.Provider{
		ID:      id,
		BaseURL: "https://api.example.com",
		APIKey:  "k",
		Enabled: true,
	}
}

func TestRegistry_ResolveAllProviders(t *testing.T) {
	r := NewRegistry()

	ids := []string{
		"anthropic", "openai", "deepseek", "groq", "mistral",
		"perplexity", "together", "openrouter", "copilot",
		"github-copilot", "gemini", "google", "vertex", "cohere",
		"ollama", "replicate",
	}
	for _, id := range ids {
		t.Run(id, func(t *testing.T) {
			adapter, err := r.Resolve(testProvider(id))
			require.NoError(t, err)
			assert.NotEmpty(t, adapter.Name())
		})
	}
}

func TestRegistry_MetadataOverride(t *testing.T) {
	r := NewRegistry()
	p := testProvider("my-local-llm")
	p.Metadata = map[string]string{"transformer": "ollama"}

	adapter, err := r.Resolve(p)
	require.NoError(t, err)
	assert.Equal(t, "ollama", adapter.Name())
}

func TestRegistry_UnknownProvider(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve(testProvider("no-such-provider"))
	assert.Error(t, err)
}

// Round-trip: every adapter turns a minimal canonical request into an
// upstream call, and a representative upstream body back into a
// canonical response with role assistant and non-empty text.
func TestAdapters_RoundTrip(t *testing.T) {
	tests := []struct {
		name         string
		adapter      Transformer
		upstreamBody string
	}{
		{
			name:    "anthropic",
			adapter: NewAnthropic(),
			upstreamBody: `{"id":"msg_01","type":"message","role":"assistant",
				"content":[{"type":"text","text":"Hello"}],"model":"test-model",
				"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":5}}`,
		},
		{
			name:    "openai",
			adapter: NewOpenAICompatible(openAIVariants()[0]),
			upstreamBody: `{"id":"chatcmpl-1","model":"test-model",
				"choices":[{"message":{"role":"assistant","content":"Hello"},"finish_reason":"stop"}],
				"usage":{"prompt_tokens":3,"completion_tokens":5}}`,
		},
		{
			name:    "gemini",
			adapter: NewGemini(),
			upstreamBody: `{"candidates":[{"content":{"parts":[{"text":"Hello"}]},"finishReason":"STOP"}],
				"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":5}}`,
		},
		{
			name:    "cohere",
			adapter: NewCohere(),
			upstreamBody: `{"text":"Hello","generation_id":"gen-1","finish_reason":"COMPLETE",
				"meta":{"billed_units":{"input_tokens":3,"output_tokens":5}}}`,
		},
		{
			name:    "ollama",
			adapter: NewOllama(),
			upstreamBody: `{"message":{"role":"assistant","content":"Hello"},"done":true,
				"done_reason":"stop","prompt_eval_count":3,"eval_count":5}`,
		},
		{
			name:         "replicate",
			adapter:      NewReplicate(),
			upstreamBody: `{"id":"pred-1","status":"succeeded","output":["Hel","lo"]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := minimalRequest()
			up, err := tt.adapter.TransformRequest(req, testProvider(tt.name))
			require.NoError(t, err)
			assert.Equal(t, "POST", up.Method)
			assert.NotEmpty(t, up.URL)
			assert.NotEmpty(t, up.Body)
			assert.Equal(t, "application/json", up.Headers["Content-Type"])

			resp, err := tt.adapter.TransformResponse([]byte(tt.upstreamBody), req)
			require.NoError(t, err)
			assert.Equal(t, "assistant", resp.Role)
			assert.Equal(t, "test-model", resp.Model)
			require.NotEmpty(t, resp.Content)
			assert.Equal(t, "Hello", resp.Content[0].Text)
		})
	}
}

func TestAnthropic_RequestShape(t *testing.T) {
	req := minimalRequest()
	up, err := NewAnthropic().TransformRequest(req, testProvider("anthropic"))
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com/v1/messages", up.URL)
	assert.Equal(t, "k", up.Headers["x-api-key"])
	assert.Equal(t, "2023-06-01", up.Headers["anthropic-version"])

	var echoed models.CanonicalRequest
	require.NoError(t, json.Unmarshal(up.Body, &echoed))
	assert.Equal(t, req.Model, echoed.Model)
	assert.Equal(t, req.MaxTokens, echoed.MaxTokens)
}

func TestOpenAI_SystemPromptBecomesFirstMessage(t *testing.T) {
	req := minimalRequest()
	req.System = &models.SystemPrompt{Text: "be brief"}
	temp := 0.5
	req.Temperature = &temp
	req.StopSequences = []string{"END"}

	up, err := NewOpenAICompatible(openAIVariants()[0]).TransformRequest(req, testProvider("openai"))
	require.NoError(t, err)

	var body openAIRequest
	require.NoError(t, json.Unmarshal(up.Body, &body))
	require.Len(t, body.Messages, 2)
	assert.Equal(t, "system", body.Messages[0].Role)
	assert.Equal(t, "be brief", body.Messages[0].Content)
	assert.Equal(t, "user", body.Messages[1].Role)
	require.NotNil(t, body.Temperature)
	assert.Equal(t, 0.5, *body.Temperature)
	assert.Equal(t, []string{"END"}, body.Stop)
	assert.Equal(t, "Bearer k", up.Headers["Authorization"])
}

func TestCopilot_EditorHeaders(t *testing.T) {
	r := NewRegistry()
	p := testProvider("github-copilot")
	p.APIKey = "gho_token"

	adapter, err := r.Resolve(p)
	require.NoError(t, err)

	up, err := adapter.TransformRequest(minimalRequest(), p)
	require.NoError(t, err)

	assert.Equal(t, "Bearer gho_token", up.Headers["Authorization"])
	assert.Equal(t, "vscode/1.85.0", up.Headers["Editor-Version"])
	assert.Equal(t, "copilot-chat/0.11.1", up.Headers["Editor-Plugin-Version"])
	assert.Equal(t, "GitHubCopilotChat/0.11.1", up.Headers["User-Agent"])
	assert.Equal(t, "application/json", up.Headers["Content-Type"])
}

func TestCopilot_MetadataOverridesEditorHeaders(t *testing.T) {
	r := NewRegistry()
	p := testProvider("copilot")
	p.Metadata = map[string]string{"editorVersion": "vscode/1.99.0"}

	adapter, err := r.Resolve(p)
	require.NoError(t, err)
	up, err := adapter.TransformRequest(minimalRequest(), p)
	require.NoError(t, err)
	assert.Equal(t, "vscode/1.99.0", up.Headers["Editor-Version"])
}

func TestOpenRouter_AttributionHeaders(t *testing.T) {
	r := NewRegistry()
	p := testProvider("openrouter")

	adapter, err := r.Resolve(p)
	require.NoError(t, err)
	up, err := adapter.TransformRequest(minimalRequest(), p)
	require.NoError(t, err)

	assert.Contains(t, up.URL, "/api/v1/chat/completions")
	assert.NotEmpty(t, up.Headers["HTTP-Referer"])
	assert.NotEmpty(t, up.Headers["X-Title"])
}

func TestGemini_AIStudioMergesConsecutiveUserMessages(t *testing.T) {
	req := &models.CanonicalRequest{
		Model:     "gemini-pro",
		MaxTokens: 16,
		Messages: []models.Message{
			{Role: "user", Content: models.MessageContent{Text: "a"}},
			{Role: "user", Content: models.MessageContent{Text: "b"}},
		},
	}
	p := testProvider("google")
	p.BaseURL = "https://generativelanguage.googleapis.com"

	up, err := NewGemini().TransformRequest(req, p)
	require.NoError(t, err)

	assert.Equal(t,
		"https://generativelanguage.googleapis.com/v1beta/models/gemini-pro:generateContent",
		up.URL)
	assert.NotContains(t, up.URL, "key=")
	assert.Equal(t, "k", up.Headers["x-goog-api-key"])
	assert.Empty(t, up.Headers["Authorization"])

	var body geminiRequest
	require.NoError(t, json.Unmarshal(up.Body, &body))
	require.Len(t, body.Contents, 1)
	assert.Equal(t, "user", body.Contents[0].Role)
	require.Len(t, body.Contents[0].Parts, 1)
	assert.Equal(t, "a\nb", body.Contents[0].Parts[0].Text)
}

func TestGemini_VertexModeByHostname(t *testing.T) {
	tests := []struct {
		name   string
		base   string
		vertex bool
	}{
		{"aiplatform host", "https://us-central1-aiplatform.googleapis.com", true},
		{"vertexai host", "https://vertexai.googleapis.com", true},
		{"ai studio host", "https://generativelanguage.googleapis.com", false},
		{"lookalike outside googleapis", "https://aiplatform.example.com", false},
		{"suffix trick", "https://aiplatform.googleapis.com.evil.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.vertex, isVertexHost(tt.base))
		})
	}
}

func TestGemini_VertexURLAndAuth(t *testing.T) {
	req := minimalRequest()
	req.Model = "gemini-pro"
	p := testProvider("vertex")
	p.BaseURL = "https://us-central1-aiplatform.googleapis.com"
	p.Metadata = map[string]string{"projectId": "proj-1", "location": "europe-west4"}

	up, err := NewGemini().TransformRequest(req, p)
	require.NoError(t, err)

	assert.Equal(t,
		"https://us-central1-aiplatform.googleapis.com/v1/projects/proj-1/locations/europe-west4/publishers/google/models/gemini-pro:generateContent",
		up.URL)
	assert.Equal(t, "Bearer k", up.Headers["Authorization"])
	assert.Empty(t, up.Headers["x-goog-api-key"])
}

func TestGemini_AssistantRenamesToModel(t *testing.T) {
	req := &models.CanonicalRequest{
		Model:     "gemini-pro",
		MaxTokens: 16,
		Messages: []models.Message{
			{Role: "user", Content: models.MessageContent{Text: "hi"}},
			{Role: "assistant", Content: models.MessageContent{Text: "hello"}},
			{Role: "user", Content: models.MessageContent{Text: "bye"}},
		},
	}
	up, err := NewGemini().TransformRequest(req, testProvider("gemini"))
	require.NoError(t, err)

	var body geminiRequest
	require.NoError(t, json.Unmarshal(up.Body, &body))
	require.Len(t, body.Contents, 3)
	assert.Equal(t, "model", body.Contents[1].Role)
}

func TestCohere_HistorySplit(t *testing.T) {
	req := &models.CanonicalRequest{
		Model:     "command-r",
		MaxTokens: 16,
		System:    &models.SystemPrompt{Text: "be brief"},
		Messages: []models.Message{
			{Role: "user", Content: models.MessageContent{Text: "first"}},
			{Role: "assistant", Content: models.MessageContent{Text: "reply"}},
			{Role: "user", Content: models.MessageContent{Text: "second"}},
		},
	}
	up, err := NewCohere().TransformRequest(req, testProvider("cohere"))
	require.NoError(t, err)

	var body cohereRequest
	require.NoError(t, json.Unmarshal(up.Body, &body))
	assert.Equal(t, "second", body.Message)
	assert.Equal(t, "be brief", body.Preamble)
	require.Len(t, body.ChatHistory, 2)
	assert.Equal(t, "USER", body.ChatHistory[0].Role)
	assert.Equal(t, "CHATBOT", body.ChatHistory[1].Role)
}

func TestOllama_OptionsBagAndNoAuth(t *testing.T) {
	req := minimalRequest()
	temp := 0.7
	topK := 40
	req.Temperature = &temp
	req.TopK = &topK

	up, err := NewOllama().TransformRequest(req, testProvider("ollama"))
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com/api/chat", up.URL)
	assert.Empty(t, up.Headers["Authorization"])

	var body ollamaRequest
	require.NoError(t, json.Unmarshal(up.Body, &body))
	require.NotNil(t, body.Options)
	assert.Equal(t, 64, body.Options.NumPredict)
	require.NotNil(t, body.Options.TopK)
	assert.Equal(t, 40, *body.Options.TopK)
}

func TestReplicate_PromptFlattening(t *testing.T) {
	req := &models.CanonicalRequest{
		Model:     "llama-3",
		MaxTokens: 16,
		Messages: []models.Message{
			{Role: "user", Content: models.MessageContent{Text: "hi"}},
			{Role: "assistant", Content: models.MessageContent{Text: "hello"}},
			{Role: "user", Content: models.MessageContent{Text: "bye"}},
		},
	}
	up, err := NewReplicate().TransformRequest(req, testProvider("replicate"))
	require.NoError(t, err)

	assert.Equal(t, "Token k", up.Headers["Authorization"])
	assert.Contains(t, up.URL, "/v1/predictions")

	var body replicateRequest
	require.NoError(t, json.Unmarshal(up.Body, &body))
	assert.Contains(t, body.Input.Prompt, "User: hi")
	assert.Contains(t, body.Input.Prompt, "Assistant: hello")
	assert.True(t, strings.HasSuffix(body.Input.Prompt, "Assistant:"))
}

func TestReplicate_NoUsageReported(t *testing.T) {
	resp, err := NewReplicate().TransformResponse(
		[]byte(`{"id":"p1","status":"succeeded","output":"Hello"}`), minimalRequest())
	require.NoError(t, err)
	assert.Zero(t, resp.Usage.InputTokens)
	assert.Zero(t, resp.Usage.OutputTokens)
}

func TestOpenAI_StreamChunks(t *testing.T) {
	adapter := NewOpenAICompatible(openAIVariants()[0])

	lines := []string{
		`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		`data: [DONE]`,
	}

	var texts []string
	done := false
	for _, line := range lines {
		res, err := adapter.TransformChunk([]byte(line))
		require.NoError(t, err)
		if res.Done {
			done = true
			break
		}
		if res.Event == nil {
			continue
		}
		payload, ok := ssePayload(res.Event)
		require.True(t, ok)
		var ev models.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(payload), &ev))
		assert.Equal(t, "content_block_delta", ev.Type)
		texts = append(texts, ev.Delta.Text)
	}

	assert.True(t, done)
	assert.Equal(t, []string{"Hel", "lo"}, texts)
}

func TestOpenAI_StreamSkipsMalformedAndEmpty(t *testing.T) {
	adapter := NewOpenAICompatible(openAIVariants()[0])

	for _, line := range []string{
		"",
		": keep-alive",
		"data: {not json",
		`data: {"choices":[]}`,
	} {
		res, err := adapter.TransformChunk([]byte(line))
		require.NoError(t, err)
		assert.Nil(t, res.Event, "line %q should be skipped", line)
		assert.False(t, res.Done)
	}
}

func TestCohere_StreamEvents(t *testing.T) {
	adapter := NewCohere()

	res, err := adapter.TransformChunk([]byte(`{"event_type":"text-generation","text":"Hi"}`))
	require.NoError(t, err)
	require.NotNil(t, res.Event)

	res, err = adapter.TransformChunk([]byte(`{"event_type":"stream-start"}`))
	require.NoError(t, err)
	assert.Nil(t, res.Event)

	res, err = adapter.TransformChunk([]byte(`{"event_type":"stream-end"}`))
	require.NoError(t, err)
	assert.True(t, res.Done)
}

func TestOllama_StreamNDJSON(t *testing.T) {
	adapter := NewOllama()

	res, err := adapter.TransformChunk([]byte(`{"message":{"content":"Hi"},"done":false}`))
	require.NoError(t, err)
	require.NotNil(t, res.Event)

	res, err = adapter.TransformChunk([]byte(`{"message":{"content":""},"done":true,"done_reason":"stop"}`))
	require.NoError(t, err)
	assert.True(t, res.Done)
}

func TestAnthropic_StreamPassThrough(t *testing.T) {
	adapter := NewAnthropic()
	line := []byte(`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Hi"}}` + "\n")
	res, err := adapter.TransformChunk(line)
	require.NoError(t, err)
	assert.Equal(t, line, res.Event)
}

func TestFinishReasonMaps(t *testing.T) {
	tests := []struct {
		name     string
		fn       func(string) string
		reason   string
		expected string
	}{
		{"openai stop", mapOpenAIFinish, "stop", models.StopReasonEndTurn},
		{"openai length", mapOpenAIFinish, "length", models.StopReasonMaxTokens},
		{"openai content_filter", mapOpenAIFinish, "content_filter", models.StopReasonStopSequence},
		{"openai unknown", mapOpenAIFinish, "weird", models.StopReasonEndTurn},
		{"gemini stop", mapGeminiFinish, "STOP", models.StopReasonEndTurn},
		{"gemini max", mapGeminiFinish, "MAX_TOKENS", models.StopReasonMaxTokens},
		{"gemini safety", mapGeminiFinish, "SAFETY", models.StopReasonStopSequence},
		{"cohere max", mapCohereFinish, "MAX_TOKENS", models.StopReasonMaxTokens},
		{"ollama length", mapOllamaDone, "length", models.StopReasonMaxTokens},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.fn(tt.reason))
		})
	}
}
