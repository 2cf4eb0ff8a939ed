// Package models defines the canonical chat request/response types,
// modeled on the Anthropic Messages API, plus the routing domain types.
package models

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/user/ucr/internal/errs"
)

// CanonicalRequest is the inbound request shape accepted on /v1/messages.
type CanonicalRequest struct {
	Model         string            `json:"model"`
	Messages      []Message         `json:"messages"`
	MaxTokens     int               `json:"max_tokens,omitempty"`
	Stream        bool              `json:"stream,omitempty"`
	System        *SystemPrompt     `json:"system,omitempty"`
	Temperature   *float64          `json:"temperature,omitempty"`
	TopP          *float64          `json:"top_p,omitempty"`
	TopK          *int              `json:"top_k,omitempty"`
	StopSequences []string          `json:"stop_sequences,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Message is one conversation turn.
type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// ContentPart is a part of message content: text or image.
type ContentPart struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *ImageSource `json:"source,omitempty"`
}

// ImageSource carries base64 image data.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// MessageContent accepts both wire formats the canonical dialect allows:
//   - string: "Hello"
//   - array:  [{"type":"text","text":"Hello"}, {"type":"image",...}]
type MessageContent struct {
	Text    string
	Parts   []ContentPart
	IsArray bool
}

// UnmarshalJSON handles both string and array formats.
func (m *MessageContent) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		m.Text = str
		m.IsArray = false
		return nil
	}

	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err == nil {
		m.Parts = parts
		m.IsArray = true
		return nil
	}

	return fmt.Errorf("content must be a string or array of content parts")
}

// MarshalJSON preserves the original format.
func (m MessageContent) MarshalJSON() ([]byte, error) {
	if m.IsArray {
		return json.Marshal(m.Parts)
	}
	return json.Marshal(m.Text)
}

// String returns the concatenated text content.
func (m *MessageContent) String() string {
	if !m.IsArray {
		return m.Text
	}
	var parts []string
	for _, part := range m.Parts {
		if part.Type == "text" && part.Text != "" {
			parts = append(parts, part.Text)
		}
	}
	return strings.Join(parts, " ")
}

// GetParts returns content as []ContentPart, converting the string form
// to a single text part.
func (m *MessageContent) GetParts() []ContentPart {
	if m.IsArray {
		return m.Parts
	}
	if m.Text == "" {
		return nil
	}
	return []ContentPart{{Type: "text", Text: m.Text}}
}

// HasImage reports whether any content part is an image.
func (m *MessageContent) HasImage() bool {
	for _, part := range m.Parts {
		if part.Type == "image" {
			return true
		}
	}
	return false
}

// IsEmpty reports whether the content carries neither text nor parts.
func (m *MessageContent) IsEmpty() bool {
	if m.IsArray {
		return len(m.Parts) == 0
	}
	return m.Text == ""
}

// SystemPrompt accepts both the string and block-array system formats.
type SystemPrompt struct {
	Text    string
	Blocks  []ContentPart
	IsArray bool
}

// UnmarshalJSON handles both string and array formats.
func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		s.Text = str
		s.IsArray = false
		return nil
	}

	var blocks []ContentPart
	if err := json.Unmarshal(data, &blocks); err == nil {
		s.Blocks = blocks
		s.IsArray = true
		return nil
	}

	return fmt.Errorf("system must be a string or array of content blocks")
}

// MarshalJSON preserves the original format.
func (s SystemPrompt) MarshalJSON() ([]byte, error) {
	if s.IsArray {
		return json.Marshal(s.Blocks)
	}
	return json.Marshal(s.Text)
}

// String returns the combined text content.
func (s *SystemPrompt) String() string {
	if s == nil {
		return ""
	}
	if !s.IsArray {
		return s.Text
	}
	var parts []string
	for _, block := range s.Blocks {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, " ")
}

// IsEmpty reports whether the system prompt has no content.
func (s *SystemPrompt) IsEmpty() bool {
	if s == nil {
		return true
	}
	if s.IsArray {
		return len(s.Blocks) == 0
	}
	return s.Text == ""
}

// Validate checks the canonical request invariants. The returned error
// is a *errs.RequestInvalidError suitable for a 400 surface.
func (r *CanonicalRequest) Validate() error {
	if r.Model == "" {
		return &errs.RequestInvalidError{Reason: "model is required"}
	}
	if len(r.Messages) == 0 {
		return &errs.RequestInvalidError{Reason: "messages must not be empty"}
	}
	for i := range r.Messages {
		msg := &r.Messages[i]
		if msg.Role != "user" && msg.Role != "assistant" {
			return &errs.RequestInvalidError{
				Reason: fmt.Sprintf("messages[%d].role must be user or assistant", i),
			}
		}
		if msg.Content.IsEmpty() {
			return &errs.RequestInvalidError{
				Reason: fmt.Sprintf("messages[%d].content must not be empty", i),
			}
		}
	}
	if r.MaxTokens < 1 {
		return &errs.RequestInvalidError{Reason: "max_tokens must be >= 1"}
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return &errs.RequestInvalidError{Reason: "temperature must be in [0,2]"}
	}
	if r.TopP != nil && (*r.TopP < 0 || *r.TopP > 1) {
		return &errs.RequestInvalidError{Reason: "top_p must be in [0,1]"}
	}
	if r.TopK != nil && *r.TopK < 0 {
		return &errs.RequestInvalidError{Reason: "top_k must be >= 0"}
	}
	return nil
}

// Stop reasons on the canonical surface.
const (
	StopReasonEndTurn      = "end_turn"
	StopReasonMaxTokens    = "max_tokens"
	StopReasonStopSequence = "stop_sequence"
)

// CanonicalResponse is the outbound response shape on /v1/messages.
type CanonicalResponse struct {
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	Role         string        `json:"role"`
	Content      []ContentPart `json:"content"`
	Model        string        `json:"model"`
	StopReason   string        `json:"stop_reason,omitempty"`
	StopSequence string        `json:"stop_sequence,omitempty"`
	Usage        Usage         `json:"usage"`
}

// Usage holds token usage statistics.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// StreamEvent is one canonical Server-Sent Event payload.
type StreamEvent struct {
	Type  string     `json:"type"`
	Index int        `json:"index,omitempty"`
	Delta *TextDelta `json:"delta,omitempty"`
	Usage *Usage     `json:"usage,omitempty"`
}

// TextDelta is the delta payload of a content_block_delta event.
type TextDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TextDeltaEvent builds the canonical content_block_delta SSE payload
// for a piece of streamed text.
func TextDeltaEvent(text string) StreamEvent {
	return StreamEvent{
		Type:  "content_block_delta",
		Delta: &TextDelta{Type: "text_delta", Text: text},
	}
}

// ErrorResponse is the canonical API error envelope.
type ErrorResponse struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
