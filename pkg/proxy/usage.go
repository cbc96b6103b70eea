package proxy

import (
	"bytes"
	"encoding/json"
	"strings"
)

type tokenCounts struct {
	Prompt     int
	Completion int
	Total      int
}

func (c tokenCounts) empty() bool {
	return c.Prompt == 0 && c.Completion == 0 && c.Total == 0
}

// parseUsage pulls token counts out of an upstream response body. Both the
// OpenAI usage object and the Gemini usageMetadata object are understood;
// anything else yields zeros.
func parseUsage(body []byte) tokenCounts {
	if len(body) == 0 {
		return tokenCounts{}
	}
	var payload struct {
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
		UsageMetadata struct {
			PromptTokenCount     int `json:"promptTokenCount"`
			CandidatesTokenCount int `json:"candidatesTokenCount"`
			TotalTokenCount      int `json:"totalTokenCount"`
		} `json:"usageMetadata"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return tokenCounts{}
	}
	c := tokenCounts{
		Prompt:     payload.Usage.PromptTokens,
		Completion: payload.Usage.CompletionTokens,
		Total:      payload.Usage.TotalTokens,
	}
	if c.empty() {
		c = tokenCounts{
			Prompt:     payload.UsageMetadata.PromptTokenCount,
			Completion: payload.UsageMetadata.CandidatesTokenCount,
			Total:      payload.UsageMetadata.TotalTokenCount,
		}
	}
	if c.Total == 0 {
		c.Total = c.Prompt + c.Completion
	}
	return c
}

// sseUsageScanner opportunistically extracts token counts from an SSE
// stream as it is copied through. It keeps the later, larger usage object
// when several frames carry one.
type sseUsageScanner struct {
	pending []byte
	counts  tokenCounts
}

func (s *sseUsageScanner) Consume(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	s.pending = append(s.pending, chunk...)
	for {
		idx := bytes.IndexByte(s.pending, '\n')
		if idx < 0 {
			return
		}
		line := strings.TrimSpace(string(s.pending[:idx]))
		s.pending = s.pending[idx+1:]
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}
		if c := parseUsage([]byte(data)); !c.empty() && c.Total >= s.counts.Total {
			s.counts = c
		}
	}
}

func (s *sseUsageScanner) Counts() tokenCounts { return s.counts }
