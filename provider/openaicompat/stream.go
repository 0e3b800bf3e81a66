package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/scarnecchia/numina"
)

// streamSSE reads an SSE body, emitting text deltas as they arrive and a
// final ProviderDone event with the assembled response. Tool calls stream
// incrementally (index + argument fragments) and are assembled before the
// done event.
//
// Expected format:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func streamSSE(ctx context.Context, name string, body io.Reader, ch chan<- numina.ProviderEvent) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var content strings.Builder
	var usage numina.Usage
	var stopReason string

	type partialCall struct {
		id   string
		name string
		args strings.Builder
	}
	var calls []partialCall

	send := func(ev numina.ProviderEvent) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			break
		}

		var chunk wireResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}

		if chunk.Usage != nil {
			usage = numina.Usage{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			stopReason = choice.FinishReason
		}
		delta := choice.Delta
		if delta == nil {
			continue
		}

		if delta.Content != "" {
			content.WriteString(delta.Content)
			if !send(numina.ProviderEvent{Type: numina.ProviderTextDelta, Text: delta.Content}) {
				return
			}
		}

		for _, tc := range delta.ToolCalls {
			for len(calls) <= tc.Index {
				calls = append(calls, partialCall{})
			}
			if tc.ID != "" {
				calls[tc.Index].id = tc.ID
			}
			if tc.Function.Name != "" {
				calls[tc.Index].name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				calls[tc.Index].args.WriteString(tc.Function.Arguments)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		send(numina.ProviderEvent{Type: numina.ProviderError, Err: &numina.ErrProvider{
			Provider: name, Message: "stream read: " + err.Error(), Transient: true,
		}})
		return
	}

	resp := numina.Response{
		Content:    content.String(),
		Usage:      usage,
		StopReason: stopReason,
	}
	for _, pc := range calls {
		args := json.RawMessage(pc.args.String())
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		call := numina.ToolCall{ID: pc.id, Name: pc.name, Args: args}
		resp.ToolCalls = append(resp.ToolCalls, call)
		if !send(numina.ProviderEvent{Type: numina.ProviderToolCall, ToolCall: &call}) {
			return
		}
	}
	send(numina.ProviderEvent{Type: numina.ProviderDone, Response: &resp})
}
