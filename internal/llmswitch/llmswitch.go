// Package llmswitch implements C7: protocol-dialect converters between the
// gateway's canonical OpenAI Chat Completions shape and the inbound
// OpenAI Responses / Anthropic Messages dialects, grounded on the
// teacher's internal/translator request/response projection shape
// (translator_types.go, translator_pipeline.go) rebuilt around
// github.com/tidwall/gjson / sjson instead of whole-function transforms.
package llmswitch

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ResponsesToChat converts an OpenAI Responses-dialect request into the
// canonical Chat Completions shape (spec §4.7 incoming): instructions from
// system messages joined by blank line become a leading system message;
// input becomes a concatenated user message. model/stream/tools/
// tool_choice/parallel_tool_calls pass through unchanged; foreign fields
// are dropped.
func ResponsesToChat(doc []byte) ([]byte, error) {
	out := []byte(`{}`)
	var err error

	for _, field := range []string{"model", "stream", "tools", "tool_choice", "parallel_tool_calls"} {
		if v := gjson.GetBytes(doc, field); v.Exists() {
			out, err = sjson.SetRawBytes(out, field, []byte(v.Raw))
			if err != nil {
				return nil, err
			}
		}
	}

	var messages []map[string]string
	if instructions := gjson.GetBytes(doc, "instructions"); instructions.Exists() && instructions.String() != "" {
		messages = append(messages, map[string]string{"role": "system", "content": instructions.String()})
	}

	input := gjson.GetBytes(doc, "input")
	if input.Type == gjson.String {
		messages = append(messages, map[string]string{"role": "user", "content": input.String()})
	} else if input.IsArray() {
		var parts []string
		input.ForEach(func(_, item gjson.Result) bool {
			if text := item.Get("text"); text.Exists() {
				parts = append(parts, text.String())
			} else if item.Type == gjson.String {
				parts = append(parts, item.String())
			}
			return true
		})
		if len(parts) > 0 {
			messages = append(messages, map[string]string{"role": "user", "content": strings.Join(parts, "\n")})
		}
	}

	out, err = sjson.SetBytes(out, "messages", messages)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ChatToResponses projects a Chat-style provider response into the OpenAI
// Responses shape (spec §4.7 outgoing). Tool calls in the Chat response
// become output[] entries of type "tool_call".
func ChatToResponses(doc []byte, now time.Time) ([]byte, error) {
	out := []byte(`{}`)
	var err error

	id := gjson.GetBytes(doc, "id").String()
	if id == "" {
		id = "resp_" + uuid.NewString()
	}
	out, err = sjson.SetBytes(out, "id", id)
	if err != nil {
		return nil, err
	}
	out, err = sjson.SetBytes(out, "object", "response")
	if err != nil {
		return nil, err
	}
	out, err = sjson.SetBytes(out, "created_at", now.Unix())
	if err != nil {
		return nil, err
	}
	model := gjson.GetBytes(doc, "model").String()
	out, err = sjson.SetBytes(out, "model", model)
	if err != nil {
		return nil, err
	}
	out, err = sjson.SetBytes(out, "status", "completed")
	if err != nil {
		return nil, err
	}

	choice := gjson.GetBytes(doc, "choices.0")
	content := choice.Get("message.content").String()
	var outputTextBuilder strings.Builder
	var outputItems []map[string]any

	if content != "" {
		outputItems = append(outputItems, map[string]any{
			"type": "message",
			"role": "assistant",
			"content": []map[string]string{
				{"type": "output_text", "text": content},
			},
		})
		outputTextBuilder.WriteString(content)
	}

	toolCalls := choice.Get("message.tool_calls")
	if toolCalls.IsArray() {
		toolCalls.ForEach(func(_, call gjson.Result) bool {
			outputItems = append(outputItems, map[string]any{
				"type":      "tool_call",
				"id":        call.Get("id").String(),
				"tool_name": call.Get("function.name").String(),
				"arguments": call.Get("function.arguments").String(),
			})
			return true
		})
	}

	out, err = sjson.SetBytes(out, "output", outputItems)
	if err != nil {
		return nil, err
	}
	out, err = sjson.SetBytes(out, "output_text", outputTextBuilder.String())
	if err != nil {
		return nil, err
	}

	usage := gjson.GetBytes(doc, "usage")
	out, err = sjson.SetBytes(out, "usage.input_tokens", usage.Get("prompt_tokens").Int())
	if err != nil {
		return nil, err
	}
	out, err = sjson.SetBytes(out, "usage.output_tokens", usage.Get("completion_tokens").Int())
	if err != nil {
		return nil, err
	}
	out, err = sjson.SetBytes(out, "usage.total_tokens", usage.Get("total_tokens").Int())
	if err != nil {
		return nil, err
	}

	return out, nil
}

// AnthropicToChat converts an Anthropic Messages request into the
// canonical Chat Completions shape (spec §4.7): content[] blocks of
// {type:"text"|"tool_use"|"tool_result"} map to message.content /
// tool_calls / role:"tool" messages.
func AnthropicToChat(doc []byte) ([]byte, error) {
	out := []byte(`{}`)
	var err error

	for _, field := range []string{"model", "stream"} {
		if v := gjson.GetBytes(doc, field); v.Exists() {
			out, err = sjson.SetRawBytes(out, field, []byte(v.Raw))
			if err != nil {
				return nil, err
			}
		}
	}
	if maxTokens := gjson.GetBytes(doc, "max_tokens"); maxTokens.Exists() {
		out, err = sjson.SetBytes(out, "max_tokens", maxTokens.Int())
		if err != nil {
			return nil, err
		}
	}

	var messages []map[string]any
	if system := gjson.GetBytes(doc, "system"); system.Exists() && system.String() != "" {
		messages = append(messages, map[string]any{"role": "system", "content": system.String()})
	}

	gjson.GetBytes(doc, "messages").ForEach(func(_, msg gjson.Result) bool {
		role := msg.Get("role").String()
		content := msg.Get("content")

		if content.Type == gjson.String {
			messages = append(messages, map[string]any{"role": role, "content": content.String()})
			return true
		}

		var textParts []string
		var toolCalls []map[string]any
		content.ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "text":
				textParts = append(textParts, block.Get("text").String())
			case "tool_use":
				toolCalls = append(toolCalls, map[string]any{
					"id":   block.Get("id").String(),
					"type": "function",
					"function": map[string]any{
						"name":      block.Get("name").String(),
						"arguments": block.Get("input").Raw,
					},
				})
			case "tool_result":
				toolText := block.Get("content").String()
				if toolText == "" {
					toolText = block.Get("content").Raw
				}
				messages = append(messages, map[string]any{
					"role":         "tool",
					"content":      toolText,
					"tool_call_id": block.Get("tool_use_id").String(),
				})
			}
			return true
		})

		msgOut := map[string]any{"role": role, "content": strings.Join(textParts, "\n")}
		if len(toolCalls) > 0 {
			msgOut["tool_calls"] = toolCalls
		}
		messages = append(messages, msgOut)
		return true
	})

	out, err = sjson.SetBytes(out, "messages", messages)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ChatToAnthropic projects a Chat-style provider response back into
// Anthropic's content-block shape.
func ChatToAnthropic(doc []byte, now time.Time) ([]byte, error) {
	out := []byte(`{}`)
	var err error

	id := gjson.GetBytes(doc, "id").String()
	if id == "" {
		id = "msg_" + uuid.NewString()
	}
	out, err = sjson.SetBytes(out, "id", id)
	if err != nil {
		return nil, err
	}
	out, err = sjson.SetBytes(out, "type", "message")
	if err != nil {
		return nil, err
	}
	out, err = sjson.SetBytes(out, "role", "assistant")
	if err != nil {
		return nil, err
	}
	model := gjson.GetBytes(doc, "model").String()
	out, err = sjson.SetBytes(out, "model", model)
	if err != nil {
		return nil, err
	}

	choice := gjson.GetBytes(doc, "choices.0")
	var blocks []map[string]any
	if content := choice.Get("message.content").String(); content != "" {
		blocks = append(blocks, map[string]any{"type": "text", "text": content})
	}
	choice.Get("message.tool_calls").ForEach(func(_, call gjson.Result) bool {
		var input any
		raw := call.Get("function.arguments").String()
		if gjson.Valid(raw) {
			input = gjson.Parse(raw).Value()
		}
		blocks = append(blocks, map[string]any{
			"type":  "tool_use",
			"id":    call.Get("id").String(),
			"name":  call.Get("function.name").String(),
			"input": input,
		})
		return true
	})

	out, err = sjson.SetBytes(out, "content", blocks)
	if err != nil {
		return nil, err
	}

	finish := choice.Get("finish_reason").String()
	stopReason := "end_turn"
	switch finish {
	case "length":
		stopReason = "max_tokens"
	case "tool_calls":
		stopReason = "tool_use"
	}
	out, err = sjson.SetBytes(out, "stop_reason", stopReason)
	if err != nil {
		return nil, err
	}

	usage := gjson.GetBytes(doc, "usage")
	out, err = sjson.SetBytes(out, "usage.input_tokens", usage.Get("prompt_tokens").Int())
	if err != nil {
		return nil, err
	}
	out, err = sjson.SetBytes(out, "usage.output_tokens", usage.Get("completion_tokens").Int())
	if err != nil {
		return nil, err
	}

	return out, nil
}
