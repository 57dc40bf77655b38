package llmswitch

import (
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"
)

func TestResponsesToChatJoinsInstructionsAndInput(t *testing.T) {
	req := []byte(`{"model":"gpt-4","stream":true,"instructions":"be terse","input":[{"text":"hello"},{"text":"world"}]}`)
	out, err := ResponsesToChat(req)
	if err != nil {
		t.Fatalf("ResponsesToChat: %v", err)
	}
	if gjson.GetBytes(out, "model").String() != "gpt-4" {
		t.Fatalf("model not preserved: %s", out)
	}
	if !gjson.GetBytes(out, "stream").Bool() {
		t.Fatalf("stream not preserved: %s", out)
	}
	if gjson.GetBytes(out, "messages.0.role").String() != "system" {
		t.Fatalf("expected leading system message, got: %s", out)
	}
	if gjson.GetBytes(out, "messages.0.content").String() != "be terse" {
		t.Fatalf("instructions not mapped to system content: %s", out)
	}
	userContent := gjson.GetBytes(out, "messages.1.content").String()
	if !strings.Contains(userContent, "hello") || !strings.Contains(userContent, "world") {
		t.Fatalf("input parts not concatenated into user message: %q", userContent)
	}
}

func TestResponsesToChatStringInput(t *testing.T) {
	req := []byte(`{"model":"gpt-4","input":"plain string input"}`)
	out, err := ResponsesToChat(req)
	if err != nil {
		t.Fatalf("ResponsesToChat: %v", err)
	}
	if gjson.GetBytes(out, "messages.0.content").String() != "plain string input" {
		t.Fatalf("string input not mapped: %s", out)
	}
}

func TestChatToResponsesProjectsMessageAndUsage(t *testing.T) {
	resp := []byte(`{"id":"chatcmpl_1","model":"gpt-4","choices":[{"message":{"content":"hi there"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`)
	out, err := ChatToResponses(resp, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("ChatToResponses: %v", err)
	}
	if gjson.GetBytes(out, "object").String() != "response" {
		t.Fatalf("object not set to response: %s", out)
	}
	if gjson.GetBytes(out, "status").String() != "completed" {
		t.Fatalf("status not completed: %s", out)
	}
	if gjson.GetBytes(out, "output.0.type").String() != "message" {
		t.Fatalf("expected message output item: %s", out)
	}
	if gjson.GetBytes(out, "output.0.content.0.text").String() != "hi there" {
		t.Fatalf("output_text content not set: %s", out)
	}
	if gjson.GetBytes(out, "output_text").String() != "hi there" {
		t.Fatalf("output_text not set: %s", out)
	}
	if gjson.GetBytes(out, "usage.input_tokens").Int() != 3 || gjson.GetBytes(out, "usage.output_tokens").Int() != 2 {
		t.Fatalf("usage not projected: %s", out)
	}
}

func TestChatToResponsesProjectsToolCalls(t *testing.T) {
	resp := []byte(`{"model":"gpt-4","choices":[{"message":{"content":null,"tool_calls":[{"id":"call_1","function":{"name":"get_weather","arguments":"{\"city\":\"nyc\"}"}}]},"finish_reason":"tool_calls"}]}`)
	out, err := ChatToResponses(resp, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("ChatToResponses: %v", err)
	}
	if gjson.GetBytes(out, "output.0.type").String() != "tool_call" {
		t.Fatalf("expected tool_call output item, got: %s", out)
	}
	if gjson.GetBytes(out, "output.0.tool_name").String() != "get_weather" {
		t.Fatalf("tool_name not projected: %s", out)
	}
}

func TestAnthropicToChatMapsSystemAndToolUse(t *testing.T) {
	req := []byte(`{"model":"claude-3","system":"follow rules","max_tokens":256,"messages":[
		{"role":"user","content":[{"type":"text","text":"what's the weather"}]},
		{"role":"assistant","content":[{"type":"tool_use","id":"toolu_1","name":"get_weather","input":{"city":"nyc"}}]},
		{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_1","content":"sunny"}]}
	]}`)
	out, err := AnthropicToChat(req)
	if err != nil {
		t.Fatalf("AnthropicToChat: %v", err)
	}
	if gjson.GetBytes(out, "messages.0.role").String() != "system" {
		t.Fatalf("expected leading system message: %s", out)
	}
	if gjson.GetBytes(out, "messages.0.content").String() != "follow rules" {
		t.Fatalf("system content not mapped: %s", out)
	}
	if gjson.GetBytes(out, "max_tokens").Int() != 256 {
		t.Fatalf("max_tokens not preserved: %s", out)
	}

	foundToolCall := false
	foundToolResult := false
	gjson.GetBytes(out, "messages").ForEach(func(_, msg gjson.Result) bool {
		if msg.Get("tool_calls.0.function.name").String() == "get_weather" {
			foundToolCall = true
		}
		if msg.Get("role").String() == "tool" && msg.Get("tool_call_id").String() == "toolu_1" {
			foundToolResult = true
		}
		return true
	})
	if !foundToolCall {
		t.Fatalf("tool_use block not mapped to tool_calls: %s", out)
	}
	if !foundToolResult {
		t.Fatalf("tool_result block not mapped to role:tool message: %s", out)
	}
}

func TestChatToAnthropicMapsFinishReasonToStopReason(t *testing.T) {
	resp := []byte(`{"model":"claude-3","choices":[{"message":{"content":"done"},"finish_reason":"length"}],"usage":{"prompt_tokens":1,"completion_tokens":1}}`)
	out, err := ChatToAnthropic(resp, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("ChatToAnthropic: %v", err)
	}
	if gjson.GetBytes(out, "type").String() != "message" {
		t.Fatalf("type not set: %s", out)
	}
	if gjson.GetBytes(out, "content.0.type").String() != "text" {
		t.Fatalf("expected text content block: %s", out)
	}
	if gjson.GetBytes(out, "stop_reason").String() != "max_tokens" {
		t.Fatalf("finish_reason not mapped to stop_reason: %s", out)
	}
}

func TestChatToAnthropicMapsToolCallsToToolUseBlocks(t *testing.T) {
	resp := []byte(`{"model":"claude-3","choices":[{"message":{"content":null,"tool_calls":[{"id":"call_1","function":{"name":"search","arguments":"{\"q\":\"go\"}"}}]},"finish_reason":"tool_calls"}]}`)
	out, err := ChatToAnthropic(resp, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("ChatToAnthropic: %v", err)
	}
	if gjson.GetBytes(out, "content.0.type").String() != "tool_use" {
		t.Fatalf("expected tool_use content block: %s", out)
	}
	if gjson.GetBytes(out, "content.0.name").String() != "search" {
		t.Fatalf("tool name not mapped: %s", out)
	}
	if gjson.GetBytes(out, "stop_reason").String() != "tool_use" {
		t.Fatalf("finish_reason tool_calls not mapped to stop_reason tool_use: %s", out)
	}
}
