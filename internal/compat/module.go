package compat

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/routecodex/gateway/internal/gwerrors"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Module is the C5 contract: every provider family exposes incoming
// (OpenAI/Anthropic -> provider-native) and outgoing (provider-native ->
// OpenAI Chat Completion) transforms.
type Module interface {
	Name() string
	ProcessIncoming(ctx context.Context, request []byte) ([]byte, error)
	ProcessOutgoing(ctx context.Context, response []byte) ([]byte, error)
}

// reasoningTagPatterns strip provider "thinking out loud" markup from
// assistant text content on incoming messages (spec §4.5).
var reasoningTagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?s)<reasoning>.*?</reasoning>`),
	regexp.MustCompile(`(?s)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?s)\[REASONING\].*?\[/REASONING\]`),
	regexp.MustCompile(`(?s)\[THINKING\].*?\[/THINKING\]`),
}

// StripReasoningTags removes every recognized reasoning-tag wrapper from s.
func StripReasoningTags(s string) string {
	out := s
	for _, p := range reasoningTagPatterns {
		out = p.ReplaceAllString(out, "")
	}
	return out
}

// noiseFragments are pruned from the last message's content when
// role=tool (spec §4.5).
var noiseFragments = []string{"failed in sandbox", "unsupported call"}

const trailingToolTruncateBytes = 512

// PruneTrailingToolNoise strips known noise fragments from s and truncates
// to 512 bytes with a marker, mirroring spec §4.5's trailing-tool-message
// cleanup.
func PruneTrailingToolNoise(s string) string {
	out := s
	for _, frag := range noiseFragments {
		out = strings.ReplaceAll(out, frag, "")
	}
	if len(out) > trailingToolTruncateBytes {
		out = out[:trailingToolTruncateBytes] + "...[truncated to 512B]"
	}
	return out
}

// FlattenToolResultText extracts a single non-empty string from a tool
// message's content, whatever shape it arrived in (spec §4.5 tool-result
// flattening). Returns CodeCompatToolTextEmpty if nothing survives.
func FlattenToolResultText(content gjson.Result) (string, error) {
	switch {
	case content.Type == gjson.String:
		s := strings.TrimSpace(content.String())
		if s == "" {
			return "", gwerrors.New(gwerrors.CodeCompatToolTextEmpty, "compat: tool result content is empty")
		}
		return s, nil
	case content.IsArray():
		var sb strings.Builder
		content.ForEach(func(_, part gjson.Result) bool {
			if text := part.Get("text"); text.Exists() {
				sb.WriteString(text.String())
				return true
			}
			if part.Type == gjson.String {
				sb.WriteString(part.String())
			}
			return true
		})
		s := strings.TrimSpace(sb.String())
		if s == "" {
			return "", gwerrors.New(gwerrors.CodeCompatToolTextEmpty, "compat: tool result content is empty")
		}
		return s, nil
	case content.IsObject():
		if text := content.Get("text"); text.Exists() {
			s := strings.TrimSpace(text.String())
			if s != "" {
				return s, nil
			}
		}
		raw := strings.TrimSpace(content.Raw)
		if raw == "" || raw == "{}" {
			return "", gwerrors.New(gwerrors.CodeCompatToolTextEmpty, "compat: tool result content is empty")
		}
		return raw, nil
	default:
		return "", gwerrors.New(gwerrors.CodeCompatToolTextEmpty, "compat: tool result content is empty")
	}
}

// CanonicalizeToolCallArguments accepts a tool call's arguments as either a
// JSON string or an object and returns the JSON-encoded string form
// required on output (spec §4.5).
func CanonicalizeToolCallArguments(args gjson.Result) (string, error) {
	switch args.Type {
	case gjson.String:
		s := args.String()
		if !gjson.Valid(s) {
			return "", gwerrors.New(gwerrors.CodeCompatToolCallArgsInvalid, "compat: tool call arguments is not valid JSON")
		}
		return s, nil
	default:
		if args.IsObject() || args.IsArray() {
			return args.Raw, nil
		}
		return "", gwerrors.New(gwerrors.CodeCompatToolCallArgsInvalid, "compat: tool call arguments missing or malformed")
	}
}

// finishReasonTable maps provider finish reasons to the OpenAI vocabulary;
// unrecognized values default to "stop" (spec §4.5).
var finishReasonTable = map[string]string{
	"stop":           "stop",
	"length":         "length",
	"max_tokens":     "length",
	"tool_calls":     "tool_calls",
	"function_call":  "tool_calls",
	"content_filter": "content_filter",
}

func mapFinishReason(raw string) string {
	if v, ok := finishReasonTable[raw]; ok {
		return v
	}
	return "stop"
}

// chatCompletionIDPrefix matches the OpenAI chat completion id shape.
const chatCompletionIDPrefix = "chatcmpl_"

// NormalizeResponse synthesizes the OpenAI Chat Completion envelope fields
// that providers habitually omit, rebuilds tool_calls into OpenAI shape,
// and guarantees content is a string (spec §4.5 response normalization).
func NormalizeResponse(doc []byte, requestModel string, now time.Time) ([]byte, error) {
	out := doc
	var err error

	if !gjson.GetBytes(out, "object").Exists() {
		out, err = sjson.SetBytes(out, "object", "chat.completion")
		if err != nil {
			return nil, err
		}
	}
	if !gjson.GetBytes(out, "id").Exists() {
		out, err = sjson.SetBytes(out, "id", chatCompletionIDPrefix+uuid.NewString())
		if err != nil {
			return nil, err
		}
	}
	if !gjson.GetBytes(out, "created").Exists() {
		out, err = sjson.SetBytes(out, "created", now.Unix())
		if err != nil {
			return nil, err
		}
	}
	if !gjson.GetBytes(out, "model").Exists() {
		model := requestModel
		if model == "" {
			model = "unknown"
		}
		out, err = sjson.SetBytes(out, "model", model)
		if err != nil {
			return nil, err
		}
	}

	choices := gjson.GetBytes(out, "choices")
	if !choices.IsArray() || len(choices.Array()) == 0 {
		return out, nil
	}

	for i, choice := range choices.Array() {
		prefix := fmt.Sprintf("choices.%d", i)

		finish := choice.Get("finish_reason").String()
		out, err = sjson.SetBytes(out, prefix+".finish_reason", mapFinishReason(finish))
		if err != nil {
			return nil, err
		}

		content := choice.Get("message.content")
		if !content.Exists() || content.Type == gjson.Null {
			out, err = sjson.SetBytes(out, prefix+".message.content", "")
			if err != nil {
				return nil, err
			}
		} else if content.Type != gjson.String {
			out, err = sjson.SetBytes(out, prefix+".message.content", content.Raw)
			if err != nil {
				return nil, err
			}
		}

		toolCalls := choice.Get("message.tool_calls")
		if toolCalls.IsArray() && len(toolCalls.Array()) > 0 {
			out, err = rebuildToolCalls(out, prefix+".message.tool_calls", toolCalls)
			if err != nil {
				return nil, err
			}
		}
	}

	return out, nil
}

func rebuildToolCalls(doc []byte, path string, calls gjson.Result) ([]byte, error) {
	out := doc
	var err error
	for i, call := range calls.Array() {
		id := call.Get("id").String()
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		name := call.Get("function.name").String()
		argsRaw, aerr := CanonicalizeToolCallArguments(call.Get("function.arguments"))
		if aerr != nil {
			return nil, aerr
		}
		callPath := fmt.Sprintf("%s.%d", path, i)
		out, err = sjson.SetBytes(out, callPath+".id", id)
		if err != nil {
			return nil, err
		}
		out, err = sjson.SetBytes(out, callPath+".type", "function")
		if err != nil {
			return nil, err
		}
		out, err = sjson.SetBytes(out, callPath+".function.name", name)
		if err != nil {
			return nil, err
		}
		out, err = sjson.SetBytes(out, callPath+".function.arguments", argsRaw)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ValidateResponse performs the strict post-normalization checks (spec
// §4.5 response validation (strict)).
func ValidateResponse(doc []byte) error {
	if !gjson.ValidBytes(doc) {
		return gwerrors.New(gwerrors.CodeCompatResponseInvalid, "compat: response is not valid JSON")
	}
	id := gjson.GetBytes(doc, "id")
	if id.Type != gjson.String || id.String() == "" {
		return gwerrors.New(gwerrors.CodeCompatResponseInvalid, "compat: response missing string id")
	}
	created := gjson.GetBytes(doc, "created")
	if created.Type != gjson.Number {
		return gwerrors.New(gwerrors.CodeCompatResponseInvalid, "compat: response missing numeric created")
	}
	model := gjson.GetBytes(doc, "model")
	if model.Type != gjson.String || model.String() == "" {
		return gwerrors.New(gwerrors.CodeCompatResponseInvalid, "compat: response missing string model")
	}
	choices := gjson.GetBytes(doc, "choices")
	if !choices.IsArray() || len(choices.Array()) == 0 {
		return gwerrors.New(gwerrors.CodeCompatResponseInvalid, "compat: response has no choices")
	}
	for _, choice := range choices.Array() {
		msg := choice.Get("message")
		if !msg.Exists() {
			return gwerrors.New(gwerrors.CodeCompatResponseInvalid, "compat: choice missing message")
		}
		if choice.Get("finish_reason").Type != gjson.String {
			return gwerrors.New(gwerrors.CodeCompatResponseInvalid, "compat: choice missing finish_reason")
		}
	}

	usage := gjson.GetBytes(doc, "usage")
	if usage.Exists() {
		prompt := usage.Get("prompt_tokens")
		completion := usage.Get("completion_tokens")
		total := usage.Get("total_tokens")
		if prompt.Exists() && completion.Exists() && total.Exists() {
			if total.Int() != prompt.Int()+completion.Int() {
				return gwerrors.New(gwerrors.CodeCompatResponseInvalid, "compat: usage.total_tokens mismatch")
			}
		}
	}
	return nil
}

// RawToAny decodes a gjson.Result into a generic Go value, used when a
// mapping rule needs to carry through an arbitrary structured value.
func RawToAny(r gjson.Result) any {
	var v any
	_ = json.Unmarshal([]byte(r.Raw), &v)
	return v
}
