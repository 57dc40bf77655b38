package compat

import (
	"context"
	"time"

	"github.com/routecodex/gateway/internal/gwerrors"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// qwenModelTable maps OpenAI model aliases onto Qwen's native catalogue
// (spec §4.5 model name mapping).
var qwenModelTable = map[string]string{
	"gpt-3.5-turbo": "qwen-turbo",
	"gpt-4":         "qwen3-coder-plus",
	"gpt-4-turbo":   "qwen3-coder-plus",
	"gpt-4o":        "qwen3-coder-plus",
}

// qwenParamRenames lists the parameters-block field renames shared by the
// Qwen-portal-shaped providers (spec §4.5 parameters block).
var qwenParamRenames = map[string]string{
	"max_tokens":        "parameters.max_output_tokens",
	"temperature":       "parameters.temperature",
	"top_p":             "parameters.top_p",
	"frequency_penalty": "parameters.frequency_penalty",
	"presence_penalty":  "parameters.presence_penalty",
}

// QwenModule implements the Qwen-portal compatibility module. GLM-like
// providers that share the same parameters-block shape reuse this module
// under a different model table.
type QwenModule struct {
	ModelTable map[string]string
}

// NewQwenModule constructs the default Qwen compatibility module.
func NewQwenModule() *QwenModule {
	return &QwenModule{ModelTable: qwenModelTable}
}

func (m *QwenModule) Name() string { return "qwen" }

// ProcessIncoming projects an OpenAI Chat Completions request into Qwen's
// native shape: messages copied verbatim, an additional input[] array
// derived from them, model name mapped, and the parameters block built
// from renamed top-level fields (spec §4.5).
func (m *QwenModule) ProcessIncoming(ctx context.Context, request []byte) ([]byte, error) {
	out := request
	var err error

	if model := gjson.GetBytes(out, "model").String(); model != "" {
		if mapped, ok := m.ModelTable[model]; ok {
			out, err = sjson.SetBytes(out, "model", mapped)
			if err != nil {
				return nil, err
			}
		}
	}

	out, err = m.buildInputArray(out)
	if err != nil {
		return nil, err
	}

	for src, dst := range qwenParamRenames {
		val := gjson.GetBytes(out, src)
		if !val.Exists() {
			continue
		}
		out, err = sjson.SetBytes(out, dst, RawToAny(val))
		if err != nil {
			return nil, err
		}
		out, err = sjson.DeleteBytes(out, src)
		if err != nil {
			return nil, err
		}
	}
	if stop := gjson.GetBytes(out, "stop"); stop.Exists() {
		out, err = sjson.SetBytes(out, "parameters.stop_sequences", stopSequences(stop))
		if err != nil {
			return nil, err
		}
		out, err = sjson.DeleteBytes(out, "stop")
		if err != nil {
			return nil, err
		}
	}

	out, err = m.flattenToolResults(out)
	if err != nil {
		return nil, err
	}
	out, err = m.canonicalizeToolCalls(out)
	if err != nil {
		return nil, err
	}
	out = m.stripReasoningFromMessages(out)
	out, err = pruneTrailingToolMessage(out)
	if err != nil {
		return nil, err
	}
	out, err = cleanUnsupportedToolFields(out, "function.strict")
	if err != nil {
		return nil, err
	}

	return out, nil
}

func stopSequences(stop gjson.Result) []string {
	if stop.IsArray() {
		var out []string
		stop.ForEach(func(_, v gjson.Result) bool {
			out = append(out, v.String())
			return true
		})
		return out
	}
	return []string{stop.String()}
}

// buildInputArray produces input[] = {role, content:[{text}]} from
// messages, normalizing any already-array content down to {text: <string>}
// parts (spec §4.5 messages -> input).
func (m *QwenModule) buildInputArray(doc []byte) ([]byte, error) {
	messages := gjson.GetBytes(doc, "messages")
	if !messages.IsArray() {
		return doc, nil
	}
	out := doc
	var err error
	idx := 0
	messages.ForEach(func(_, msg gjson.Result) bool {
		role := msg.Get("role").String()
		content := msg.Get("content")
		var parts []map[string]string

		switch {
		case content.Type == gjson.String:
			parts = []map[string]string{{"text": content.String()}}
		case content.IsArray():
			content.ForEach(func(_, part gjson.Result) bool {
				if text := part.Get("text"); text.Exists() {
					parts = append(parts, map[string]string{"text": text.String()})
				} else if part.Type == gjson.String {
					parts = append(parts, map[string]string{"text": part.String()})
				}
				return true
			})
		}

		prefix := pathAt("input", idx)
		idx++
		out, err = sjson.SetBytes(out, prefix+".role", role)
		if err != nil {
			return false
		}
		out, err = sjson.SetBytes(out, prefix+".content", parts)
		return err == nil
	})
	return out, err
}

func pathAt(base string, i int) string {
	return base + "." + itoa(i)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	digits := make([]byte, 0, 4)
	for i > 0 {
		digits = append([]byte{byte('0' + i%10)}, digits...)
		i /= 10
	}
	return string(digits)
}

// flattenToolResults enforces the tool-result-must-be-a-string invariant
// across every role=tool message (spec §4.5).
func (m *QwenModule) flattenToolResults(doc []byte) ([]byte, error) {
	out := doc
	err := ForEachElement(out, "messages", func(prefix string, msg gjson.Result) error {
		if msg.Get("role").String() != "tool" {
			return nil
		}
		flat, ferr := FlattenToolResultText(msg.Get("content"))
		if ferr != nil {
			return ferr
		}
		var serr error
		out, serr = sjson.SetBytes(out, prefix+".content", flat)
		return serr
	})
	return out, err
}

// canonicalizeToolCalls ensures assistant tool_calls[*].function.arguments
// is always a JSON-encoded string on the way out to the provider (spec
// §4.5 tool-call argument canonicalization, input direction).
func (m *QwenModule) canonicalizeToolCalls(doc []byte) ([]byte, error) {
	out := doc
	msgs := gjson.GetBytes(out, "messages")
	if !msgs.IsArray() {
		return out, nil
	}
	var setErr error
	msgs.ForEach(func(key, msg gjson.Result) bool {
		calls := msg.Get("tool_calls")
		if !calls.IsArray() {
			return true
		}
		calls.ForEach(func(callKey, call gjson.Result) bool {
			canon, cerr := CanonicalizeToolCallArguments(call.Get("function.arguments"))
			if cerr != nil {
				setErr = cerr
				return false
			}
			path := "messages." + key.String() + ".tool_calls." + callKey.String() + ".function.arguments"
			var err2 error
			out, err2 = sjson.SetBytes(out, path, canon)
			if err2 != nil {
				setErr = err2
				return false
			}
			return true
		})
		return setErr == nil
	})
	return out, setErr
}

// stripReasoningFromMessages strips reasoning-tag markup from every
// assistant message's string content.
func (m *QwenModule) stripReasoningFromMessages(doc []byte) []byte {
	out := doc
	msgs := gjson.GetBytes(out, "messages")
	if !msgs.IsArray() {
		return out
	}
	msgs.ForEach(func(key, msg gjson.Result) bool {
		if msg.Get("role").String() != "assistant" {
			return true
		}
		content := msg.Get("content")
		if content.Type != gjson.String {
			return true
		}
		cleaned := StripReasoningTags(content.String())
		var err error
		out, err = sjson.SetBytes(out, "messages."+key.String()+".content", cleaned)
		return err == nil
	})
	return out
}

// pruneTrailingToolMessage applies the trailing-tool-message noise pruning
// and truncation rule (spec §4.5) when the last message has role=tool.
func pruneTrailingToolMessage(doc []byte) ([]byte, error) {
	msgs := gjson.GetBytes(doc, "messages")
	arr := msgs.Array()
	if len(arr) == 0 {
		return doc, nil
	}
	last := arr[len(arr)-1]
	if last.Get("role").String() != "tool" {
		return doc, nil
	}
	content := last.Get("content")
	if content.Type != gjson.String {
		return doc, nil
	}
	cleaned := PruneTrailingToolNoise(content.String())
	return sjson.SetBytes(doc, "messages."+itoa(len(arr)-1)+".content", cleaned)
}

// cleanUnsupportedToolFields deletes a field from every element of the
// top-level tools[] array (spec §4.5 tools array cleanup).
func cleanUnsupportedToolFields(doc []byte, field string) ([]byte, error) {
	tools := gjson.GetBytes(doc, "tools")
	if !tools.IsArray() {
		return doc, nil
	}
	out := doc
	var err error
	for i := range tools.Array() {
		path := "tools." + itoa(i) + "." + field
		if gjson.GetBytes(out, path).Exists() {
			out, err = sjson.DeleteBytes(out, path)
			if err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// ProcessOutgoing normalizes and strictly validates a Qwen response into
// OpenAI Chat Completion shape (spec §4.5 response normalization /
// validation).
func (m *QwenModule) ProcessOutgoing(ctx context.Context, response []byte) ([]byte, error) {
	out, err := NormalizeResponse(response, RequestModelFromContext(ctx), time.Now())
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.CodeCompatResponseInvalid, err, "compat: qwen response normalization failed")
	}
	if err = ValidateResponse(out); err != nil {
		return nil, err
	}
	return out, nil
}
