package compat

import (
	"context"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// LMStudioModule is a minimal skeleton (spec §4.5): only tool_choice
// normalization and response metadata patching, no model mapping, no
// parameter renames. PassthroughModule does none of these and returns its
// input unchanged.

// LMStudioModule targets locally-hosted OpenAI-compatible servers (LM
// Studio, Ollama's OpenAI shim) that already speak the Chat Completions
// dialect but omit tool_choice defaults and envelope metadata.
type LMStudioModule struct{}

func NewLMStudioModule() *LMStudioModule { return &LMStudioModule{} }

func (m *LMStudioModule) Name() string { return "lmstudio" }

func (m *LMStudioModule) ProcessIncoming(ctx context.Context, request []byte) ([]byte, error) {
	out := request
	if gjson.GetBytes(out, "tools").IsArray() && !gjson.GetBytes(out, "tool_choice").Exists() {
		var err error
		out, err = sjson.SetBytes(out, "tool_choice", "auto")
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (m *LMStudioModule) ProcessOutgoing(ctx context.Context, response []byte) ([]byte, error) {
	out, err := NormalizeResponse(response, RequestModelFromContext(ctx), time.Now())
	if err != nil {
		return nil, err
	}
	if err = ValidateResponse(out); err != nil {
		return nil, err
	}
	return out, nil
}
