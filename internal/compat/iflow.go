package compat

import (
	"context"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// iflowModelTable maps OpenAI model aliases onto iFlow's catalogue; iFlow
// otherwise accepts an OpenAI-shaped chat request almost verbatim, so it
// reuses the Qwen module's message/tool-call machinery with its own table
// and without the Qwen-portal input[] projection.
var iflowModelTable = map[string]string{
	"gpt-3.5-turbo": "iflow-turbo",
	"gpt-4":         "iflow-pro",
	"gpt-4-turbo":   "iflow-pro",
	"gpt-4o":        "iflow-pro",
}

// IFlowModule implements the iFlow compatibility module (spec §4.5): an
// OpenAI-shaped passthrough plus model mapping, tool-result flattening,
// tool-call canonicalization, reasoning-tag stripping, and trailing
// tool-noise pruning; no `parameters` block or `input[]` projection.
type IFlowModule struct {
	ModelTable map[string]string
	base       *QwenModule
}

// NewIFlowModule constructs the default iFlow compatibility module.
func NewIFlowModule() *IFlowModule {
	return &IFlowModule{ModelTable: iflowModelTable, base: &QwenModule{}}
}

func (m *IFlowModule) Name() string { return "iflow" }

func (m *IFlowModule) ProcessIncoming(ctx context.Context, request []byte) ([]byte, error) {
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

	out, err = m.base.flattenToolResults(out)
	if err != nil {
		return nil, err
	}
	out, err = m.base.canonicalizeToolCalls(out)
	if err != nil {
		return nil, err
	}
	out = m.base.stripReasoningFromMessages(out)
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

func (m *IFlowModule) ProcessOutgoing(ctx context.Context, response []byte) ([]byte, error) {
	out, err := NormalizeResponse(response, RequestModelFromContext(ctx), time.Now())
	if err != nil {
		return nil, err
	}
	if err = ValidateResponse(out); err != nil {
		return nil, err
	}
	return out, nil
}
