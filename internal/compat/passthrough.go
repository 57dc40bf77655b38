package compat

import "context"

// PassthroughModule performs no transformation at all; it serves providers
// that already speak the exact OpenAI Chat Completions wire shape
// (spec §4.5: "restrict transformations to the minimum").
type PassthroughModule struct{}

func NewPassthroughModule() *PassthroughModule { return &PassthroughModule{} }

func (m *PassthroughModule) Name() string { return "passthrough" }

func (m *PassthroughModule) ProcessIncoming(ctx context.Context, request []byte) ([]byte, error) {
	return request, nil
}

func (m *PassthroughModule) ProcessOutgoing(ctx context.Context, response []byte) ([]byte, error) {
	return response, nil
}
