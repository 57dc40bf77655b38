package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/routecodex/gateway/internal/compat"
	"github.com/routecodex/gateway/internal/llmswitch"
	"github.com/routecodex/gateway/internal/pool"
	"github.com/routecodex/gateway/internal/providerclient"
)

// compatIncomingStage and compatOutgoingStage wrap one compat.Module as two
// distinct pool.Instance/pipeline.Stage entries, so a route's module chain
// can place the same provider family's incoming transform before the
// provider call and its outgoing transform after (spec §4.10: C7->C5->C6->
// C5->C7).
type compatIncomingStage struct{ mod compat.Module }

func (s *compatIncomingStage) Initialize(ctx context.Context) error { return nil }
func (s *compatIncomingStage) Healthy() bool                        { return s.mod != nil }
func (s *compatIncomingStage) Cleanup(ctx context.Context) error    { return nil }
func (s *compatIncomingStage) Invoke(ctx context.Context, buf []byte) ([]byte, error) {
	return s.mod.ProcessIncoming(ctx, buf)
}

type compatOutgoingStage struct{ mod compat.Module }

func (s *compatOutgoingStage) Initialize(ctx context.Context) error { return nil }
func (s *compatOutgoingStage) Healthy() bool                        { return s.mod != nil }
func (s *compatOutgoingStage) Cleanup(ctx context.Context) error    { return nil }
func (s *compatOutgoingStage) Invoke(ctx context.Context, buf []byte) ([]byte, error) {
	return s.mod.ProcessOutgoing(ctx, buf)
}

// providerStage invokes a provider client's non-streaming Send and hands
// the raw provider body to the next stage (the matching compat module's
// outgoing transform).
type providerStage struct{ client *providerclient.Client }

func (s *providerStage) Initialize(ctx context.Context) error { return nil }
func (s *providerStage) Healthy() bool                        { return s.client != nil }
func (s *providerStage) Cleanup(ctx context.Context) error     { return nil }
func (s *providerStage) Invoke(ctx context.Context, buf []byte) ([]byte, error) {
	body, _, err := s.client.Send(ctx, buf)
	return body, err
}

// OpenStream satisfies pipeline.StreamOpener for streaming requests.
func (s *providerStage) OpenStream(ctx context.Context, buf []byte) (*http.Response, error) {
	return s.client.OpenStream(ctx, buf)
}

// dialectFn is one side of an llmswitch conversion pair.
type dialectFn func(buf []byte) ([]byte, error)

type dialectStage struct{ fn dialectFn }

func (s *dialectStage) Initialize(ctx context.Context) error { return nil }
func (s *dialectStage) Healthy() bool                        { return s.fn != nil }
func (s *dialectStage) Cleanup(ctx context.Context) error     { return nil }
func (s *dialectStage) Invoke(ctx context.Context, buf []byte) ([]byte, error) {
	return s.fn(buf)
}

// responsesToChatStage / chatToResponsesStage / anthropicToChatStage /
// chatToAnthropicStage adapt llmswitch's pure functions (which need a
// clock for the outgoing direction) into the fixed dialectFn shape.
func responsesToChatStage() pool.Instance {
	return &dialectStage{fn: llmswitch.ResponsesToChat}
}

func chatToResponsesStage() pool.Instance {
	return &dialectStage{fn: func(buf []byte) ([]byte, error) { return llmswitch.ChatToResponses(buf, time.Now()) }}
}

func anthropicToChatStage() pool.Instance {
	return &dialectStage{fn: llmswitch.AnthropicToChat}
}

func chatToAnthropicStage() pool.Instance {
	return &dialectStage{fn: func(buf []byte) ([]byte, error) { return llmswitch.ChatToAnthropic(buf, time.Now()) }}
}

// BuildFactories registers one pool.Factory per stage-kind this gateway
// ships, keyed by the moduleType strings route configs reference.
// providerClientFor lets the "provider.<name>" factory build a
// real providerclient.Client without needing a separate registry package.
func BuildFactories(registry *compat.Registry, providerClientFor func(name string) (*providerclient.Client, error)) map[string]pool.Factory {
	factories := map[string]pool.Factory{
		"llmswitch.responses_to_chat": func(string, map[string]any) (pool.Instance, error) { return responsesToChatStage(), nil },
		"llmswitch.chat_to_responses": func(string, map[string]any) (pool.Instance, error) { return chatToResponsesStage(), nil },
		"llmswitch.anthropic_to_chat": func(string, map[string]any) (pool.Instance, error) { return anthropicToChatStage(), nil },
		"llmswitch.chat_to_anthropic": func(string, map[string]any) (pool.Instance, error) { return chatToAnthropicStage(), nil },
	}

	for _, name := range []string{"qwen", "iflow", "glm", "lmstudio", "passthrough"} {
		name := name
		mod, err := registry.Lookup(name)
		if err != nil {
			continue
		}
		factories["compat."+name+".incoming"] = func(string, map[string]any) (pool.Instance, error) {
			return &compatIncomingStage{mod: mod}, nil
		}
		factories["compat."+name+".outgoing"] = func(string, map[string]any) (pool.Instance, error) {
			return &compatOutgoingStage{mod: mod}, nil
		}
		factories["provider."+name] = func(moduleType string, config map[string]any) (pool.Instance, error) {
			client, cerr := providerClientFor(name)
			if cerr != nil {
				return nil, fmt.Errorf("httpapi: build provider client for %s: %w", name, cerr)
			}
			return &providerStage{client: client}, nil
		}
	}
	return factories
}
