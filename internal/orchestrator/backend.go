package orchestrator

import (
	"context"
	"log/slog"

	"github.com/danielpatrickdp/turn-governor/internal/codec"
	"github.com/danielpatrickdp/turn-governor/internal/observability"
)

// invoker is the part of codec.Client the backend adapter needs.
type invoker interface {
	Invoke(ctx context.Context, agent, question string, ctxData map[string]any) (codec.Reply, error)
}

// CodecBackend answers through the gRPC backend service, retrying transient
// transport failures.
type CodecBackend struct {
	client invoker
	logger *slog.Logger
}

// NewCodecBackend wraps client, usually a *codec.Client.
func NewCodecBackend(client invoker, logger *slog.Logger) *CodecBackend {
	return &CodecBackend{client: client, logger: observability.OrNop(logger)}
}

// Invoke implements Backend.
func (b *CodecBackend) Invoke(ctx context.Context, question string, bc BackendContext) (BackendReply, error) {
	attempt := 0
	reply, err := withRetry(ctx, func(ctx context.Context) (codec.Reply, error) {
		attempt++
		if attempt > 1 {
			b.logger.Debug("[ORCH] backend retry", "agent", bc.Agent, "request_id", bc.RequestID, "attempt", attempt)
		}
		return b.client.Invoke(ctx, string(bc.Agent), question, bc.Map())
	})
	if err != nil {
		return BackendReply{}, err
	}
	return BackendReply{Text: reply.Text, Metadata: reply.Metadata}, nil
}
