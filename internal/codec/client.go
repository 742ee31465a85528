package codec

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// #region methods
// Full method names of the external services. Payloads are google.protobuf.Struct
// on both sides, so no generated stubs are needed.
const (
	MethodClassify = "/turngov.v1.Classifier/Classify"
	MethodInvoke   = "/turngov.v1.Backend/Invoke"
)

// #endregion methods

// #region types
// Reply is one backend answer with its loosely typed metadata
// (row_count, retrieval_score, hallucination_risk, error, ...).
type Reply struct {
	Text     string
	Metadata map[string]any
}

// #endregion types

// #region client-struct
// Client calls the classifier and answer backends over gRPC.
type Client struct {
	conn    grpc.ClientConnInterface
	closer  interface{ Close() error }
	timeout time.Duration
}

// #endregion client-struct

// #region constructor
// NewClient connects to addr. The connection is lazy; errors surface on the
// first call.
func NewClient(addr string, timeout time.Duration) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &Client{conn: conn, closer: conn, timeout: timeout}, nil
}

// NewClientWithConn wraps an existing connection. Close leaves it open.
// Used for testing over bufconn.
func NewClientWithConn(conn grpc.ClientConnInterface, timeout time.Duration) *Client {
	return &Client{conn: conn, timeout: timeout}
}

// #endregion constructor

// #region close
// Close shuts down the gRPC connection if the client owns it.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

// #endregion close

// #region classify
// Classify sends prompt to the classifier service and returns its raw reply.
func (c *Client) Classify(ctx context.Context, prompt string) (string, error) {
	req, err := structpb.NewStruct(map[string]any{"prompt": prompt})
	if err != nil {
		return "", err
	}
	resp, err := c.call(ctx, MethodClassify, req)
	if err != nil {
		return "", fmt.Errorf("classify rpc: %w", err)
	}
	return resp.GetFields()["text"].GetStringValue(), nil
}

// #endregion classify

// #region invoke
// Invoke asks the named backend agent to answer question. ctxData carries the
// session context (user state, top-k, clarify mode) and must be JSON-shaped.
func (c *Client) Invoke(ctx context.Context, agent, question string, ctxData map[string]any) (Reply, error) {
	if ctxData == nil {
		ctxData = map[string]any{}
	}
	req, err := structpb.NewStruct(map[string]any{
		"agent":    agent,
		"question": question,
		"context":  ctxData,
	})
	if err != nil {
		return Reply{}, fmt.Errorf("encode invoke request: %w", err)
	}
	resp, err := c.call(ctx, MethodInvoke, req)
	if err != nil {
		return Reply{}, fmt.Errorf("invoke rpc %s: %w", agent, err)
	}
	fields := resp.GetFields()
	reply := Reply{
		Text:     fields["text"].GetStringValue(),
		Metadata: map[string]any{},
	}
	if md := fields["metadata"].GetStructValue(); md != nil {
		reply.Metadata = md.AsMap()
	}
	return reply, nil
}

// #endregion invoke

func (c *Client) call(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
