package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/turn-governor/internal/orchestrator"
	"github.com/danielpatrickdp/turn-governor/internal/quality"
	"github.com/danielpatrickdp/turn-governor/internal/release"
	"github.com/danielpatrickdp/turn-governor/internal/wrqs"
)

// #region codec

// decode maps a Struct payload onto T through its json tags.
func decode[T any](in *structpb.Struct) (T, error) {
	var out T
	if in == nil {
		return out, nil
	}
	raw, err := json.Marshal(in.AsMap())
	if err != nil {
		return out, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	return out, nil
}

// encode renders v as a Struct. v must marshal to a JSON object.
func encode(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// #endregion

// #region errors

// toStatus maps domain errors onto gRPC codes. Errors that already carry a
// status pass through.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, orchestrator.ErrInvalidTurn),
		errors.Is(err, quality.ErrInvalidFeedback),
		errors.Is(err, release.ErrInvalidCanaryRequest),
		errors.Is(err, wrqs.ErrInvalidWeightConfig):
		code = codes.InvalidArgument
	case errors.Is(err, release.ErrGoldenGateNotPassed),
		errors.Is(err, release.ErrNoCanary):
		code = codes.FailedPrecondition
	case errors.Is(err, release.ErrCanaryRunning):
		code = codes.AlreadyExists
	case errors.Is(err, sql.ErrNoRows),
		errors.Is(err, orchestrator.ErrUnknownRequest):
		code = codes.NotFound
	case errors.Is(err, orchestrator.ErrFeedbackDisabled):
		code = codes.Unimplemented
	case errors.Is(err, orchestrator.ErrClosed):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return status.Error(code, err.Error())
}

// #endregion
