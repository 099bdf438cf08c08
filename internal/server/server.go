// ============================================================================
// gRPC Analysis Service - remote entry point to the engine
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: Exposes Analyze, ForceAnalyze, Sequence, Result and Status over gRPC
//
// Wire format:
//   Every request and response is a google.protobuf.Struct, so the service
//   needs no generated stubs. Images travel base64-encoded.
//
//   Analyze / ForceAnalyze request:
//     {"image": "<base64>", "priority": "high", "source": "camera-3",
//      "prompt": "...", "continuous": false}
//   Sequence request:
//     {"images": ["<base64>", ...], "prompt": "...", "subject_id": "...",
//      "source": "...", "sequence_id": "<resume this id>"}
//   Result request:  {"id": "<request or sequence id>"}
//   Status request:  {}
//
//   Responses are the JSON form of types.AnalysisResult / engine.Status.
//
// Error mapping:
//   queue overflow                  -> ResourceExhausted
//   all providers failed / stopped  -> Unavailable
//   bad priority / image / length   -> InvalidArgument
//   unknown id                      -> NotFound
//   caller cancelled / deadline     -> Canceled / DeadlineExceeded
//
// ============================================================================

package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/travisdw72/onebarn-ai-sub006/internal/engine"
	"github.com/travisdw72/onebarn-ai-sub006/internal/failover"
	"github.com/travisdw72/onebarn-ai-sub006/internal/scheduler"
	"github.com/travisdw72/onebarn-ai-sub006/internal/sequence"
	"github.com/travisdw72/onebarn-ai-sub006/internal/store"
	"github.com/travisdw72/onebarn-ai-sub006/pkg/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "orchestrator.v1.AnalysisService"

// Engine is the subset of *engine.Engine the service calls.
type Engine interface {
	Submit(ctx context.Context, image []byte, rc types.RequestContext) (types.AnalysisResult, error)
	ForceSubmit(ctx context.Context, image []byte, rc types.RequestContext) (types.AnalysisResult, error)
	RunSequence(ctx context.Context, photos [][]byte, basePrompt string, meta sequence.Meta) (types.AnalysisResult, error)
	ResumeSequence(ctx context.Context, sequenceID string, photos [][]byte, basePrompt string) (types.AnalysisResult, error)
	Result(ctx context.Context, id string) (types.AnalysisResult, error)
	Status(ctx context.Context) engine.Status
}

// Server implements orchestrator.v1.AnalysisService.
type Server struct {
	engine Engine
}

// NewServer creates a service backed by eng.
func NewServer(eng Engine) *Server {
	return &Server{engine: eng}
}

// Register attaches the service to a grpc.Server.
func Register(gs *grpc.Server, srv *Server) {
	gs.RegisterService(&serviceDesc, srv)
}

// Analyze queues one analysis and waits for its result.
func (s *Server) Analyze(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	image, rc, err := decodeAnalyze(req)
	if err != nil {
		return nil, err
	}
	res, err := s.engine.Submit(ctx, image, rc)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(res)
}

// ForceAnalyze dispatches immediately, bypassing queue and rate limit.
func (s *Server) ForceAnalyze(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	image, rc, err := decodeAnalyze(req)
	if err != nil {
		return nil, err
	}
	res, err := s.engine.ForceSubmit(ctx, image, rc)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(res)
}

// Sequence runs, or resumes when sequence_id is set, a sequential learning analysis.
func (s *Server) Sequence(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	list := fields["images"].GetListValue().GetValues()
	photos := make([][]byte, 0, len(list))
	for i, v := range list {
		img, err := base64.StdEncoding.DecodeString(v.GetStringValue())
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "images[%d]: %v", i, err)
		}
		photos = append(photos, img)
	}
	prompt := fields["prompt"].GetStringValue()

	var (
		res types.AnalysisResult
		err error
	)
	if id := fields["sequence_id"].GetStringValue(); id != "" {
		res, err = s.engine.ResumeSequence(ctx, id, photos, prompt)
	} else {
		res, err = s.engine.RunSequence(ctx, photos, prompt, sequence.Meta{
			SubjectID: fields["subject_id"].GetStringValue(),
			Source:    fields["source"].GetStringValue(),
		})
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(res)
}

// Result fetches a persisted result by request or sequence id.
func (s *Server) Result(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := req.GetFields()["id"].GetStringValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	res, err := s.engine.Result(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(res)
}

// Status reports scheduler, provider, circuit and storage state.
func (s *Server) Status(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return toStruct(s.engine.Status(ctx))
}

func decodeAnalyze(req *structpb.Struct) ([]byte, types.RequestContext, error) {
	fields := req.GetFields()
	encoded := fields["image"].GetStringValue()
	if encoded == "" {
		return nil, types.RequestContext{}, status.Error(codes.InvalidArgument, "image is required")
	}
	image, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, types.RequestContext{}, status.Errorf(codes.InvalidArgument, "image: %v", err)
	}
	priority, err := types.ParsePriority(fields["priority"].GetStringValue())
	if err != nil {
		return nil, types.RequestContext{}, status.Error(codes.InvalidArgument, err.Error())
	}
	return image, types.RequestContext{
		Priority:   priority,
		Source:     fields["source"].GetStringValue(),
		Prompt:     fields["prompt"].GetStringValue(),
		Continuous: fields["continuous"].GetBoolValue(),
	}, nil
}

// toStruct converts v through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// FromStruct decodes a response Struct into v (a *types.AnalysisResult or *engine.Status).
func FromStruct(s *structpb.Struct, v any) error {
	data, err := s.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func toStatus(err error) error {
	var failed *failover.AllProvidersFailedError
	switch {
	case errors.Is(err, scheduler.ErrQueueOverflow):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.As(err, &failed), errors.Is(err, failover.ErrNoEligibleProvider):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, scheduler.ErrSchedulerStopped),
		errors.Is(err, engine.ErrStopped),
		errors.Is(err, engine.ErrNotStarted):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, scheduler.ErrInvalidPriority),
		errors.Is(err, sequence.ErrEmptySequence),
		errors.Is(err, sequence.ErrLengthMismatch),
		errors.Is(err, sequence.ErrIncompatibleCheckpoint):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, store.ErrNotFound), errors.Is(err, sequence.ErrUnknownSequence):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// LoggingInterceptor logs every unary call with its duration and status code.
func LoggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)
	if err != nil && code != codes.ResourceExhausted && code != codes.NotFound && code != codes.InvalidArgument {
		slog.Warn("RPC failed", "method", info.FullMethod, "code", code.String(), "duration", time.Since(start), "error", err)
	} else {
		slog.Debug("RPC handled", "method", info.FullMethod, "code", code.String(), "duration", time.Since(start))
	}
	return resp, err
}

// ============================================================================
// Service descriptor
// ============================================================================

type unaryMethod func(s *Server, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func handler(name string, call unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*Server)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fmt.Sprintf("/%s/%s", ServiceName, name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		handler("Analyze", (*Server).Analyze),
		handler("ForceAnalyze", (*Server).ForceAnalyze),
		handler("Sequence", (*Server).Sequence),
		handler("Result", (*Server).Result),
		handler("Status", (*Server).Status),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "orchestrator/v1/analysis.proto",
}
