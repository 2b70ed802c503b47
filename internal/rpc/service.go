// Package rpc serves the engine over gRPC. Messages travel as
// google.protobuf.Struct holding the same JSON shapes the CLI prints, so the
// service needs no generated code.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/scottgal/lucidrag-sub005/internal/effectiveness"
	"github.com/scottgal/lucidrag-sub005/internal/engine"
	"github.com/scottgal/lucidrag-sub005/internal/model"
	"github.com/scottgal/lucidrag-sub005/internal/orchestrator"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "lucidrag.learner.v1.Learner"

// Full method names.
const (
	MethodScore             = "/" + ServiceName + "/Score"
	MethodScoreBatch        = "/" + ServiceName + "/ScoreBatch"
	MethodSubmit            = "/" + ServiceName + "/Submit"
	MethodTopDiscriminators = "/" + ServiceName + "/TopDiscriminators"
	MethodPrune             = "/" + ServiceName + "/Prune"
	MethodReinstate         = "/" + ServiceName + "/Reinstate"
	MethodGetWeight         = "/" + ServiceName + "/GetWeight"
)

// errBadRequest marks a payload that does not decode into its request type.
var errBadRequest = errors.New("rpc: malformed request")

// #region messages

// ScoreBatchRequest carries several analyses.
type ScoreBatchRequest struct {
	Items []engine.Analysis `json:"items"`
}

// BatchItem is one entry of a ScoreBatch reply. Kind is the error class
// (store.Kind) when Error is set.
type BatchItem struct {
	Index   int            `json:"index"`
	Outcome engine.Outcome `json:"outcome"`
	Error   string         `json:"error,omitempty"`
	Kind    string         `json:"kind,omitempty"`
}

// ScoreBatchResponse lists results in request order.
type ScoreBatchResponse struct {
	Items []BatchItem `json:"items"`
}

// SubmitRequest is a verdict on a recorded analysis.
type SubmitRequest struct {
	RecordID string `json:"record_id"`
	Accepted bool   `json:"accepted"`
	Feedback string `json:"feedback,omitempty"`
}

// TopRequest selects a scope. Limit <= 0 returns every signal.
type TopRequest struct {
	ContentType string `json:"content_type"`
	Goal        string `json:"goal"`
	Limit       int    `json:"limit,omitempty"`
}

// TopResponse ranks signals by effective weight.
type TopResponse struct {
	Signals []effectiveness.Ranked `json:"signals"`
}

// PruneRequest retires weak signals. Threshold <= 0 uses the server default.
type PruneRequest struct {
	ContentType string  `json:"content_type"`
	Goal        string  `json:"goal"`
	Threshold   float64 `json:"threshold,omitempty"`
}

// PruneResponse counts newly retired signals.
type PruneResponse struct {
	Retired int `json:"retired"`
}

// WeightResponse is the decay-adjusted weight of one key.
type WeightResponse struct {
	Key    model.EffectivenessKey `json:"key"`
	Weight float64                `json:"weight"`
}

// #endregion messages

// #region server

// Engine is what the server needs from *engine.Engine.
type Engine interface {
	Analyze(ctx context.Context, a engine.Analysis) (engine.Outcome, error)
	AnalyzeBatch(ctx context.Context, items []engine.Analysis) []engine.ItemResult
	Submit(ctx context.Context, recordID string, accepted bool, feedbackText string) (orchestrator.Result, error)
	Top(ctx context.Context, contentType, goal string, limit int) ([]effectiveness.Ranked, error)
	Prune(ctx context.Context, contentType, goal string, threshold float64) (int, error)
	Reinstate(ctx context.Context, key model.EffectivenessKey) error
	Weight(ctx context.Context, key model.EffectivenessKey) (float64, error)
}

// LearnerServer is the service implementation registered with gRPC.
type LearnerServer interface {
	Score(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	ScoreBatch(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	TopDiscriminators(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Prune(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Reinstate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	GetWeight(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// Server adapts an Engine to LearnerServer.
type Server struct {
	engine Engine
	logger *slog.Logger
}

var _ LearnerServer = (*Server)(nil)

// NewServer creates a Server.
func NewServer(e Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{engine: e, logger: logger}
}

// Register adds the Learner service to gs.
func (s *Server) Register(gs grpc.ServiceRegistrar) {
	gs.RegisterService(&ServiceDesc, s)
}

// Score analyzes one engine.Analysis.
func (s *Server) Score(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req engine.Analysis
	if err := fromStruct(in, &req); err != nil {
		return nil, statusError(err)
	}
	out, err := s.engine.Analyze(ctx, req)
	if err != nil {
		return nil, statusError(err)
	}
	return reply(out)
}

// ScoreBatch analyzes several items concurrently. Item failures are reported
// per item; the call itself fails only on a malformed request.
func (s *Server) ScoreBatch(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ScoreBatchRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, statusError(err)
	}
	return reply(ScoreBatchResponse{Items: BatchItems(s.engine.AnalyzeBatch(ctx, req.Items))})
}

// BatchItems converts engine batch results to their wire form.
func BatchItems(results []engine.ItemResult) []BatchItem {
	out := make([]BatchItem, len(results))
	for i, r := range results {
		out[i] = BatchItem{Index: r.Index, Outcome: r.Outcome}
		if r.Err != nil {
			out[i].Error = r.Err.Error()
			out[i].Kind = kindOf(r.Err)
		}
	}
	return out
}

// Submit records a verdict and applies it.
func (s *Server) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SubmitRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, statusError(err)
	}
	if req.RecordID == "" {
		return nil, statusError(fmt.Errorf("%w: record_id is required", errBadRequest))
	}
	res, err := s.engine.Submit(ctx, req.RecordID, req.Accepted, req.Feedback)
	if err != nil {
		return nil, statusError(err)
	}
	return reply(res)
}

// TopDiscriminators ranks the signals of a scope.
func (s *Server) TopDiscriminators(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req TopRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, statusError(err)
	}
	top, err := s.engine.Top(ctx, req.ContentType, req.Goal, req.Limit)
	if err != nil {
		return nil, statusError(err)
	}
	if top == nil {
		top = []effectiveness.Ranked{}
	}
	return reply(TopResponse{Signals: top})
}

// Prune retires weak signals in a scope.
func (s *Server) Prune(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req PruneRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, statusError(err)
	}
	n, err := s.engine.Prune(ctx, req.ContentType, req.Goal, req.Threshold)
	if err != nil {
		return nil, statusError(err)
	}
	return reply(PruneResponse{Retired: n})
}

// Reinstate returns a retired signal to the ranking.
func (s *Server) Reinstate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	key, err := keyFrom(in)
	if err != nil {
		return nil, statusError(err)
	}
	if err := s.engine.Reinstate(ctx, key); err != nil {
		return nil, statusError(err)
	}
	return reply(struct{}{})
}

// GetWeight returns the decay-adjusted weight of a key.
func (s *Server) GetWeight(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	key, err := keyFrom(in)
	if err != nil {
		return nil, statusError(err)
	}
	w, err := s.engine.Weight(ctx, key)
	if err != nil {
		return nil, statusError(err)
	}
	return reply(WeightResponse{Key: key, Weight: w})
}

func keyFrom(in *structpb.Struct) (model.EffectivenessKey, error) {
	var key model.EffectivenessKey
	if err := fromStruct(in, &key); err != nil {
		return key, err
	}
	if key.SignalKey == "" || key.ContentType == "" || key.Goal == "" {
		return key, fmt.Errorf("%w: signal_key, content_type and goal are required", errBadRequest)
	}
	return key, nil
}

func reply(v any) (*structpb.Struct, error) {
	out, err := toStruct(v)
	if err != nil {
		return nil, statusError(err)
	}
	return out, nil
}

// #endregion server

// #region service-desc

func unary(method string, call func(LearnerServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(LearnerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(LearnerServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc describes the Learner service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LearnerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Score", Handler: unary(MethodScore, LearnerServer.Score)},
		{MethodName: "ScoreBatch", Handler: unary(MethodScoreBatch, LearnerServer.ScoreBatch)},
		{MethodName: "Submit", Handler: unary(MethodSubmit, LearnerServer.Submit)},
		{MethodName: "TopDiscriminators", Handler: unary(MethodTopDiscriminators, LearnerServer.TopDiscriminators)},
		{MethodName: "Prune", Handler: unary(MethodPrune, LearnerServer.Prune)},
		{MethodName: "Reinstate", Handler: unary(MethodReinstate, LearnerServer.Reinstate)},
		{MethodName: "GetWeight", Handler: unary(MethodGetWeight, LearnerServer.GetWeight)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "lucidrag/learner/v1/learner.proto",
}

// #endregion service-desc
