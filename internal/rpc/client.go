package rpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/scottgal/lucidrag-sub005/internal/effectiveness"
	"github.com/scottgal/lucidrag-sub005/internal/engine"
	"github.com/scottgal/lucidrag-sub005/internal/model"
	"github.com/scottgal/lucidrag-sub005/internal/orchestrator"
)

// #region client-struct

// Client calls a remote Learner service.
type Client struct {
	conn *grpc.ClientConn
	cc   grpc.ClientConnInterface
}

// Dial connects to addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &Client{conn: conn, cc: conn}, nil
}

// NewClient wraps an existing connection. Close is then the caller's job.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Conn exposes the connection, e.g. for a health client.
func (c *Client) Conn() grpc.ClientConnInterface { return c.cc }

// Close shuts down a connection opened by Dial.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// #endregion client-struct

// #region calls

func (c *Client) call(ctx context.Context, method string, req, resp any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out); err != nil {
		return fromStatus(err)
	}
	if resp == nil {
		return nil
	}
	if err := fromStruct(out, resp); err != nil {
		return fmt.Errorf("rpc: decode %s reply: %w", method, err)
	}
	return nil
}

// Score analyzes one item remotely.
func (c *Client) Score(ctx context.Context, a engine.Analysis) (engine.Outcome, error) {
	var out engine.Outcome
	err := c.call(ctx, MethodScore, a, &out)
	return out, err
}

// ScoreBatch analyzes several items remotely.
func (c *Client) ScoreBatch(ctx context.Context, items []engine.Analysis) ([]BatchItem, error) {
	var out ScoreBatchResponse
	err := c.call(ctx, MethodScoreBatch, ScoreBatchRequest{Items: items}, &out)
	return out.Items, err
}

// Submit records a verdict remotely.
func (c *Client) Submit(ctx context.Context, recordID string, accepted bool, feedback string) (orchestrator.Result, error) {
	var out orchestrator.Result
	err := c.call(ctx, MethodSubmit, SubmitRequest{RecordID: recordID, Accepted: accepted, Feedback: feedback}, &out)
	return out, err
}

// Top ranks the signals of a scope.
func (c *Client) Top(ctx context.Context, contentType, goal string, limit int) ([]effectiveness.Ranked, error) {
	var out TopResponse
	err := c.call(ctx, MethodTopDiscriminators, TopRequest{ContentType: contentType, Goal: goal, Limit: limit}, &out)
	return out.Signals, err
}

// Prune retires weak signals in a scope.
func (c *Client) Prune(ctx context.Context, contentType, goal string, threshold float64) (int, error) {
	var out PruneResponse
	err := c.call(ctx, MethodPrune, PruneRequest{ContentType: contentType, Goal: goal, Threshold: threshold}, &out)
	return out.Retired, err
}

// Reinstate returns a retired signal to the ranking.
func (c *Client) Reinstate(ctx context.Context, key model.EffectivenessKey) error {
	return c.call(ctx, MethodReinstate, key, nil)
}

// Weight returns the decay-adjusted weight of key.
func (c *Client) Weight(ctx context.Context, key model.EffectivenessKey) (float64, error) {
	var out WeightResponse
	err := c.call(ctx, MethodGetWeight, key, &out)
	return out.Weight, err
}

// #endregion calls
