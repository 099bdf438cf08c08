package server

import (
	"context"
	"encoding/base64"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/travisdw72/onebarn-ai-sub006/internal/engine"
	"github.com/travisdw72/onebarn-ai-sub006/pkg/types"
)

// Client calls a remote AnalysisService.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req map[string]any, out any) error {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, resp); err != nil {
		return err
	}
	return FromStruct(resp, out)
}

// Analyze submits one image. Set force to bypass the queue.
func (c *Client) Analyze(ctx context.Context, image []byte, rc types.RequestContext, force bool) (types.AnalysisResult, error) {
	method := "Analyze"
	if force {
		method = "ForceAnalyze"
	}
	req := map[string]any{
		"image":      base64.StdEncoding.EncodeToString(image),
		"priority":   string(rc.Priority),
		"source":     rc.Source,
		"prompt":     rc.Prompt,
		"continuous": rc.Continuous,
	}
	var res types.AnalysisResult
	err := c.invoke(ctx, method, req, &res)
	return res, err
}

// Sequence runs a sequential analysis, or resumes sequenceID when it is set.
func (c *Client) Sequence(ctx context.Context, photos [][]byte, prompt, subjectID, sequenceID string) (types.AnalysisResult, error) {
	images := make([]any, len(photos))
	for i, p := range photos {
		images[i] = base64.StdEncoding.EncodeToString(p)
	}
	req := map[string]any{
		"images":      images,
		"prompt":      prompt,
		"subject_id":  subjectID,
		"sequence_id": sequenceID,
	}
	var res types.AnalysisResult
	err := c.invoke(ctx, "Sequence", req, &res)
	return res, err
}

// Result fetches a persisted result.
func (c *Client) Result(ctx context.Context, id string) (types.AnalysisResult, error) {
	var res types.AnalysisResult
	err := c.invoke(ctx, "Result", map[string]any{"id": id}, &res)
	return res, err
}

// Status fetches the engine status.
func (c *Client) Status(ctx context.Context) (engine.Status, error) {
	var st engine.Status
	err := c.invoke(ctx, "Status", map[string]any{}, &st)
	return st, err
}
