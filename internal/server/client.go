package server

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/ai-orchestrator/internal/controller"
	"github.com/ChuLiYu/ai-orchestrator/pkg/types"
)

// Client calls a remote JobService.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, name string, in map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+name, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Submit submits a job and returns its id.
func (c *Client) Submit(ctx context.Context, req controller.SubmitRequest) (types.JobID, error) {
	out, err := c.call(ctx, "Submit", map[string]any{
		"mode":       string(req.Mode),
		"ownerKey":   req.Owner,
		"contextKey": req.ContextKey,
		"question":   req.Question,
	})
	if err != nil {
		return "", err
	}
	return types.JobID(stringField(out, "taskId")), nil
}

// Status fetches a job, waiting up to wait for it to finish when wait > 0.
func (c *Client) Status(ctx context.Context, id types.JobID, wait time.Duration) (types.Job, error) {
	out, err := c.call(ctx, "Status", map[string]any{
		"taskId": string(id),
		"waitMs": float64(wait.Milliseconds()),
	})
	if err != nil {
		return types.Job{}, err
	}
	job := types.Job{
		ID:    types.JobID(stringField(out, "taskId")),
		State: types.JobState(stringField(out, "state")),
		Error: stringField(out, "error"),
	}
	if result := out.GetFields()["result"].GetStructValue(); result != nil {
		job.Result = types.Result(result.AsMap())
	}
	return job, nil
}

// Cancel requests cancellation of a job.
func (c *Client) Cancel(ctx context.Context, id types.JobID) (controller.CancelResult, error) {
	out, err := c.call(ctx, "Cancel", map[string]any{"taskId": string(id)})
	if err != nil {
		return controller.CancelResult{}, err
	}
	return controller.CancelResult{
		State:   types.JobState(stringField(out, "state")),
		Pending: out.GetFields()["pending"].GetBoolValue(),
	}, nil
}
