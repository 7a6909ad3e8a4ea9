package client

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-proc-approvals/internal/repository"
	"github.com/pesio-ai/be-proc-approvals/internal/service"
)

const approvalsService = "/approvals.v1.ApprovalEngine/"

// ApprovalsGRPCClient calls the approval engine over gRPC. Requesting
// services use it to submit requests and relay approver decisions.
type ApprovalsGRPCClient struct {
	conn *grpc.ClientConn
}

// NewApprovalsGRPCClient dials the approvals gRPC service and returns a
// client. Extra options are appended after the defaults.
func NewApprovalsGRPCClient(addr string, opts ...grpc.DialOption) (*ApprovalsGRPCClient, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(forwardMetadata),
	}, opts...)
	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, err
	}
	return &ApprovalsGRPCClient{conn: conn}, nil
}

// Close releases the underlying gRPC connection.
func (c *ApprovalsGRPCClient) Close() error {
	return c.conn.Close()
}

// Submit routes a request to its workflow and opens an approval instance.
func (c *ApprovalsGRPCClient) Submit(ctx context.Context, req service.SubmitRequest) (*service.SubmitResult, error) {
	var out service.SubmitResult
	if err := c.invoke(ctx, "Submit", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Decide records an approver's decision on the current stage.
func (c *ApprovalsGRPCClient) Decide(ctx context.Context, req service.DecideRequest) (*service.StageUpdateResult, error) {
	var out service.StageUpdateResult
	if err := c.invoke(ctx, "Decide", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel withdraws an open approval instance.
func (c *ApprovalsGRPCClient) Cancel(ctx context.Context, req service.CancelRequest) (*repository.ApprovalInstance, error) {
	var out repository.ApprovalInstance
	if err := c.invoke(ctx, "Cancel", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetByRequest returns the latest instance for a request, or nil if the
// request was never submitted.
func (c *ApprovalsGRPCClient) GetByRequest(ctx context.Context, requestID string) (*repository.ApprovalInstance, error) {
	var out repository.ApprovalInstance
	err := c.invoke(ctx, "GetByRequest", map[string]string{"request_id": requestID}, &out)
	if err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

func (c *ApprovalsGRPCClient) invoke(ctx context.Context, method string, in, out interface{}) error {
	req, err := toStruct(in)
	if err != nil {
		return fmt.Errorf("approvals %s: encode request: %w", method, err)
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, approvalsService+method, req, resp); err != nil {
		return err
	}
	data, err := json.Marshal(resp.AsMap())
	if err != nil {
		return fmt.Errorf("approvals %s: decode response: %w", method, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("approvals %s: decode response: %w", method, err)
	}
	return nil
}

func toStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}
