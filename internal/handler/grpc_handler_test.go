package handler

import (
	"context"
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-proc-approvals/internal/errors"
)

func newGRPCConn(t *testing.T) *grpc.ClientConn {
	t.Helper()
	engine, catalog := newTestServices(t)
	_, err := catalog.LoadSeed(context.Background(), []byte(`
workflows:
  - id: wf-standard
    name: Standard
    applicability: {request_type: STOCK_REPLENISHMENT, min_amount: 0, max_amount: 500000}
    stages:
      - {stage_number: 1, name: Department head, approver: {role: DEPARTMENT_HEAD}, approval_type: SINGLE}
      - {stage_number: 2, name: Finance, approver: {role: CFO}, approval_type: SINGLE}
`))
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	NewGRPCHandler(engine, catalog, zerolog.Nop()).Register(srv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func call(t *testing.T, conn *grpc.ClientConn, method string, in map[string]interface{}) (map[string]interface{}, error) {
	t.Helper()
	req, err := structpb.NewStruct(in)
	require.NoError(t, err)
	resp := new(structpb.Struct)
	if err := conn.Invoke(context.Background(), "/"+ServiceName+"/"+method, req, resp); err != nil {
		return nil, err
	}
	return resp.AsMap(), nil
}

func TestGRPCApprovalFlow(t *testing.T) {
	conn := newGRPCConn(t)

	out, err := call(t, conn, "Submit", map[string]interface{}{
		"request_id":   "R1",
		"request_type": "STOCK_REPLENISHMENT",
		"amount":       120000,
		"submitted_by": "requester",
	})
	require.NoError(t, err)
	inst := out["instance"].(map[string]interface{})
	id := inst["id"].(string)
	assert.Equal(t, "IN_PROGRESS", inst["status"])
	assert.EqualValues(t, 120000, inst["amount"])

	out, err = call(t, conn, "PendingForApprover", map[string]interface{}{"approver_id": "U1"})
	require.NoError(t, err)
	assert.Len(t, out["instances"], 1)

	out, err = call(t, conn, "Decide", map[string]interface{}{
		"instance_id": id, "approver_id": "U1", "decision": "APPROVED",
	})
	require.NoError(t, err)
	assert.Equal(t, true, out["advanced"])

	_, err = call(t, conn, "Decide", map[string]interface{}{
		"instance_id": id, "approver_id": "U1", "decision": "APPROVED", "stage_number": 1,
	})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	out, err = call(t, conn, "Decide", map[string]interface{}{
		"instance_id": id, "approver_id": "U2", "decision": "APPROVED",
	})
	require.NoError(t, err)
	assert.Equal(t, true, out["completed"])

	out, err = call(t, conn, "GetInstance", map[string]interface{}{"instance_id": id})
	require.NoError(t, err)
	assert.Equal(t, "APPROVED", out["status"])

	out, err = call(t, conn, "GetByRequest", map[string]interface{}{"request_id": "R1"})
	require.NoError(t, err)
	assert.Equal(t, id, out["id"])

	out, err = call(t, conn, "ListDecisions", map[string]interface{}{"instance_id": id})
	require.NoError(t, err)
	assert.Len(t, out["decisions"], 2)

	out, err = call(t, conn, "History", map[string]interface{}{"instance_id": id})
	require.NoError(t, err)
	assert.NotEmpty(t, out["entries"])

	_, err = call(t, conn, "Cancel", map[string]interface{}{"instance_id": id, "reason": "late"})
	assert.Equal(t, codes.Aborted, status.Code(err))

	out, err = call(t, conn, "ListWorkflows", map[string]interface{}{"active_only": true})
	require.NoError(t, err)
	assert.Len(t, out["workflows"], 1)
}

func TestGRPCErrors(t *testing.T) {
	conn := newGRPCConn(t)

	_, err := call(t, conn, "GetInstance", map[string]interface{}{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = call(t, conn, "GetInstance", map[string]interface{}{"instance_id": "missing"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = call(t, conn, "Submit", map[string]interface{}{
		"request_id": "R2", "request_type": "UNKNOWN", "amount": 5,
	})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	_, err = call(t, conn, "Submit", map[string]interface{}{"request_id": "R3", "amount": "lots"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestMapErrorToGRPC(t *testing.T) {
	cases := map[errors.Code]codes.Code{
		errors.ErrCodeNotFound:             codes.NotFound,
		errors.ErrCodeInvalidInput:         codes.InvalidArgument,
		errors.ErrCodeDuplicateDecision:    codes.AlreadyExists,
		errors.ErrCodeConflict:             codes.Aborted,
		errors.ErrCodeUnauthorized:         codes.Unauthenticated,
		errors.ErrCodeUnauthorizedApprover: codes.PermissionDenied,
		errors.ErrCodeNoApplicableWorkflow: codes.FailedPrecondition,
		errors.ErrCodeStaleDecision:        codes.FailedPrecondition,
		errors.ErrCodeBlockedStage:         codes.FailedPrecondition,
		errors.ErrCodeInternal:             codes.Internal,
	}
	for code, want := range cases {
		got := mapErrorToGRPC(errors.New(code, "boom"))
		assert.Equal(t, want, status.Code(got), string(code))
	}
	assert.NoError(t, mapErrorToGRPC(nil))
}
