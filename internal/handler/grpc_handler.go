package handler

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-proc-approvals/internal/errors"
	"github.com/pesio-ai/be-proc-approvals/internal/service"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "approvals.v1.ApprovalEngine"

// ApprovalEngineServer is the gRPC surface of the engine. Every method takes
// and returns a google.protobuf.Struct whose fields follow the JSON names of
// the HTTP API.
type ApprovalEngineServer interface {
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Decide(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cancel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetInstance(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetByRequest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListDecisions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PendingForApprover(context.Context, *structpb.Struct) (*structpb.Struct, error)
	History(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListWorkflows(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ApprovalEngineServiceDesc describes ApprovalEngineServer for grpc.Server.
var ApprovalEngineServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ApprovalEngineServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("Submit", ApprovalEngineServer.Submit),
		unaryMethod("Decide", ApprovalEngineServer.Decide),
		unaryMethod("Cancel", ApprovalEngineServer.Cancel),
		unaryMethod("GetInstance", ApprovalEngineServer.GetInstance),
		unaryMethod("GetByRequest", ApprovalEngineServer.GetByRequest),
		unaryMethod("ListDecisions", ApprovalEngineServer.ListDecisions),
		unaryMethod("PendingForApprover", ApprovalEngineServer.PendingForApprover),
		unaryMethod("History", ApprovalEngineServer.History),
		unaryMethod("ListWorkflows", ApprovalEngineServer.ListWorkflows),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "approvals/v1/approval_engine",
}

type unaryCall func(ApprovalEngineServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ApprovalEngineServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(ApprovalEngineServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// GRPCHandler implements ApprovalEngineServer on top of the engine.
type GRPCHandler struct {
	engine  *service.ApprovalEngine
	catalog *service.CatalogService
	logger  zerolog.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(engine *service.ApprovalEngine, catalog *service.CatalogService, logger zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{
		engine:  engine,
		catalog: catalog,
		logger:  logger.With().Str("handler", "grpc").Logger(),
	}
}

// Register adds the service to s.
func (h *GRPCHandler) Register(s *grpc.Server) {
	s.RegisterService(&ApprovalEngineServiceDesc, h)
}

// Submit routes a request to its workflow.
func (h *GRPCHandler) Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in service.SubmitRequest
	if err := decodeStruct(req, &in); err != nil {
		return nil, err
	}
	h.logger.Info().
		Str("request_id", in.RequestID).
		Str("request_type", in.RequestType).
		Msg("gRPC Submit called")

	result, err := h.engine.Submit(ctx, in)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return encodeStruct(result)
}

// Decide records an approver's decision.
func (h *GRPCHandler) Decide(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in service.DecideRequest
	if err := decodeStruct(req, &in); err != nil {
		return nil, err
	}
	h.logger.Info().
		Str("instance_id", in.InstanceID).
		Str("approver_id", in.ApproverID).
		Str("decision", string(in.Decision)).
		Msg("gRPC Decide called")

	result, err := h.engine.Decide(ctx, in)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return encodeStruct(result)
}

// Cancel ends an open instance.
func (h *GRPCHandler) Cancel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in service.CancelRequest
	if err := decodeStruct(req, &in); err != nil {
		return nil, err
	}
	inst, err := h.engine.Cancel(ctx, in)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return encodeStruct(inst)
}

// GetInstance returns an instance by id.
func (h *GRPCHandler) GetInstance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requiredField(req, "instance_id")
	if err != nil {
		return nil, err
	}
	inst, err := h.engine.GetInstance(ctx, id)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return encodeStruct(inst)
}

// GetByRequest returns the latest instance of a request.
func (h *GRPCHandler) GetByRequest(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requiredField(req, "request_id")
	if err != nil {
		return nil, err
	}
	inst, err := h.engine.GetByRequest(ctx, id)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return encodeStruct(inst)
}

// ListDecisions returns the decision ledger of an instance.
func (h *GRPCHandler) ListDecisions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requiredField(req, "instance_id")
	if err != nil {
		return nil, err
	}
	decisions, err := h.engine.ListDecisions(ctx, id)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return encodeStruct(map[string]interface{}{"decisions": decisions})
}

// PendingForApprover lists the instances waiting on an approver.
func (h *GRPCHandler) PendingForApprover(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requiredField(req, "approver_id")
	if err != nil {
		return nil, err
	}
	instances, err := h.engine.PendingForApprover(ctx, id)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return encodeStruct(map[string]interface{}{"instances": instances})
}

// History returns the audit trail of an instance.
func (h *GRPCHandler) History(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requiredField(req, "instance_id")
	if err != nil {
		return nil, err
	}
	entries, err := h.engine.History(ctx, id)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return encodeStruct(map[string]interface{}{"entries": entries})
}

// ListWorkflows lists workflow definitions. Set active_only to skip retired ones.
func (h *GRPCHandler) ListWorkflows(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	activeOnly := req.GetFields()["active_only"].GetBoolValue()
	defs, err := h.catalog.List(ctx, activeOnly)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return encodeStruct(map[string]interface{}{"workflows": defs})
}

// ── Conversion helpers ────────────────────────────────────────────────────────

func decodeStruct(s *structpb.Struct, v interface{}) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if err := json.Unmarshal(data, v); err != nil {
		return status.Error(codes.InvalidArgument, "invalid request: "+err.Error())
	}
	return nil
}

func encodeStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return s, nil
}

func requiredField(s *structpb.Struct, name string) (string, error) {
	v := s.GetFields()[name].GetStringValue()
	if v == "" {
		return "", status.Errorf(codes.InvalidArgument, "%s is required", name)
	}
	return v, nil
}

// mapErrorToGRPC maps application error codes to gRPC status codes.
func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch errors.CodeOf(err) {
	case errors.ErrCodeNotFound:
		return status.Error(codes.NotFound, msg)
	case errors.ErrCodeInvalidInput:
		return status.Error(codes.InvalidArgument, msg)
	case errors.ErrCodeDuplicateDecision:
		return status.Error(codes.AlreadyExists, msg)
	case errors.ErrCodeConflict:
		return status.Error(codes.Aborted, msg)
	case errors.ErrCodeUnauthorized:
		return status.Error(codes.Unauthenticated, msg)
	case errors.ErrCodeUnauthorizedApprover:
		return status.Error(codes.PermissionDenied, msg)
	case errors.ErrCodeNoApplicableWorkflow, errors.ErrCodeStaleDecision, errors.ErrCodeBlockedStage:
		return status.Error(codes.FailedPrecondition, msg)
	default:
		return status.Error(codes.Internal, msg)
	}
}
