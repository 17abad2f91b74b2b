package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/graphkeep/graphkeep/pkg/locks"
	"github.com/graphkeep/graphkeep/pkg/master"
	"github.com/graphkeep/graphkeep/pkg/reqctx"
)

// MasterServiceName is the fully qualified name of the master lock service.
const MasterServiceName = "graphkeep.ha.Master"

// Full method names of the master lock service.
const (
	HandshakeMethod      = "/" + MasterServiceName + "/Handshake"
	AcquireLockMethod    = "/" + MasterServiceName + "/AcquireLock"
	ReleaseLockMethod    = "/" + MasterServiceName + "/ReleaseLock"
	EndLockSessionMethod = "/" + MasterServiceName + "/EndLockSession"
)

// HandshakeRequest opens a slave's conversation with the master.
type HandshakeRequest struct {
	Session string `json:"session"`
	NodeID  string `json:"node_id"`
}

// HandshakeResponse carries the epoch the slave must stamp its requests with.
type HandshakeResponse struct {
	Epoch  uint64 `json:"epoch"`
	Master string `json:"master"`
}

// LockRequest asks the master to grant or release one lock.
type LockRequest struct {
	Context  reqctx.RequestContext `json:"context"`
	Resource locks.Resource        `json:"resource"`
	Mode     locks.Mode            `json:"mode"`
}

// SessionRequest ends the lock session of one transaction.
type SessionRequest struct {
	Context reqctx.RequestContext `json:"context"`
}

// MasterServer is the server API of the master lock service.
type MasterServer interface {
	Handshake(context.Context, *HandshakeRequest) (*HandshakeResponse, error)
	AcquireLock(context.Context, *LockRequest) (*master.LockResponse, error)
	ReleaseLock(context.Context, *LockRequest) (*master.LockResponse, error)
	EndLockSession(context.Context, *SessionRequest) (*master.LockResponse, error)
}

// MasterService answers slave requests with the master epoch bound in the
// endpoint. A node that is not master has nothing bound: lock requests are
// answered with a stale epoch so the slave resolves the master again.
type MasterService struct {
	endpoint *master.Endpoint
	nodeID   string
}

// NewMasterService creates the service over endpoint.
func NewMasterService(endpoint *master.Endpoint, nodeID string) *MasterService {
	return &MasterService{endpoint: endpoint, nodeID: nodeID}
}

// Handshake implements MasterServer.
func (s *MasterService) Handshake(_ context.Context, req *HandshakeRequest) (*HandshakeResponse, error) {
	srv, ok := s.endpoint.Current()
	if !ok {
		return nil, status.Errorf(codes.FailedPrecondition, "node %s is not master", s.nodeID)
	}
	return &HandshakeResponse{Epoch: srv.Epoch(), Master: s.nodeID}, nil
}

// AcquireLock implements MasterServer.
func (s *MasterService) AcquireLock(ctx context.Context, req *LockRequest) (*master.LockResponse, error) {
	srv, ok := s.endpoint.Current()
	if !ok {
		return s.notMaster(), nil
	}
	resp, err := srv.AcquireLock(ctx, req.Context, req.Resource, req.Mode)
	if err != nil {
		return nil, status.FromContextError(err).Err()
	}
	return &resp, nil
}

// ReleaseLock implements MasterServer.
func (s *MasterService) ReleaseLock(ctx context.Context, req *LockRequest) (*master.LockResponse, error) {
	srv, ok := s.endpoint.Current()
	if !ok {
		return s.notMaster(), nil
	}
	resp, err := srv.ReleaseLock(ctx, req.Context, req.Resource, req.Mode)
	if err != nil {
		return nil, status.FromContextError(err).Err()
	}
	return &resp, nil
}

// EndLockSession implements MasterServer.
func (s *MasterService) EndLockSession(ctx context.Context, req *SessionRequest) (*master.LockResponse, error) {
	srv, ok := s.endpoint.Current()
	if !ok {
		return s.notMaster(), nil
	}
	resp, err := srv.EndLockSession(ctx, req.Context)
	if err != nil {
		return nil, status.FromContextError(err).Err()
	}
	return &resp, nil
}

func (s *MasterService) notMaster() *master.LockResponse {
	return &master.LockResponse{Status: master.StatusStaleEpoch, Reason: "node " + s.nodeID + " is not master"}
}

func handshakeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(HandshakeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MasterServer).Handshake(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: HandshakeMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MasterServer).Handshake(ctx, req.(*HandshakeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func acquireLockHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(LockRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MasterServer).AcquireLock(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: AcquireLockMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MasterServer).AcquireLock(ctx, req.(*LockRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func releaseLockHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(LockRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MasterServer).ReleaseLock(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ReleaseLockMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MasterServer).ReleaseLock(ctx, req.(*LockRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func endLockSessionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(SessionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MasterServer).EndLockSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: EndLockSessionMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MasterServer).EndLockSession(ctx, req.(*SessionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// MasterServiceDesc describes the master lock service. Messages are encoded
// with the json codec.
var MasterServiceDesc = grpc.ServiceDesc{
	ServiceName: MasterServiceName,
	HandlerType: (*MasterServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Handshake", Handler: handshakeHandler},
		{MethodName: "AcquireLock", Handler: acquireLockHandler},
		{MethodName: "ReleaseLock", Handler: releaseLockHandler},
		{MethodName: "EndLockSession", Handler: endLockSessionHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "graphkeep/ha/master",
}
