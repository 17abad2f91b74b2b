// Package client is the slave side of the master lock service.
//
// A Client is bound to the master epoch it handshook with. When that node
// steps down every call answers with a stale epoch and the slave switches
// to a new Client for the next master.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"

	gkgrpc "github.com/graphkeep/graphkeep/pkg/grpc"
	"github.com/graphkeep/graphkeep/pkg/grpc/interceptors"
	"github.com/graphkeep/graphkeep/pkg/locks"
	"github.com/graphkeep/graphkeep/pkg/master"
	"github.com/graphkeep/graphkeep/pkg/reqctx"
)

// Options configures one connection to a master.
type Options struct {
	// Address is the master address (host:port).
	Address string
	// Session is the slave session id sent with every request.
	Session string
	// NodeID identifies the slave in the handshake.
	NodeID string

	// TLS is the node certificate material; nil dials in plaintext.
	TLS *gkgrpc.TLSConfig
	// ServerName overrides the name verified against the master
	// certificate. It defaults to the host of Address.
	ServerName string

	MaxMsgSize int
	// Timeout bounds the handshake.
	Timeout   time.Duration
	KeepAlive *keepalive.ClientParameters

	RetryPolicy *RetryPolicy

	// DialOptions are appended last.
	DialOptions []grpc.DialOption
}

// DefaultOptions returns options for a plaintext connection to address.
func DefaultOptions(address string) *Options {
	return &Options{
		Address:    address,
		MaxMsgSize: 1024 * 1024,
		Timeout:    5 * time.Second,
		KeepAlive: &keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		},
		RetryPolicy: DefaultRetryPolicy(),
	}
}

func (o *Options) validate() error {
	switch {
	case o == nil:
		return errors.New("options cannot be nil")
	case o.Address == "":
		return errors.New("address is required")
	case o.Session == "":
		return errors.New("session is required")
	}
	return nil
}

func (o *Options) credentials() (credentials.TransportCredentials, error) {
	if o.TLS == nil || !o.TLS.Enabled {
		return insecure.NewCredentials(), nil
	}
	name := o.ServerName
	if name == "" {
		if host, _, err := net.SplitHostPort(o.Address); err == nil {
			name = host
		}
	}
	return o.TLS.ClientCredentials(name)
}

func (o *Options) dialOptions() ([]grpc.DialOption, error) {
	creds, err := o.credentials()
	if err != nil {
		return nil, err
	}
	callOpts := []grpc.CallOption{grpc.CallContentSubtype(gkgrpc.CodecName)}
	if o.MaxMsgSize > 0 {
		callOpts = append(callOpts, grpc.MaxCallRecvMsgSize(o.MaxMsgSize), grpc.MaxCallSendMsgSize(o.MaxMsgSize))
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(callOpts...),
	}
	if o.KeepAlive != nil {
		opts = append(opts, grpc.WithKeepaliveParams(*o.KeepAlive))
	}
	return append(opts, o.DialOptions...), nil
}

// Client talks to one master epoch. It implements master.Master.
type Client struct {
	conn   *grpc.ClientConn
	health grpc_health_v1.HealthClient
	retry  *RetryPolicy

	session string
	epoch   uint64
	master  string
}

var _ master.Master = (*Client)(nil)

// Dial connects to the master at opts.Address and performs the handshake
// that fixes the epoch of the returned client. A node that is not master
// fails the handshake with FailedPrecondition; see IsNotMaster.
func Dial(ctx context.Context, opts *Options) (*Client, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	dialOpts, err := opts.dialOptions()
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.Address, err)
	}
	conn, err := grpc.NewClient(opts.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.Address, err)
	}

	c := &Client{
		conn:    conn,
		health:  grpc_health_v1.NewHealthClient(conn),
		retry:   opts.RetryPolicy,
		session: opts.Session,
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	hs, err := withRetry(ctx, c.retry, func(ctx context.Context) (*gkgrpc.HandshakeResponse, error) {
		out := new(gkgrpc.HandshakeResponse)
		return out, c.invoke(ctx, gkgrpc.HandshakeMethod, &gkgrpc.HandshakeRequest{Session: opts.Session, NodeID: opts.NodeID}, out)
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("handshake with %s: %w", opts.Address, err)
	}
	c.epoch, c.master = hs.Epoch, hs.Master
	return c, nil
}

func (c *Client) invoke(ctx context.Context, method string, in, out interface{}) error {
	ctx = metadata.AppendToOutgoingContext(ctx, interceptors.SessionKey, c.session)
	return c.conn.Invoke(ctx, method, in, out)
}

func (c *Client) lockCall(ctx context.Context, method string, in interface{}, retry *RetryPolicy) (master.LockResponse, error) {
	return withRetry(ctx, retry, func(ctx context.Context) (master.LockResponse, error) {
		var out master.LockResponse
		err := c.invoke(ctx, method, in, &out)
		return out, err
	})
}

// Epoch implements master.Master.
func (c *Client) Epoch() uint64 { return c.epoch }

// Master returns the node id reported by the handshake.
func (c *Client) Master() string { return c.master }

// AcquireLock implements master.Master. It is never retried.
func (c *Client) AcquireLock(ctx context.Context, rc reqctx.RequestContext, resource locks.Resource, mode locks.Mode) (master.LockResponse, error) {
	return c.lockCall(ctx, gkgrpc.AcquireLockMethod, &gkgrpc.LockRequest{Context: rc, Resource: resource, Mode: mode}, nil)
}

// ReleaseLock implements master.Master.
func (c *Client) ReleaseLock(ctx context.Context, rc reqctx.RequestContext, resource locks.Resource, mode locks.Mode) (master.LockResponse, error) {
	return c.lockCall(ctx, gkgrpc.ReleaseLockMethod, &gkgrpc.LockRequest{Context: rc, Resource: resource, Mode: mode}, c.retry)
}

// EndLockSession implements master.Master.
func (c *Client) EndLockSession(ctx context.Context, rc reqctx.RequestContext) (master.LockResponse, error) {
	return c.lockCall(ctx, gkgrpc.EndLockSessionMethod, &gkgrpc.SessionRequest{Context: rc}, c.retry)
}

// Close implements master.Master.
func (c *Client) Close() error {
	return c.conn.Close()
}

// HealthCheck reports an error unless the remote node serves as master.
func (c *Client) HealthCheck(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: gkgrpc.MasterServiceName})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.Status != grpc_health_v1.HealthCheckResponse_SERVING {
		return fmt.Errorf("master service not serving: %s", resp.Status)
	}
	return nil
}

// WaitForReady blocks until the connection is ready or ctx is done.
func (c *Client) WaitForReady(ctx context.Context) error {
	c.conn.Connect()
	for {
		state := c.conn.GetState()
		if state == connectivity.Ready {
			return nil
		}
		if !c.conn.WaitForStateChange(ctx, state) {
			return ctx.Err()
		}
	}
}
