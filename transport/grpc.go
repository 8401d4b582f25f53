// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package transport

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	apierrors "github.com/cmu-db/mongodb-d4-sub001/errors"
	"github.com/cmu-db/mongodb-d4-sub001/metrics"
)

const (
	serviceName   = "d4.transport.Transport"
	deliverMethod = "/" + serviceName + "/Deliver"

	ReqIdKey = "req-id"
)

type deliverer interface {
	Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*deliverer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "transport.proto",
}

func deliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(deliverer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(deliverer).Deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// NewServer returns a grpc server instrumented with the server metrics and
// the request id tracer.
func NewServer() *grpc.Server {
	return grpc.NewServer(grpc.ChainUnaryInterceptor(
		metrics.GRPCMetrics.UnaryServerInterceptor(),
		unaryInterceptorWithTracer,
	))
}

func unaryInterceptorWithTracer(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if reqID, ok := md[ReqIdKey]; ok && len(reqID) > 0 {
			_, ctx = trace.StartSpanFromContextWithTraceID(ctx, info.FullMethod, reqID[0])
		}
	}
	return handler(ctx, req)
}

// Endpoint is the receiving side of a grpc channel.
type Endpoint struct {
	inbox  chan *Message
	closed chan struct{}
	once   sync.Once
}

func NewEndpoint(size int) *Endpoint {
	return &Endpoint{inbox: make(chan *Message, size), closed: make(chan struct{})}
}

// Register serves the endpoint on s.
func (e *Endpoint) Register(s *grpc.Server) {
	s.RegisterService(&serviceDesc, e)
	metrics.GRPCMetrics.InitializeMetrics(s)
}

func (e *Endpoint) Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	m, err := decode(in.GetValue())
	if err != nil {
		trace.SpanFromContextSafe(ctx).Warnf("drop malformed message: %v", err)
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return e.push(ctx, m)
}

func (e *Endpoint) push(ctx context.Context, m *Message) (*emptypb.Empty, error) {
	select {
	case <-e.closed:
		return nil, status.Error(codes.Unavailable, apierrors.ErrChannelClosed.Error())
	default:
	}
	select {
	case e.inbox <- m:
		return &emptypb.Empty{}, nil
	case <-e.closed:
		return nil, status.Error(codes.Unavailable, apierrors.ErrChannelClosed.Error())
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}
}

func (e *Endpoint) Receive(ctx context.Context) (*Message, error) {
	select {
	case m := <-e.inbox:
		return m, nil
	default:
	}
	select {
	case m := <-e.inbox:
		return m, nil
	case <-e.closed:
		return nil, apierrors.ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Endpoint) Close() {
	e.once.Do(func() { close(e.closed) })
}

// Router serves one endpoint per remote worker behind a single grpc
// service, routing every delivered message by its Worker.
type Router struct {
	mu     sync.RWMutex
	routes map[string]*Endpoint
}

func NewRouter() *Router {
	return &Router{routes: make(map[string]*Endpoint)}
}

func (r *Router) Register(s *grpc.Server) {
	s.RegisterService(&serviceDesc, r)
	metrics.GRPCMetrics.InitializeMetrics(s)
}

// Route delivers the messages of worker to e, replacing any earlier route.
func (r *Router) Route(worker string, e *Endpoint) {
	r.mu.Lock()
	r.routes[worker] = e
	r.mu.Unlock()
}

func (r *Router) Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	m, err := decode(in.GetValue())
	if err != nil {
		trace.SpanFromContextSafe(ctx).Warnf("drop malformed message: %v", err)
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	r.mu.RLock()
	e, ok := r.routes[m.Worker]
	r.mu.RUnlock()
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no route to worker %q", m.Worker)
	}
	return e.push(ctx, m)
}

// GRPCChannel sends to a remote endpoint and receives from a local one.
type GRPCChannel struct {
	local *Endpoint
	conn  *grpc.ClientConn
}

// DialChannel connects to the endpoint served at target.
func DialChannel(ctx context.Context, target string, local *Endpoint, opts ...grpc.DialOption) (*GRPCChannel, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(
			grpc.MaxCallSendMsgSize(math.MaxInt32),
			grpc.MaxCallRecvMsgSize(math.MaxInt32),
		),
		grpc.WithKeepaliveParams(
			keepalive.ClientParameters{
				Time:                10 * time.Second,
				Timeout:             5 * time.Second,
				PermitWithoutStream: true,
			},
		),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	conn, err := grpc.DialContext(ctx, target, append(dialOpts, opts...)...)
	if err != nil {
		return nil, err
	}
	return &GRPCChannel{local: local, conn: conn}, nil
}

func (c *GRPCChannel) Send(ctx context.Context, m *Message) error {
	data, err := encode(m)
	if err != nil {
		return err
	}
	if span := trace.SpanFromContext(ctx); span != nil {
		ctx = metadata.AppendToOutgoingContext(ctx, ReqIdKey, span.TraceID())
	}
	if err := c.conn.Invoke(ctx, deliverMethod, &wrapperspb.BytesValue{Value: data}, &emptypb.Empty{}); err != nil {
		return err
	}
	metrics.MessagesSent.WithLabelValues(m.Tag.String()).Inc()
	return nil
}

func (c *GRPCChannel) Receive(ctx context.Context) (*Message, error) {
	return c.local.Receive(ctx)
}

func (c *GRPCChannel) Close() error {
	return c.conn.Close()
}
