// rpc_symbols.go: Out-of-process symbol tables over gRPC
//
// A plugin whose descriptor declares Symbol-Endpoint keeps its code in a
// separate process. The host reaches its exported names through a small
// gRPC service whose messages are google.protobuf.Struct values, so no
// generated stubs are needed on either side.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	symbolServiceName = "pluginhost.v1.SymbolTable"

	methodLookup = "/" + symbolServiceName + "/Lookup"
	methodCall   = "/" + symbolServiceName + "/Call"
	methodList   = "/" + symbolServiceName + "/List"

	symbolKindValue    = "value"
	symbolKindFunction = "function"

	defaultRPCTimeout = 10 * time.Second
)

// SymbolService is the server side of the symbol table protocol.
type SymbolService interface {
	Lookup(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Call(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	List(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// symbolServiceDesc is written by hand in the shape protoc-gen-go-grpc emits.
var symbolServiceDesc = grpc.ServiceDesc{
	ServiceName: symbolServiceName,
	HandlerType: (*SymbolService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Lookup", Handler: unaryHandler(methodLookup, SymbolService.Lookup)},
		{MethodName: "Call", Handler: unaryHandler(methodCall, SymbolService.Call)},
		{MethodName: "List", Handler: unaryHandler(methodList, SymbolService.List)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pluginhost/v1/symbols.proto",
}

type symbolMethod func(SymbolService, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, method symbolMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		svc := srv.(SymbolService)
		if interceptor == nil {
			return method(svc, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return method(svc, ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// RegisterSymbolService registers svc on a gRPC server.
func RegisterSymbolService(s grpc.ServiceRegistrar, svc SymbolService) {
	s.RegisterService(&symbolServiceDesc, svc)
}

// SymbolServer serves a SymbolTable to remote hosts. Plugin processes use it
// to export their symbols.
type SymbolServer struct {
	table  SymbolTable
	logger Logger
}

// NewSymbolServer wraps a table for serving.
func NewSymbolServer(table SymbolTable, logger Logger) *SymbolServer {
	return &SymbolServer{table: table, logger: NewLogger(logger)}
}

// Lookup implements SymbolService.
func (s *SymbolServer) Lookup(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name := req.GetFields()["name"].GetStringValue()
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "symbol name required")
	}
	v, found, err := s.table.Lookup(ctx, name)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	if !found {
		return structpb.NewStruct(map[string]any{"found": false})
	}
	if _, ok := v.(Callable); ok {
		return structpb.NewStruct(map[string]any{"found": true, "kind": symbolKindFunction})
	}
	pv, err := structpb.NewValue(v)
	if err != nil {
		return nil, status.Errorf(codes.FailedPrecondition, "symbol %s is not serializable: %v", name, err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"found": structpb.NewBoolValue(true),
		"kind":  structpb.NewStringValue(symbolKindValue),
		"value": pv,
	}}, nil
}

// Call implements SymbolService.
func (s *SymbolServer) Call(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name := req.GetFields()["name"].GetStringValue()
	v, found, err := s.table.Lookup(ctx, name)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	if !found {
		return nil, status.Errorf(codes.NotFound, "symbol %s not found", name)
	}
	c, ok := v.(Callable)
	if !ok {
		return nil, status.Errorf(codes.FailedPrecondition, "symbol %s is not callable", name)
	}

	out, err := c.Call(ctx, req.GetFields()["args"].GetListValue().AsSlice()...)
	if err != nil {
		s.logger.Warn("Remote symbol call failed", "symbol", name, "error", err)
		return nil, status.Error(codes.Aborted, err.Error())
	}
	results, err := structpb.NewList(out)
	if err != nil {
		return nil, status.Errorf(codes.FailedPrecondition, "results of %s are not serializable: %v", name, err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"results": structpb.NewListValue(results),
	}}, nil
}

// List implements SymbolService.
func (s *SymbolServer) List(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	var names []any
	if lister, ok := s.table.(SymbolLister); ok {
		list, err := lister.SymbolNames(ctx)
		if err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
		for _, n := range list {
			names = append(names, n)
		}
	}
	return structpb.NewStruct(map[string]any{"names": names})
}

// RPCSymbolTable is the host side: a SymbolTable served by a remote process.
type RPCSymbolTable struct {
	owner   string
	conn    *grpc.ClientConn
	timeout time.Duration
	breaker *EndpointBreaker
}

// DialSymbolTable connects to a plugin's symbol endpoint. The connection is
// established lazily by gRPC on first use.
func DialSymbolTable(owner, endpoint string, timeout time.Duration, opts ...grpc.DialOption) (*RPCSymbolTable, error) {
	if timeout <= 0 {
		timeout = defaultRPCTimeout
	}
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(4*1024*1024), // 4MB
			grpc.MaxCallSendMsgSize(4*1024*1024), // 4MB
		),
	}, opts...)

	conn, err := grpc.NewClient(endpoint, opts...)
	if err != nil {
		return nil, NewSymbolSourceError(owner, "cannot create gRPC client for "+endpoint, err)
	}
	return &RPCSymbolTable{
		owner:   owner,
		conn:    conn,
		timeout: timeout,
		breaker: NewEndpointBreaker(DefaultBreakerConfig()),
	}, nil
}

// WithBreaker replaces the endpoint's circuit breaker configuration.
func (t *RPCSymbolTable) WithBreaker(config BreakerConfig) *RPCSymbolTable {
	t.breaker = NewEndpointBreaker(config)
	return t
}

// Breaker exposes the endpoint's circuit breaker for status reporting.
func (t *RPCSymbolTable) Breaker() *EndpointBreaker {
	return t.breaker
}

// Lookup implements SymbolTable.
func (t *RPCSymbolTable) Lookup(ctx context.Context, name string) (any, bool, error) {
	req, err := structpb.NewStruct(map[string]any{"name": name})
	if err != nil {
		return nil, false, NewInvalidSymbolError(t.owner, name, err.Error())
	}
	resp := new(structpb.Struct)
	if err := t.invoke(ctx, methodLookup, req, resp); err != nil {
		return nil, false, err
	}

	fields := resp.GetFields()
	if !fields["found"].GetBoolValue() {
		return nil, false, nil
	}
	if fields["kind"].GetStringValue() == symbolKindFunction {
		return &rpcCallable{table: t, name: name}, true, nil
	}
	return fields["value"].AsInterface(), true, nil
}

// SymbolNames implements SymbolLister.
func (t *RPCSymbolTable) SymbolNames(ctx context.Context) ([]string, error) {
	resp := new(structpb.Struct)
	if err := t.invoke(ctx, methodList, &structpb.Struct{}, resp); err != nil {
		return nil, err
	}
	var names []string
	for _, v := range resp.GetFields()["names"].GetListValue().GetValues() {
		names = append(names, v.GetStringValue())
	}
	return names, nil
}

// Close implements SymbolTable.
func (t *RPCSymbolTable) Close() error {
	return t.conn.Close()
}

func (t *RPCSymbolTable) invoke(ctx context.Context, method string, req, resp *structpb.Struct) error {
	if !t.breaker.Allow() {
		return NewSymbolSourceError(t.owner, "symbol endpoint circuit open", nil).
			WithContext("breaker", t.breaker.State().String()).
			AsRetryable()
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	err := t.conn.Invoke(ctx, method, req, resp)
	t.breaker.Record(isTransportFailure(err))
	if err != nil {
		return t.handleRPCError(method, err)
	}
	return nil
}

// isTransportFailure reports errors that say nothing about the remote
// table, only that it could not be reached.
func isTransportFailure(err error) bool {
	if err == nil {
		return false
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}

func (t *RPCSymbolTable) handleRPCError(method string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return NewSymbolSourceError(t.owner, method+" failed", err)
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded:
		return NewSymbolSourceError(t.owner, "symbol endpoint unavailable", err).AsRetryable()
	case codes.NotFound:
		return NewSymbolSourceError(t.owner, st.Message(), err)
	default:
		return NewSymbolSourceError(t.owner, fmt.Sprintf("%s: %s", st.Code(), st.Message()), err)
	}
}

// rpcCallable invokes a remote function symbol.
type rpcCallable struct {
	table *RPCSymbolTable
	name  string
}

func (c *rpcCallable) Call(ctx context.Context, args ...any) ([]any, error) {
	list, err := structpb.NewList(args)
	if err != nil {
		return nil, NewInvalidSymbolError(c.table.owner, c.name, "arguments are not serializable: "+err.Error())
	}
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"name": structpb.NewStringValue(c.name),
		"args": structpb.NewListValue(list),
	}}
	resp := new(structpb.Struct)
	if err := c.table.invoke(ctx, methodCall, req, resp); err != nil {
		return nil, err
	}
	return resp.GetFields()["results"].GetListValue().AsSlice(), nil
}
