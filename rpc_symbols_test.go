// rpc_symbols_test.go: tests for the gRPC symbol table transport
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	goerrors "github.com/agilira/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

// serveSymbols serves table over an in-memory listener and returns the dial
// option that reaches it.
func serveSymbols(t *testing.T, table SymbolTable) grpc.DialOption {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	RegisterSymbolService(server, NewSymbolServer(table, NewTestLogger()))
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
}

func remoteTable() *StaticSymbolTable {
	return NewStaticSymbolTable(map[string]any{
		"version": "3.1",
		"limits":  map[string]any{"max": float64(10)},
		"upper": CallableFunc(func(_ context.Context, args ...any) ([]any, error) {
			s, _ := args[0].(string)
			return []any{strings.ToUpper(s)}, nil
		}),
		"fail": CallableFunc(func(context.Context, ...any) ([]any, error) {
			return nil, errors.New("remote failure")
		}),
	})
}

func TestRPCSymbolTable_RoundTrip(t *testing.T) {
	dial := serveSymbols(t, remoteTable())
	table, err := DialSymbolTable("remote", "passthrough:///bufnet", time.Second, dial)
	require.NoError(t, err)
	defer table.Close()
	ctx := t.Context()

	v, found, err := table.Lookup(ctx, "version")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "3.1", v)

	v, found, err = table.Lookup(ctx, "limits")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, map[string]any{"max": float64(10)}, v)

	_, found, err = table.Lookup(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, found)

	v, found, err = table.Lookup(ctx, "upper")
	require.NoError(t, err)
	require.True(t, found)
	out, err := v.(Callable).Call(ctx, "jenkins")
	require.NoError(t, err)
	assert.Equal(t, []any{"JENKINS"}, out)

	v, _, err = table.Lookup(ctx, "fail")
	require.NoError(t, err)
	_, err = v.(Callable).Call(ctx)
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeSymbolSource))
	assert.Contains(t, err.Error(), "remote failure")

	names, err := table.SymbolNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"fail", "limits", "upper", "version"}, names)
}

func TestRPCSymbolTable_Unavailable(t *testing.T) {
	lis := bufconn.Listen(1 << 10)
	require.NoError(t, lis.Close())
	dial := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})

	table, err := DialSymbolTable("gone", "passthrough:///bufnet", 200*time.Millisecond, dial)
	require.NoError(t, err)
	defer table.Close()

	_, _, err = table.Lookup(t.Context(), "anything")
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, ErrCodeSymbolSource))
	var structured *goerrors.Error
	require.True(t, errors.As(err, &structured))
	assert.True(t, structured.IsRetryable())
}

func TestRPCSymbolTable_BreakerOpens(t *testing.T) {
	lis := bufconn.Listen(1 << 10)
	require.NoError(t, lis.Close())
	dial := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})

	table, err := DialSymbolTable("flaky", "passthrough:///bufnet", 200*time.Millisecond, dial)
	require.NoError(t, err)
	defer table.Close()
	table.WithBreaker(BreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Hour})

	for i := 0; i < 2; i++ {
		_, _, err = table.Lookup(t.Context(), "anything")
		require.Error(t, err)
	}
	assert.Equal(t, BreakerOpen, table.Breaker().State())

	_, _, err = table.Lookup(t.Context(), "anything")
	assert.True(t, HasErrorCode(err, ErrCodeSymbolSource))
	assert.Contains(t, err.Error(), "circuit open")
	assert.Equal(t, int64(1), table.Breaker().Stats().Rejected)
}

func TestRPCSymbolTable_ThroughLoader(t *testing.T) {
	dir := t.TempDir()
	installPlugin(t, dir, "remote", "1.0", "", nil, AttrSymbolEndpoint, "passthrough:///bufnet")
	installPlugin(t, dir, "consumer", "1.0", "remote:1.0", nil)

	dial := serveSymbols(t, remoteTable())
	_, g := newTestGraph(t, dir, LoaderGraphConfig{
		RPCTimeout:  time.Second,
		DialOptions: []grpc.DialOption{dial},
	})

	sym, err := resolveIn(t, g, "consumer", "upper")
	require.NoError(t, err)
	assert.Equal(t, "remote", sym.Owner)
	out, err := sym.Call(t.Context(), "ok")
	require.NoError(t, err)
	assert.Equal(t, []any{"OK"}, out)

	// A failing remote call is not a transport failure.
	fail, err := resolveIn(t, g, "consumer", "fail")
	require.NoError(t, err)
	_, err = fail.Call(t.Context())
	require.Error(t, err)

	for _, st := range g.Status() {
		if st.Plugin == "remote" {
			require.NotNil(t, st.Endpoint)
			assert.Equal(t, BreakerClosed, st.Endpoint.State)
			assert.Zero(t, st.Endpoint.ConsecutiveFailures)
		}
	}
}
