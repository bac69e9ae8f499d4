package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryRegistry(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()

	_, err := reg.Discover(ctx, "Echo")
	require.ErrorIs(t, err, ErrNotFound)

	wctx, cancel := context.WithCancel(ctx)
	updates := reg.Watch(wctx, "Echo")

	b := ServiceInstance{Addr: "b.sock", Network: "unix", Weight: 1}
	a := ServiceInstance{Addr: "a.sock", Network: "unix", Weight: 2}
	require.NoError(t, reg.Register(ctx, "Echo", b, 10))
	require.NoError(t, reg.Register(ctx, "Echo", a, 10))

	got, err := reg.Discover(ctx, "Echo")
	require.NoError(t, err)
	require.Equal(t, []ServiceInstance{a, b}, got, "sorted by address")

	select {
	case list := <-updates:
		require.Equal(t, []ServiceInstance{a, b}, list, "watch keeps only the newest list")
	case <-time.After(time.Second):
		t.Fatal("no watch update")
	}

	require.NoError(t, reg.Deregister(ctx, "Echo", "a.sock"))
	require.Equal(t, []ServiceInstance{b}, <-updates)

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-updates
		return !open
	}, time.Second, 10*time.Millisecond)
}
