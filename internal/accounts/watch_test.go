package accounts

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegistryWatcher_ReloadsExternalWrites(t *testing.T) {
	env := newTestEnv(t)
	server := env.registry(t)
	require.NoError(t, server.Save())
	cli := env.registry(t)

	var reloads atomic.Int32
	w, err := NewRegistryWatcher(server, func() { reloads.Add(1) })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	_, err = cli.Add("a@example.com", "pw", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return server.Len() == 1 }, 5*time.Second, 20*time.Millisecond)
	require.GreaterOrEqual(t, reloads.Load(), int32(1))
}

func TestRegistryWatcher_StopWithoutStart(t *testing.T) {
	reg := newTestEnv(t).registry(t)
	w, err := NewRegistryWatcher(reg, nil)
	require.NoError(t, err)
	w.Stop()
}
