package daemon

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/fringe/internal/config"
	"github.com/ryandielhenn/fringe/pkg/fault"
	"github.com/ryandielhenn/fringe/pkg/ring"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Node.Addr = "127.0.0.1:0"
	cfg.Node.MetricsAddr = ""
	cfg.Gossip.ProbeInterval = 100 * time.Millisecond
	cfg.Gossip.ProbeTimeout = 50 * time.Millisecond
	cfg.Gossip.GossipInterval = 20 * time.Millisecond
	cfg.Gossip.PushPullInterval = 200 * time.Millisecond
	cfg.Gossip.DeadReapTimeout = time.Second
	cfg.Sync.Interval = 50 * time.Millisecond
	cfg.Sync.Timeout = 2 * time.Second
	return cfg
}

func startDaemon(t *testing.T, id string, join ...string) *Daemon {
	t.Helper()
	cfg := testConfig()
	cfg.Node.ID = id
	cfg.Node.Bootstrap = len(join) == 0
	cfg.Node.Join = join
	d, err := New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	})
	return d
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Node.Addr = "no-port"
	_, err := New(cfg, nil)
	require.ErrorIs(t, err, fault.ErrInvalid)
}

func TestNewGeneratesID(t *testing.T) {
	d, err := New(testConfig(), nil)
	require.NoError(t, err)
	assert.Len(t, d.ID(), 26)

	other, err := New(testConfig(), nil)
	require.NoError(t, err)
	assert.NotEqual(t, d.ID(), other.ID())
}

func TestLifecycle(t *testing.T) {
	cfg := testConfig()
	cfg.Node.ID = "solo"
	cfg.Node.Bootstrap = true
	d, err := New(cfg, nil)
	require.NoError(t, err)
	require.ErrorIs(t, d.Healthy(), fault.ErrUnavailable)

	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, d.Healthy())
	_, port, err := net.SplitHostPort(d.Addr())
	require.NoError(t, err)
	assert.NotEqual(t, "0", port)
	require.ErrorIs(t, d.Start(context.Background()), fault.ErrInvalid)

	require.NoError(t, d.Stop(context.Background()))
	require.ErrorIs(t, d.Healthy(), fault.ErrUnavailable)
	require.NoError(t, d.Stop(context.Background()))
}

func TestStartFailsWhenNoSeedAnswers(t *testing.T) {
	cfg := testConfig()
	cfg.Node.ID = "lonely"
	cfg.Node.Join = []string{"127.0.0.1:1"}
	d, err := New(cfg, nil)
	require.NoError(t, err)

	err = d.Start(context.Background())
	require.ErrorIs(t, err, fault.ErrUnavailable)
	require.Error(t, d.Healthy())
}

func TestNodesConverge(t *testing.T) {
	a := startDaemon(t, "a")
	b := startDaemon(t, "b", a.Addr())

	require.Eventually(t, func() bool {
		return a.Gossiper().List().AliveNodes == 2 && b.Gossiper().List().AliveNodes == 2
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		return a.ring.Len() == 2 && b.ring.Len() == 2
	}, 5*time.Second, 20*time.Millisecond)

	_, err := a.Store().Put("from-a", []byte("1"))
	require.NoError(t, err)
	_, err = b.Store().Put("from-b", []byte("2"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, errA := a.Store().Get("from-b")
		_, errB := b.Store().Get("from-a")
		return errA == nil && errB == nil
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, a.Engine().RootHash(), b.Engine().RootHash())

	_, err = a.Store().Delete("from-b")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := b.Store().Get("from-b")
		return errors.Is(err, fault.ErrNotFound)
	}, 5*time.Second, 20*time.Millisecond)
}

func TestLeaveRemovesFromRing(t *testing.T) {
	a := startDaemon(t, "a")
	b := startDaemon(t, "b", a.Addr())
	require.Eventually(t, func() bool { return a.ring.Len() == 2 }, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, b.Stop(context.Background()))
	require.Eventually(t, func() bool { return a.ring.Len() == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 0, a.syncRound(context.Background()))
}

func TestPartnersSkipSelf(t *testing.T) {
	cfg := testConfig()
	cfg.Node.ID = "self"
	d, err := New(cfg, nil)
	require.NoError(t, err)
	d.ring = ring.New(64, ring.Murmur32)
	d.ring.Set(map[string]string{
		"self": "127.0.0.1:1",
		"n2":   "127.0.0.1:2",
		"n3":   "127.0.0.1:3",
	})

	seen := map[string]int{}
	for range 200 {
		p := d.partners()
		require.Len(t, p, 1)
		seen[p[0]]++
	}
	assert.NotContains(t, seen, "127.0.0.1:1")
	assert.Positive(t, seen["127.0.0.1:2"])
	assert.Positive(t, seen["127.0.0.1:3"])

	d.cfg.Sync.Partners = 5
	assert.ElementsMatch(t, []string{"127.0.0.1:2", "127.0.0.1:3"}, d.partners())

	d.ring.Set(map[string]string{"self": "127.0.0.1:1"})
	assert.Empty(t, d.partners())
}

func TestAdvertise(t *testing.T) {
	bound := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4321}
	cases := map[string]string{
		"127.0.0.1:0":  "127.0.0.1:4321",
		":0":           "127.0.0.1:4321",
		"0.0.0.0:9090": "127.0.0.1:9090",
		"node1:9090":   "node1:9090",
		"10.0.0.5:0":   "10.0.0.5:4321",
	}
	for in, want := range cases {
		assert.Equal(t, want, advertise(in, bound), in)
	}
}
