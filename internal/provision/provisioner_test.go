package provision

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pasturegame/pasture/internal/domain"
)

// fakeProvider starts machines after a configurable number of status polls.
type fakeProvider struct {
	mu           sync.Mutex
	machines     map[domain.MachineID]*Machine
	polls        map[domain.MachineID]int
	pollsToStart int
	creates      atomic.Int64
	destroys     atomic.Int64
	regionCalls  atomic.Int64
	seq          int
	createErr    error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		machines: make(map[domain.MachineID]*Machine),
		polls:    make(map[domain.MachineID]int),
	}
}

func (f *fakeProvider) CreateMachine(_ context.Context, region domain.Region) (*Machine, error) {
	f.creates.Add(1)
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := domain.MachineID(string(region) + "-machine-" + string(rune('0'+f.seq)))
	m := &Machine{ID: id, Region: region, State: StateStarting, PrivateIP: "fdaa::" + string(id)}
	f.machines[id] = m
	return m, nil
}

func (f *fakeProvider) MachineStatus(_ context.Context, id domain.MachineID) (*Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.machines[id]
	if !ok {
		return nil, errors.New("not found")
	}
	f.polls[id]++
	if m.State == StateStarting && f.polls[id] > f.pollsToStart {
		m.State = StateStarted
	}
	cp := *m
	return &cp, nil
}

func (f *fakeProvider) DestroyMachine(_ context.Context, id domain.MachineID) error {
	f.destroys.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.machines[id]; ok {
		m.State = StateDestroyed
	}
	return nil
}

func (f *fakeProvider) Regions(context.Context) ([]domain.Region, error) {
	f.regionCalls.Add(1)
	return []domain.Region{"ams", "iad"}, nil
}

func fastConfig() Config {
	return Config{
		IdleGrace:     40 * time.Millisecond,
		PollInterval:  time.Millisecond,
		LaunchTimeout: time.Second,
		RegionsTTL:    time.Hour,
	}
}

func TestLaunchRegionExclusivity(t *testing.T) {
	fp := newFakeProvider()
	p := NewProvisioner(fp, fastConfig())

	const callers = 8
	ids := make([]domain.MachineID, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := p.Launch(context.Background(), "ams")
			require.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id, "concurrent launches must resolve to one machine")
	}
	assert.Equal(t, int64(1), fp.creates.Load())
}

func TestLaunchReusesExistingMachine(t *testing.T) {
	fp := newFakeProvider()
	p := NewProvisioner(fp, fastConfig())

	first, err := p.Launch(context.Background(), "ams")
	require.NoError(t, err)
	second, err := p.Launch(context.Background(), "ams")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), fp.creates.Load())

	other, err := p.Launch(context.Background(), "iad")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestLaunchTimeoutDestroysMachine(t *testing.T) {
	fp := newFakeProvider()
	fp.pollsToStart = 1 << 30 // never starts
	cfg := fastConfig()
	cfg.LaunchTimeout = 20 * time.Millisecond
	p := NewProvisioner(fp, cfg)

	_, err := p.Launch(context.Background(), "ams")
	require.ErrorIs(t, err, ErrLaunchTimeout)
	assert.Equal(t, int64(1), fp.destroys.Load(), "half-started machine must be cleaned up")

	_, ok := p.MachineForRegion("ams")
	assert.False(t, ok)
}

func TestIdleTeardownAfterGrace(t *testing.T) {
	fp := newFakeProvider()
	p := NewProvisioner(fp, fastConfig())

	id, err := p.Launch(context.Background(), "ams")
	require.NoError(t, err)
	require.NoError(t, p.AddLobby(id, "lobby-1"))

	p.RemoveLobby(id, "lobby-1")
	assert.Equal(t, int64(0), fp.destroys.Load(), "grace period must elapse first")

	assert.Eventually(t, func() bool { return fp.destroys.Load() == 1 }, time.Second, 5*time.Millisecond)
	_, ok := p.Machine(id)
	assert.False(t, ok)
}

func TestReattachCancelsTeardown(t *testing.T) {
	fp := newFakeProvider()
	p := NewProvisioner(fp, fastConfig())

	id, err := p.Launch(context.Background(), "ams")
	require.NoError(t, err)
	require.NoError(t, p.AddLobby(id, "lobby-1"))
	p.RemoveLobby(id, "lobby-1")
	require.NoError(t, p.AddLobby(id, "lobby-2"))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(0), fp.destroys.Load(), "re-attach must disarm destruction")
	_, ok := p.Machine(id)
	assert.True(t, ok)
}

func TestReattachAfterTimerFiredKeepsMachine(t *testing.T) {
	fp := newFakeProvider()
	cfg := fastConfig()
	cfg.IdleGrace = 10 * time.Millisecond
	p := NewProvisioner(fp, cfg)

	id, err := p.Launch(context.Background(), "ams")
	require.NoError(t, err)
	require.NoError(t, p.AddLobby(id, "lobby-1"))
	p.RemoveLobby(id, "lobby-1")

	// Hold the lock across the grace expiry so the timer callback parks on
	// it, then re-attach the way AddLobby does before letting it proceed.
	p.mu.Lock()
	time.Sleep(3 * cfg.IdleGrace)
	m := p.byID[id]
	require.NotNil(t, m.destroyTimer)
	m.destroyTimer.Stop()
	m.destroyTimer = nil
	m.lobbies["lobby-2"] = struct{}{}
	p.mu.Unlock()

	time.Sleep(2 * cfg.IdleGrace)
	assert.Equal(t, int64(0), fp.destroys.Load(), "stale timer must not destroy a machine with a live lobby")
	_, ok := p.Machine(id)
	assert.True(t, ok)
}

func TestShardBinding(t *testing.T) {
	fp := newFakeProvider()
	p := NewProvisioner(fp, fastConfig())

	id, err := p.Launch(context.Background(), "ams")
	require.NoError(t, err)

	p.BindShard(id, "shard-1")
	m, ok := p.Machine(id)
	require.True(t, ok)
	assert.Equal(t, domain.ShardID("shard-1"), m.ShardID)

	p.ReleaseShard("shard-1")
	m, _ = p.Machine(id)
	assert.Empty(t, m.ShardID)
}

func TestRegionsStaleWhileRevalidate(t *testing.T) {
	fp := newFakeProvider()
	p := NewProvisioner(fp, fastConfig())

	// First call returns the empty cache and triggers a background fetch.
	assert.Empty(t, p.Regions())
	assert.Eventually(t, func() bool { return len(p.Regions()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), fp.regionCalls.Load())

	// Fresh cache is served without another provider call.
	p.Regions()
	assert.Equal(t, int64(1), fp.regionCalls.Load())
}

func TestMatchMachine(t *testing.T) {
	fp := newFakeProvider()
	p := NewProvisioner(fp, fastConfig())

	id, err := p.Launch(context.Background(), "ams")
	require.NoError(t, err)

	m, ok := p.MatchMachine("fdaa::"+string(id), "")
	require.True(t, ok)
	assert.Equal(t, id, m.ID)

	m, ok = p.MatchMachine("203.0.113.1", "wss://"+string(id)+".vm.pasture.dev/play")
	require.True(t, ok)
	assert.Equal(t, id, m.ID)

	_, ok = p.MatchMachine("203.0.113.1", "wss://unrelated.example.com")
	assert.False(t, ok)
}
