package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/haatos/simple-cd/internal/audit"
	"github.com/haatos/simple-cd/internal/fault"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *eventRecorder) Append(_ context.Context, e audit.Event) (audit.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return e, nil
}

func (r *eventRecorder) count(kind audit.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

type fakeProvisioner struct {
	mu          sync.Mutex
	ready       bool
	provisioned []ProvisionRequest
	terminated  []string
}

func (f *fakeProvisioner) Provision(_ context.Context, req ProvisionRequest) (Provisioned, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.provisioned = append(f.provisioned, req)
	return Provisioned{Handle: "container-" + req.AgentID, Ready: f.ready}, nil
}

func (f *fakeProvisioner) Terminate(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, handle)
	return nil
}

func (f *fakeProvisioner) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.provisioned), len(f.terminated)
}

func newTestPool(t *testing.T, provisioner Provisioner, opts ...Option) (*Pool, *clockwork.FakeClock, *eventRecorder) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	recorder := &eventRecorder{}
	p := New(provisioner, recorder, DefaultConfig(), append(opts, WithClock(clock))...)
	t.Cleanup(func() { p.Close(context.Background()) })
	return p, clock, recorder
}

type acquired struct {
	lease *Lease
	err   error
}

func acquireAsync(p *Pool, labels []string, timeout time.Duration) <-chan acquired {
	ch := make(chan acquired, 1)
	go func() {
		lease, err := p.Acquire(context.Background(), labels, timeout)
		ch <- acquired{lease, err}
	}()
	return ch
}

func TestPool_Acquire(t *testing.T) {
	t.Run("success - static agent with label superset is leased", func(t *testing.T) {
		// arrange
		p, _, _ := newTestPool(t, nil)
		require.NoError(t, p.Register(context.Background(), StaticAgent{
			ID: "static-1", Name: "builder", Labels: []string{"linux", "docker"}, Executors: 1,
		}))

		// act
		lease, err := p.Acquire(context.Background(), []string{"linux"}, time.Minute)

		// assert
		require.NoError(t, err)
		assert.Equal(t, "static-1", lease.Agent.ID)
		assert.Equal(t, KindStatic, lease.Agent.Kind)
	})
	t.Run("success - static is preferred over ephemeral", func(t *testing.T) {
		// arrange
		prov := &fakeProvisioner{ready: true}
		p, _, _ := newTestPool(t, prov, WithGroups(GroupConfig{
			Name: "linux", Labels: []string{"linux"}, MinReplicas: 1, MaxReplicas: 2,
		}))
		require.NoError(t, p.Reconcile(context.Background()))
		require.Eventually(t, func() bool {
			agents, _ := p.Snapshot(context.Background())
			return len(agents) == 1 && agents[0].State == StateIdle
		}, time.Second, 10*time.Millisecond)
		require.NoError(t, p.Register(context.Background(), StaticAgent{
			ID: "static-1", Labels: []string{"linux"}, Executors: 1,
		}))

		// act
		lease, err := p.Acquire(context.Background(), []string{"linux"}, time.Minute)

		// assert
		require.NoError(t, err)
		assert.Equal(t, "static-1", lease.Agent.ID)
	})
	t.Run("success - least recently used agent is leased", func(t *testing.T) {
		// arrange
		p, clock, _ := newTestPool(t, nil)
		for _, id := range []string{"a", "b"} {
			require.NoError(t, p.Register(context.Background(), StaticAgent{
				ID: id, Labels: []string{"linux"}, Executors: 1,
			}))
		}
		first, err := p.Acquire(context.Background(), []string{"linux"}, time.Minute)
		require.NoError(t, err)
		p.Release(context.Background(), first)
		clock.Advance(time.Second)

		// act
		second, err := p.Acquire(context.Background(), []string{"linux"}, time.Minute)

		// assert
		require.NoError(t, err)
		assert.NotEqual(t, first.Agent.ID, second.Agent.ID)
	})
	t.Run("success - executor count bounds concurrent leases", func(t *testing.T) {
		// arrange
		p, _, _ := newTestPool(t, nil)
		require.NoError(t, p.Register(context.Background(), StaticAgent{
			ID: "static-1", Labels: []string{"linux"}, Executors: 2,
		}))
		l1, err := p.Acquire(context.Background(), []string{"linux"}, time.Minute)
		require.NoError(t, err)
		_, err = p.Acquire(context.Background(), []string{"linux"}, time.Minute)
		require.NoError(t, err)

		// act
		third := acquireAsync(p, []string{"linux"}, time.Hour)

		// assert
		select {
		case <-third:
			t.Fatal("third lease granted beyond executor count")
		case <-time.After(50 * time.Millisecond):
		}
		p.Release(context.Background(), l1)
		res := <-third
		require.NoError(t, res.err)
		assert.Equal(t, "static-1", res.lease.Agent.ID)
	})
	t.Run("failure - no agent within timeout", func(t *testing.T) {
		// arrange
		p, clock, _ := newTestPool(t, nil)
		require.NoError(t, p.Register(context.Background(), StaticAgent{
			ID: "static-1", Labels: []string{"linux"}, Executors: 1,
		}))
		ch := acquireAsync(p, []string{"linux", "gpu"}, 10*time.Minute)
		require.NoError(t, clock.BlockUntilContext(context.Background(), 1))

		// act
		clock.Advance(10 * time.Minute)
		res := <-ch

		// assert
		assert.Nil(t, res.lease)
		assert.ErrorIs(t, res.err, fault.ErrNoAgentAvailable)
		assert.Equal(t, fault.KindResourceUnavailable, fault.KindOf(res.err))
		agents, err := p.Snapshot(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StateIdle, agents[0].State)
	})
	t.Run("failure - cancelled context", func(t *testing.T) {
		// arrange
		p, _, _ := newTestPool(t, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		// act
		lease, err := p.Acquire(ctx, []string{"linux"}, time.Minute)

		// assert
		assert.Nil(t, lease)
		assert.ErrorIs(t, err, fault.ErrCancelled)
	})
}

func TestPool_EphemeralMaxReplicas(t *testing.T) {
	// arrange
	prov := &fakeProvisioner{ready: true}
	p, _, recorder := newTestPool(t, prov, WithGroups(GroupConfig{
		Name: "gpu", Labels: []string{"linux", "gpu"}, MaxReplicas: 2,
	}))
	results := make(chan acquired, 3)
	for range 3 {
		go func() {
			lease, err := p.Acquire(context.Background(), []string{"gpu"}, time.Hour)
			results <- acquired{lease, err}
		}()
	}

	// act
	leases := make([]*Lease, 0, 3)
	for range 2 {
		res := <-results
		require.NoError(t, res.err)
		leases = append(leases, res.lease)
	}
	select {
	case <-results:
		t.Fatal("third gpu agent exceeded max replicas")
	case <-time.After(50 * time.Millisecond):
	}
	p.Release(context.Background(), leases[0])
	res := <-results
	require.NoError(t, res.err)
	leases = append(leases, res.lease)
	p.Release(context.Background(), leases[1])
	p.Release(context.Background(), leases[2])

	// assert
	for _, l := range leases {
		assert.Equal(t, KindEphemeral, l.Agent.Kind)
	}
	assert.NotEqual(t, leases[0].Agent.ID, leases[2].Agent.ID)
	agents, err := p.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, agents)
	assert.Eventually(t, func() bool {
		provisioned, terminated := prov.counts()
		return provisioned == 3 && terminated == 3
	}, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return recorder.count(audit.AgentTerminated) == 3
	}, time.Second, 10*time.Millisecond)
}

func TestPool_Provisioning(t *testing.T) {
	t.Run("success - first heartbeat marks agent ready", func(t *testing.T) {
		// arrange
		prov := &fakeProvisioner{ready: false}
		p, _, _ := newTestPool(t, prov, WithGroups(GroupConfig{
			Name: "linux", Labels: []string{"linux"}, MaxReplicas: 1,
		}))
		ch := acquireAsync(p, []string{"linux"}, time.Hour)
		var agentID string
		require.Eventually(t, func() bool {
			agents, _ := p.Snapshot(context.Background())
			if len(agents) == 1 && agents[0].Handle != "" {
				agentID = agents[0].ID
				return true
			}
			return false
		}, time.Second, 10*time.Millisecond)

		// act
		err := p.Heartbeat(context.Background(), agentID)

		// assert
		require.NoError(t, err)
		res := <-ch
		require.NoError(t, res.err)
		assert.Equal(t, agentID, res.lease.Agent.ID)
	})
	t.Run("failure - provisioning timeout", func(t *testing.T) {
		// arrange
		prov := &fakeProvisioner{ready: false}
		p, clock, _ := newTestPool(t, prov, WithGroups(GroupConfig{
			Name: "linux", Labels: []string{"linux"}, MaxReplicas: 1,
		}))
		ch := acquireAsync(p, []string{"linux"}, 10*time.Minute)
		require.NoError(t, clock.BlockUntilContext(context.Background(), 2))

		// act
		clock.Advance(5 * time.Minute)
		res := <-ch

		// assert
		assert.Nil(t, res.lease)
		assert.ErrorIs(t, res.err, fault.ErrProvisioningFailed)
		assert.True(t, fault.Retryable(res.err))
		agents, err := p.Snapshot(context.Background())
		require.NoError(t, err)
		assert.Empty(t, agents)
	})
	t.Run("failure - heartbeat from unknown agent", func(t *testing.T) {
		// arrange
		p, _, _ := newTestPool(t, nil)

		// act
		err := p.Heartbeat(context.Background(), "ghost")

		// assert
		assert.ErrorIs(t, err, fault.ErrNotFound)
	})
}

func TestPool_Liveness(t *testing.T) {
	// arrange
	p, clock, recorder := newTestPool(t, nil)
	require.NoError(t, p.Register(context.Background(), StaticAgent{
		ID: "static-1", Labels: []string{"linux"}, Executors: 1, Monitored: true,
	}))
	require.NoError(t, p.Register(context.Background(), StaticAgent{
		ID: "static-2", Labels: []string{"linux"}, Executors: 1,
	}))
	lease, err := p.Acquire(context.Background(), []string{"linux"}, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "static-1", lease.Agent.ID)
	clock.Advance(2 * time.Minute)

	// act
	require.NoError(t, p.Reconcile(context.Background()))

	// assert
	select {
	case <-lease.Lost():
	default:
		t.Fatal("lease was not signalled lost")
	}
	agents, err := p.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "static-2", agents[0].ID)
	assert.Eventually(t, func() bool {
		return recorder.count(audit.AgentLost) == 1
	}, time.Second, 10*time.Millisecond)
	p.Release(context.Background(), lease)
}

func TestPool_Reconcile(t *testing.T) {
	t.Run("success - floor is provisioned", func(t *testing.T) {
		// arrange
		prov := &fakeProvisioner{ready: true}
		p, _, _ := newTestPool(t, prov, WithGroups(GroupConfig{
			Name: "linux", Labels: []string{"linux"}, MinReplicas: 2, MaxReplicas: 4,
		}))

		// act
		require.NoError(t, p.Reconcile(context.Background()))

		// assert
		assert.Eventually(t, func() bool {
			agents, _ := p.Snapshot(context.Background())
			idle := 0
			for _, a := range agents {
				if a.State == StateIdle {
					idle++
				}
			}
			return idle == 2
		}, time.Second, 10*time.Millisecond)
	})
	t.Run("success - sustained demand scales up and idle agents scale down", func(t *testing.T) {
		// arrange
		prov := &fakeProvisioner{ready: false}
		p, clock, _ := newTestPool(t, prov, WithGroups(GroupConfig{
			Name: "linux", Labels: []string{"linux"}, MaxReplicas: 3,
		}))
		ch := acquireAsync(p, []string{"linux"}, time.Hour)
		require.Eventually(t, func() bool {
			agents, _ := p.Snapshot(context.Background())
			return len(agents) == 1
		}, time.Second, 10*time.Millisecond)

		// act
		require.NoError(t, p.Reconcile(context.Background()))
		clock.Advance(time.Minute)
		require.NoError(t, p.Reconcile(context.Background()))
		afterMinute, _ := p.Snapshot(context.Background())
		clock.Advance(time.Minute)
		require.NoError(t, p.Reconcile(context.Background()))
		afterDebounce, _ := p.Snapshot(context.Background())

		// assert
		assert.Len(t, afterMinute, 1)
		require.Len(t, afterDebounce, 2)

		for _, a := range afterDebounce {
			require.NoError(t, p.Heartbeat(context.Background(), a.ID))
		}
		res := <-ch
		require.NoError(t, res.err)

		clock.Advance(4 * time.Minute)
		require.NoError(t, p.Reconcile(context.Background()))
		beforeCooldown, _ := p.Snapshot(context.Background())
		assert.Len(t, beforeCooldown, 2)

		clock.Advance(time.Minute)
		require.NoError(t, p.Reconcile(context.Background()))
		afterCooldown, _ := p.Snapshot(context.Background())
		require.Len(t, afterCooldown, 1)
		assert.Equal(t, res.lease.Agent.ID, afterCooldown[0].ID)
		assert.Equal(t, StateBusy, afterCooldown[0].State)
	})
}

func TestPool_Deregister(t *testing.T) {
	// arrange
	p, _, _ := newTestPool(t, nil)
	require.NoError(t, p.Register(context.Background(), StaticAgent{
		ID: "static-1", Labels: []string{"linux"}, Executors: 1,
	}))
	lease, err := p.Acquire(context.Background(), []string{"linux"}, time.Minute)
	require.NoError(t, err)

	// act
	err = p.Deregister(context.Background(), "static-1")
	draining, _ := p.Snapshot(context.Background())
	p.Release(context.Background(), lease)
	after, _ := p.Snapshot(context.Background())

	// assert
	assert.NoError(t, err)
	require.Len(t, draining, 1)
	assert.Equal(t, StateDraining, draining[0].State)
	assert.Empty(t, after)
}

func TestPool_Record(t *testing.T) {
	t.Run("success - full event buffer drops instead of blocking", func(t *testing.T) {
		// arrange
		p := &Pool{events: make(chan audit.Event, 1)}
		p.record(audit.Event{Kind: audit.AgentProvisioned, Subject: "agent-1"})
		done := make(chan struct{})

		// act
		go func() {
			p.record(audit.Event{Kind: audit.AgentLost, Subject: "agent-1"})
			close(done)
		}()

		// assert
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("record blocked on a full buffer")
		}
		require.Len(t, p.events, 1)
		e := <-p.events
		assert.Equal(t, audit.AgentProvisioned, e.Kind)
		assert.Equal(t, "pool", e.Component)
	})
}
