package pool

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haatos/simple-cd/internal/audit"
	"github.com/haatos/simple-cd/internal/fault"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

type Config struct {
	ProvisionTimeout  time.Duration
	ScaleUpDebounce   time.Duration
	ScaleUpThreshold  int
	ScaleDownCooldown time.Duration
	LivenessThreshold time.Duration
}

func DefaultConfig() Config {
	return Config{
		ProvisionTimeout:  5 * time.Minute,
		ScaleUpDebounce:   2 * time.Minute,
		ScaleDownCooldown: 5 * time.Minute,
		LivenessThreshold: 90 * time.Second,
	}
}

type record struct {
	Agent
	leases    map[string]*Lease
	idleSince time.Time
	// waiter the agent is being provisioned for
	waiter          string
	cancelProvision context.CancelFunc
	provisionTimer  clockwork.Timer
}

type waiter struct {
	id      string
	labels  []string
	reply   chan acquireResult
	pending string
}

type group struct {
	cfg         GroupConfig
	demandSince time.Time
}

type acquireResult struct {
	lease *Lease
	err   error
}

type (
	acquireReq struct {
		id     string
		labels []string
		reply  chan acquireResult
	}
	cancelWaitReq struct {
		id    string
		reply chan bool
	}
	releaseReq struct {
		agentID string
		leaseID string
		reply   chan struct{}
	}
	registerReq struct {
		agent StaticAgent
		reply chan struct{}
	}
	deregisterReq struct {
		id    string
		reply chan error
	}
	heartbeatReq struct {
		id    string
		reply chan error
	}
	reconcileReq struct {
		reply chan struct{}
	}
	snapshotReq struct {
		reply chan []Agent
	}
	provisionedMsg struct {
		id     string
		result Provisioned
		err    error
	}
	provisionTimeoutMsg struct {
		id string
	}
)

// Pool is the agent pool manager. All agent state is owned by a single
// loop goroutine; the exported methods talk to it over a request channel.
type Pool struct {
	cfg         Config
	provisioner Provisioner
	recorder    audit.Recorder
	observer    Observer
	clock       clockwork.Clock

	reqs   chan any
	events chan audit.Event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	// loop state
	agents  map[string]*record
	waiters []*waiter
	groups  []*group
}

type Option func(*Pool)

func WithClock(c clockwork.Clock) Option {
	return func(p *Pool) { p.clock = c }
}

func WithObserver(o Observer) Option {
	return func(p *Pool) { p.observer = o }
}

func WithGroups(groups ...GroupConfig) Option {
	return func(p *Pool) {
		for _, g := range groups {
			p.groups = append(p.groups, &group{cfg: g})
		}
	}
}

// New starts a pool. provisioner may be nil when no fleet backend is
// configured, in which case only static agents are served.
func New(provisioner Provisioner, recorder audit.Recorder, cfg Config, opts ...Option) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:         cfg,
		provisioner: provisioner,
		recorder:    recorder,
		clock:       clockwork.NewRealClock(),
		reqs:        make(chan any),
		events:      make(chan audit.Event, 1024),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		agents:      make(map[string]*record),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.wg.Add(2)
	go p.loop()
	go p.recordEvents()
	return p
}

// Close stops the loop, fails pending acquisitions and terminates
// ephemeral agents.
func (p *Pool) Close(ctx context.Context) {
	p.cancel()
	<-p.done
	for _, a := range p.agents {
		if a.Kind == KindEphemeral && a.Handle != "" && p.provisioner != nil {
			if err := p.provisioner.Terminate(ctx, a.Handle); err != nil {
				log.Warn().Err(err).Str("agent_id", a.ID).Msg("terminating agent on shutdown")
			}
		}
	}
	close(p.events)
	p.wg.Wait()
}

func (p *Pool) send(ctx context.Context, req any) error {
	select {
	case p.reqs <- req:
		return nil
	case <-ctx.Done():
		return fault.New(fault.KindCancelled, "pool", "request", errors.Join(fault.ErrCancelled, ctx.Err()))
	case <-p.done:
		return fault.New(fault.KindInternal, "pool", "request", fault.ErrShutdown)
	}
}

// post delivers a message from a helper goroutine back to the loop.
func (p *Pool) post(msg any) {
	select {
	case p.reqs <- msg:
	case <-p.done:
	}
}

// Acquire blocks until an agent whose labels are a superset of labels is
// leased, the timeout elapses or ctx is done.
func (p *Pool) Acquire(ctx context.Context, labels []string, timeout time.Duration) (*Lease, error) {
	id := uuid.NewString()
	reply := make(chan acquireResult, 1)
	if err := p.send(ctx, acquireReq{id: id, labels: slices.Clone(labels), reply: reply}); err != nil {
		return nil, err
	}

	timer := p.clock.NewTimer(timeout)
	defer timer.Stop()

	var cause error
	select {
	case res := <-reply:
		return res.lease, res.err
	case <-timer.Chan():
		cause = fault.Unavailable("pool", "acquire",
			fmt.Errorf("%w within %s: %w", fault.ErrNoAgentAvailable, timeout, fault.ErrTimeout)).
			With("labels", strings.Join(labels, ","))
	case <-ctx.Done():
		cause = fault.New(fault.KindCancelled, "pool", "acquire", errors.Join(fault.ErrCancelled, ctx.Err()))
	}

	if p.cancelWait(id) {
		return nil, cause
	}
	// the loop answered while we were giving up
	res := <-reply
	if res.err != nil {
		return nil, cause
	}
	if ctx.Err() != nil {
		p.Release(context.Background(), res.lease)
		return nil, cause
	}
	return res.lease, nil
}

func (p *Pool) cancelWait(id string) bool {
	reply := make(chan bool, 1)
	if err := p.send(context.Background(), cancelWaitReq{id: id, reply: reply}); err != nil {
		return true
	}
	select {
	case removed := <-reply:
		return removed
	case <-p.done:
		return true
	}
}

// Release returns a leased agent. Ephemeral agents are terminated.
func (p *Pool) Release(ctx context.Context, lease *Lease) {
	reply := make(chan struct{})
	if err := p.send(ctx, releaseReq{agentID: lease.Agent.ID, leaseID: lease.ID, reply: reply}); err != nil {
		return
	}
	select {
	case <-reply:
	case <-p.done:
	}
}

// Register adds or updates a static agent.
func (p *Pool) Register(ctx context.Context, a StaticAgent) error {
	reply := make(chan struct{})
	if err := p.send(ctx, registerReq{agent: a, reply: reply}); err != nil {
		return err
	}
	select {
	case <-reply:
	case <-p.done:
	}
	return nil
}

// Deregister drains an agent; it is removed once its jobs finish.
func (p *Pool) Deregister(ctx context.Context, id string) error {
	reply := make(chan error, 1)
	if err := p.send(ctx, deregisterReq{id: id, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-p.done:
		return fault.New(fault.KindInternal, "pool", "deregister", fault.ErrShutdown)
	}
}

// Heartbeat records liveness. The first heartbeat of a provisioning agent
// marks it ready.
func (p *Pool) Heartbeat(ctx context.Context, id string) error {
	reply := make(chan error, 1)
	if err := p.send(ctx, heartbeatReq{id: id, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-p.done:
		return fault.New(fault.KindInternal, "pool", "heartbeat", fault.ErrShutdown)
	}
}

// Reconcile applies the scaling policy and the liveness check.
func (p *Pool) Reconcile(ctx context.Context) error {
	reply := make(chan struct{})
	if err := p.send(ctx, reconcileReq{reply: reply}); err != nil {
		return err
	}
	select {
	case <-reply:
	case <-p.done:
	}
	return nil
}

func (p *Pool) Snapshot(ctx context.Context) ([]Agent, error) {
	reply := make(chan []Agent, 1)
	if err := p.send(ctx, snapshotReq{reply: reply}); err != nil {
		return nil, err
	}
	select {
	case agents := <-reply:
		return agents, nil
	case <-p.done:
		return nil, fault.New(fault.KindInternal, "pool", "snapshot", fault.ErrShutdown)
	}
}

func (p *Pool) loop() {
	defer p.wg.Done()
	defer close(p.done)
	for {
		select {
		case <-p.ctx.Done():
			for _, w := range p.waiters {
				w.reply <- acquireResult{err: fault.New(fault.KindInternal, "pool", "acquire", fault.ErrShutdown)}
			}
			p.waiters = nil
			for _, a := range p.agents {
				if a.cancelProvision != nil {
					a.cancelProvision()
				}
			}
			return
		case req := <-p.reqs:
			p.handle(req)
		}
	}
}

func (p *Pool) handle(req any) {
	switch r := req.(type) {
	case acquireReq:
		p.waiters = append(p.waiters, &waiter{id: r.id, labels: r.labels, reply: r.reply})
		p.serve()
	case cancelWaitReq:
		r.reply <- p.removeWaiter(r.id)
	case releaseReq:
		p.release(r.agentID, r.leaseID)
		p.serve()
		close(r.reply)
	case registerReq:
		p.register(r.agent)
		p.serve()
		close(r.reply)
	case deregisterReq:
		r.reply <- p.deregister(r.id)
	case heartbeatReq:
		r.reply <- p.heartbeat(r.id)
	case reconcileReq:
		p.reconcile(p.clock.Now())
		close(r.reply)
	case snapshotReq:
		r.reply <- p.snapshot()
	case provisionedMsg:
		p.provisioned(r)
	case provisionTimeoutMsg:
		if a, ok := p.agents[r.id]; ok && a.State == StateProvisioning {
			p.failProvision(a, fault.Timeout("pool", "provision",
				fmt.Errorf("%w: not ready within %s", fault.ErrProvisioningFailed, p.cfg.ProvisionTimeout)))
		}
	}
}

// serve hands free agents to waiters in arrival order and starts
// provisioning for waiters nothing can serve.
func (p *Pool) serve() {
	for i := 0; i < len(p.waiters); {
		w := p.waiters[i]
		if a := p.match(w.labels); a != nil {
			p.waiters = slices.Delete(p.waiters, i, i+1)
			p.assign(a, w)
			continue
		}
		if w.pending == "" {
			if g := p.groupFor(w.labels); g != nil && p.live(g) < g.cfg.MaxReplicas {
				w.pending = p.provision(g, w.id)
			}
		}
		i++
	}
}

// match picks a free agent: static before ephemeral, then least recently
// used.
func (p *Pool) match(labels []string) *record {
	var best *record
	for _, a := range p.agents {
		if a.State != StateIdle && a.State != StateBusy {
			continue
		}
		if a.Running >= a.Executors || !superset(a.Labels, labels) {
			continue
		}
		if best == nil || better(a, best) {
			best = a
		}
	}
	return best
}

func better(a, b *record) bool {
	if a.Kind != b.Kind {
		return a.Kind == KindStatic
	}
	if !a.LastUsed.Equal(b.LastUsed) {
		return a.LastUsed.Before(b.LastUsed)
	}
	return a.ID < b.ID
}

func (p *Pool) assign(a *record, w *waiter) {
	now := p.clock.Now()
	if w.pending != "" && w.pending != a.ID {
		if pending, ok := p.agents[w.pending]; ok {
			pending.waiter = ""
		}
	}
	a.Running++
	a.State = StateBusy
	a.LastUsed = now
	lease := &Lease{ID: uuid.NewString(), lost: make(chan struct{})}
	a.leases[lease.ID] = lease
	lease.Agent = a.snapshot()
	w.reply <- acquireResult{lease: lease}
}

func (p *Pool) removeWaiter(id string) bool {
	for i, w := range p.waiters {
		if w.id == id {
			p.waiters = slices.Delete(p.waiters, i, i+1)
			if a, ok := p.agents[w.pending]; ok && a.waiter == id {
				a.waiter = ""
			}
			return true
		}
	}
	return false
}

func (p *Pool) waiterByID(id string) (int, *waiter) {
	for i, w := range p.waiters {
		if w.id == id {
			return i, w
		}
	}
	return -1, nil
}

func (p *Pool) groupFor(labels []string) *group {
	if p.provisioner == nil {
		return nil
	}
	for _, g := range p.groups {
		if g.cfg.MaxReplicas > 0 && superset(g.cfg.Labels, labels) {
			return g
		}
	}
	return nil
}

func (p *Pool) live(g *group) int {
	n := 0
	for _, a := range p.agents {
		if a.Group == g.cfg.Name && a.State != StateTerminated {
			n++
		}
	}
	return n
}

func (p *Pool) provision(g *group, waiterID string) string {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(p.ctx)
	a := &record{
		Agent: Agent{
			ID:        id,
			Name:      g.cfg.Name + "-" + id[:8],
			Kind:      KindEphemeral,
			State:     StateProvisioning,
			Labels:    slices.Clone(g.cfg.Labels),
			Executors: 1,
			Group:     g.cfg.Name,
			Monitored: g.cfg.Monitored,
		},
		leases:          make(map[string]*Lease),
		waiter:          waiterID,
		cancelProvision: cancel,
	}
	p.agents[id] = a
	a.provisionTimer = p.clock.AfterFunc(p.cfg.ProvisionTimeout, func() {
		p.post(provisionTimeoutMsg{id: id})
	})
	req := ProvisionRequest{AgentID: id, Group: g.cfg.Name, Labels: slices.Clone(g.cfg.Labels), Image: g.cfg.Image}
	go func() {
		result, err := p.provisioner.Provision(ctx, req)
		p.post(provisionedMsg{id: id, result: result, err: err})
	}()
	log.Info().Str("agent_id", id).Str("group", g.cfg.Name).Msg("provisioning agent")
	return id
}

func (p *Pool) provisioned(m provisionedMsg) {
	a, ok := p.agents[m.id]
	if !ok {
		if m.err == nil && m.result.Handle != "" {
			p.terminateHandle(m.id, m.result.Handle)
		}
		return
	}
	if m.err != nil {
		if a.State == StateProvisioning {
			p.failProvision(a, fault.Infrastructure("pool", "provision",
				fmt.Errorf("%w: %w", fault.ErrProvisioningFailed, m.err)))
		}
		return
	}
	a.Handle = m.result.Handle
	if m.result.Ready && a.State == StateProvisioning {
		p.ready(a)
	}
}

func (p *Pool) ready(a *record) {
	now := p.clock.Now()
	if a.provisionTimer != nil {
		a.provisionTimer.Stop()
	}
	a.State = StateIdle
	a.LastHeartbeat = now
	a.idleSince = now
	if p.observer != nil {
		p.observer.ProvisionOutcome(a.Group, true)
	}
	p.record(audit.Event{
		Kind:       audit.AgentProvisioned,
		Subject:    a.ID,
		Attributes: map[string]string{"group": a.Group, "handle": a.Handle},
	})
	if i, w := p.waiterByID(a.waiter); w != nil {
		a.waiter = ""
		p.waiters = slices.Delete(p.waiters, i, i+1)
		p.assign(a, w)
	}
	a.waiter = ""
	p.serve()
}

func (p *Pool) failProvision(a *record, err error) {
	log.Warn().Err(err).Str("agent_id", a.ID).Str("group", a.Group).Msg("provisioning failed")
	if a.provisionTimer != nil {
		a.provisionTimer.Stop()
	}
	a.cancelProvision()
	if p.observer != nil {
		p.observer.ProvisionOutcome(a.Group, false)
	}
	if i, w := p.waiterByID(a.waiter); w != nil {
		p.waiters = slices.Delete(p.waiters, i, i+1)
		w.reply <- acquireResult{err: err}
	}
	p.terminate(a, "provisioning_failed")
	p.serve()
}

func (p *Pool) release(agentID, leaseID string) {
	a, ok := p.agents[agentID]
	if !ok {
		return
	}
	if _, ok := a.leases[leaseID]; !ok {
		return
	}
	delete(a.leases, leaseID)
	now := p.clock.Now()
	a.Running--
	a.LastUsed = now

	switch {
	case a.Kind == KindEphemeral:
		p.terminate(a, "completed")
	case a.State == StateDraining && a.Running == 0:
		p.terminate(a, "deregistered")
	case a.Running == 0 && a.State == StateBusy:
		a.State = StateIdle
		a.idleSince = now
	}
}

func (p *Pool) register(s StaticAgent) {
	if a, ok := p.agents[s.ID]; ok {
		a.Name = s.Name
		a.Labels = slices.Clone(s.Labels)
		a.Executors = max(1, s.Executors)
		a.Monitored = s.Monitored
		if a.State == StateDraining {
			a.State = StateBusy
			if a.Running == 0 {
				a.State = StateIdle
			}
		}
		return
	}
	now := p.clock.Now()
	p.agents[s.ID] = &record{
		Agent: Agent{
			ID:            s.ID,
			Name:          s.Name,
			Kind:          KindStatic,
			State:         StateIdle,
			Labels:        slices.Clone(s.Labels),
			Executors:     max(1, s.Executors),
			Monitored:     s.Monitored,
			LastHeartbeat: now,
		},
		leases:    make(map[string]*Lease),
		idleSince: now,
	}
	log.Info().Str("agent_id", s.ID).Strs("labels", s.Labels).Msg("registered static agent")
}

func (p *Pool) deregister(id string) error {
	a, ok := p.agents[id]
	if !ok {
		return fault.New(fault.KindNotFound, "pool", "deregister", fault.ErrNotFound).With("agent_id", id)
	}
	if a.Running == 0 {
		if a.cancelProvision != nil {
			a.cancelProvision()
		}
		p.terminate(a, "deregistered")
		return nil
	}
	a.State = StateDraining
	return nil
}

func (p *Pool) heartbeat(id string) error {
	a, ok := p.agents[id]
	if !ok {
		return fault.New(fault.KindNotFound, "pool", "heartbeat", fault.ErrNotFound).With("agent_id", id)
	}
	a.LastHeartbeat = p.clock.Now()
	if a.State == StateProvisioning {
		p.ready(a)
	}
	return nil
}

// lost terminates an agent that stopped heartbeating and signals every
// lease held on it.
func (p *Pool) lost(a *record) {
	log.Warn().Str("agent_id", a.ID).Time("last_heartbeat", a.LastHeartbeat).Msg("agent lost")
	leases := make([]string, 0, len(a.leases))
	for id, l := range a.leases {
		close(l.lost)
		leases = append(leases, id)
	}
	a.leases = make(map[string]*Lease)
	a.Running = 0
	if p.observer != nil {
		p.observer.AgentLost()
	}
	p.record(audit.Event{
		Kind:    audit.AgentLost,
		Subject: a.ID,
		Attributes: map[string]string{
			"last_heartbeat": a.LastHeartbeat.UTC().Format(time.RFC3339),
			"leases":         fmt.Sprint(len(leases)),
		},
	})
	p.terminate(a, "lost")
}

func (p *Pool) terminate(a *record, reason string) {
	a.State = StateTerminated
	delete(p.agents, a.ID)
	if a.Kind == KindEphemeral && a.Handle != "" {
		p.terminateHandle(a.ID, a.Handle)
	}
	p.record(audit.Event{
		Kind:       audit.AgentTerminated,
		Subject:    a.ID,
		Attributes: map[string]string{"reason": reason, "kind": string(a.Kind)},
	})
}

func (p *Pool) terminateHandle(agentID, handle string) {
	if p.provisioner == nil {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := p.provisioner.Terminate(ctx, handle); err != nil {
			log.Warn().Err(err).Str("agent_id", agentID).Msg("terminating agent")
		}
	}()
}

func (p *Pool) snapshot() []Agent {
	agents := make([]Agent, 0, len(p.agents))
	for _, a := range p.agents {
		agents = append(agents, a.snapshot())
	}
	slices.SortFunc(agents, func(a, b Agent) int { return cmp.Compare(a.ID, b.ID) })
	return agents
}

func (a *record) snapshot() Agent {
	s := a.Agent
	s.Labels = slices.Clone(a.Labels)
	return s
}

// record never blocks the loop; a full buffer drops the event.
func (p *Pool) record(e audit.Event) {
	e.Component = "pool"
	e.Actor = "pool"
	select {
	case p.events <- e:
	default:
		log.Warn().Str("kind", string(e.Kind)).Str("agent_id", e.Subject).
			Msg("pool event buffer full, event not recorded")
	}
}

func (p *Pool) recordEvents() {
	defer p.wg.Done()
	for e := range p.events {
		if _, err := p.recorder.Append(context.Background(), e); err != nil {
			log.Error().Err(err).Str("kind", string(e.Kind)).Msg("recording pool event")
		}
	}
}
