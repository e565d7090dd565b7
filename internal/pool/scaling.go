package pool

import (
	"slices"
	"time"
)

func (p *Pool) reconcile(now time.Time) {
	p.checkLiveness(now)
	if p.provisioner != nil {
		for _, g := range p.groups {
			p.scale(g, now)
		}
	}
	p.serve()
	if p.observer != nil {
		counts := make(map[State]int)
		for _, a := range p.agents {
			counts[a.State]++
		}
		p.observer.AgentStates(counts)
	}
}

func (p *Pool) checkLiveness(now time.Time) {
	if p.cfg.LivenessThreshold <= 0 {
		return
	}
	for _, a := range p.agents {
		if !a.Monitored {
			continue
		}
		switch a.State {
		case StateIdle, StateBusy, StateDraining:
			if now.Sub(a.LastHeartbeat) > p.cfg.LivenessThreshold {
				p.lost(a)
			}
		}
	}
}

// scale keeps a group between its floor and ceiling. Scale up needs the
// queue depth to stay above the threshold for the debounce window; scale
// down only removes agents idle longer than the cooldown.
func (p *Pool) scale(g *group, now time.Time) {
	live := p.live(g)
	for ; live < g.cfg.MinReplicas; live++ {
		p.provision(g, "")
	}

	depth := 0
	for _, w := range p.waiters {
		if superset(g.cfg.Labels, w.labels) {
			depth++
		}
	}
	switch {
	case depth <= p.cfg.ScaleUpThreshold:
		g.demandSince = time.Time{}
	case g.demandSince.IsZero():
		g.demandSince = now
	case now.Sub(g.demandSince) >= p.cfg.ScaleUpDebounce && live < g.cfg.MaxReplicas:
		p.provision(g, "")
		live++
		g.demandSince = now
	}

	idle := make([]*record, 0)
	for _, a := range p.agents {
		if a.Group == g.cfg.Name && a.State == StateIdle {
			idle = append(idle, a)
		}
	}
	slices.SortFunc(idle, func(a, b *record) int { return a.idleSince.Compare(b.idleSince) })
	for _, a := range idle {
		if live <= g.cfg.MinReplicas || now.Sub(a.idleSince) < p.cfg.ScaleDownCooldown {
			break
		}
		p.terminate(a, "idle")
		live--
	}
}
