package scheduler

import (
	"github.com/standardbeagle/lci/internal/parsetask"
	"github.com/standardbeagle/lci/internal/schedtypes"
)

// ParseRequest is one caller's ask for a URL to be analyzed: a
// priority, a feature demand, a sequencing flag, and a notify target.
// Two requests compare equal iff they agree on priority, features, and
// notify target — sequencing does not participate in the equality
// test, matching spec.md's wording.
type ParseRequest struct {
	Priority   schedtypes.Priority
	Features   schedtypes.Features
	Sequencing schedtypes.Sequencing
	Notify     parsetask.NotifyTarget
}

type requestKey struct {
	priority schedtypes.Priority
	features schedtypes.Features
	notify   parsetask.NotifyTarget
}

func (r ParseRequest) key() requestKey {
	return requestKey{priority: r.Priority, features: r.Features, notify: r.Notify}
}

// plan aggregates every outstanding ParseRequest for a single URL. A
// second request from the same notify target with the same priority
// and features replaces the first rather than duplicating it; a
// request from a new notify target, or the same target asking for a
// different priority/feature combination, is appended.
type plan struct {
	requests []ParseRequest
}

func newPlan(req ParseRequest) *plan {
	return &plan{requests: []ParseRequest{req}}
}

func (p *plan) add(req ParseRequest) {
	k := req.key()
	for i, existing := range p.requests {
		if existing.key() == k {
			p.requests[i] = req
			return
		}
	}
	p.requests = append(p.requests, req)
}

// removeNotify drops every request belonging to notify and reports
// whether the plan is now empty.
func (p *plan) removeNotify(notify parsetask.NotifyTarget) (empty bool) {
	out := p.requests[:0]
	for _, req := range p.requests {
		if req.Notify != notify {
			out = append(out, req)
		}
	}
	p.requests = out
	return len(p.requests) == 0
}

// effectivePriority is the best (numerically smallest) priority among
// the plan's requests.
func (p *plan) effectivePriority() schedtypes.Priority {
	best := schedtypes.Worst
	for _, req := range p.requests {
		if req.Priority < best {
			best = req.Priority
		}
	}
	return best
}

// effectiveFeatures is the bitwise union of every request's features.
func (p *plan) effectiveFeatures() schedtypes.Features {
	var out schedtypes.Features
	for _, req := range p.requests {
		out = out.Union(req.Features)
	}
	return out
}

// effectiveSequencing is the strictest sequencing flag among the
// plan's requests; REQUIRES beats RESPECTS beats IGNORES.
func (p *plan) effectiveSequencing() schedtypes.Sequencing {
	out := schedtypes.Ignores
	for _, req := range p.requests {
		out = out.Union(req.Sequencing)
	}
	return out
}

// notifyTargets returns the plan's notify targets in insertion order.
// Dead (garbage-collected) targets are filtered by the caller when it
// actually delivers a notification, not here.
func (p *plan) notifyTargets() []parsetask.NotifyTarget {
	out := make([]parsetask.NotifyTarget, len(p.requests))
	for i, req := range p.requests {
		out[i] = req.Notify
	}
	return out
}
