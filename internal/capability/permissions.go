package capability

import (
	"context"
	"sort"
	"sync"

	"github.com/basket/sketchdojo-rt/internal/audit"
)

// Permissions maps client ids to the set of tool ids they may invoke.
// Every grant and revoke is recorded on the audit log.
type Permissions struct {
	mu     sync.RWMutex
	grants map[string]map[string]struct{}
	audit  *audit.Log
}

// NewPermissions returns an empty table. log may be nil.
func NewPermissions(log *audit.Log) *Permissions {
	return &Permissions{
		grants: make(map[string]map[string]struct{}),
		audit:  log,
	}
}

// Grant adds toolIDs to the client's set.
func (p *Permissions) Grant(ctx context.Context, clientID, reason string, toolIDs ...string) {
	if clientID == "" || len(toolIDs) == 0 {
		return
	}
	var added []string
	p.mu.Lock()
	set, ok := p.grants[clientID]
	if !ok {
		set = make(map[string]struct{}, len(toolIDs))
		p.grants[clientID] = set
	}
	for _, id := range toolIDs {
		if _, dup := set[id]; id == "" || dup {
			continue
		}
		set[id] = struct{}{}
		added = append(added, id)
	}
	p.mu.Unlock()

	for _, id := range added {
		p.audit.Record(ctx, audit.Entry{Decision: audit.DecisionGrant, ClientID: clientID, ToolID: id, Reason: reason})
	}
}

// Revoke removes toolIDs from the client's set. With no ids it clears every
// grant the client holds.
func (p *Permissions) Revoke(ctx context.Context, clientID, reason string, toolIDs ...string) {
	var removed []string
	p.mu.Lock()
	set, ok := p.grants[clientID]
	if ok {
		if len(toolIDs) == 0 {
			for id := range set {
				removed = append(removed, id)
			}
			delete(p.grants, clientID)
		} else {
			for _, id := range toolIDs {
				if _, held := set[id]; held {
					delete(set, id)
					removed = append(removed, id)
				}
			}
			if len(set) == 0 {
				delete(p.grants, clientID)
			}
		}
	}
	p.mu.Unlock()

	sort.Strings(removed)
	for _, id := range removed {
		p.audit.Record(ctx, audit.Entry{Decision: audit.DecisionRevoke, ClientID: clientID, ToolID: id, Reason: reason})
	}
}

// Granted reports whether clientID may invoke toolID.
func (p *Permissions) Granted(clientID, toolID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.grants[clientID][toolID]
	return ok
}

// Grants returns the client's tool ids, sorted.
func (p *Permissions) Grants(clientID string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	set := p.grants[clientID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ClientCount is the number of clients holding at least one grant.
func (p *Permissions) ClientCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.grants)
}

func (p *Permissions) deny(ctx context.Context, clientID, toolID string) {
	p.audit.Record(ctx, audit.Entry{Decision: audit.DecisionDeny, ClientID: clientID, ToolID: toolID, Reason: "not_granted"})
}
