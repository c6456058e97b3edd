// Package agentpool implements the AgentPool (spec §4.8): the mutex-guarded
// registry of every live agent, its parent/child relationships, and the
// authorized-destroy predicate used by the nexus_destroy tool and external
// clients alike.
package agentpool

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/nexus3/nexus3/internal/erroring"
	"github.com/nexus3/nexus3/internal/policy"
)

// Agent is one pool entry. Session, Dispatcher, and Context are stored as
// opaque values rather than concrete types: the pool only needs to track
// identity, ownership, and lifecycle, never drive a turn itself, so it must
// not import internal/session (which in turn depends on this package's
// ChildAgentLookup through internal/enforcer) — tying the knot here would
// create an import cycle. Grounded on spec §3's Agent record and
// §4.8's AgentPool description.
type Agent struct {
	AgentID       string
	CreatedAt     time.Time
	ParentAgentID string

	Permissions *policy.AgentPermissions
	CWD         string

	// Session, Dispatcher, and Context are populated by the host after
	// Create returns, once those components have been constructed with a
	// reference back to this Agent.
	Session    any
	Dispatcher any
	Context    any

	// Cancel, if set, is invoked on authorized destroy to abort any
	// in-flight turn and dispatcher requests before the agent is removed.
	Cancel func()

	mu       sync.Mutex
	children map[string]struct{}
}

// AddChild registers childID as one of a's children. Called by the pool
// when a child agent is created with this agent as parent.
func (a *Agent) AddChild(childID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.children == nil {
		a.children = make(map[string]struct{})
	}
	a.children[childID] = struct{}{}
}

func (a *Agent) removeChild(childID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.children, childID)
}

// ChildIDs returns a's current children, in no particular order.
func (a *Agent) ChildIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.children))
	for id := range a.children {
		ids = append(ids, id)
	}
	return ids
}

// Metadata is the snapshot shape returned by AgentPool.List.
type Metadata struct {
	AgentID       string
	CreatedAt     time.Time
	ParentAgentID string
	ChildAgentIDs []string
}

// AgentPool owns every live Agent by ID. Grounded on the teacher's
// internal/sessions.MemoryStore mutex-protected-map idiom, generalized with
// the parent/child bookkeeping and authorization predicate spec §4.8 adds.
type AgentPool struct {
	mu          sync.Mutex
	agents      map[string]*Agent
	tempCounter int

	// OnUnregister, if set, is called with an agent's ID after an
	// authorized destroy removes it from the map (e.g. to detach its log
	// sink). Invoked outside the pool's lock.
	OnUnregister func(agentID string)
}

// New constructs an empty AgentPool.
func New() *AgentPool {
	return &AgentPool{agents: make(map[string]*Agent)}
}

// Create registers a new Agent. If agentID is "", a temp id (".1", ".2", ...)
// is generated. Returns an error if agentID is already registered.
func (p *AgentPool) Create(agentID, parentAgentID string, permissions *policy.AgentPermissions, cwd string) (*Agent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if agentID == "" {
		agentID = p.nextTempID()
	} else if _, exists := p.agents[agentID]; exists {
		return nil, fmt.Errorf("agent %q already exists", agentID)
	}

	agent := &Agent{
		AgentID:       agentID,
		CreatedAt:     time.Now(),
		ParentAgentID: parentAgentID,
		Permissions:   permissions,
		CWD:           cwd,
	}
	p.agents[agentID] = agent

	if parentAgentID != "" {
		if parent, ok := p.agents[parentAgentID]; ok {
			parent.AddChild(agentID)
		}
	}

	return agent, nil
}

// nextTempID returns the next unused ".N" temp id. Must be called with
// p.mu held.
func (p *AgentPool) nextTempID() string {
	for {
		p.tempCounter++
		id := "." + strconv.Itoa(p.tempCounter)
		if _, exists := p.agents[id]; !exists {
			return id
		}
	}
}

// Get returns the agent registered under agentID, or nil.
func (p *AgentPool) Get(agentID string) *Agent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.agents[agentID]
}

// List snapshots metadata for every live agent, sorted by AgentID for
// deterministic output.
func (p *AgentPool) List() []Metadata {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Metadata, 0, len(p.agents))
	for _, a := range p.agents {
		out = append(out, Metadata{
			AgentID:       a.AgentID,
			CreatedAt:     a.CreatedAt,
			ParentAgentID: a.ParentAgentID,
			ChildAgentIDs: a.ChildIDs(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// ChildAgentIDs satisfies internal/enforcer's ChildAgentLookup, letting the
// enforcer check the nexus_destroy-on-own-child exemption without this
// package depending on it.
func (p *AgentPool) ChildAgentIDs(agentID string) []string {
	p.mu.Lock()
	agent, ok := p.agents[agentID]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return agent.ChildIDs()
}

// Destroy removes agentID from the pool if requesterID is authorized to do
// so (spec §4.8): admin_override, or requesterID=="" (external clients/CLI),
// or requesterID==agentID (self-destruct), or requesterID is the target's
// parent. Authorization is evaluated inside the lock before any mutation.
// On success, the target's Cancel hook (if set) runs and its own child
// agents are orphaned (ParentAgentID cleared), matching the original's
// non-cascading destroy.
func (p *AgentPool) Destroy(agentID, requesterID string, adminOverride bool) error {
	p.mu.Lock()

	target, ok := p.agents[agentID]
	if !ok {
		p.mu.Unlock()
		return &erroring.AuthorizationError{Message: fmt.Sprintf("agent %q not found", agentID)}
	}

	authorized := adminOverride ||
		requesterID == "" ||
		requesterID == agentID ||
		requesterID == target.ParentAgentID
	if !authorized {
		p.mu.Unlock()
		return &erroring.AuthorizationError{Message: fmt.Sprintf("requester %q may not destroy agent %q", requesterID, agentID)}
	}

	delete(p.agents, agentID)
	if target.ParentAgentID != "" {
		if parent, ok := p.agents[target.ParentAgentID]; ok {
			parent.removeChild(agentID)
		}
	}
	for _, childID := range target.ChildIDs() {
		if child, ok := p.agents[childID]; ok {
			child.ParentAgentID = ""
		}
	}
	p.mu.Unlock()

	if target.Cancel != nil {
		target.Cancel()
	}
	if p.OnUnregister != nil {
		p.OnUnregister(agentID)
	}
	return nil
}
