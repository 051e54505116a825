// Package subscription tracks which clients want progress events for which
// background job.
package subscription

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/basket/sketchdojo-rt/internal/protocol"
)

// Sender delivers one envelope to one client, best effort.
type Sender interface {
	Send(ctx context.Context, clientID string, env protocol.Envelope) bool
}

type jobLock struct {
	mu   sync.Mutex
	refs int
}

// Index is the many-to-many relation between client ids and job ids.
type Index struct {
	mu      sync.Mutex
	jobs    map[string]map[string]struct{} // job -> clients
	clients map[string]map[string]struct{} // client -> jobs

	// Publishers of the same job serialize on its lock; the entry is
	// dropped once no publisher holds or waits on it.
	locksMu sync.Mutex
	locks   map[string]*jobLock

	sender Sender
	logger *slog.Logger
}

func New(sender Sender, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		jobs:    make(map[string]map[string]struct{}),
		clients: make(map[string]map[string]struct{}),
		locks:   make(map[string]*jobLock),
		sender:  sender,
		logger:  logger,
	}
}

// Subscribe registers interest. Unknown jobs are accepted.
func (x *Index) Subscribe(clientID, jobID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	add(x.jobs, jobID, clientID)
	add(x.clients, clientID, jobID)
}

func (x *Index) Unsubscribe(clientID, jobID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	remove(x.jobs, jobID, clientID)
	remove(x.clients, clientID, jobID)
}

// RemoveClient drops every subscription held by clientID.
func (x *Index) RemoveClient(clientID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for jobID := range x.clients[clientID] {
		remove(x.jobs, jobID, clientID)
	}
	delete(x.clients, clientID)
}

// Publish sends env to every current subscriber of jobID and returns the
// number of successful deliveries. Calls for the same job complete in call
// order; different jobs proceed independently.
func (x *Index) Publish(ctx context.Context, jobID string, env protocol.Envelope) int {
	l := x.acquire(jobID)
	defer x.release(jobID, l)

	recipients := x.Subscribers(jobID)
	delivered := 0
	for _, clientID := range recipients {
		if x.sender.Send(ctx, clientID, env) {
			delivered++
		}
	}
	if len(recipients) > 0 {
		x.logger.Debug("job event published", "job_id", jobID, "type", env.Type, "recipients", len(recipients), "delivered", delivered)
	}
	return delivered
}

func (x *Index) acquire(jobID string) *jobLock {
	x.locksMu.Lock()
	l := x.locks[jobID]
	if l == nil {
		l = &jobLock{}
		x.locks[jobID] = l
	}
	l.refs++
	x.locksMu.Unlock()
	l.mu.Lock()
	return l
}

func (x *Index) release(jobID string, l *jobLock) {
	l.mu.Unlock()
	x.locksMu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(x.locks, jobID)
	}
	x.locksMu.Unlock()
}

// Subscribers returns a sorted snapshot of the clients subscribed to jobID.
func (x *Index) Subscribers(jobID string) []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return keys(x.jobs[jobID])
}

// ClientJobs returns a sorted snapshot of the jobs clientID follows.
func (x *Index) ClientJobs(clientID string) []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return keys(x.clients[clientID])
}

// Counts returns the number of jobs with at least one subscriber and the
// total number of (client, job) pairs.
func (x *Index) Counts() (jobs, total int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, set := range x.jobs {
		total += len(set)
	}
	return len(x.jobs), total
}

func add(m map[string]map[string]struct{}, k, v string) {
	set := m[k]
	if set == nil {
		set = make(map[string]struct{})
		m[k] = set
	}
	set[v] = struct{}{}
}

func remove(m map[string]map[string]struct{}, k, v string) {
	set := m[k]
	if set == nil {
		return
	}
	delete(set, v)
	if len(set) == 0 {
		delete(m, k)
	}
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
