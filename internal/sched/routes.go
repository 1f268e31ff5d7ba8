// Package sched keeps one long-lived agent session per workspace for
// scheduled execution and routes finished-job notifications back to the
// chat channel that created each job.
package sched

import "sync"

// Mode says whether a route targets a direct-message conversation or a
// regular channel.
type Mode string

const (
	ModeDM      Mode = "dm"
	ModeChannel Mode = "channel"
)

// Route identifies where scheduled output should be delivered.
type Route struct {
	ChannelID string `json:"channel_id"`
	ThreadTS  string `json:"thread_ts,omitempty"`
	Mode      Mode   `json:"mode"`
}

// Routes maps job ids to delivery routes for a single workspace. A job is
// bound to the route that was latest when it was added; the binding is
// stable until the job is removed. Jobs without a binding fall back to the
// latest observed route.
type Routes struct {
	mu     sync.Mutex
	latest *Route
	bound  map[string]Route
}

func NewRoutes() *Routes {
	return &Routes{bound: make(map[string]Route)}
}

// SetLatestRoute records the most recently observed route. Existing job
// bindings are unaffected.
func (r *Routes) SetLatestRoute(route Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latest = &route
}

// BindJob snapshots the current latest route against the job id. No-op when
// no route has been observed yet; a re-added job rebinds to the route
// current at that moment.
func (r *Routes) BindJob(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.latest == nil {
		return
	}
	r.bound[jobID] = *r.latest
}

// RemoveJob deletes the binding for the job id.
func (r *Routes) RemoveJob(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bound, jobID)
}

// Resolve returns the bound route for the job, the latest route when no
// binding exists, or false when neither is known.
func (r *Routes) Resolve(jobID string) (Route, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if route, ok := r.bound[jobID]; ok {
		return route, true
	}
	if r.latest != nil {
		return *r.latest, true
	}
	return Route{}, false
}
