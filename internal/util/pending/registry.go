package pending

import (
	"time"

	"github.com/devrev/weatherdb/internal/model"
	"github.com/google/uuid"
)

// Kind labels what an outstanding request is waiting for
type Kind string

const (
	KindHeartbeat Kind = "heartbeat"
	KindDump      Kind = "dump"
	KindQuery     Kind = "query"
	KindForward   Kind = "forward"
)

// Timer is a cancellable one-shot timer
type Timer interface {
	Stop() bool
}

// Scheduler creates timers. Production code uses the wall clock; tests
// substitute a ManualScheduler.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type clockScheduler struct{}

func (clockScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// ClockScheduler returns the wall clock scheduler
func ClockScheduler() Scheduler {
	return clockScheduler{}
}

// NewID returns a fresh correlation id
func NewID() string {
	return uuid.NewString()
}

// Request describes one outstanding correlated request
type Request struct {
	ID       string
	NodeID   int
	Kind     Kind
	Subject  string // date for queries, empty otherwise
	Deadline time.Time
}

type entry struct {
	req        Request
	timer      Timer
	onResponse func(model.StorageResponse)
	onTimeout  func()
}

// Registry maps correlation ids to continuations. It is not safe for
// concurrent use: it belongs to one event loop, and timer expiry is routed
// back onto that loop through post. Each entry is resolved exactly once,
// either by Resolve or by its timer.
type Registry struct {
	entries map[string]*entry
	sched   Scheduler
	post    func(func())
	now     func() time.Time
}

// NewRegistry creates a registry. post must run the given function on the
// goroutine that owns the registry.
func NewRegistry(sched Scheduler, post func(func())) *Registry {
	if sched == nil {
		sched = ClockScheduler()
	}
	return &Registry{
		entries: make(map[string]*entry),
		sched:   sched,
		post:    post,
		now:     time.Now,
	}
}

// Register records an outstanding request and arms its timeout. It returns
// the correlation id to put on the outgoing message.
func (r *Registry) Register(nodeID int, kind Kind, subject string, timeout time.Duration,
	onResponse func(model.StorageResponse), onTimeout func()) string {
	id := NewID()
	e := &entry{
		req: Request{
			ID:       id,
			NodeID:   nodeID,
			Kind:     kind,
			Subject:  subject,
			Deadline: r.now().Add(timeout),
		},
		onResponse: onResponse,
		onTimeout:  onTimeout,
	}
	r.entries[id] = e
	e.timer = r.sched.AfterFunc(timeout, func() {
		r.post(func() { r.expire(id) })
	})
	return id
}

// Resolve completes the entry for resp.CorrelationID. It reports the node the
// request was sent to and whether the id was known; unknown and late
// responses are ignored.
func (r *Registry) Resolve(resp model.StorageResponse) (Request, bool) {
	e, ok := r.entries[resp.CorrelationID]
	if !ok {
		return Request{}, false
	}
	delete(r.entries, resp.CorrelationID)
	e.timer.Stop()
	if e.onResponse != nil {
		e.onResponse(resp)
	}
	return e.req, true
}

func (r *Registry) expire(id string) {
	e, ok := r.entries[id]
	if !ok {
		// resolved before the timer callback reached the loop
		return
	}
	delete(r.entries, id)
	if e.onTimeout != nil {
		e.onTimeout()
	}
}

// Cancel drops an entry without running either continuation
func (r *Registry) Cancel(id string) bool {
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	delete(r.entries, id)
	e.timer.Stop()
	return true
}

// Len returns the number of outstanding requests
func (r *Registry) Len() int {
	return len(r.entries)
}

// Outstanding reports whether a request of kind is pending for node
func (r *Registry) Outstanding(nodeID int, kind Kind) bool {
	for _, e := range r.entries {
		if e.req.NodeID == nodeID && e.req.Kind == kind {
			return true
		}
	}
	return false
}

// Requests returns a copy of all outstanding requests
func (r *Registry) Requests() []Request {
	out := make([]Request, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.req)
	}
	return out
}
