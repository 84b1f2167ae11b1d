package calls

import "time"

// Call is one simulated phone session owned by a tenant.
//
// Tenant invariant: Tenant is set at creation and never changes.
// RecordingURL is only ever set while Status is COMPLETED.
type Call struct {
	ID     string `json:"call_id"`
	Tenant string `json:"-"`

	From string `json:"from"`
	To   string `json:"to"`

	Status Status `json:"status"`

	Metadata map[string]any `json:"metadata"`

	RecordingURL string `json:"recording_url,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusRinging    Status = "RINGING"
	StatusAnswered   Status = "ANSWERED"
	StatusUnanswered Status = "UNANSWERED"
	StatusCompleted  Status = "COMPLETED"
)

// next lists the legal successors of each status.
var next = map[Status][]Status{
	StatusQueued:     {StatusRinging},
	StatusRinging:    {StatusAnswered, StatusUnanswered},
	StatusAnswered:   {StatusCompleted},
	StatusUnanswered: {StatusCompleted},
	StatusCompleted:  nil,
}

// Valid reports whether s is one of the five known statuses.
func (s Status) Valid() bool {
	_, ok := next[s]
	return ok
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool { return s == StatusCompleted }

// Active reports whether a session in status s still holds an admission slot.
func (s Status) Active() bool { return s.Valid() && !s.Terminal() }

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to Status) bool {
	for _, s := range next[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Counts are the session counters recomputed from the store at query time.
type Counts struct {
	Total     int64 `json:"total_calls"`
	Active    int64 `json:"active_calls"`
	Completed int64 `json:"completed_calls"`
}

// StatusUpdate is the message published to subscribers on every persisted transition.
type StatusUpdate struct {
	CallID    string    `json:"call_id"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}
