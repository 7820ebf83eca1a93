// Package domain defines the entities and enums of the coordination core.
package domain

import "time"

// Status is an operation's position in the lifecycle state machine.
type Status string

const (
	StatusPlanned    Status = "planned"
	StatusInProgress Status = "in_progress"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusAborted    Status = "aborted"
	StatusCanceled   Status = "canceled"
)

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusAborted, StatusCanceled:
		return true
	default:
		return false
	}
}

// UserKind distinguishes human operators from system/automation actors.
type UserKind string

const (
	UserHuman  UserKind = "human"
	UserSystem UserKind = "system"
)

// SelectorKind identifies what a Subscription watches.
type SelectorKind string

const (
	SelectorOperation SelectorKind = "operation"
	SelectorComponent SelectorKind = "component"
	SelectorTag       SelectorKind = "tag"
)

// EventKind identifies the shape of a committed mutation.
type EventKind string

const (
	EventCreated       EventKind = "created"
	EventEdited        EventKind = "edited"
	EventStatusChanged EventKind = "status_changed"
	EventApproved      EventKind = "approved"
	EventCommented     EventKind = "commented"
)

// Operation is a tracked procedure performed against a set of components.
type Operation struct {
	ID          int64             `json:"id"`
	Title       string            `json:"title"`
	Purpose     string            `json:"purpose,omitempty"`
	URL         string            `json:"url,omitempty"`
	Status      Status            `json:"status"`
	StartsAt    *time.Time        `json:"starts_at,omitempty"`
	EndsAt      *time.Time        `json:"ends_at,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
	Components  []string          `json:"components"`
	Locks       []string          `json:"locks,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	DependsOn   []int64           `json:"depends_on,omitempty"`
	Operators   []string          `json:"operators,omitempty"`
	ApprovedBy  []string          `json:"approved_by,omitempty"`
	CreatedBy   string            `json:"created_by"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Clone returns a deep copy safe to hand to callers outside the writer.
func (o Operation) Clone() Operation {
	c := o
	c.Components = append([]string(nil), o.Components...)
	c.Locks = append([]string(nil), o.Locks...)
	c.Tags = append([]string(nil), o.Tags...)
	c.DependsOn = append([]int64(nil), o.DependsOn...)
	c.Operators = append([]string(nil), o.Operators...)
	c.ApprovedBy = append([]string(nil), o.ApprovedBy...)
	if o.Annotations != nil {
		c.Annotations = make(map[string]string, len(o.Annotations))
		for k, v := range o.Annotations {
			c.Annotations[k] = v
		}
	}
	if o.StartsAt != nil {
		t := *o.StartsAt
		c.StartsAt = &t
	}
	if o.EndsAt != nil {
		t := *o.EndsAt
		c.EndsAt = &t
	}
	return c
}

// HasComponent reports whether name is in the operation's components.
func (o Operation) HasComponent(name string) bool {
	for _, c := range o.Components {
		if c == name {
			return true
		}
	}
	return false
}

// HasTag reports whether name is one of the operation's tags.
func (o Operation) HasTag(name string) bool {
	for _, t := range o.Tags {
		if t == name {
			return true
		}
	}
	return false
}

// HasLock reports whether the operation holds an exclusive lock on name.
func (o Operation) HasLock(name string) bool {
	for _, l := range o.Locks {
		if l == name {
			return true
		}
	}
	return false
}

// InFlight reports whether the operation currently occupies its locks
// (in_progress or paused count as holding the floor per spec invariant 5/6).
func (o Operation) InFlight() bool {
	return o.Status == StatusInProgress || o.Status == StatusPaused
}

// Component is a named target of operations.
type Component struct {
	Name               string    `json:"name"`
	Description        string    `json:"description,omitempty"`
	URL                string    `json:"url,omitempty"`
	Owners             []string  `json:"owners,omitempty"`
	RequiresApprovalBy string    `json:"requires_approval_by,omitempty"`
	RequiredApprovals  int       `json:"required_approvals"`
	CreatedAt          time.Time `json:"created_at"`
}

// Tag is a free-form grouping label, optionally carrying its own quorum.
type Tag struct {
	Name               string    `json:"name"`
	Description        string    `json:"description,omitempty"`
	RequiresApprovalBy string    `json:"requires_approval_by,omitempty"`
	RequiredApprovals  int       `json:"required_approvals"`
	CreatedAt          time.Time `json:"created_at"`
}

// User is a human or system actor.
type User struct {
	Name      string    `json:"name"`
	Kind      UserKind  `json:"kind"`
	Groups    []string  `json:"groups,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Group is a named collection of users, used for approval quorums and admin checks.
type Group struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Members     []string  `json:"members,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Subscription is a standing interest in events matching a selector.
type Subscription struct {
	Subscriber string       `json:"subscriber"`
	Kind       SelectorKind `json:"kind"`
	Selector   string       `json:"selector"` // op id (as string), component name, or tag name
	CreatedAt  time.Time    `json:"created_at"`
}

// HistoryRecord is one append-only entry of the compliance log.
type HistoryRecord struct {
	OpID       int64     `json:"op_id"`
	Seq        int64     `json:"seq"`
	Timestamp  time.Time `json:"timestamp"`
	Actor      string    `json:"actor"`
	FromStatus Status    `json:"from_status"`
	ToStatus   Status    `json:"to_status"`
	Note       string    `json:"note,omitempty"`
	Components []string  `json:"components,omitempty"`
	Tags       []string  `json:"tags,omitempty"`
	Source     string    `json:"source,omitempty"` // "internal" or "external"
}

// SystemSink is an external endpoint receiving filtered events.
type SystemSink struct {
	ID             string    `json:"id"`
	Selector       string    `json:"selector,omitempty"`
	EventFilter    string    `json:"event_filter,omitempty"` // CEL expression over kind/operation
	DeliveryTarget string    `json:"delivery_target"`
	Degraded       bool      `json:"degraded"`
	Failures       int       `json:"failures"`
	CreatedAt      time.Time `json:"created_at"`
}

// Event is the payload fanned out to subscribers on every accepted mutation.
type Event struct {
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Operation Operation `json:"operation"`
	From      Status    `json:"from,omitempty"`
	To        Status    `json:"to,omitempty"`
	Seq       int64     `json:"-"` // commit order, used for stream ordering guarantees
}
