package server

import (
	"time"

	"smokestack/internal/domain"
	"smokestack/internal/history"
)

// Request payloads

type CreateOperationRequest struct {
	_           struct{}          `additionalProperties:"true"` // unknown fields are rejected by internal/schema with a 400
	Title       string            `json:"title"`
	Purpose     string            `json:"purpose,omitempty"`
	URL         string            `json:"url,omitempty"`
	StartsAt    *time.Time        `json:"starts_at,omitempty" format:"date-time"`
	EndsAt      *time.Time        `json:"ends_at,omitempty" format:"date-time"`
	Annotations map[string]string `json:"annotations,omitempty"`
	Components  []string          `json:"components,omitempty"`
	Locks       []string          `json:"locks,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	DependsOn   []int64           `json:"depends_on,omitempty"`
	Operators   []string          `json:"operators,omitempty"`
}

type EditOperationRequest struct {
	_           struct{}          `additionalProperties:"true"` // unknown fields are rejected by internal/schema with a 400
	Title       *string           `json:"title,omitempty"`
	Purpose     *string           `json:"purpose,omitempty"`
	URL         *string           `json:"url,omitempty"`
	StartsAt    *time.Time        `json:"starts_at,omitempty" format:"date-time"`
	EndsAt      *time.Time        `json:"ends_at,omitempty" format:"date-time"`
	Annotations map[string]string `json:"annotations,omitempty"`
	Components  []string          `json:"components,omitempty"`
	Locks       []string          `json:"locks,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	DependsOn   []int64           `json:"depends_on,omitempty"`
	Operators   []string          `json:"operators,omitempty"`
}

type TransitionRequest struct {
	_    struct{} `additionalProperties:"true"` // unknown fields are rejected by internal/schema with a 400
	To   string   `json:"to" enum:"planned,in_progress,paused,completed,aborted,canceled"`
	Note string   `json:"note,omitempty"`
}

type SetApprovalsRequest struct {
	Users []string `json:"users"`
}

type SubscribeRequest struct {
	Kind     string `json:"kind" enum:"operation,component,tag"`
	Selector string `json:"selector"`
}

type CreateComponentRequest struct {
	Name               string   `json:"name"`
	Description        string   `json:"description,omitempty"`
	URL                string   `json:"url,omitempty"`
	Owners             []string `json:"owners,omitempty"`
	RequiresApprovalBy string   `json:"requires_approval_by,omitempty"`
	RequiredApprovals  int      `json:"required_approvals,omitempty"`
}

type CreateTagRequest struct {
	Name               string `json:"name"`
	Description        string `json:"description,omitempty"`
	RequiresApprovalBy string `json:"requires_approval_by,omitempty"`
	RequiredApprovals  int    `json:"required_approvals,omitempty"`
}

type CreateGroupRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Members     []string `json:"members,omitempty"`
}

type CreateSystemSinkRequest struct {
	Selector       string `json:"selector,omitempty"`
	EventFilter    string `json:"event_filter,omitempty"`
	DeliveryTarget string `json:"delivery_target"`
}

// Response payloads

type OperationResponse struct {
	ID          int64             `json:"id"`
	Title       string            `json:"title"`
	Purpose     string            `json:"purpose,omitempty"`
	URL         string            `json:"url,omitempty"`
	Status      string            `json:"status" enum:"planned,in_progress,paused,completed,aborted,canceled"`
	StartsAt    *time.Time        `json:"starts_at,omitempty" format:"date-time"`
	EndsAt      *time.Time        `json:"ends_at,omitempty" format:"date-time"`
	Annotations map[string]string `json:"annotations,omitempty"`
	Components  []string          `json:"components"`
	Locks       []string          `json:"locks,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	DependsOn   []int64           `json:"depends_on,omitempty"`
	Operators   []string          `json:"operators,omitempty"`
	ApprovedBy  []string          `json:"approved_by,omitempty"`
	CreatedBy   string            `json:"created_by"`
	CreatedAt   time.Time         `json:"created_at" format:"date-time"`
	UpdatedAt   time.Time         `json:"updated_at" format:"date-time"`
}

func operationResponse(op domain.Operation) OperationResponse {
	return OperationResponse{
		ID:          op.ID,
		Title:       op.Title,
		Purpose:     op.Purpose,
		URL:         op.URL,
		Status:      string(op.Status),
		StartsAt:    op.StartsAt,
		EndsAt:      op.EndsAt,
		Annotations: op.Annotations,
		Components:  nonNilSlice(op.Components),
		Locks:       op.Locks,
		Tags:        op.Tags,
		DependsOn:   op.DependsOn,
		Operators:   op.Operators,
		ApprovedBy:  op.ApprovedBy,
		CreatedBy:   op.CreatedBy,
		CreatedAt:   op.CreatedAt,
		UpdatedAt:   op.UpdatedAt,
	}
}

type ComponentResponse struct {
	Name               string    `json:"name"`
	Description        string    `json:"description,omitempty"`
	URL                string    `json:"url,omitempty"`
	Owners             []string  `json:"owners,omitempty"`
	RequiresApprovalBy string    `json:"requires_approval_by,omitempty"`
	RequiredApprovals  int       `json:"required_approvals"`
	CreatedAt          time.Time `json:"created_at" format:"date-time"`
}

func componentResponse(c domain.Component) ComponentResponse { return ComponentResponse(c) }

type TagResponse struct {
	Name               string    `json:"name"`
	Description        string    `json:"description,omitempty"`
	RequiresApprovalBy string    `json:"requires_approval_by,omitempty"`
	RequiredApprovals  int       `json:"required_approvals"`
	CreatedAt          time.Time `json:"created_at" format:"date-time"`
}

func tagResponse(t domain.Tag) TagResponse { return TagResponse(t) }

type GroupResponse struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Members     []string  `json:"members,omitempty"`
	CreatedAt   time.Time `json:"created_at" format:"date-time"`
}

func groupResponse(g domain.Group) GroupResponse { return GroupResponse(g) }

type SystemSinkResponse struct {
	ID             string    `json:"id"`
	Selector       string    `json:"selector,omitempty"`
	EventFilter    string    `json:"event_filter,omitempty"`
	DeliveryTarget string    `json:"delivery_target"`
	Degraded       bool      `json:"degraded"`
	Failures       int       `json:"failures"`
	CreatedAt      time.Time `json:"created_at" format:"date-time"`
}

func systemSinkResponse(sk domain.SystemSink) SystemSinkResponse { return SystemSinkResponse(sk) }

type SubscriptionResponse struct {
	Subscriber string    `json:"subscriber"`
	Kind       string    `json:"kind" enum:"operation,component,tag"`
	Selector   string    `json:"selector"`
	CreatedAt  time.Time `json:"created_at" format:"date-time"`
}

func subscriptionResponse(s domain.Subscription) SubscriptionResponse {
	return SubscriptionResponse{
		Subscriber: s.Subscriber,
		Kind:       string(s.Kind),
		Selector:   s.Selector,
		CreatedAt:  s.CreatedAt,
	}
}

type HistoryRecordResponse struct {
	OpID       int64     `json:"op_id"`
	Seq        int64     `json:"seq"`
	Timestamp  time.Time `json:"timestamp" format:"date-time"`
	Actor      string    `json:"actor"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Note       string    `json:"note,omitempty"`
	Components []string  `json:"components,omitempty"`
	Tags       []string  `json:"tags,omitempty"`
	Source     string    `json:"source,omitempty"`
}

func historyRecordResponse(r domain.HistoryRecord) HistoryRecordResponse {
	return HistoryRecordResponse{
		OpID:       r.OpID,
		Seq:        r.Seq,
		Timestamp:  r.Timestamp,
		Actor:      r.Actor,
		FromStatus: string(r.FromStatus),
		ToStatus:   string(r.ToStatus),
		Note:       r.Note,
		Components: r.Components,
		Tags:       r.Tags,
		Source:     r.Source,
	}
}

type paginatedOperations struct {
	Items      []OperationResponse `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

type paginatedHistory struct {
	Items      []HistoryRecordResponse `json:"items"`
	NextCursor string                  `json:"next_cursor,omitempty"`
}

type paginatedSubscriptions struct {
	Items []SubscriptionResponse `json:"items"`
}

func mapOperations(ops []domain.Operation) []OperationResponse {
	out := make([]OperationResponse, len(ops))
	for i, op := range ops {
		out[i] = operationResponse(op)
	}
	return out
}

func mapHistory(page history.Page) paginatedHistory {
	out := paginatedHistory{Items: make([]HistoryRecordResponse, len(page.Records)), NextCursor: page.NextCursor}
	for i, r := range page.Records {
		out.Items[i] = historyRecordResponse(r)
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
