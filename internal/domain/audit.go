package domain

import "time"

// AuditRecord is an append-only trail of a privileged change.
type AuditRecord struct {
	ID           int64     `json:"id"`
	ActorID      string    `json:"actorId"`
	ActorRole    string    `json:"actorRole"`
	Action       string    `json:"action"`
	ResourceType string    `json:"resourceType"`
	ResourceID   string    `json:"resourceId"`
	BeforeState  string    `json:"beforeState,omitempty"`
	AfterState   string    `json:"afterState,omitempty"`
	RequestID    string    `json:"requestId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}
