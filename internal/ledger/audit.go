package ledger

import (
	"context"
	"encoding/json"

	"github.com/mbd888/rentledger/internal/auth"
	"github.com/mbd888/rentledger/internal/domain"
	"github.com/mbd888/rentledger/internal/logging"
	"github.com/mbd888/rentledger/internal/store"
)

// Audit appends an audit record inside tx so the trail commits or rolls
// back with the change it describes.
func Audit(ctx context.Context, tx store.Tx, actor auth.Principal, action, resourceType, resourceID string, before, after any) error {
	return tx.InsertAudit(ctx, &domain.AuditRecord{
		ActorID:      actor.UserID,
		ActorRole:    string(actor.Role),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		BeforeState:  snapshot(before),
		AfterState:   snapshot(after),
		RequestID:    logging.RequestID(ctx),
	})
}

func snapshot(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
