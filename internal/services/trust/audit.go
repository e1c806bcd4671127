package trust

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"devicetrust/internal/domain/models"
)

const auditListLimit = 100

// ListAuditEntries returns the profile's most recent audit entries, newest
// first.
func (t *Trust) ListAuditEntries(ctx context.Context, profileID uuid.UUID) ([]models.AuditEntry, error) {
	const op = "trust.ListAuditEntries"

	entries, err := t.audit.AuditByProfile(ctx, profileID, auditListLimit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return entries, nil
}
