package shared

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPrepareAuditStampsCorrelation(t *testing.T) {
	ctx := ContextWithCorrelationID(context.Background(), "c0ffee")
	original := map[string]any{"product_id": 9}
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	raw, got, err := prepareAudit(ctx, AuditLog{TenantID: 1, Action: "inventory.stock.add", Entity: "inventory_movement", EntityID: "4", Meta: original, At: at})
	require.NoError(t, err)
	require.Equal(t, at, got)
	require.JSONEq(t, `{"product_id":9,"correlation_id":"c0ffee"}`, string(raw))
	require.NotContains(t, original, "correlation_id")
}

func TestPrepareAuditDefaults(t *testing.T) {
	raw, at, err := prepareAudit(context.Background(), AuditLog{TenantID: 1, Action: "a", Entity: "e", EntityID: "1"})
	require.NoError(t, err)
	require.False(t, at.IsZero())
	var meta map[string]any
	require.NoError(t, json.Unmarshal(raw, &meta))
	require.Empty(t, meta)

	_, _, err = prepareAudit(context.Background(), AuditLog{Action: "a", Entity: "e", EntityID: "1"})
	require.ErrorIs(t, err, ErrIncompleteAudit)
}
