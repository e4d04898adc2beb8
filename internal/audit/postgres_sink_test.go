//go:build integration

package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tixpay/internal/testutil"
)

func TestPostgresSink(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	s := NewPostgresSink(db)

	require.NoError(t, s.Log(ctx, Entry{Action: "PAYMENT_INTENT_CREATED", UserID: "u1", ResourceID: "p1"}))
	require.NoError(t, s.Log(ctx, Entry{Action: "PAYMENT_FAILED", ResourceID: "p1", Meta: map[string]any{"reason": "wrong asset"}}))

	entries, err := s.ListByResource(ctx, "p1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "PAYMENT_INTENT_CREATED", entries[0].Action)
	assert.Equal(t, "u1", entries[0].UserID)
	assert.Equal(t, "wrong asset", entries[1].Meta["reason"])
}
