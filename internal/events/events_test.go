package events

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_GetEvent(t *testing.T) {
	store := NewMemoryStore(&Event{
		ID:          "evt_1",
		Status:      StatusPublished,
		TicketPrice: decimal.RequireFromString("25.5"),
		Currency:    "USDC",
	})

	e, err := store.GetEvent(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.True(t, e.TicketPrice.Equal(decimal.RequireFromString("25.5000000")))

	e.Status = StatusCancelled
	again, err := store.GetEvent(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, StatusPublished, again.Status, "callers must not mutate stored events")

	_, err = store.GetEvent(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPurchasable(t *testing.T) {
	for status, want := range map[Status]bool{
		StatusDraft:     false,
		StatusPublished: true,
		StatusCompleted: false,
		StatusCancelled: false,
	} {
		assert.Equal(t, want, (&Event{Status: status}).Purchasable(), status)
	}
}
