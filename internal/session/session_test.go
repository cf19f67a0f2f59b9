package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/models"
)

func TestInMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()

	rec, err := s.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, rec, "no record yet")

	require.NoError(t, s.Save(ctx, Record{TenantID: "t1", DeviceJID: "5511999@s.whatsapp.net", ConnectionMethod: models.ConnectionMethodQR}))
	rec, err = s.Load(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "5511999@s.whatsapp.net", rec.DeviceJID)
	assert.False(t, rec.UpdatedAt.IsZero())

	// Mutating the returned copy must not leak into the store.
	rec.DeviceJID = "changed"
	again, _ := s.Load(ctx, "t1")
	assert.Equal(t, "5511999@s.whatsapp.net", again.DeviceJID)
}

func TestInMemoryEraseIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	require.NoError(t, s.Save(ctx, Record{TenantID: "t1"}))

	require.NoError(t, s.Erase(ctx, "t1"))
	require.NoError(t, s.Erase(ctx, "t1"))
	require.NoError(t, s.Erase(ctx, "never-existed"))

	rec, err := s.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestInMemorySaveRequiresTenant(t *testing.T) {
	err := NewInMemory().Save(context.Background(), Record{})
	assert.True(t, errors.Is(err, models.ErrInvalidInput))
}

func TestInMemoryListSorted(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, s.Save(ctx, Record{TenantID: id}))
	}
	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].TenantID)
	assert.Equal(t, "c", list[2].TenantID)
}
