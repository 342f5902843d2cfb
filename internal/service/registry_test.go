package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langchou/carbridge/internal/models"
)

func TestVehicleRegistry_Upsert(t *testing.T) {
	r := NewVehicleRegistry()

	v, isNew := r.Upsert(models.Vehicle{VIN: "B", DisplayName: "B", Identity: "main"})
	assert.True(t, isNew)
	assert.Equal(t, "B", v.DisplayName)

	v, isNew = r.Upsert(models.Vehicle{VIN: "B", DisplayName: "i4", Brand: "bmw", Identity: "codriver"})
	assert.False(t, isNew)
	assert.Equal(t, "i4", v.DisplayName)
	assert.Equal(t, "main", v.Identity, "identity of first discovery is kept")

	r.Upsert(models.Vehicle{VIN: "A", Identity: "codriver"})

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "A", list[0].VIN)
	assert.Equal(t, "B", list[1].VIN)

	codriver := r.ForIdentity("codriver")
	require.Len(t, codriver, 1)
	assert.Equal(t, "A", codriver[0].VIN)
	assert.Equal(t, 2, r.Len())
}

func TestEndpoint_Paths(t *testing.T) {
	now := time.Date(2024, 11, 30, 23, 0, 0, 0, time.UTC)
	eps := DefaultEndpoints()

	state := eps[0]
	assert.Equal(t, "/eadrax-vcs/v4/vehicles/WBA1/state", state.URLPath("WBA1"))
	assert.Equal(t, "WBA1", state.BasePath("WBA1", now))

	sessions := eps[1]
	assert.Equal(t, "WBA1.chargingSessions.2024-11", sessions.BasePath("WBA1", now))
	assert.Equal(t, "2024-11-01T00:00:00.000Z", sessions.Query("WBA1", now).Get("date"))
	assert.True(t, sessions.History)
	assert.False(t, sessions.Daily)

	stats := eps[2]
	assert.Equal(t, "WBA1.charging-statistics.2024-11", stats.BasePath("WBA1", now))
	assert.Equal(t, "2024-11-30T23:00:00.000000", stats.Query("WBA1", now).Get("currentDate"))
	assert.True(t, stats.Daily)
}
