package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/applyflow/applyflow/pkg/models"
)

func TestRegistryCreateValidatesScript(t *testing.T) {
	r := newRig(t, newFakeDriver(), 1, quickRun())

	_, err := r.registry.Create(models.CreateSessionRequest{})
	assert.ErrorContains(t, err, "at least one action")

	_, err = r.registry.Create(models.CreateSessionRequest{
		Script: []models.Action{{Type: models.ActionNavigate}},
	})
	assert.ErrorContains(t, err, "requires url")
}

func TestRegistryGetUnknown(t *testing.T) {
	r := newRig(t, newFakeDriver(), 1, quickRun())

	_, err := r.registry.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryCleanupRequiresTerminal(t *testing.T) {
	r := newRig(t, newFakeDriver(), 1, quickRun())

	s, err := r.registry.Create(models.CreateSessionRequest{Script: navExtractScript()})
	require.NoError(t, err)

	// CREATED is not terminal; eviction must be refused.
	assert.ErrorIs(t, r.registry.Cleanup(s.ID), ErrSessionActive)

	require.NoError(t, s.Stop())
	waitDone(t, s)

	require.NoError(t, r.registry.Cleanup(s.ID))
	_, err = r.registry.Get(s.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryCleanupManyAll(t *testing.T) {
	r := newRig(t, newFakeDriver(), 2, quickRun())

	var terminal []*Session
	for i := 0; i < 2; i++ {
		s, err := r.registry.Create(models.CreateSessionRequest{Script: navExtractScript()})
		require.NoError(t, err)
		require.NoError(t, s.Stop())
		terminal = append(terminal, s)
	}
	active, err := r.registry.Create(models.CreateSessionRequest{Script: navExtractScript()})
	require.NoError(t, err)

	for _, s := range terminal {
		waitDone(t, s)
	}

	cleaned := r.registry.CleanupMany(nil, true)
	assert.Len(t, cleaned, 2)

	// The active session survived the sweep.
	_, err = r.registry.Get(active.ID)
	assert.NoError(t, err)
}

func TestRegistryListFiltersByState(t *testing.T) {
	r := newRig(t, newFakeDriver(), 2, quickRun())

	first, err := r.registry.Create(models.CreateSessionRequest{Script: navExtractScript()})
	require.NoError(t, err)
	second, err := r.registry.Create(models.CreateSessionRequest{Script: navExtractScript()})
	require.NoError(t, err)

	require.NoError(t, second.Stop())
	waitDone(t, second)

	all := r.registry.List("")
	require.Len(t, all, 2)
	// Creation order is preserved.
	assert.Equal(t, first.ID, all[0].ID)

	stopped := r.registry.List(models.StateStopped)
	require.Len(t, stopped, 1)
	assert.Equal(t, second.ID, stopped[0].ID)
}
