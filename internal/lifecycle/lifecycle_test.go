package lifecycle

import (
	"errors"
	"testing"

	"github.com/Shaance/image-converter/internal/entities"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNext(t *testing.T) {
	tests := []struct {
		from    entities.State
		event   Event
		want    entities.State
		illegal bool
	}{
		{entities.StateCreated, ConversionStarted, entities.StateConverting, false},
		{entities.StateConverting, ConversionStarted, entities.StateConverting, false},
		{entities.StateConverting, AllConverted, entities.StateZipping, false},
		{entities.StateConverting, ConversionFailed, entities.StateFailed, false},
		{entities.StateZipping, ArchiveStarted, entities.StateZipping, false},
		{entities.StateZipping, ArchiveStored, entities.StateDone, false},
		{entities.StateZipping, ArchiveFailed, entities.StateFailed, false},

		{entities.StateCreated, AllConverted, entities.StateCreated, true},
		{entities.StateCreated, ArchiveStored, entities.StateCreated, true},
		{entities.StateConverting, ArchiveStored, entities.StateConverting, true},
		{entities.StateZipping, AllConverted, entities.StateZipping, true},
		{entities.StateDone, ConversionStarted, entities.StateDone, true},
		{entities.StateDone, ArchiveStarted, entities.StateDone, true},
		{entities.StateFailed, ConversionStarted, entities.StateFailed, true},
		{entities.StateFailed, ArchiveStarted, entities.StateFailed, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.event), func(t *testing.T) {
			got, err := Next(tt.from, tt.event)
			if tt.illegal {
				require.Error(t, err)
				assert.True(t, errors.Is(err, entities.ErrIllegalTransition))
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApplyIsAllOrNothing(t *testing.T) {
	got, err := Apply(entities.StateCreated, ConversionStarted, AllConverted)
	require.NoError(t, err)
	assert.Equal(t, entities.StateZipping, got)

	got, err = Apply(entities.StateCreated, ConversionStarted, ArchiveStored)
	require.ErrorIs(t, err, entities.ErrIllegalTransition)
	assert.Equal(t, entities.StateCreated, got)
}

func TestAcceptsIncrements(t *testing.T) {
	assert.True(t, AcceptsIncrements(entities.StateCreated))
	assert.True(t, AcceptsIncrements(entities.StateConverting))
	assert.True(t, AcceptsIncrements(entities.StateZipping))
	assert.False(t, AcceptsIncrements(entities.StateDone))
	assert.False(t, AcceptsIncrements(entities.StateFailed))
}
