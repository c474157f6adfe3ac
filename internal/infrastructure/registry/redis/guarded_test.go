package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/pkg/circuitbreaker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type scriptedDirectory struct {
	err      error
	publishs int
	snapshot map[domain.RoomID][]domain.Participant
}

func (d *scriptedDirectory) Publish(context.Context, domain.RoomID, []domain.Participant) error {
	d.publishs++
	return d.err
}

func (d *scriptedDirectory) Remove(context.Context, domain.RoomID) error {
	return d.err
}

func (d *scriptedDirectory) Snapshot(context.Context) (map[domain.RoomID][]domain.Participant, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.snapshot, nil
}

func tightConfig() circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Cooldown:         time.Hour,
		MaxProbes:        1,
	}
}

func TestGuardedPassesThroughWhenHealthy(t *testing.T) {
	inner := &scriptedDirectory{snapshot: map[domain.RoomID][]domain.Participant{
		"standup": {{ID: "alice"}},
	}}
	dir := NewGuardedDirectory(inner, tightConfig(), zap.NewNop().Sugar())

	require.NoError(t, dir.Publish(context.Background(), "standup", nil))
	require.NoError(t, dir.Remove(context.Background(), "standup"))

	snap, err := dir.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap["standup"], 1)
}

func TestGuardedFailsFastOnceOpen(t *testing.T) {
	inner := &scriptedDirectory{err: errors.New("i/o timeout")}
	dir := NewGuardedDirectory(inner, tightConfig(), zap.NewNop().Sugar())

	assert.Error(t, dir.Publish(context.Background(), "standup", nil))
	assert.Error(t, dir.Publish(context.Background(), "standup", nil))
	require.Equal(t, 2, inner.publishs)

	// The breaker is open now; Redis is no longer consulted.
	err := dir.Publish(context.Background(), "standup", nil)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, 2, inner.publishs)

	_, err = dir.Snapshot(context.Background())
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
}

func TestGuardedPropagatesBackendError(t *testing.T) {
	boom := errors.New("connection refused")
	dir := NewGuardedDirectory(&scriptedDirectory{err: boom}, tightConfig(), zap.NewNop().Sugar())

	assert.ErrorIs(t, dir.Remove(context.Background(), "standup"), boom)
}
