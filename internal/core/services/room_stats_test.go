package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/infrastructure/registry/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticPresence struct {
	snapshot  map[domain.RoomID][]domain.Participant
	err       error
	snapshots int
}

func (p *staticPresence) Publish(context.Context, domain.RoomID, []domain.Participant) error {
	return nil
}
func (p *staticPresence) Remove(context.Context, domain.RoomID) error { return nil }
func (p *staticPresence) Snapshot(context.Context) (map[domain.RoomID][]domain.Participant, error) {
	p.snapshots++
	return p.snapshot, p.err
}

func seedRegistry(t *testing.T) *memory.RoomRegistry {
	t.Helper()
	ctx := context.Background()
	r := memory.NewRoomRegistry()
	for room, ids := range map[domain.RoomID][]string{
		"standup": {"alice", "bob"},
		"design":  {"carol"},
	} {
		for _, id := range ids {
			_, err := r.Join(ctx, room, domain.Participant{
				ID: domain.ParticipantID(id), Name: id, JoinedAt: time.Now(),
			})
			require.NoError(t, err)
		}
	}
	return r
}

func TestLocalListsRoomsSorted(t *testing.T) {
	s := NewRoomStatsService(seedRegistry(t), nil, zap.NewNop().Sugar())

	stats, err := s.Local(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, domain.RoomID("design"), stats[0].RoomID)
	assert.Equal(t, domain.RoomID("standup"), stats[1].RoomID)
	assert.Len(t, stats[1].Members, 2)
}

func TestRoomNotFound(t *testing.T) {
	s := NewRoomStatsService(memory.NewRoomRegistry(), nil, zap.NewNop().Sugar())

	_, err := s.Room(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestRoomReturnsMembers(t *testing.T) {
	s := NewRoomStatsService(seedRegistry(t), nil, zap.NewNop().Sugar())

	stat, err := s.Room(context.Background(), "standup")
	require.NoError(t, err)
	require.Len(t, stat.Members, 2)
	assert.Equal(t, domain.ParticipantID("alice"), stat.Members[0].ID)
}

func TestClusterRequiresPresence(t *testing.T) {
	s := NewRoomStatsService(memory.NewRoomRegistry(), nil, zap.NewNop().Sugar())
	assert.False(t, s.ClusterEnabled())

	presence := &staticPresence{snapshot: map[domain.RoomID][]domain.Participant{
		"standup": {{ID: "alice"}},
		"design":  {{ID: "carol"}},
	}}
	s = NewRoomStatsService(memory.NewRoomRegistry(), presence, zap.NewNop().Sugar())
	assert.True(t, s.ClusterEnabled())

	stats, err := s.Cluster(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, domain.RoomID("design"), stats[0].RoomID)
}

func TestClusterServedFromCacheBetweenPolls(t *testing.T) {
	presence := &staticPresence{snapshot: map[domain.RoomID][]domain.Participant{
		"standup": {{ID: "alice"}},
	}}
	s := NewRoomStatsService(memory.NewRoomRegistry(), presence, zap.NewNop().Sugar())

	for i := 0; i < 3; i++ {
		stats, err := s.Cluster(context.Background())
		require.NoError(t, err)
		require.Len(t, stats, 1)
	}
	assert.Equal(t, 1, presence.snapshots)
}

func TestClusterPropagatesDirectoryErrors(t *testing.T) {
	boom := errors.New("redis down")
	s := NewRoomStatsService(memory.NewRoomRegistry(), &staticPresence{err: boom}, zap.NewNop().Sugar())

	_, err := s.Cluster(context.Background())
	assert.ErrorIs(t, err, boom)
}
