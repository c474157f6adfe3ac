package services

import (
	"context"
	"sort"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	"meshroom/pkg/cache"

	"go.uber.org/zap"
)

// Cluster listings fan out one directory read per room, so they are
// served from a short cache rather than hitting Redis on every poll.
const clusterCacheTTL = 2 * time.Second

// RoomStat summarises one room for the operator API.
type RoomStat struct {
	RoomID  domain.RoomID        `json:"roomId"`
	Members []domain.Participant `json:"members"`
}

// RoomStatsService reads room state for the REST surface. Local stats
// come from the in-process registry; cluster stats from the presence
// directory when one is configured.
type RoomStatsService struct {
	registry ports.RoomRegistry
	presence ports.PresenceDirectory
	cluster  *cache.Cache[[]RoomStat]
	logger   *zap.SugaredLogger
}

func NewRoomStatsService(registry ports.RoomRegistry, presence ports.PresenceDirectory, logger *zap.SugaredLogger) *RoomStatsService {
	return &RoomStatsService{
		registry: registry,
		presence: presence,
		cluster:  cache.New[[]RoomStat](clusterCacheTTL),
		logger:   logger,
	}
}

// Local lists this instance's rooms with their members.
func (s *RoomStatsService) Local(ctx context.Context) ([]RoomStat, error) {
	rooms, err := s.registry.Rooms(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]RoomStat, 0, len(rooms))
	for _, id := range rooms {
		members, err := s.registry.Members(ctx, id)
		if err != nil {
			// The room may have emptied between the two reads.
			continue
		}
		out = append(out, RoomStat{RoomID: id, Members: members})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out, nil
}

// Room returns one room's members.
func (s *RoomStatsService) Room(ctx context.Context, id domain.RoomID) (RoomStat, error) {
	members, err := s.registry.Members(ctx, id)
	if err != nil {
		return RoomStat{}, err
	}
	return RoomStat{RoomID: id, Members: members}, nil
}

// ClusterEnabled reports whether cross-instance stats are available.
func (s *RoomStatsService) ClusterEnabled() bool {
	return s.presence != nil
}

// Cluster lists rooms across all instances publishing to the
// directory. Results may lag the directory by up to clusterCacheTTL.
func (s *RoomStatsService) Cluster(ctx context.Context) ([]RoomStat, error) {
	return s.cluster.GetOrFill(ctx, "rooms", func(ctx context.Context) ([]RoomStat, error) {
		snapshot, err := s.presence.Snapshot(ctx)
		if err != nil {
			return nil, err
		}

		out := make([]RoomStat, 0, len(snapshot))
		for id, members := range snapshot {
			out = append(out, RoomStat{RoomID: id, Members: members})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
		return out, nil
	})
}
