package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	roomKeyPrefix = "meshroom:room:"
	roomIndexKey  = "meshroom:rooms"
	// Entries expire on their own so a crashed instance cannot leave
	// phantom rooms behind.
	entryTTL = 30 * time.Second
)

// Config for the Redis presence directory.
type Config struct {
	Address  string
	Password string
	DB       int
	PoolSize int
}

// PresenceDirectory mirrors live room membership into Redis for
// observability across rendezvous instances. It is write-behind and
// best-effort; relaying never waits on it.
type PresenceDirectory struct {
	client *redis.Client
	logger *zap.SugaredLogger
}

func NewPresenceDirectory(cfg Config, logger *zap.SugaredLogger) (*PresenceDirectory, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &PresenceDirectory{client: client, logger: logger}, nil
}

var _ ports.PresenceDirectory = (*PresenceDirectory)(nil)

func (d *PresenceDirectory) Publish(ctx context.Context, room domain.RoomID, members []domain.Participant) error {
	data, err := json.Marshal(members)
	if err != nil {
		return err
	}

	pipe := d.client.TxPipeline()
	pipe.Set(ctx, roomKeyPrefix+string(room), data, entryTTL)
	pipe.SAdd(ctx, roomIndexKey, string(room))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish presence for room %s: %w", room, err)
	}
	return nil
}

func (d *PresenceDirectory) Remove(ctx context.Context, room domain.RoomID) error {
	pipe := d.client.TxPipeline()
	pipe.Del(ctx, roomKeyPrefix+string(room))
	pipe.SRem(ctx, roomIndexKey, string(room))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove presence for room %s: %w", room, err)
	}
	return nil
}

func (d *PresenceDirectory) Snapshot(ctx context.Context) (map[domain.RoomID][]domain.Participant, error) {
	roomIDs, err := d.client.SMembers(ctx, roomIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}

	out := make(map[domain.RoomID][]domain.Participant, len(roomIDs))
	for _, id := range roomIDs {
		data, err := d.client.Get(ctx, roomKeyPrefix+id).Bytes()
		if err == redis.Nil {
			// Expired between SMembers and Get; drop the stale index entry.
			d.client.SRem(ctx, roomIndexKey, id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read room %s: %w", id, err)
		}
		var members []domain.Participant
		if err := json.Unmarshal(data, &members); err != nil {
			d.logger.Warnw("dropping unreadable presence entry", "room_id", id, "error", err)
			continue
		}
		out[domain.RoomID(id)] = members
	}
	return out, nil
}

// Close releases the underlying client.
func (d *PresenceDirectory) Close() error {
	return d.client.Close()
}
