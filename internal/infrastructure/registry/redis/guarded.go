package redis

import (
	"context"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/ports"
	"meshroom/pkg/circuitbreaker"

	"go.uber.org/zap"
)

// GuardedDirectory wraps a presence directory in a circuit breaker.
// Presence is best-effort; once Redis misbehaves, membership changes
// should fail fast instead of each waiting out its own timeout.
type GuardedDirectory struct {
	inner   ports.PresenceDirectory
	breaker *circuitbreaker.Breaker
}

func NewGuardedDirectory(inner ports.PresenceDirectory, cfg circuitbreaker.Config, logger *zap.SugaredLogger) *GuardedDirectory {
	b := circuitbreaker.New(cfg)
	b.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("presence directory breaker transition", "from", from.String(), "to", to.String())
	})
	return &GuardedDirectory{inner: inner, breaker: b}
}

var _ ports.PresenceDirectory = (*GuardedDirectory)(nil)

func (g *GuardedDirectory) Publish(ctx context.Context, room domain.RoomID, members []domain.Participant) error {
	return g.breaker.Do(func() error {
		return g.inner.Publish(ctx, room, members)
	})
}

func (g *GuardedDirectory) Remove(ctx context.Context, room domain.RoomID) error {
	return g.breaker.Do(func() error {
		return g.inner.Remove(ctx, room)
	})
}

func (g *GuardedDirectory) Snapshot(ctx context.Context) (map[domain.RoomID][]domain.Participant, error) {
	var out map[domain.RoomID][]domain.Participant
	err := g.breaker.Do(func() error {
		var err error
		out, err = g.inner.Snapshot(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
