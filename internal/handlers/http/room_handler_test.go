package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/services"
	"meshroom/internal/infrastructure/middleware"
	"meshroom/internal/infrastructure/monitoring"
	"meshroom/internal/infrastructure/registry/memory"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type staticPresence struct {
	snapshot map[domain.RoomID][]domain.Participant
	err      error
}

func (p *staticPresence) Publish(context.Context, domain.RoomID, []domain.Participant) error {
	return nil
}
func (p *staticPresence) Remove(context.Context, domain.RoomID) error { return nil }
func (p *staticPresence) Snapshot(context.Context) (map[domain.RoomID][]domain.Participant, error) {
	return p.snapshot, p.err
}

func newRoomRouter(t *testing.T, presence *staticPresence) *gin.Engine {
	t.Helper()
	log := zap.NewNop().Sugar()

	registry := memory.NewRoomRegistry()
	_, err := registry.Join(context.Background(), "standup", domain.Participant{
		ID: "alice", Name: "Alice", JoinedAt: time.Now(),
	})
	require.NoError(t, err)

	router := gin.New()
	router.Use(middleware.ErrorHandler(log))

	var stats *services.RoomStatsService
	if presence != nil {
		stats = services.NewRoomStatsService(registry, presence, log)
	} else {
		stats = services.NewRoomStatsService(registry, nil, log)
	}
	NewRoomHandler(stats, log).Register(router)
	return router
}

func get(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestListRooms(t *testing.T) {
	router := newRoomRouter(t, nil)

	w := get(router, "/rooms")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Rooms []services.RoomStat `json:"rooms"`
		Count int                 `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	require.Len(t, body.Rooms, 1)
	assert.Equal(t, domain.RoomID("standup"), body.Rooms[0].RoomID)
}

func TestGetRoom(t *testing.T) {
	router := newRoomRouter(t, nil)

	w := get(router, "/rooms/standup")
	require.Equal(t, http.StatusOK, w.Code)

	var stat services.RoomStat
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stat))
	require.Len(t, stat.Members, 1)
	assert.Equal(t, domain.ParticipantID("alice"), stat.Members[0].ID)
}

func TestGetRoomNotFound(t *testing.T) {
	router := newRoomRouter(t, nil)
	assert.Equal(t, http.StatusNotFound, get(router, "/rooms/missing").Code)
}

func TestClusterRoomsWithoutPresence(t *testing.T) {
	router := newRoomRouter(t, nil)
	assert.Equal(t, http.StatusNotImplemented, get(router, "/cluster/rooms").Code)
}

func TestClusterRooms(t *testing.T) {
	router := newRoomRouter(t, &staticPresence{snapshot: map[domain.RoomID][]domain.Participant{
		"standup": {{ID: "alice"}},
		"design":  {{ID: "carol"}},
	}})

	w := get(router, "/cluster/rooms")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
}

func TestClusterRoomsDirectoryFailure(t *testing.T) {
	router := newRoomRouter(t, &staticPresence{err: errors.New("redis down")})
	assert.Equal(t, http.StatusInternalServerError, get(router, "/cluster/rooms").Code)
}

func TestHealthz(t *testing.T) {
	router := gin.New()
	NewHealthHandler(monitoring.NewHealthChecker()).Register(router)

	assert.Equal(t, http.StatusOK, get(router, "/healthz").Code)
}

func TestReadyzReflectsChecks(t *testing.T) {
	checker := monitoring.NewHealthChecker()
	router := gin.New()
	NewHealthHandler(checker).Register(router)

	assert.Equal(t, http.StatusOK, get(router, "/readyz").Code)

	checker.Register("redis", func(ctx context.Context) (bool, error) {
		return false, errors.New("connection refused")
	}, time.Second)

	w := get(router, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var report monitoring.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.False(t, report.Healthy())
	assert.Contains(t, report.Checks["redis"], "connection refused")
}
