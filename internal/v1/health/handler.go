// Package health exposes the HTTP operations surface: liveness and
// readiness probes, a service summary, and the room directory.
package health

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/castwire/streamhub/internal/v1/logging"
	"github.com/castwire/streamhub/internal/v1/room"
	"github.com/castwire/streamhub/internal/v1/signaling"
	"github.com/castwire/streamhub/internal/v1/store"
	"github.com/castwire/streamhub/internal/v1/types"
	"github.com/castwire/streamhub/pkg/sfu"
)

const readinessTimeout = 3 * time.Second

// Handler serves the operational endpoints. The store and SFU client are
// both optional; absent dependencies report "disabled" in readiness checks.
type Handler struct {
	serverID  string
	manager   *room.Manager
	store     *store.Service
	sfu       *sfu.Client
	startedAt time.Time
}

func NewHandler(serverID string, mgr *room.Manager, st *store.Service, sfuClient *sfu.Client) *Handler {
	return &Handler{
		serverID:  serverID,
		manager:   mgr,
		store:     st,
		sfu:       sfuClient,
		startedAt: time.Now(),
	}
}

// HealthResponse is the service summary returned by GET /api/health.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
	Rooms     int    `json:"rooms"`
	Users     int    `json:"users"`
	UptimeSec int64  `json:"uptime"`
	ServerID  string `json:"serverId"`
}

// Health handles GET /api/health.
func (h *Handler) Health(c *gin.Context) {
	rooms, users := h.manager.Counts()
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UnixMilli(),
		Rooms:     rooms,
		Users:     users,
		UptimeSec: int64(time.Since(h.startedAt).Seconds()),
		ServerID:  h.serverID,
	})
}

// Liveness handles GET /api/health/live. It always succeeds; a hung process
// simply stops answering.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// ReadinessResponse is the dependency check map for GET /api/health/ready.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Readiness handles GET /api/health/ready: 200 when every wired dependency
// answers within the timeout, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
	defer cancel()

	checks := map[string]string{
		"store": h.checkStore(ctx),
		"sfu":   h.checkSFU(ctx),
	}

	status, code := "ready", http.StatusOK
	for _, v := range checks {
		if v == "unhealthy" {
			status, code = "unavailable", http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(code, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkStore(ctx context.Context) string {
	if !h.store.Enabled() {
		return "disabled"
	}
	if err := h.store.Ping(ctx); err != nil {
		logging.Error(ctx, "store readiness check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

func (h *Handler) checkSFU(ctx context.Context) string {
	if h.sfu == nil {
		return "disabled"
	}
	if err := h.sfu.HealthCheck(ctx); err != nil {
		logging.Error(ctx, "sfu readiness check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

// RoomSummary is one row of the public room directory.
type RoomSummary struct {
	RoomID       string `json:"roomId"`
	ViewerCount  int    `json:"viewerCount"`
	PendingCount int    `json:"pendingCount"`
	HasStreamer  bool   `json:"hasStreamer"`
	StartedAt    int64  `json:"startedAt,omitempty"`
	ServerID     string `json:"serverId,omitempty"`
}

// Rooms handles GET /api/rooms: every non-private room this instance owns,
// merged with best-effort snapshots of rooms on other instances. The merge
// is served from the cached directory; room lifecycle and membership
// events invalidate it.
func (h *Handler) Rooms(c *gin.Context) {
	snaps := h.manager.Directory(c.Request.Context())

	out := make([]RoomSummary, 0, len(snaps))
	for _, snap := range snaps {
		if snap.Settings.IsPrivate {
			continue
		}
		out = append(out, summarize(snap))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })

	c.JSON(http.StatusOK, gin.H{"rooms": out, "count": len(out)})
}

func summarize(snap types.RoomSnapshot) RoomSummary {
	return RoomSummary{
		RoomID:       string(snap.RoomID),
		ViewerCount:  snap.ViewerCount,
		PendingCount: snap.PendingCount,
		HasStreamer:  snap.HasStreamer,
		StartedAt:    snap.Stats.StartedAt,
		ServerID:     snap.ServerID,
	}
}

// RoomDetail is the response for GET /api/rooms/:roomId.
type RoomDetail struct {
	RoomID      string              `json:"roomId"`
	ViewerCount int                 `json:"viewerCount"`
	Usernames   []string            `json:"usernames"`
	Messages    []types.ChatMessage `json:"messages"`
}

// roomDetailChatWindow bounds how much history a detail read returns.
const roomDetailChatWindow = 25

// Room handles GET /api/rooms/:roomId: one room's membership and recent
// chat, read through the per-room cache keys.
func (h *Handler) Room(c *gin.Context) {
	roomID := types.RoomIDType(c.Param("roomId"))
	if err := types.ValidateRoomID(roomID); err != nil {
		c.JSON(http.StatusBadRequest, signaling.NewError(signaling.CodeInvalidRoomID, err.Error()))
		return
	}

	ctx := c.Request.Context()
	count, ok := h.manager.ViewerCount(ctx, roomID)
	if !ok {
		c.JSON(http.StatusNotFound, signaling.RoomNotFound(string(roomID)))
		return
	}
	names, _ := h.manager.Roster(ctx, roomID)
	msgs := h.manager.RecentMessages(ctx, roomID, roomDetailChatWindow)
	if msgs == nil {
		msgs = []types.ChatMessage{}
	}

	c.JSON(http.StatusOK, RoomDetail{
		RoomID:      string(roomID),
		ViewerCount: count,
		Usernames:   names,
		Messages:    msgs,
	})
}

// RtpCapabilities handles GET /rooms/:roomId/rtp-capabilities, a
// pass-through to the SFU. With no SFU wired the route reports UNAVAILABLE.
func (h *Handler) RtpCapabilities(c *gin.Context) {
	if h.sfu == nil {
		c.JSON(http.StatusServiceUnavailable, signaling.NewError(signaling.CodeUnavailable, "sfu disabled"))
		return
	}

	roomID := types.RoomIDType(c.Param("roomId"))
	if err := types.ValidateRoomID(roomID); err != nil {
		c.JSON(http.StatusBadRequest, signaling.NewError(signaling.CodeInvalidRoomID, err.Error()))
		return
	}

	raw, err := h.sfu.RtpCapabilities(c.Request.Context(), string(roomID))
	if err != nil {
		logging.Error(c.Request.Context(), "rtp capabilities fetch failed", zap.String("roomId", string(roomID)), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, signaling.NewError(signaling.CodeUnavailable, "sfu unavailable"))
		return
	}
	c.Data(http.StatusOK, "application/json", raw)
}
