package live

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nekozawa/commchat/server/cache"
	"go.uber.org/zap"
)

// CommunityChannel is the pub/sub channel mirroring community room events for
// out-of-process consumers (the SSE endpoint).
const CommunityChannel = "live:community"

// Hub fans events out to live sessions: the community room and per-user
// private delivery. Community events are mirrored onto the pub/sub channel.
type Hub struct {
	registry *Registry
	pubsub   cache.PubSub
	logger   *zap.Logger
}

// NewHub creates a Hub over the given registry and pub/sub backend.
func NewHub(registry *Registry, pubsub cache.PubSub, logger *zap.Logger) *Hub {
	return &Hub{registry: registry, pubsub: pubsub, logger: logger}
}

// Registry exposes the underlying session registry.
func (h *Hub) Registry() *Registry { return h.registry }

// JoinCommunity adds the session to the community room.
func (h *Hub) JoinCommunity(s *Session) {
	s.SetInCommunity(true)
}

// LeaveCommunity removes the session from the community room.
func (h *Hub) LeaveCommunity(s *Session) {
	s.SetInCommunity(false)
}

// UserInCommunity reports whether any of the user's connections is in the
// community room. Presence announcements key off this, not the single session.
func (h *Hub) UserInCommunity(userID string) bool {
	for _, s := range h.registry.ConnectionsOf(userID) {
		if s.InCommunity() {
			return true
		}
	}
	return false
}

// BroadcastCommunity sends a packet to every session in the community room,
// skipping all of excludeUserID's connections when set, and mirrors the event
// to the pub/sub channel.
func (h *Hub) BroadcastCommunity(pkt *Packet, excludeUserID string) {
	data, err := json.Marshal(pkt)
	if err != nil {
		h.logger.Error("failed to marshal broadcast packet", zap.Error(err))
		return
	}
	for _, s := range h.registry.All() {
		if !s.InCommunity() {
			continue
		}
		if excludeUserID != "" && s.UserID == excludeUserID {
			continue
		}
		s.SendRaw(data)
	}
	h.publish(data)
}

// publish mirrors a community event to pub/sub, best effort.
func (h *Hub) publish(data []byte) {
	if h.pubsub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.pubsub.Publish(ctx, CommunityChannel, string(data)); err != nil {
		h.logger.Warn("community publish failed", zap.Error(err))
	}
}

// SendToUser delivers a packet to every connection the user holds. Returns
// false when the user is offline.
func (h *Hub) SendToUser(userID string, pkt *Packet) bool {
	sessions := h.registry.ConnectionsOf(userID)
	if len(sessions) == 0 {
		return false
	}
	data, err := json.Marshal(pkt)
	if err != nil {
		return false
	}
	for _, s := range sessions {
		s.SendRaw(data)
	}
	return true
}

// OnlineCount returns the number of distinct online users.
func (h *Hub) OnlineCount() int {
	return h.registry.OnlineCount()
}

// AnnouncePresence broadcasts a join or leave event plus the updated online
// user count to the community room.
func (h *Hub) AnnouncePresence(eventType, userID, username string) {
	type presencePayload struct {
		UserID   string `json:"userId"`
		Username string `json:"username"`
	}
	h.BroadcastCommunity(NewPacket(eventType, presencePayload{
		UserID:   userID,
		Username: username,
	}), "")

	type countPayload struct {
		Count int `json:"count"`
	}
	h.BroadcastCommunity(NewPacket("onlineUsersCount", countPayload{
		Count: h.registry.OnlineCount(),
	}), "")
}
