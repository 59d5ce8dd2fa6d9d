package ws

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/nekozawa/commchat/server/live"
	"go.uber.org/zap"
)

// registerHandlers wires every inbound signal into the router.
func (h *Handler) registerHandlers() {
	h.router.On("joinCommunityChat", h.handleJoinCommunity)
	h.router.On("sendCommunityMessage", h.handleSendCommunityDeprecated)
	h.router.On("sendPrivateMessage", h.handleSendPrivate)
	h.router.On("typing", h.handleTyping(true))
	h.router.On("stopTyping", h.handleTyping(false))
	h.router.On("privateTyping", h.handlePrivateTyping(true))
	h.router.On("stopPrivateTyping", h.handlePrivateTyping(false))
	h.router.On("ping", h.handlePing)
}

// handleJoinCommunity enters the room and replays the recent history to the
// joining connection only.
func (h *Handler) handleJoinCommunity(ctx context.Context, s *live.Session, _ json.RawMessage) error {
	// A user is "joined" once any of their connections is in the room, so a
	// second tab never re-announces.
	announce := !h.hub.UserInCommunity(s.UserID)
	h.hub.JoinCommunity(s)

	msgs, err := h.chatSvc.Recent(ctx, h.replay)
	if err != nil {
		h.logger.Warn("history replay failed",
			zap.String("user_id", s.UserID), zap.Error(err))
	} else {
		type historyPayload struct {
			Messages any `json:"messages"`
		}
		s.Send(live.NewPacket("communityHistory", historyPayload{Messages: msgs}))
	}

	if announce {
		h.hub.AnnouncePresence("userJoined", s.UserID, s.Username)
	}
	return nil
}

// handleSendCommunityDeprecated drops the legacy socket-side community post.
// Community messages are created over the REST gateway, which is the single
// fan-out site.
func (h *Handler) handleSendCommunityDeprecated(_ context.Context, s *live.Session, _ json.RawMessage) error {
	h.logger.Info("ignored deprecated sendCommunityMessage",
		zap.String("user_id", s.UserID))
	return nil
}

// handleSendPrivate delivers an already persisted private message to the
// recipient's live connections and reports the outcome to the sender.
func (h *Handler) handleSendPrivate(ctx context.Context, s *live.Session, payload json.RawMessage) error {
	var req struct {
		MessageID   string `json:"messageId"`
		RecipientID string `json:"recipientId"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}
	if req.MessageID == "" {
		return errors.New("messageId required")
	}

	msg, err := h.chatSvc.GetPrivate(ctx, req.MessageID, s.UserID)
	if err != nil {
		return err
	}
	if msg.SenderID != s.UserID {
		return errors.New("not the sender")
	}

	if !h.hub.SendToUser(msg.RecipientID, live.NewPacket("newPrivateMessage", msg)) {
		s.Send(live.NewPacket("messageNotDelivered", map[string]string{
			"messageId":   msg.ID,
			"recipientId": msg.RecipientID,
			"reason":      "offline",
		}))
		return nil
	}

	if _, err := h.chatSvc.MarkDelivered(ctx, msg.ID, msg.RecipientID); err != nil {
		h.logger.Warn("delivery mark failed",
			zap.String("message_id", msg.ID), zap.Error(err))
	}
	s.Send(live.NewPacket("messageDelivered", map[string]string{
		"messageId":   msg.ID,
		"recipientId": msg.RecipientID,
	}))
	return nil
}

type typingPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Typing   bool   `json:"isTyping"`
}

// handleTyping broadcasts a community typing indicator, excluding the typist.
func (h *Handler) handleTyping(typing bool) HandlerFunc {
	return func(_ context.Context, s *live.Session, _ json.RawMessage) error {
		h.hub.BroadcastCommunity(live.NewPacket("userTyping", typingPayload{
			UserID:   s.UserID,
			Username: s.Username,
			Typing:   typing,
		}), s.UserID)
		return nil
	}
}

// handlePrivateTyping forwards a typing indicator to one recipient. Dropped
// silently when the recipient is offline.
func (h *Handler) handlePrivateTyping(typing bool) HandlerFunc {
	return func(_ context.Context, s *live.Session, payload json.RawMessage) error {
		var req struct {
			RecipientID string `json:"recipientId"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return err
		}
		if req.RecipientID == "" {
			return errors.New("recipientId required")
		}
		h.hub.SendToUser(req.RecipientID, live.NewPacket("privateUserTyping", typingPayload{
			UserID:   s.UserID,
			Username: s.Username,
			Typing:   typing,
		}))
		return nil
	}
}

// handlePing answers the client-level heartbeat.
func (h *Handler) handlePing(_ context.Context, s *live.Session, payload json.RawMessage) error {
	var req struct {
		ClientTS int64 `json:"client_ts"`
	}
	_ = json.Unmarshal(payload, &req)
	s.SendHeartbeatPong(req.ClientTS)
	return nil
}
