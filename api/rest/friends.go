package rest

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nekozawa/commchat/server/audit"
	mw "github.com/nekozawa/commchat/server/middleware"
	"github.com/nekozawa/commchat/server/model"
	"github.com/nekozawa/commchat/server/social"
)

// FriendsHandler handles the friendship lifecycle REST endpoints.
type FriendsHandler struct {
	social  *social.Service
	audit   *audit.Service
	respond *Responder
}

// NewFriendsHandler creates a new FriendsHandler.
func NewFriendsHandler(soc *social.Service, aud *audit.Service, respond *Responder) *FriendsHandler {
	return &FriendsHandler{social: soc, audit: aud, respond: respond}
}

func (h *FriendsHandler) log(c *gin.Context, action string, request, response interface{}, err error) {
	entry := audit.Entry{
		TraceID:  mw.GetTraceID(c),
		UserID:   mw.GetUserID(c),
		Action:   action,
		Request:  request,
		Response: response,
		IP:       c.ClientIP(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	h.audit.Log(entry)
}

// Send handles POST /api/friends/send.
func (h *FriendsHandler) Send(c *gin.Context) {
	var req struct {
		SenderID   string `json:"senderId"`
		ReceiverID string `json:"receiverId" binding:"required"`
		Message    string `json:"message"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respond.BadRequest(c, "invalid request payload", err)
		return
	}
	if !mw.SameUser(c, req.SenderID) {
		h.respond.Forbidden(c, "senderId does not match the session")
		return
	}

	created, err := h.social.SendRequest(c.Request.Context(), mw.GetUserID(c), req.ReceiverID, req.Message)
	h.log(c, "friend.send", req, created, err)
	if err != nil {
		h.respond.Fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"request": created})
}

// ListIncoming handles GET /api/friends/requests?userId=.
func (h *FriendsHandler) ListIncoming(c *gin.Context) {
	if !mw.SameUser(c, c.Query("userId")) {
		h.respond.Forbidden(c, "userId does not match the session")
		return
	}
	requests, err := h.social.ListIncoming(c.Request.Context(), mw.GetUserID(c))
	if err != nil {
		h.respond.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": requests})
}

// GetByID handles GET /api/friends/getbyid?senderId=&userId=.
// Returns the most recent request between the ordered pair, in any status.
func (h *FriendsHandler) GetByID(c *gin.Context) {
	senderID := c.Query("senderId")
	if senderID == "" {
		h.respond.BadRequest(c, "senderId required", nil)
		return
	}
	if !mw.SameUser(c, c.Query("userId")) {
		h.respond.Forbidden(c, "userId does not match the session")
		return
	}
	req, err := h.social.GetStatus(c.Request.Context(), senderID, mw.GetUserID(c))
	if err != nil {
		h.respond.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": req})
}

// Accept handles PUT /api/friends/accept.
func (h *FriendsHandler) Accept(c *gin.Context) {
	h.resolve(c, "friend.accept", h.social.Accept)
}

// Decline handles PUT /api/friends/decline.
func (h *FriendsHandler) Decline(c *gin.Context) {
	h.resolve(c, "friend.decline", h.social.Decline)
}

func (h *FriendsHandler) resolve(
	c *gin.Context,
	action string,
	fn func(ctx context.Context, requestID, actingUserID string) (*model.FriendRequest, error),
) {
	var req struct {
		RequestID string `json:"requestId" binding:"required"`
		UserID    string `json:"userId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respond.BadRequest(c, "invalid request payload", err)
		return
	}
	if !mw.SameUser(c, req.UserID) {
		h.respond.Forbidden(c, "userId does not match the session")
		return
	}

	resolved, err := fn(c.Request.Context(), req.RequestID, mw.GetUserID(c))
	h.log(c, action, req, resolved, err)
	if err != nil {
		h.respond.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": resolved})
}

// Remove handles POST /api/friends/remove.
func (h *FriendsHandler) Remove(c *gin.Context) {
	var req struct {
		UserID   string `json:"userId"`
		FriendID string `json:"friendId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respond.BadRequest(c, "invalid request payload", err)
		return
	}
	if !mw.SameUser(c, req.UserID) {
		h.respond.Forbidden(c, "userId does not match the session")
		return
	}

	err := h.social.Remove(c.Request.Context(), mw.GetUserID(c), req.FriendID)
	h.log(c, "friend.remove", req, nil, err)
	if err != nil {
		h.respond.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "removed"})
}

// Block handles POST /api/friends/block.
func (h *FriendsHandler) Block(c *gin.Context) {
	var req struct {
		UserID        string `json:"userId"`
		BlockedUserID string `json:"blockedUserId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respond.BadRequest(c, "invalid request payload", err)
		return
	}
	if !mw.SameUser(c, req.UserID) {
		h.respond.Forbidden(c, "userId does not match the session")
		return
	}

	err := h.social.Block(c.Request.Context(), mw.GetUserID(c), req.BlockedUserID)
	h.log(c, "friend.block", req, nil, err)
	if err != nil {
		h.respond.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "blocked"})
}

// ListFriends handles GET /api/friends/list?userId=.
func (h *FriendsHandler) ListFriends(c *gin.Context) {
	if !mw.SameUser(c, c.Query("userId")) {
		h.respond.Forbidden(c, "userId does not match the session")
		return
	}
	friends, err := h.social.Friends(c.Request.Context(), mw.GetUserID(c))
	if err != nil {
		h.respond.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"friends": friends})
}

// ListBlocked handles GET /api/friends/blocked?userId=.
func (h *FriendsHandler) ListBlocked(c *gin.Context) {
	if !mw.SameUser(c, c.Query("userId")) {
		h.respond.Forbidden(c, "userId does not match the session")
		return
	}
	blocked, err := h.social.BlockedUsers(c.Request.Context(), mw.GetUserID(c))
	if err != nil {
		h.respond.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocked": blocked})
}
