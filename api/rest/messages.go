package rest

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nekozawa/commchat/server/audit"
	"github.com/nekozawa/commchat/server/chat"
	"github.com/nekozawa/commchat/server/live"
	mw "github.com/nekozawa/commchat/server/middleware"
	"github.com/nekozawa/commchat/server/model"
)

// MessagesHandler handles the community and private message REST endpoints.
// Fan-out over the live channel happens here, after the durable write.
type MessagesHandler struct {
	chat    *chat.Service
	hub     *live.Hub
	audit   *audit.Service
	respond *Responder
}

// NewMessagesHandler creates a new MessagesHandler.
func NewMessagesHandler(chatSvc *chat.Service, hub *live.Hub, aud *audit.Service, respond *Responder) *MessagesHandler {
	return &MessagesHandler{chat: chatSvc, hub: hub, audit: aud, respond: respond}
}

func (h *MessagesHandler) log(c *gin.Context, action string, request, response interface{}, err error) {
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

// imageFromForm extracts the optional multipart image field. The caller owns
// closing the returned reader via the cleanup func.
func imageFromForm(c *gin.Context) (*chat.ImageUpload, func(), error) {
	fh, err := c.FormFile("image")
	if err != nil {
		if err == http.ErrMissingFile {
			return nil, func() {}, nil
		}
		return nil, nil, err
	}
	f, err := fh.Open()
	if err != nil {
		return nil, nil, err
	}
	return &chat.ImageUpload{
		Reader: f,
		Mime:   fh.Header.Get("Content-Type"),
		Size:   fh.Size,
	}, func() { _ = f.Close() }, nil
}

// PostCommunity handles POST /api/messages/community (multipart).
func (h *MessagesHandler) PostCommunity(c *gin.Context) {
	if !mw.SameUser(c, c.PostForm("userId")) {
		h.respond.Forbidden(c, "userId does not match the session")
		return
	}
	img, cleanup, err := imageFromForm(c)
	if err != nil {
		h.respond.BadRequest(c, "invalid image upload", err)
		return
	}
	defer cleanup()

	text := c.PostForm("text")
	replyTo := c.PostForm("replyTo")
	msg, err := h.chat.PostCommunity(c.Request.Context(),
		mw.GetUserID(c), mw.GetUserName(c), text, img, replyTo)
	h.log(c, "message.community.post", gin.H{"text": text, "replyTo": replyTo}, msg, err)
	if err != nil {
		h.respond.Fail(c, err)
		return
	}

	// Persistence strictly precedes fan-out, and the sender's own copy comes
	// from this response only.
	h.hub.BroadcastCommunity(live.NewPacket("newCommunityMessage", msg), msg.UserID)

	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// ListCommunity handles GET /api/messages/community?page=&limit=.
func (h *MessagesHandler) ListCommunity(c *gin.Context) {
	page, err := intQuery(c, "page", 1)
	if err != nil {
		h.respond.BadRequest(c, "invalid page", err)
		return
	}
	limit, err := intQuery(c, "limit", 0)
	if err != nil {
		h.respond.BadRequest(c, "invalid limit", err)
		return
	}
	result, err := h.chat.ListCommunity(c.Request.Context(), page, limit)
	if err != nil {
		h.respond.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ListCommunityRecent handles GET /api/messages/community/recent?since=.
// since is unix milliseconds or an ISO-8601 timestamp.
func (h *MessagesHandler) ListCommunityRecent(c *gin.Context) {
	raw := c.Query("since")
	if raw == "" {
		h.respond.BadRequest(c, "since required", nil)
		return
	}
	var sinceMillis int64
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		sinceMillis = ms
	} else if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		sinceMillis = ts.UnixMilli()
	} else {
		h.respond.BadRequest(c, "invalid since", err)
		return
	}

	msgs, err := h.chat.ListCommunitySince(c.Request.Context(), sinceMillis)
	if err != nil {
		h.respond.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// DeleteCommunity handles DELETE /api/messages/community/:id.
func (h *MessagesHandler) DeleteCommunity(c *gin.Context) {
	var req struct {
		UserID string `json:"userId"`
	}
	// Body is optional; the session identifies the actor either way.
	_ = c.ShouldBindJSON(&req)
	if !mw.SameUser(c, req.UserID) {
		h.respond.Forbidden(c, "userId does not match the session")
		return
	}

	messageID := c.Param("id")
	msg, err := h.chat.DeleteCommunity(c.Request.Context(), messageID, mw.GetUserID(c))
	h.log(c, "message.community.delete", gin.H{"messageId": messageID}, nil, err)
	if err != nil {
		h.respond.Fail(c, err)
		return
	}

	h.hub.BroadcastCommunity(live.NewPacket("messageDeleted", gin.H{
		"messageId": msg.ID,
	}), "")
	c.JSON(http.StatusOK, gin.H{"message": "deleted", "messageId": msg.ID})
}

// PostPrivate handles POST /api/messages/private (multipart). After the write
// the message is pushed to the recipient's live connections; the delivery
// outcome goes back to the sender's connections.
func (h *MessagesHandler) PostPrivate(c *gin.Context) {
	if !mw.SameUser(c, c.PostForm("senderId")) {
		h.respond.Forbidden(c, "senderId does not match the session")
		return
	}
	recipientID := c.PostForm("recipientId")
	if recipientID == "" {
		h.respond.BadRequest(c, "recipientId required", nil)
		return
	}
	img, cleanup, err := imageFromForm(c)
	if err != nil {
		h.respond.BadRequest(c, "invalid image upload", err)
		return
	}
	defer cleanup()

	text := c.PostForm("text")
	msg, err := h.chat.PostPrivate(c.Request.Context(), mw.GetUserID(c), recipientID, text, img)
	h.log(c, "message.private.post", gin.H{"recipientId": recipientID}, msg, err)
	if err != nil {
		h.respond.Fail(c, err)
		return
	}

	h.deliverPrivate(c, msg)
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// deliverPrivate attempts live delivery of a freshly persisted private
// message and reports the outcome to the sender's connections.
func (h *MessagesHandler) deliverPrivate(c *gin.Context, msg *model.PrivateMessage) {
	if h.hub.SendToUser(msg.RecipientID, live.NewPacket("newPrivateMessage", msg)) {
		if _, err := h.chat.MarkDelivered(c.Request.Context(), msg.ID, msg.RecipientID); err == nil {
			msg.Delivered = model.DeliveryDelivered
		}
		h.hub.SendToUser(msg.SenderID, live.NewPacket("messageDelivered", gin.H{
			"messageId":   msg.ID,
			"recipientId": msg.RecipientID,
		}))
		return
	}
	h.hub.SendToUser(msg.SenderID, live.NewPacket("messageNotDelivered", gin.H{
		"messageId":   msg.ID,
		"recipientId": msg.RecipientID,
		"reason":      "offline",
	}))
}

// ListPrivate handles GET /api/messages/private?senderId=&recipientId=.
// The session user must be one of the two participants.
func (h *MessagesHandler) ListPrivate(c *gin.Context) {
	senderID := c.Query("senderId")
	recipientID := c.Query("recipientId")
	if senderID == "" || recipientID == "" {
		h.respond.BadRequest(c, "senderId and recipientId required", nil)
		return
	}
	self := mw.GetUserID(c)
	if self != senderID && self != recipientID {
		h.respond.Forbidden(c, "not a participant of this conversation")
		return
	}
	other := senderID
	if other == self {
		other = recipientID
	}

	page, err := intQuery(c, "page", 1)
	if err != nil {
		h.respond.BadRequest(c, "invalid page", err)
		return
	}
	limit, err := intQuery(c, "limit", 0)
	if err != nil {
		h.respond.BadRequest(c, "invalid limit", err)
		return
	}
	result, err := h.chat.ListPrivate(c.Request.Context(), self, other, page, limit)
	if err != nil {
		h.respond.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func intQuery(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
