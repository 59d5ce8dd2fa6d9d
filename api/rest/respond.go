package rest

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nekozawa/commchat/server/chat"
	"github.com/nekozawa/commchat/server/social"
	"go.uber.org/zap"
)

// Responder shapes error responses. In development the underlying error
// message is exposed in an extra "error" field; in production it is elided.
type Responder struct {
	dev    bool
	logger *zap.Logger
}

// NewResponder creates a Responder.
func NewResponder(dev bool, logger *zap.Logger) *Responder {
	return &Responder{dev: dev, logger: logger}
}

// statusFor maps service failures onto the gateway's status codes:
// 400 validation, 403 authorization, 404 not-found, 500 internal.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, social.ErrSelfTarget):
		return http.StatusBadRequest, "cannot target yourself"
	case errors.Is(err, social.ErrAlreadyRequested):
		return http.StatusBadRequest, "friend request already sent"
	case errors.Is(err, social.ErrAlreadyFriends):
		return http.StatusBadRequest, "already friends"
	case errors.Is(err, social.ErrBlocked):
		return http.StatusForbidden, "blocked"
	case errors.Is(err, social.ErrUnknownUser):
		return http.StatusNotFound, "user not found"
	case errors.Is(err, social.ErrNotFound):
		return http.StatusNotFound, "request not found"
	case errors.Is(err, chat.ErrEmptyMessage):
		return http.StatusBadRequest, "message needs text or an image"
	case errors.Is(err, chat.ErrBadImageType):
		return http.StatusBadRequest, "unsupported image type"
	case errors.Is(err, chat.ErrImageTooLarge):
		return http.StatusBadRequest, "image exceeds the 10 MiB limit"
	case errors.Is(err, chat.ErrReplyNotFound):
		return http.StatusBadRequest, "replied-to message not found"
	case errors.Is(err, chat.ErrNotFriends):
		return http.StatusForbidden, "users are not friends"
	case errors.Is(err, chat.ErrForbidden):
		return http.StatusForbidden, "not the author"
	case errors.Is(err, chat.ErrNotFound):
		return http.StatusNotFound, "message not found"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// Fail writes the error response for a service failure.
func (r *Responder) Fail(c *gin.Context, err error) {
	status, message := statusFor(err)
	if status == http.StatusInternalServerError {
		r.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	body := gin.H{"message": message}
	if r.dev {
		body["error"] = err.Error()
	}
	c.JSON(status, body)
}

// BadRequest writes a 400 with a fixed message.
func (r *Responder) BadRequest(c *gin.Context, message string, err error) {
	body := gin.H{"message": message}
	if r.dev && err != nil {
		body["error"] = err.Error()
	}
	c.JSON(http.StatusBadRequest, body)
}

// Forbidden writes a 403 with a fixed message.
func (r *Responder) Forbidden(c *gin.Context, message string) {
	c.JSON(http.StatusForbidden, gin.H{"message": message})
}
