package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/nekozawa/commchat/server/cache"
	"github.com/nekozawa/commchat/server/config"
	"github.com/nekozawa/commchat/server/imagesink"
	"github.com/nekozawa/commchat/server/model"
	"github.com/nekozawa/commchat/server/social"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MaxImageBytes caps attachment size at 10 MiB.
const MaxImageBytes = 10 << 20

// RecentKey is the cache list holding the latest community messages.
const RecentKey = "chat:community:recent"

// RecentCap bounds the cached community history.
const RecentCap = 200

var (
	ErrEmptyMessage  = errors.New("chat: message needs text or an image")
	ErrBadImageType  = errors.New("chat: unsupported image type")
	ErrImageTooLarge = errors.New("chat: image exceeds size limit")
	ErrReplyNotFound = errors.New("chat: replied-to message not found")
	ErrNotFound      = errors.New("chat: message not found")
	ErrForbidden     = errors.New("chat: not the author")
	ErrNotFriends    = errors.New("chat: users are not friends")
)

// ImageUpload describes an incoming attachment.
type ImageUpload struct {
	Reader io.Reader
	Mime   string
	Size   int64
}

// Page is one page of community or private history.
type Page struct {
	Messages any   `json:"messages"`
	Page     int   `json:"page"`
	Limit    int   `json:"limit"`
	Total    int64 `json:"total"`
	HasPrev  bool  `json:"hasPrev"`
	HasNext  bool  `json:"hasNext"`
}

// Service owns message persistence for both the community room and private
// conversations. Fan-out to live connections happens at the gateway after the
// write succeeds.
type Service struct {
	db     *gorm.DB
	cache  cache.Cache
	sink   imagesink.Sink
	social *social.Service
	cfg    config.ChatConfig
	logger *zap.Logger
}

// New creates a message Service.
func New(db *gorm.DB, c cache.Cache, sink imagesink.Sink, soc *social.Service, cfg config.ChatConfig, logger *zap.Logger) *Service {
	if cfg.PageLimitDefault <= 0 {
		cfg.PageLimitDefault = 50
	}
	if cfg.PageLimitMax <= 0 {
		cfg.PageLimitMax = 200
	}
	if cfg.SinceLimit <= 0 {
		cfg.SinceLimit = 100
	}
	return &Service{db: db, cache: c, sink: sink, social: soc, cfg: cfg, logger: logger}
}

func (s *Service) validateImage(img *ImageUpload) error {
	if img == nil {
		return nil
	}
	if _, ok := imagesink.AllowedTypes[img.Mime]; !ok {
		return ErrBadImageType
	}
	if img.Size > MaxImageBytes {
		return ErrImageTooLarge
	}
	return nil
}

// PostCommunity validates, uploads the optional image, and persists a
// community message.
func (s *Service) PostCommunity(ctx context.Context, userID, username, text string, img *ImageUpload, replyTo string) (*model.CommunityMessage, error) {
	if text == "" && img == nil {
		return nil, ErrEmptyMessage
	}
	if err := s.validateImage(img); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)

	var replyPtr *string
	if replyTo != "" {
		var count int64
		if err := db.Model(&model.CommunityMessage{}).Where("id = ?", replyTo).Count(&count).Error; err != nil {
			return nil, err
		}
		if count == 0 {
			return nil, ErrReplyNotFound
		}
		replyPtr = &replyTo
	}

	var imageURL string
	if img != nil {
		url, err := s.sink.Upload(ctx, io.LimitReader(img.Reader, MaxImageBytes), img.Mime)
		if err != nil {
			return nil, err
		}
		imageURL = url
	}

	msg := &model.CommunityMessage{
		ID:       uuid.NewString(),
		UserID:   userID,
		Username: username,
		Text:     text,
		ImageURL: imageURL,
		ReplyTo:  replyPtr,
		// Millisecond resolution keeps since-queries exact.
		CreatedAt: time.Now().Truncate(time.Millisecond),
	}
	if err := db.Create(msg).Error; err != nil {
		return nil, err
	}
	s.pushRecent(ctx, msg)
	return msg, nil
}

// pushRecent prepends the message to the cached history list and trims it.
// Cache failures are logged, never surfaced.
func (s *Service) pushRecent(ctx context.Context, msg *model.CommunityMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := s.cache.LPush(ctx, RecentKey, string(data)); err != nil {
		s.logger.Warn("recent history push failed", zap.Error(err))
		return
	}
	if err := s.cache.LTrim(ctx, RecentKey, 0, RecentCap-1); err != nil {
		s.logger.Warn("recent history trim failed", zap.Error(err))
	}
}

// Recent returns up to n cached community messages, oldest first, falling
// back to the database when the cache is empty.
func (s *Service) Recent(ctx context.Context, n int) ([]model.CommunityMessage, error) {
	if n <= 0 {
		n = s.cfg.HistoryReplay
	}
	if n <= 0 {
		n = s.cfg.PageLimitDefault
	}
	raw, err := s.cache.LRange(ctx, RecentKey, 0, int64(n)-1)
	if err == nil && len(raw) > 0 {
		out := make([]model.CommunityMessage, 0, len(raw))
		// Cache order is newest first.
		for i := len(raw) - 1; i >= 0; i-- {
			var m model.CommunityMessage
			if json.Unmarshal([]byte(raw[i]), &m) == nil {
				out = append(out, m)
			}
		}
		return out, nil
	}

	var msgs []model.CommunityMessage
	if err := s.db.WithContext(ctx).
		Order("created_at DESC, id DESC").
		Limit(n).
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	// Reverse into chronological order and warm the cache.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	for i := range msgs {
		s.pushRecent(ctx, &msgs[i])
	}
	return msgs, nil
}

func (s *Service) clampLimit(limit int) int {
	if limit <= 0 {
		return s.cfg.PageLimitDefault
	}
	if limit > s.cfg.PageLimitMax {
		return s.cfg.PageLimitMax
	}
	return limit
}

// ListCommunity returns one page of community history in chronological
// order, so page 1 holds the oldest messages.
func (s *Service) ListCommunity(ctx context.Context, page, limit int) (*Page, error) {
	limit = s.clampLimit(limit)
	if page <= 0 {
		page = 1
	}
	db := s.db.WithContext(ctx)

	var total int64
	if err := db.Model(&model.CommunityMessage{}).Count(&total).Error; err != nil {
		return nil, err
	}
	var msgs []model.CommunityMessage
	if err := db.Order("created_at ASC, id ASC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return &Page{
		Messages: msgs,
		Page:     page,
		Limit:    limit,
		Total:    total,
		HasPrev:  page > 1,
		HasNext:  int64(page*limit) < total,
	}, nil
}

// ListCommunitySince returns messages created strictly after the given unix
// millisecond timestamp, oldest first, capped at the since limit.
func (s *Service) ListCommunitySince(ctx context.Context, sinceMillis int64) ([]model.CommunityMessage, error) {
	var msgs []model.CommunityMessage
	err := s.db.WithContext(ctx).
		Where("created_at > ?", time.UnixMilli(sinceMillis)).
		Order("created_at ASC, id ASC").
		Limit(s.cfg.SinceLimit).
		Find(&msgs).Error
	return msgs, err
}

// DeleteCommunity removes a message. Only the author may delete; the attached
// image is removed best effort.
func (s *Service) DeleteCommunity(ctx context.Context, messageID, actorID string) (*model.CommunityMessage, error) {
	db := s.db.WithContext(ctx)

	var msg model.CommunityMessage
	if err := db.First(&msg, "id = ?", messageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if msg.UserID != actorID {
		return nil, ErrForbidden
	}
	if err := db.Delete(&model.CommunityMessage{}, "id = ?", messageID).Error; err != nil {
		return nil, err
	}
	if msg.ImageURL != "" {
		if err := s.sink.Delete(ctx, msg.ImageURL); err != nil {
			s.logger.Warn("image delete failed",
				zap.String("message_id", messageID), zap.Error(err))
		}
	}
	s.dropRecent(ctx, messageID)
	return &msg, nil
}

// dropRecent rebuilds the cached history list without the deleted message.
func (s *Service) dropRecent(ctx context.Context, messageID string) {
	raw, err := s.cache.LRange(ctx, RecentKey, 0, RecentCap-1)
	if err != nil || len(raw) == 0 {
		return
	}
	kept := make([]string, 0, len(raw))
	changed := false
	for _, item := range raw {
		var m model.CommunityMessage
		if json.Unmarshal([]byte(item), &m) == nil && m.ID == messageID {
			changed = true
			continue
		}
		kept = append(kept, item)
	}
	if !changed {
		return
	}
	if err := s.cache.Del(ctx, RecentKey); err != nil {
		return
	}
	// LPush prepends, so feed oldest first to restore newest-first order.
	for i := len(kept) - 1; i >= 0; i-- {
		if err := s.cache.LPush(ctx, RecentKey, kept[i]); err != nil {
			return
		}
	}
}

// PostPrivate validates friendship and persists a private message in the
// pending delivery state.
func (s *Service) PostPrivate(ctx context.Context, senderID, recipientID, text string, img *ImageUpload) (*model.PrivateMessage, error) {
	if text == "" && img == nil {
		return nil, ErrEmptyMessage
	}
	if err := s.validateImage(img); err != nil {
		return nil, err
	}
	friends, err := s.social.AreFriends(ctx, senderID, recipientID)
	if err != nil {
		return nil, err
	}
	if !friends {
		return nil, ErrNotFriends
	}

	var imageURL string
	if img != nil {
		url, err := s.sink.Upload(ctx, io.LimitReader(img.Reader, MaxImageBytes), img.Mime)
		if err != nil {
			return nil, err
		}
		imageURL = url
	}

	msg := &model.PrivateMessage{
		ID:          uuid.NewString(),
		SenderID:    senderID,
		RecipientID: recipientID,
		Text:        text,
		ImageURL:    imageURL,
		Delivered:   model.DeliveryPending,
		CreatedAt:   time.Now().Truncate(time.Millisecond),
	}
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, err
	}
	return msg, nil
}

// ListPrivate returns one page of the conversation between userID and
// otherID in chronological order. userID must be a participant, which the
// gateway guarantees by taking it from the session.
func (s *Service) ListPrivate(ctx context.Context, userID, otherID string, page, limit int) (*Page, error) {
	limit = s.clampLimit(limit)
	if page <= 0 {
		page = 1
	}
	db := s.db.WithContext(ctx)
	pair := db.Model(&model.PrivateMessage{}).
		Where("(sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)",
			userID, otherID, otherID, userID)

	var total int64
	if err := pair.Count(&total).Error; err != nil {
		return nil, err
	}
	var msgs []model.PrivateMessage
	if err := db.
		Where("(sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)",
			userID, otherID, otherID, userID).
		Order("created_at ASC, id ASC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return &Page{
		Messages: msgs,
		Page:     page,
		Limit:    limit,
		Total:    total,
		HasPrev:  page > 1,
		HasNext:  int64(page*limit) < total,
	}, nil
}

// GetPrivate loads a private message. userID must be a participant.
func (s *Service) GetPrivate(ctx context.Context, messageID, userID string) (*model.PrivateMessage, error) {
	var msg model.PrivateMessage
	err := s.db.WithContext(ctx).
		First(&msg, "id = ? AND (sender_id = ? OR recipient_id = ?)", messageID, userID, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// MarkDelivered flips a private message to delivered. Only the recipient's
// delivery counts; marking twice is harmless.
func (s *Service) MarkDelivered(ctx context.Context, messageID, recipientID string) (*model.PrivateMessage, error) {
	db := s.db.WithContext(ctx)

	var msg model.PrivateMessage
	if err := db.First(&msg, "id = ? AND recipient_id = ?", messageID, recipientID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if msg.Delivered == model.DeliveryDelivered {
		return &msg, nil
	}
	if err := db.Model(&model.PrivateMessage{}).
		Where("id = ?", messageID).
		Update("delivered", model.DeliveryDelivered).Error; err != nil {
		return nil, err
	}
	msg.Delivered = model.DeliveryDelivered
	return &msg, nil
}
