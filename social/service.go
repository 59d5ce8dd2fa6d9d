package social

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nekozawa/commchat/server/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Typed failures of the friendship state machine. The gateway maps these to
// HTTP status codes.
var (
	ErrSelfTarget       = errors.New("social: cannot target yourself")
	ErrUnknownUser      = errors.New("social: user not found")
	ErrAlreadyRequested = errors.New("social: friend request already sent")
	ErrAlreadyFriends   = errors.New("social: already friends")
	ErrBlocked          = errors.New("social: blocked")
	ErrNotFound         = errors.New("social: request not found or already processed")
)

// Service owns the friendship lifecycle: requests, links, blocks.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New creates a friendship Service.
func New(db *gorm.DB, logger *zap.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// IncomingRequest is a pending request enriched with the sender's profile.
type IncomingRequest struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Email      string    `json:"email"`
	Message    string    `json:"message"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
}

// SendRequest creates a pending friend request from sender to receiver.
func (s *Service) SendRequest(ctx context.Context, senderID, receiverID, message string) (*model.FriendRequest, error) {
	if senderID == receiverID {
		return nil, ErrSelfTarget
	}
	db := s.db.WithContext(ctx)

	var count int64
	if err := db.Model(&model.User{}).Where("id IN ?", []string{senderID, receiverID}).Count(&count).Error; err != nil {
		return nil, err
	}
	if count != 2 {
		return nil, ErrUnknownUser
	}

	// Block in either direction forbids a request.
	if err := db.Model(&model.BlockLink{}).
		Where("(user_id = ? AND blocked_id = ?) OR (user_id = ? AND blocked_id = ?)",
			senderID, receiverID, receiverID, senderID).
		Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrBlocked
	}

	if err := db.Model(&model.FriendLink{}).
		Where("user_id = ? AND friend_id = ?", senderID, receiverID).
		Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrAlreadyFriends
	}

	if err := db.Model(&model.FriendRequest{}).
		Where("sender_id = ? AND receiver_id = ? AND status = ?", senderID, receiverID, model.RequestPending).
		Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrAlreadyRequested
	}

	pairKey := senderID + ":" + receiverID
	req := &model.FriendRequest{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		PairKey:    &pairKey,
		Message:    message,
		Status:     model.RequestPending,
	}
	if err := db.Create(req).Error; err != nil {
		// The unique pending index catches the race the count above misses.
		if isUniqueViolation(err) {
			return nil, ErrAlreadyRequested
		}
		return nil, err
	}
	s.logger.Info("friend request sent",
		zap.String("request_id", req.ID),
		zap.String("sender_id", senderID),
		zap.String("receiver_id", receiverID))
	return req, nil
}

// ListIncoming returns pending requests addressed to userID, newest first.
func (s *Service) ListIncoming(ctx context.Context, userID string) ([]IncomingRequest, error) {
	var rows []struct {
		model.FriendRequest
		FullName string
		Email    string
	}
	err := s.db.WithContext(ctx).
		Table("friend_requests").
		Select("friend_requests.*, users.full_name, users.email").
		Joins("JOIN users ON users.id = friend_requests.sender_id").
		Where("friend_requests.receiver_id = ? AND friend_requests.status = ?", userID, model.RequestPending).
		Order("friend_requests.created_at DESC, friend_requests.id DESC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]IncomingRequest, len(rows))
	for i, r := range rows {
		out[i] = IncomingRequest{
			ID:         r.ID,
			SenderID:   r.SenderID,
			SenderName: r.FullName,
			Email:      r.Email,
			Message:    r.Message,
			Status:     r.Status,
			CreatedAt:  r.CreatedAt,
		}
	}
	return out, nil
}

// GetStatus returns the most recent request from senderID to userID in any
// status, or nil when none exists.
func (s *Service) GetStatus(ctx context.Context, senderID, userID string) (*model.FriendRequest, error) {
	var req model.FriendRequest
	err := s.db.WithContext(ctx).
		Where("sender_id = ? AND receiver_id = ?", senderID, userID).
		Order("created_at DESC, id DESC").
		First(&req).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// Accept transitions a pending request to accepted and creates both friend
// links atomically. Re-running an accept is a no-op returning the same state.
func (s *Service) Accept(ctx context.Context, requestID, actingUserID string) (*model.FriendRequest, error) {
	return s.resolve(ctx, requestID, actingUserID, model.RequestAccepted)
}

// Decline transitions a pending request to declined. Idempotent like Accept.
func (s *Service) Decline(ctx context.Context, requestID, actingUserID string) (*model.FriendRequest, error) {
	return s.resolve(ctx, requestID, actingUserID, model.RequestDeclined)
}

func (s *Service) resolve(ctx context.Context, requestID, actingUserID, target string) (*model.FriendRequest, error) {
	db := s.db.WithContext(ctx)

	var req model.FriendRequest
	if err := db.Where("id = ? AND receiver_id = ?", requestID, actingUserID).First(&req).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	// Terminal states: idempotent when it already matches the target,
	// NotFound otherwise (one-shot transitions).
	if req.Status == target {
		return &req, nil
	}
	if req.Status != model.RequestPending {
		return nil, ErrNotFound
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		// Guarded update so a concurrent accept/decline loses cleanly.
		// Clearing pair_key frees the slot for a fresh request.
		res := tx.Model(&model.FriendRequest{}).
			Where("id = ? AND status = ?", requestID, model.RequestPending).
			Updates(map[string]interface{}{"status": target, "pair_key": nil})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if target != model.RequestAccepted {
			return nil
		}

		var sender, receiver model.User
		if err := tx.First(&sender, "id = ?", req.SenderID).Error; err != nil {
			return err
		}
		if err := tx.First(&receiver, "id = ?", req.ReceiverID).Error; err != nil {
			return err
		}
		// Both directions or neither; the unique pair index absorbs retries.
		links := []model.FriendLink{
			{UserID: receiver.ID, FriendID: sender.ID, FriendName: sender.FullName},
			{UserID: sender.ID, FriendID: receiver.ID, FriendName: receiver.FullName},
		}
		for i := range links {
			if err := tx.Where("user_id = ? AND friend_id = ?", links[i].UserID, links[i].FriendID).
				FirstOrCreate(&links[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	req.Status = target
	req.PairKey = nil
	s.logger.Info("friend request resolved",
		zap.String("request_id", requestID),
		zap.String("status", target))
	return &req, nil
}

// Remove deletes the friendship in both directions. No-op when not friends.
func (s *Service) Remove(ctx context.Context, userID, friendID string) error {
	return s.db.WithContext(ctx).
		Where("(user_id = ? AND friend_id = ?) OR (user_id = ? AND friend_id = ?)",
			userID, friendID, friendID, userID).
		Delete(&model.FriendLink{}).Error
}

// Block adds blockedID to userID's block list, removes the friendship in both
// directions, and drops pending requests either way. Idempotent.
func (s *Service) Block(ctx context.Context, userID, blockedID string) error {
	if userID == blockedID {
		return ErrSelfTarget
	}
	db := s.db.WithContext(ctx)

	var blocked model.User
	if err := db.First(&blocked, "id = ?", blockedID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUnknownUser
		}
		return err
	}

	return db.Transaction(func(tx *gorm.DB) error {
		link := model.BlockLink{UserID: userID, BlockedID: blockedID, BlockedName: blocked.FullName}
		if err := tx.Where("user_id = ? AND blocked_id = ?", userID, blockedID).
			FirstOrCreate(&link).Error; err != nil {
			return err
		}
		if err := tx.Where("(user_id = ? AND friend_id = ?) OR (user_id = ? AND friend_id = ?)",
			userID, blockedID, blockedID, userID).
			Delete(&model.FriendLink{}).Error; err != nil {
			return err
		}
		return tx.Where("status = ? AND ((sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?))",
			model.RequestPending, userID, blockedID, blockedID, userID).
			Delete(&model.FriendRequest{}).Error
	})
}

// AreFriends reports whether both friend links exist.
func (s *Service) AreFriends(ctx context.Context, a, b string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.FriendLink{}).
		Where("(user_id = ? AND friend_id = ?) OR (user_id = ? AND friend_id = ?)", a, b, b, a).
		Count(&count).Error
	return count == 2, err
}

// Friends returns userID's friend list.
func (s *Service) Friends(ctx context.Context, userID string) ([]model.FriendLink, error) {
	var links []model.FriendLink
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC, id ASC").
		Find(&links).Error
	return links, err
}

// isUniqueViolation detects duplicate-key errors from common database drivers.
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") ||
		strings.Contains(msg, "duplicate") ||
		strings.Contains(msg, "already exists")
}

// BlockedUsers returns userID's block list.
func (s *Service) BlockedUsers(ctx context.Context, userID string) ([]model.BlockLink, error) {
	var links []model.BlockLink
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC, id ASC").
		Find(&links).Error
	return links, err
}
