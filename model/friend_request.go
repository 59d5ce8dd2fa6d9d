package model

import "time"

// FriendRequest statuses. pending is the only non-terminal state.
const (
	RequestPending  = "pending"
	RequestAccepted = "accepted"
	RequestDeclined = "declined"
)

// FriendRequest is one friendship proposal from sender to receiver.
// At most one pending request may exist per ordered (sender, receiver) pair:
// PairKey holds "<senderID>:<receiverID>" while the request is pending and is
// cleared on resolution, so the unique index only bites concurrent sends.
// Resolved rows carry NULL, which never collides.
type FriendRequest struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	SenderID   string    `gorm:"index:idx_request_pair;size:36;not null" json:"senderId"`
	ReceiverID string    `gorm:"index:idx_request_pair;size:36;not null" json:"receiverId"`
	PairKey    *string   `gorm:"uniqueIndex:idx_request_pending;size:73" json:"-"`
	Message    string    `gorm:"type:text" json:"message"`
	Status     string    `gorm:"size:16;default:pending;not null" json:"status"`
	CreatedAt  time.Time `gorm:"autoCreateTime:milli" json:"createdAt"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime:milli" json:"updatedAt"`
}
