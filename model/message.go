package model

import "time"

// CommunityMessage is a message in the single global room.
// At least one of Text and ImageURL is non-empty.
type CommunityMessage struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	UserID    string    `gorm:"index;size:36;not null" json:"userId"`
	Username  string    `gorm:"size:64" json:"username"`
	Text      string    `gorm:"type:text" json:"text"`
	ImageURL  string    `gorm:"size:512" json:"image,omitempty"`
	ReplyTo   *string   `gorm:"size:36" json:"replyTo,omitempty"`
	CreatedAt time.Time `gorm:"index:idx_community_created;autoCreateTime:milli" json:"createdAt"`
}

// Private message delivery states. Delivery is messaging-fabric state, not
// authorization: an undelivered message is still persisted and readable.
const (
	DeliveryPending   = "pending"
	DeliveryDelivered = "delivered"
)

// PrivateMessage is a one-to-one message between mutual friends.
type PrivateMessage struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	SenderID    string    `gorm:"index:idx_private_pair;size:36;not null" json:"senderId"`
	RecipientID string    `gorm:"index:idx_private_pair;size:36;not null" json:"recipientId"`
	Text        string    `gorm:"type:text" json:"text"`
	ImageURL    string    `gorm:"size:512" json:"image,omitempty"`
	Delivered   string    `gorm:"size:16;default:pending;not null" json:"delivered"`
	CreatedAt   time.Time `gorm:"index:idx_private_created;autoCreateTime:milli" json:"createdAt"`
}
