package model

import "time"

// User is a registered account. IDs are opaque UUID strings so they can be
// exchanged with clients directly.
type User struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	FullName     string    `gorm:"size:64;not null" json:"fullName"`
	Email        string    `gorm:"uniqueIndex;size:128;not null" json:"email"`
	PasswordHash string    `gorm:"size:64;not null" json:"-"`
	Verified     bool      `gorm:"default:false" json:"verified"`
	CreatedAt    time.Time `gorm:"autoCreateTime:milli" json:"createdAt"`
}

// FriendLink is one direction of a mutual friendship. Both directions exist
// or neither. The friend's display name is denormalized for read performance;
// renames are out of scope, so the cache is never refreshed.
type FriendLink struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"-"`
	UserID     string    `gorm:"uniqueIndex:idx_friend_pair;size:36;not null" json:"-"`
	FriendID   string    `gorm:"uniqueIndex:idx_friend_pair;size:36;not null" json:"friendId"`
	FriendName string    `gorm:"size:64" json:"friendName"`
	CreatedAt  time.Time `gorm:"autoCreateTime:milli" json:"createdAt"`
}

// BlockLink marks blockedID as blocked by userID. Blocking removes the
// friendship in both directions and drops pending requests either way.
type BlockLink struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"-"`
	UserID      string    `gorm:"uniqueIndex:idx_block_pair;size:36;not null" json:"-"`
	BlockedID   string    `gorm:"uniqueIndex:idx_block_pair;size:36;not null" json:"blockedUserId"`
	BlockedName string    `gorm:"size:64" json:"blockedUserName"`
	CreatedAt   time.Time `gorm:"autoCreateTime:milli" json:"createdAt"`
}
