package models

import "time"

// PostRating is one ledger row: a single user's current (or historical) vote
// on a single post. Rows are never hard-deleted; retracting a vote flips
// IsActive off and a later vote reactivates the same row. The composite
// unique index makes a duplicate first insert from a racing request fail at
// the database instead of producing a second row for the same pair.
type PostRating struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	PostID      string    `gorm:"type:char(36);not null;uniqueIndex:uk_post_user,priority:1" json:"post_id"`
	UserName    string    `gorm:"size:64;not null;uniqueIndex:uk_post_user,priority:2" json:"user_name"`
	RatingValue int       `gorm:"not null" json:"rating_value"` // +1 or -1, never 0
	IsActive    bool      `gorm:"not null;default:true" json:"is_active"`
	RatedOn     time.Time `gorm:"not null" json:"rated_on"`
}
