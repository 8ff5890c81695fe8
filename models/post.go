package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Post represents a board post created by a user.
//
// Ratings is a stored counter, not a derived value: at all times it must equal
// the sum of RatingValue over the active PostRating rows for this post. Only
// the rating service may move it, inside the same transaction as the ledger
// write. IsActive is a soft-delete flag; inactive posts disappear from
// listings but their rating ledger history is kept.
type Post struct {
	ID        string    `gorm:"type:char(36);primaryKey" json:"id"`
	AuthorID  uint      `gorm:"index;not null" json:"author_id"`
	Title     string    `gorm:"size:255;not null" json:"title"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	Category  string    `gorm:"size:32;default:'general'" json:"category"`
	Ratings   int       `gorm:"not null;default:0" json:"ratings"`
	IsActive  bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Author    User      `gorm:"foreignKey:AuthorID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"author"`
	Comments  []Comment `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"comments"`
}

// BeforeCreate assigns a UUID identifier when the caller did not provide one.
func (p *Post) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}
