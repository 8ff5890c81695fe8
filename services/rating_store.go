package services

import (
	"context"
	"errors"
	"fmt"

	mysqldrv "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ibbs-dev/ibbs/models"
)

// gormUnitOfWork runs rating store operations inside one gorm transaction.
type gormUnitOfWork struct {
	db *gorm.DB
}

// NewGormUnitOfWork wraps a gorm connection as a rating UnitOfWork.
func NewGormUnitOfWork(db *gorm.DB) UnitOfWork {
	return &gormUnitOfWork{db: db}
}

func (u *gormUnitOfWork) Do(ctx context.Context, fn func(RatingStores) error) error {
	return u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(gormStores{tx: tx})
	})
}

type gormStores struct {
	tx *gorm.DB
}

func (s gormStores) Posts() PostStore           { return gormPostStore{tx: s.tx} }
func (s gormStores) Ratings() RatingLedgerStore { return gormLedgerStore{tx: s.tx} }

type gormPostStore struct {
	tx *gorm.DB
}

// GetForUpdate reads the post under a row write lock so concurrent raters on
// the same post serialize for the rest of the transaction.
func (s gormPostStore) GetForUpdate(postID string) (*models.Post, error) {
	var post models.Post
	err := s.tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", postID).First(&post).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &post, nil
}

func (s gormPostStore) SaveRatingsCount(postID string, count int) error {
	return s.tx.Model(&models.Post{}).Where("id = ?", postID).
		UpdateColumn("ratings", count).Error
}

type gormLedgerStore struct {
	tx *gorm.DB
}

func (s gormLedgerStore) Find(postID, userName string) (*models.PostRating, error) {
	var row models.PostRating
	err := s.tx.Where("post_id = ? AND user_name = ?", postID, userName).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s gormLedgerStore) Insert(rating *models.PostRating) error {
	if err := s.tx.Create(rating).Error; err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("%w: post=%s user=%s", ErrDuplicateRating, rating.PostID, rating.UserName)
		}
		return err
	}
	return nil
}

// Update writes the full row, including IsActive and RatingValue.
func (s gormLedgerStore) Update(rating *models.PostRating) error {
	return s.tx.Model(rating).
		Select("rating_value", "is_active", "rated_on").
		Updates(map[string]interface{}{
			"rating_value": rating.RatingValue,
			"is_active":    rating.IsActive,
			"rated_on":     rating.RatedOn,
		}).Error
}

func (s gormLedgerStore) ListActiveForUser(userName string) ([]UserRating, error) {
	var items []UserRating
	err := s.tx.Table("post_ratings").
		Select("posts.title AS post_name, post_ratings.rated_on AS rated_on, post_ratings.rating_value AS current_rating_value").
		Joins("JOIN posts ON posts.id = post_ratings.post_id").
		Where("post_ratings.user_name = ? AND post_ratings.is_active = ? AND posts.is_active = ?", userName, true, true).
		Order("post_ratings.rated_on DESC").
		Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// isDuplicateKey matches the unique-index violation raised when two first
// votes from the same user race on the (post_id, user_name) index.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysqldrv.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}
