package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ibbs-dev/ibbs/models"
	"github.com/ibbs-dev/ibbs/utils"
)

// Rating engine errors surfaced to callers.
var (
	// ErrPostNotFound means the post does not exist or was soft-deleted.
	ErrPostNotFound = errors.New("post not found")
	// ErrInvalidPostID means the identifier is not a well-formed UUID.
	ErrInvalidPostID = errors.New("invalid post id")
	// ErrInvalidUser means the caller identity is empty.
	ErrInvalidUser = errors.New("user name must not be empty")
	// ErrRatingUnavailable means the update kept failing after retries.
	ErrRatingUnavailable = errors.New("rating update unavailable, try again later")
	// ErrDuplicateRating is returned by a ledger store when a concurrent first
	// insert for the same (post, user) pair already won the race.
	ErrDuplicateRating = errors.New("rating row already exists")
)

// PostStore is the aggregate side of the rating persistence boundary.
// GetForUpdate must hold a write lock on the row until the enclosing unit of
// work commits or rolls back.
type PostStore interface {
	GetForUpdate(postID string) (*models.Post, error) // nil, nil when absent
	SaveRatingsCount(postID string, count int) error
}

// RatingLedgerStore is the ledger side of the rating persistence boundary.
type RatingLedgerStore interface {
	Find(postID, userName string) (*models.PostRating, error) // nil, nil when absent
	Insert(rating *models.PostRating) error
	Update(rating *models.PostRating) error
	ListActiveForUser(userName string) ([]UserRating, error)
}

// RatingStores bundles both stores bound to one transaction.
type RatingStores interface {
	Posts() PostStore
	Ratings() RatingLedgerStore
}

// UnitOfWork runs fn inside a single transaction: every store call made
// through fn's RatingStores commits or rolls back as one atomic unit.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(RatingStores) error) error
}

// RatingUpdateResult reports the outcome of one vote request.
type RatingUpdateResult struct {
	PostID            string `json:"postId"`
	IsUpdateSuccess   bool   `json:"isUpdateSuccess"`
	HasAlreadyUpdated bool   `json:"hasAlreadyUpdated"`
}

// UserRating is one row of the "my ratings" view.
type UserRating struct {
	PostName           string    `json:"postName"`
	RatedOn            time.Time `json:"ratedOn"`
	CurrentRatingValue int       `json:"currentRatingValue"`
}

// voteState is the state of a (post, user) pair derived from its ledger row.
// Modeling it as a tagged variant keeps the decision table exhaustive; the
// two booleans on the row cannot drift into a meaning the switch misses.
type voteState int

const (
	noVote voteState = iota
	activeVote
	retractedVote
)

func stateOf(row *models.PostRating) voteState {
	switch {
	case row == nil:
		return noVote
	case row.IsActive:
		return activeVote
	default:
		return retractedVote
	}
}

// transition is the ledger mutation decide picked.
type transition int

const (
	createRating transition = iota
	keepRating
	flipRating
	reactivateRating
)

// decide maps the current ledger state and the requested direction to the
// ledger transition and the delta to apply to the post's aggregate counter.
// value is +1 or -1.
func decide(row *models.PostRating, value int) (transition, int) {
	switch stateOf(row) {
	case noVote:
		return createRating, value
	case activeVote:
		if row.RatingValue == value {
			return keepRating, 0
		}
		// Remove the old contribution and add the new one.
		return flipRating, 2 * value
	default:
		return reactivateRating, value
	}
}

// RatingService decides and persists vote transitions for posts.
type RatingService struct {
	uow      UnitOfWork
	attempts int
	now      func() time.Time
}

const defaultRatingAttempts = 3

// NewRatingService creates a rating service over the given unit of work.
func NewRatingService(uow UnitOfWork) *RatingService {
	return &RatingService{uow: uow, attempts: defaultRatingAttempts, now: time.Now}
}

// UpdateRating applies one vote from userName on postID. isIncrement selects
// the direction: true is an upvote, false is a downvote.
//
// The whole read-modify-write runs inside one transaction with the post row
// locked, so the aggregate counter and the ledger can never diverge. A lost
// first-insert race (duplicate key) and transient store failures are retried
// with a fresh read of the ledger; NotFound and bad input are not.
func (s *RatingService) UpdateRating(ctx context.Context, postID, userName string, isIncrement bool) (*RatingUpdateResult, error) {
	if strings.TrimSpace(userName) == "" {
		return nil, ErrInvalidUser
	}
	if _, err := uuid.Parse(postID); err != nil {
		return nil, ErrInvalidPostID
	}

	value := 1
	if !isIncrement {
		value = -1
	}

	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		result, err := s.applyOnce(ctx, postID, userName, value)
		if err == nil {
			utils.Sugar.Infow("rating updated",
				"post", postID, "user", userName, "value", value,
				"changed", result.IsUpdateSuccess, "already", result.HasAlreadyUpdated)
			return result, nil
		}
		if !retryable(err) || ctx.Err() != nil {
			utils.Sugar.Warnw("rating update rejected",
				"post", postID, "user", userName, "value", value, "error", err)
			return nil, err
		}
		lastErr = err
		utils.Sugar.Warnw("rating update attempt failed, retrying",
			"post", postID, "user", userName, "value", value,
			"attempt", attempt, "error", err)
	}

	utils.Sugar.Errorw("rating update exhausted retries",
		"post", postID, "user", userName, "value", value, "error", lastErr)
	return nil, ErrRatingUnavailable
}

func (s *RatingService) applyOnce(ctx context.Context, postID, userName string, value int) (*RatingUpdateResult, error) {
	result := &RatingUpdateResult{PostID: postID}

	err := s.uow.Do(ctx, func(st RatingStores) error {
		post, err := st.Posts().GetForUpdate(postID)
		if err != nil {
			return err
		}
		if post == nil || !post.IsActive {
			return ErrPostNotFound
		}

		row, err := st.Ratings().Find(postID, userName)
		if err != nil {
			return err
		}

		tr, delta := decide(row, value)
		switch tr {
		case keepRating:
			result.HasAlreadyUpdated = true
			return nil
		case createRating:
			row = &models.PostRating{
				PostID:      postID,
				UserName:    userName,
				RatingValue: value,
				IsActive:    true,
				RatedOn:     s.now(),
			}
			if err := st.Ratings().Insert(row); err != nil {
				return err
			}
		default: // flipRating, reactivateRating
			row.RatingValue = value
			row.IsActive = true
			row.RatedOn = s.now()
			if err := st.Ratings().Update(row); err != nil {
				return err
			}
		}

		if err := st.Posts().SaveRatingsCount(postID, post.Ratings+delta); err != nil {
			return err
		}
		result.IsUpdateSuccess = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RemoveRating retracts the caller's active vote on postID. The ledger row is
// deactivated, never deleted, and its contribution leaves the aggregate in the
// same transaction. Removing when no active vote exists reports
// HasAlreadyUpdated and changes nothing.
func (s *RatingService) RemoveRating(ctx context.Context, postID, userName string) (*RatingUpdateResult, error) {
	if strings.TrimSpace(userName) == "" {
		return nil, ErrInvalidUser
	}
	if _, err := uuid.Parse(postID); err != nil {
		return nil, ErrInvalidPostID
	}

	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		result, err := s.removeOnce(ctx, postID, userName)
		if err == nil {
			utils.Sugar.Infow("rating removed",
				"post", postID, "user", userName,
				"changed", result.IsUpdateSuccess, "already", result.HasAlreadyUpdated)
			return result, nil
		}
		if !retryable(err) || ctx.Err() != nil {
			utils.Sugar.Warnw("rating removal rejected",
				"post", postID, "user", userName, "error", err)
			return nil, err
		}
		lastErr = err
		utils.Sugar.Warnw("rating removal attempt failed, retrying",
			"post", postID, "user", userName, "attempt", attempt, "error", err)
	}

	utils.Sugar.Errorw("rating removal exhausted retries",
		"post", postID, "user", userName, "error", lastErr)
	return nil, ErrRatingUnavailable
}

func (s *RatingService) removeOnce(ctx context.Context, postID, userName string) (*RatingUpdateResult, error) {
	result := &RatingUpdateResult{PostID: postID}

	err := s.uow.Do(ctx, func(st RatingStores) error {
		post, err := st.Posts().GetForUpdate(postID)
		if err != nil {
			return err
		}
		if post == nil || !post.IsActive {
			return ErrPostNotFound
		}

		row, err := st.Ratings().Find(postID, userName)
		if err != nil {
			return err
		}
		if stateOf(row) != activeVote {
			result.HasAlreadyUpdated = true
			return nil
		}

		contribution := row.RatingValue
		row.IsActive = false
		row.RatedOn = s.now()
		if err := st.Ratings().Update(row); err != nil {
			return err
		}
		if err := st.Posts().SaveRatingsCount(postID, post.Ratings-contribution); err != nil {
			return err
		}
		result.IsUpdateSuccess = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListUserRatings returns the caller's active votes joined to post titles,
// newest first.
func (s *RatingService) ListUserRatings(ctx context.Context, userName string) ([]UserRating, error) {
	if strings.TrimSpace(userName) == "" {
		return nil, ErrInvalidUser
	}

	var items []UserRating
	err := s.uow.Do(ctx, func(st RatingStores) error {
		var err error
		items, err = st.Ratings().ListActiveForUser(userName)
		return err
	})
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []UserRating{}
	}
	return items, nil
}

// retryable reports whether the whole decision function should be re-run.
// Duplicate-key races and transient store faults are worth another read;
// client errors and cancellation are not.
func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrPostNotFound),
		errors.Is(err, ErrInvalidPostID),
		errors.Is(err, ErrInvalidUser),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
