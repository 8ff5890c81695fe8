package services

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	mysqldrv "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ibbs-dev/ibbs/models"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	gdb, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      db,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	return gdb, mock
}

func TestGormPostStoreGetForUpdateLocksRow(t *testing.T) {
	gdb, mock := newMockDB(t)
	store := gormPostStore{tx: gdb}
	id := uuid.NewString()

	rows := sqlmock.NewRows([]string{"id", "title", "ratings", "is_active"}).
		AddRow(id, "locked post", 3, true)
	mock.ExpectQuery("SELECT .* FROM `posts` .*FOR UPDATE").WillReturnRows(rows)

	post, err := store.GetForUpdate(id)
	require.NoError(t, err)
	require.NotNil(t, post)
	assert.Equal(t, 3, post.Ratings)
	assert.True(t, post.IsActive)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormPostStoreGetForUpdateAbsent(t *testing.T) {
	gdb, mock := newMockDB(t)
	store := gormPostStore{tx: gdb}

	mock.ExpectQuery("SELECT .* FROM `posts`").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	post, err := store.GetForUpdate(uuid.NewString())
	require.NoError(t, err)
	assert.Nil(t, post)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormPostStoreSaveRatingsCount(t *testing.T) {
	gdb, mock := newMockDB(t)
	store := gormPostStore{tx: gdb}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `posts` SET `ratings`=").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.SaveRatingsCount(uuid.NewString(), 5))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormLedgerStoreFindAbsent(t *testing.T) {
	gdb, mock := newMockDB(t)
	store := gormLedgerStore{tx: gdb}

	mock.ExpectQuery("SELECT .* FROM `post_ratings`").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	row, err := store.Find(uuid.NewString(), "alice")
	require.NoError(t, err)
	assert.Nil(t, row)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormLedgerStoreInsert(t *testing.T) {
	gdb, mock := newMockDB(t)
	store := gormLedgerStore{tx: gdb}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `post_ratings`").
		WillReturnResult(sqlmock.NewResult(7, 1))
	mock.ExpectCommit()

	rating := &models.PostRating{
		PostID:      uuid.NewString(),
		UserName:    "alice",
		RatingValue: 1,
		IsActive:    true,
		RatedOn:     time.Now(),
	}
	require.NoError(t, store.Insert(rating))
	assert.Equal(t, uint(7), rating.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormLedgerStoreInsertDuplicateKey(t *testing.T) {
	gdb, mock := newMockDB(t)
	store := gormLedgerStore{tx: gdb}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `post_ratings`").
		WillReturnError(&mysqldrv.MySQLError{Number: 1062, Message: "Duplicate entry"})
	mock.ExpectRollback()

	err := store.Insert(&models.PostRating{
		PostID:      uuid.NewString(),
		UserName:    "alice",
		RatingValue: 1,
		IsActive:    true,
		RatedOn:     time.Now(),
	})
	assert.ErrorIs(t, err, ErrDuplicateRating)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormLedgerStoreUpdate(t *testing.T) {
	gdb, mock := newMockDB(t)
	store := gormLedgerStore{tx: gdb}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `post_ratings` SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.Update(&models.PostRating{
		ID:          7,
		PostID:      uuid.NewString(),
		UserName:    "alice",
		RatingValue: -1,
		IsActive:    true,
		RatedOn:     time.Now(),
	}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormLedgerStoreListActiveForUser(t *testing.T) {
	gdb, mock := newMockDB(t)
	store := gormLedgerStore{tx: gdb}

	ratedOn := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"post_name", "rated_on", "current_rating_value"}).
		AddRow("go generics", ratedOn, 1).
		AddRow("mysql locking", ratedOn.Add(-time.Hour), -1)
	mock.ExpectQuery("SELECT posts.title AS post_name.* JOIN posts ON posts.id = post_ratings.post_id").
		WillReturnRows(rows)

	items, err := store.ListActiveForUser("alice")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "go generics", items[0].PostName)
	assert.Equal(t, 1, items[0].CurrentRatingValue)
	assert.Equal(t, -1, items[1].CurrentRatingValue)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsDuplicateKey(t *testing.T) {
	assert.True(t, isDuplicateKey(&mysqldrv.MySQLError{Number: 1062, Message: "Duplicate entry"}))
	assert.True(t, isDuplicateKey(gorm.ErrDuplicatedKey))
	assert.False(t, isDuplicateKey(&mysqldrv.MySQLError{Number: 1452, Message: "fk"}))
	assert.False(t, isDuplicateKey(gorm.ErrInvalidData))
}
