package services

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ibbs-dev/ibbs/models"
	"github.com/ibbs-dev/ibbs/utils"
)

func TestMain(m *testing.M) {
	utils.Logger = zap.NewNop()
	utils.Sugar = utils.Logger.Sugar()
	os.Exit(m.Run())
}

// memUnitOfWork is an in-memory UnitOfWork with transactional semantics:
// state is snapshotted on entry and restored when fn fails. The mutex
// serializes units of work the way the row lock on the post serializes them
// in MySQL. Fault hooks simulate duplicate-key races and transient errors.
type memUnitOfWork struct {
	mu      sync.Mutex
	posts   map[string]models.Post
	ratings map[string]models.PostRating // key: postID + "|" + userName
	nextID  uint

	insertFailures int                // Inserts to fail with ErrDuplicateRating
	winner         *models.PostRating // row committed by the racing request
	saveFailures   int                // SaveRatingsCount calls to fail transiently
}

var errStoreDown = errors.New("store connection reset")

func newMemUnitOfWork() *memUnitOfWork {
	return &memUnitOfWork{
		posts:   map[string]models.Post{},
		ratings: map[string]models.PostRating{},
	}
}

func (u *memUnitOfWork) Do(ctx context.Context, fn func(RatingStores) error) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	postsSnap := make(map[string]models.Post, len(u.posts))
	for k, v := range u.posts {
		postsSnap[k] = v
	}
	ratingsSnap := make(map[string]models.PostRating, len(u.ratings))
	for k, v := range u.ratings {
		ratingsSnap[k] = v
	}
	idSnap := u.nextID

	err := fn(memStores{u: u})
	if err != nil {
		u.posts = postsSnap
		u.ratings = ratingsSnap
		u.nextID = idSnap
		// The losing insert rolled back; the racing winner's row is now
		// visible to the retry, as it would be after its commit.
		if errors.Is(err, ErrDuplicateRating) && u.winner != nil {
			u.nextID++
			u.winner.ID = u.nextID
			u.ratings[ratingKey(u.winner.PostID, u.winner.UserName)] = *u.winner
			u.winner = nil
		}
	}
	return err
}

func ratingKey(postID, userName string) string { return postID + "|" + userName }

func (u *memUnitOfWork) addPost(title string) string {
	u.mu.Lock()
	defer u.mu.Unlock()
	id := uuid.NewString()
	u.posts[id] = models.Post{ID: id, Title: title, IsActive: true}
	return id
}

func (u *memUnitOfWork) deactivatePost(id string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	p := u.posts[id]
	p.IsActive = false
	u.posts[id] = p
}

func (u *memUnitOfWork) aggregate(postID string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.posts[postID].Ratings
}

// sumActive recomputes the aggregate from the ledger, the value the stored
// counter must always agree with.
func (u *memUnitOfWork) sumActive(postID string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	sum := 0
	for _, r := range u.ratings {
		if r.PostID == postID && r.IsActive {
			sum += r.RatingValue
		}
	}
	return sum
}

func (u *memUnitOfWork) activeRows(postID string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for _, r := range u.ratings {
		if r.PostID == postID && r.IsActive {
			n++
		}
	}
	return n
}

func (u *memUnitOfWork) row(postID, userName string) (models.PostRating, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	r, ok := u.ratings[ratingKey(postID, userName)]
	return r, ok
}

type memStores struct {
	u *memUnitOfWork
}

func (s memStores) Posts() PostStore           { return memPostStore(s) }
func (s memStores) Ratings() RatingLedgerStore { return memLedgerStore(s) }

type memPostStore struct {
	u *memUnitOfWork
}

func (s memPostStore) GetForUpdate(postID string) (*models.Post, error) {
	p, ok := s.u.posts[postID]
	if !ok {
		return nil, nil
	}
	cp := p
	return &cp, nil
}

func (s memPostStore) SaveRatingsCount(postID string, count int) error {
	if s.u.saveFailures > 0 {
		s.u.saveFailures--
		return errStoreDown
	}
	p := s.u.posts[postID]
	p.Ratings = count
	s.u.posts[postID] = p
	return nil
}

type memLedgerStore struct {
	u *memUnitOfWork
}

func (s memLedgerStore) Find(postID, userName string) (*models.PostRating, error) {
	r, ok := s.u.ratings[ratingKey(postID, userName)]
	if !ok {
		return nil, nil
	}
	cp := r
	return &cp, nil
}

func (s memLedgerStore) Insert(rating *models.PostRating) error {
	if s.u.insertFailures > 0 {
		s.u.insertFailures--
		return ErrDuplicateRating
	}
	key := ratingKey(rating.PostID, rating.UserName)
	if _, ok := s.u.ratings[key]; ok {
		return ErrDuplicateRating
	}
	s.u.nextID++
	rating.ID = s.u.nextID
	s.u.ratings[key] = *rating
	return nil
}

func (s memLedgerStore) Update(rating *models.PostRating) error {
	s.u.ratings[ratingKey(rating.PostID, rating.UserName)] = *rating
	return nil
}

func (s memLedgerStore) ListActiveForUser(userName string) ([]UserRating, error) {
	var items []UserRating
	for _, r := range s.u.ratings {
		if r.UserName != userName || !r.IsActive {
			continue
		}
		post, ok := s.u.posts[r.PostID]
		if !ok || !post.IsActive {
			continue
		}
		items = append(items, UserRating{
			PostName:           post.Title,
			RatedOn:            r.RatedOn,
			CurrentRatingValue: r.RatingValue,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].RatedOn.After(items[j].RatedOn) })
	return items, nil
}

func newTestService(u *memUnitOfWork) *RatingService {
	svc := NewRatingService(u)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	svc.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return svc
}

func TestDecide(t *testing.T) {
	active := func(v int) *models.PostRating {
		return &models.PostRating{RatingValue: v, IsActive: true}
	}
	retracted := func(v int) *models.PostRating {
		return &models.PostRating{RatingValue: v, IsActive: false}
	}

	cases := []struct {
		name      string
		row       *models.PostRating
		value     int
		wantTr    transition
		wantDelta int
	}{
		{"no row, increment", nil, 1, createRating, 1},
		{"no row, decrement", nil, -1, createRating, -1},
		{"active match, increment", active(1), 1, keepRating, 0},
		{"active match, decrement", active(-1), -1, keepRating, 0},
		{"active opposite, increment", active(-1), 1, flipRating, 2},
		{"active opposite, decrement", active(1), -1, flipRating, -2},
		{"retracted, increment", retracted(1), 1, reactivateRating, 1},
		{"retracted, decrement", retracted(1), -1, reactivateRating, -1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr, delta := decide(tc.row, tc.value)
			assert.Equal(t, tc.wantTr, tr)
			assert.Equal(t, tc.wantDelta, delta)
		})
	}
}

func TestUpdateRatingScenario(t *testing.T) {
	u := newMemUnitOfWork()
	svc := newTestService(u)
	ctx := context.Background()
	post := u.addPost("first post")

	// alice upvotes a fresh post
	res, err := svc.UpdateRating(ctx, post, "alice", true)
	require.NoError(t, err)
	assert.True(t, res.IsUpdateSuccess)
	assert.False(t, res.HasAlreadyUpdated)
	assert.Equal(t, 1, u.aggregate(post))
	row, ok := u.row(post, "alice")
	require.True(t, ok)
	assert.Equal(t, 1, row.RatingValue)
	assert.True(t, row.IsActive)

	// repeating the same direction is a no-op
	res, err = svc.UpdateRating(ctx, post, "alice", true)
	require.NoError(t, err)
	assert.False(t, res.IsUpdateSuccess)
	assert.True(t, res.HasAlreadyUpdated)
	assert.Equal(t, 1, u.aggregate(post))

	// alice reverses to a downvote: -2 relative to before
	res, err = svc.UpdateRating(ctx, post, "alice", false)
	require.NoError(t, err)
	assert.True(t, res.IsUpdateSuccess)
	assert.Equal(t, -1, u.aggregate(post))
	row, _ = u.row(post, "alice")
	assert.Equal(t, -1, row.RatingValue)

	// bob upvotes: a second ledger row, aggregate back to zero
	res, err = svc.UpdateRating(ctx, post, "bob", true)
	require.NoError(t, err)
	assert.True(t, res.IsUpdateSuccess)
	assert.Equal(t, 0, u.aggregate(post))
	assert.Equal(t, 2, u.activeRows(post))

	assert.Equal(t, u.sumActive(post), u.aggregate(post))
}

func TestRemoveAndReactivate(t *testing.T) {
	u := newMemUnitOfWork()
	svc := newTestService(u)
	ctx := context.Background()
	post := u.addPost("retractable")

	_, err := svc.UpdateRating(ctx, post, "alice", true)
	require.NoError(t, err)
	require.Equal(t, 1, u.aggregate(post))

	// retract: row deactivated, contribution removed, history kept
	res, err := svc.RemoveRating(ctx, post, "alice")
	require.NoError(t, err)
	assert.True(t, res.IsUpdateSuccess)
	assert.Equal(t, 0, u.aggregate(post))
	row, ok := u.row(post, "alice")
	require.True(t, ok)
	assert.False(t, row.IsActive)

	// removing again is a no-op
	res, err = svc.RemoveRating(ctx, post, "alice")
	require.NoError(t, err)
	assert.False(t, res.IsUpdateSuccess)
	assert.True(t, res.HasAlreadyUpdated)
	assert.Equal(t, 0, u.aggregate(post))

	// a later vote reactivates the same row rather than creating a new one
	res, err = svc.UpdateRating(ctx, post, "alice", true)
	require.NoError(t, err)
	assert.True(t, res.IsUpdateSuccess)
	assert.Equal(t, 1, u.aggregate(post))
	assert.Equal(t, 1, u.activeRows(post))
	reactivated, _ := u.row(post, "alice")
	assert.Equal(t, row.ID, reactivated.ID)
	assert.True(t, reactivated.IsActive)
}

func TestUpdateRatingPostNotFound(t *testing.T) {
	u := newMemUnitOfWork()
	svc := newTestService(u)
	ctx := context.Background()

	_, err := svc.UpdateRating(ctx, uuid.NewString(), "alice", true)
	assert.ErrorIs(t, err, ErrPostNotFound)

	// soft-deleted posts look the same as missing ones
	post := u.addPost("gone")
	u.deactivatePost(post)
	_, err = svc.UpdateRating(ctx, post, "alice", true)
	assert.ErrorIs(t, err, ErrPostNotFound)

	// no ledger writes happened
	assert.Equal(t, 0, u.activeRows(post))
}

func TestUpdateRatingInvalidInput(t *testing.T) {
	u := newMemUnitOfWork()
	svc := newTestService(u)
	ctx := context.Background()
	post := u.addPost("p")

	_, err := svc.UpdateRating(ctx, post, "  ", true)
	assert.ErrorIs(t, err, ErrInvalidUser)

	_, err = svc.UpdateRating(ctx, "not-a-uuid", "alice", true)
	assert.ErrorIs(t, err, ErrInvalidPostID)

	_, err = svc.RemoveRating(ctx, "not-a-uuid", "alice")
	assert.ErrorIs(t, err, ErrInvalidPostID)
}

func TestUpdateRatingDuplicateInsertRace(t *testing.T) {
	u := newMemUnitOfWork()
	svc := newTestService(u)
	ctx := context.Background()
	post := u.addPost("contended")

	// The same user double-clicks: the other request's insert commits first,
	// this one hits the unique index and must settle on a retry.
	u.insertFailures = 1
	u.winner = &models.PostRating{
		PostID: post, UserName: "alice", RatingValue: 1, IsActive: true,
		RatedOn: time.Now(),
	}
	u.posts[post] = models.Post{ID: post, Title: "contended", IsActive: true, Ratings: 1}

	res, err := svc.UpdateRating(ctx, post, "alice", true)
	require.NoError(t, err)
	assert.True(t, res.HasAlreadyUpdated)
	assert.False(t, res.IsUpdateSuccess)
	assert.Equal(t, 1, u.aggregate(post))
	assert.Equal(t, 1, u.activeRows(post))
	assert.Equal(t, u.sumActive(post), u.aggregate(post))
}

func TestUpdateRatingDuplicateRaceOppositeDirection(t *testing.T) {
	u := newMemUnitOfWork()
	svc := newTestService(u)
	ctx := context.Background()
	post := u.addPost("contended")

	// Rapid increment-then-decrement double-click: whichever transaction
	// commits last wins, so the retry flips the winner's row.
	u.insertFailures = 1
	u.winner = &models.PostRating{
		PostID: post, UserName: "alice", RatingValue: 1, IsActive: true,
		RatedOn: time.Now(),
	}
	u.posts[post] = models.Post{ID: post, Title: "contended", IsActive: true, Ratings: 1}

	res, err := svc.UpdateRating(ctx, post, "alice", false)
	require.NoError(t, err)
	assert.True(t, res.IsUpdateSuccess)
	assert.Equal(t, -1, u.aggregate(post))
	row, _ := u.row(post, "alice")
	assert.Equal(t, -1, row.RatingValue)
	assert.Equal(t, u.sumActive(post), u.aggregate(post))
}

func TestUpdateRatingTransientFailureRetries(t *testing.T) {
	u := newMemUnitOfWork()
	svc := newTestService(u)
	ctx := context.Background()
	post := u.addPost("flaky")

	u.saveFailures = 2
	res, err := svc.UpdateRating(ctx, post, "alice", true)
	require.NoError(t, err)
	assert.True(t, res.IsUpdateSuccess)
	assert.Equal(t, 1, u.aggregate(post))
	assert.Equal(t, u.sumActive(post), u.aggregate(post))
}

func TestUpdateRatingRetriesExhausted(t *testing.T) {
	u := newMemUnitOfWork()
	svc := newTestService(u)
	ctx := context.Background()
	post := u.addPost("down")

	u.saveFailures = defaultRatingAttempts
	_, err := svc.UpdateRating(ctx, post, "alice", true)
	assert.ErrorIs(t, err, ErrRatingUnavailable)

	// every attempt rolled back: no partial ledger/aggregate skew
	assert.Equal(t, 0, u.aggregate(post))
	assert.Equal(t, 0, u.activeRows(post))
}

func TestUpdateRatingCancelledContext(t *testing.T) {
	u := newMemUnitOfWork()
	svc := newTestService(u)
	post := u.addPost("cancelled")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.UpdateRating(ctx, post, "alice", true)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, u.aggregate(post))
}

func TestConcurrentFirstVotesBothLand(t *testing.T) {
	u := newMemUnitOfWork()
	svc := newTestService(u)
	post := u.addPost("fresh")

	var wg sync.WaitGroup
	for _, user := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			_, err := svc.UpdateRating(context.Background(), post, name, true)
			assert.NoError(t, err)
		}(user)
	}
	wg.Wait()

	// never 1: neither increment may be lost
	assert.Equal(t, 2, u.aggregate(post))
	assert.Equal(t, u.sumActive(post), u.aggregate(post))
}

// The aggregate must equal the sum of active ledger rows after every call,
// whatever sequence of votes and retractions a fixed set of users produces.
func TestAggregateMatchesLedgerUnderRandomSequences(t *testing.T) {
	u := newMemUnitOfWork()
	svc := newTestService(u)
	ctx := context.Background()
	post := u.addPost("churn")
	users := []string{"alice", "bob", "carol", "dave"}

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 400; i++ {
		user := users[rng.Intn(len(users))]
		var err error
		switch rng.Intn(3) {
		case 0:
			_, err = svc.UpdateRating(ctx, post, user, true)
		case 1:
			_, err = svc.UpdateRating(ctx, post, user, false)
		default:
			_, err = svc.RemoveRating(ctx, post, user)
		}
		require.NoError(t, err)
		require.Equal(t, u.sumActive(post), u.aggregate(post), "step %d", i)
		require.LessOrEqual(t, u.activeRows(post), len(users))
	}
}

func TestListUserRatings(t *testing.T) {
	u := newMemUnitOfWork()
	svc := newTestService(u)
	ctx := context.Background()

	first := u.addPost("go generics")
	second := u.addPost("mysql locking")
	third := u.addPost("hidden post")

	_, err := svc.UpdateRating(ctx, first, "alice", true)
	require.NoError(t, err)
	_, err = svc.UpdateRating(ctx, second, "alice", false)
	require.NoError(t, err)
	_, err = svc.UpdateRating(ctx, third, "alice", true)
	require.NoError(t, err)
	_, err = svc.UpdateRating(ctx, first, "bob", true)
	require.NoError(t, err)

	// retracted votes and soft-deleted posts drop out of the view
	_, err = svc.RemoveRating(ctx, second, "alice")
	require.NoError(t, err)
	u.deactivatePost(third)

	items, err := svc.ListUserRatings(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "go generics", items[0].PostName)
	assert.Equal(t, 1, items[0].CurrentRatingValue)

	items, err = svc.ListUserRatings(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, items)

	_, err = svc.ListUserRatings(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidUser)
}
