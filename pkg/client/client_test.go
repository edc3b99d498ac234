package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apichi "github.com/nkkko/pincer/internal/api/chi"
	"github.com/nkkko/pincer/internal/fanout"
	"github.com/nkkko/pincer/internal/storage/sqlstore"
	"github.com/nkkko/pincer/internal/topic"
	"github.com/nkkko/pincer/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopWaker struct{}

func (nopWaker) Wake() {}

func newTestClient(t *testing.T) *Client {
	t.Helper()

	store, err := sqlstore.Open(sqlstore.Config{DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	index := topic.NewIndexCache(store, topic.DefaultIndexConfig())
	service, err := fanout.NewService(index, store, nopWaker{}, fanout.DefaultConfig())
	require.NoError(t, err)

	api := apichi.NewChiAPI(apichi.DefaultConfig(), store, index, service, nopWaker{})
	server := httptest.NewServer(api.Handler())
	t.Cleanup(server.Close)

	return New(server.URL, WithTimeout(5*time.Second))
}

func TestClientPagesAndInclusions(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	hall, err := c.CreatePage(ctx, "Hall", "ext-1")
	require.NoError(t, err)
	assert.NotEmpty(t, hall.DefaultCategoryID)
	assert.Equal(t, []string{"ext-1"}, hall.ExternalIDs)

	jazz, err := c.CreateCategory(ctx, hall.ID, "Jazz")
	require.NoError(t, err)
	assert.Equal(t, "Jazz", jazz.Name)
	assert.False(t, jazz.Default)

	club, err := c.CreatePage(ctx, "Club")
	require.NoError(t, err)

	require.NoError(t, c.Include(ctx, hall.DefaultCategoryID, club.DefaultCategoryID))

	ids, err := c.ContentCategories(ctx, hall.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{hall.DefaultCategoryID, club.DefaultCategoryID}, ids)

	require.NoError(t, c.Exclude(ctx, hall.DefaultCategoryID, club.DefaultCategoryID))

	ids, err = c.ContentCategories(ctx, hall.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{hall.DefaultCategoryID}, ids)
}

func TestClientInterests(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	page, err := c.CreatePage(ctx, "Hall")
	require.NoError(t, err)
	user, err := c.CreateUser(ctx, "fan@example.com")
	require.NoError(t, err)

	target := model.CategoryTarget(page.DefaultCategoryID)
	interest, err := c.Subscribe(ctx, user.ID, model.InterestEmailOnPublish, target)
	require.NoError(t, err)
	assert.Equal(t, model.InterestEmailOnPublish, interest.Kind)
	assert.Equal(t, target, interest.Target)

	interests, err := c.Interests(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, interests, 1)

	require.NoError(t, c.Unsubscribe(ctx, user.ID, model.InterestEmailOnPublish, target))

	interests, err = c.Interests(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, interests)

	sub, err := c.AddPushSubscription(ctx, user.ID, "https://push.example.com/1", "key", "secret")
	require.NoError(t, err)
	assert.Equal(t, user.ID, sub.UserID)
}

func TestClientSelectCategories(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	page, err := c.CreatePage(ctx, "Hall")
	require.NoError(t, err)
	jazz, err := c.CreateCategory(ctx, page.ID, "Jazz")
	require.NoError(t, err)
	require.NoError(t, c.Include(ctx, page.DefaultCategoryID, jazz.ID))

	user, err := c.CreateUser(ctx, "fan@example.com")
	require.NoError(t, err)

	kept, err := c.SelectCategories(ctx, user.ID, model.InterestShowInFeed, []string{page.DefaultCategoryID, jazz.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{page.DefaultCategoryID}, kept)
}

func TestClientPublish(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	page, err := c.CreatePage(ctx, "Hall")
	require.NoError(t, err)

	event, err := c.PublishEvent(ctx, page.ID, "Concert", []string{page.DefaultCategoryID})
	require.NoError(t, err)
	assert.NotEmpty(t, event.ID)
	assert.NotEmpty(t, event.NotificationID)

	post, err := c.PublishPost(ctx, Post{
		EventID:     event.ID,
		Title:       "Doors open at 8",
		Body:        "See you there",
		CategoryIDs: []string{page.DefaultCategoryID},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, post.NotificationID)

	startsAt := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	opening, err := c.ScheduleOpening(ctx, "Presale", []string{page.DefaultCategoryID}, startsAt)
	require.NoError(t, err)
	assert.True(t, startsAt.Equal(opening.StartsAt))
}

func TestClientErrors(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Ready(ctx))

	_, err := c.ContentCategories(ctx, "missing")
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "page_not_found", apiErr.Code)

	_, err = c.CreatePage(ctx, "")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
}
