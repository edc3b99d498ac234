package sqlstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nkkko/pincer/internal/storage"
	"github.com/nkkko/pincer/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore creates an in-memory store with all migrations applied
func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(Config{Driver: DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, s.Close())
	})
	return s
}

func createTestPage(t *testing.T, s *Store, name string) (model.Page, model.Category) {
	t.Helper()
	p, def, err := s.CreatePage(context.Background(), model.Page{Name: name, ExternalIDs: []string{"ext-" + name}})
	require.NoError(t, err)
	return p, def
}

// publishTask is the task stored together with content
func publishTask(content model.ContentKind, id string) model.BackgroundTask {
	return model.BackgroundTask{
		ID:      "publish-" + id,
		Payload: model.ContentPublished{Content: content, ContentID: id, NotificationID: "n-" + id},
	}
}

func createTestUser(t *testing.T, s *Store, email string) model.User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), model.User{Email: email})
	require.NoError(t, err)
	return u
}

func TestOpenAppliesMigrationsOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "pincer.db")

	s, err := Open(Config{DSN: path})
	require.NoError(t, err)
	createTestPage(t, s, "kept")
	require.NoError(t, s.Close())

	s, err = Open(Config{DSN: path})
	require.NoError(t, err)
	defer s.Close()

	var version int
	require.NoError(t, s.db.Get(&version, "SELECT MAX(version) FROM schema_version"))
	assert.Equal(t, migrations[len(migrations)-1].version, version)

	snapshot, err := s.LoadTopicSnapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snapshot.Pages, 1)
	assert.Equal(t, "kept", snapshot.Pages[0].Name)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle", DSN: "x"})
	assert.Error(t, err)
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestPageAndCategories(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, def := createTestPage(t, s, "bakery")
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, p.ID, def.PageID)
	assert.True(t, def.IsDefault())

	got, err := s.GetPage(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "bakery", got.Name)
	assert.Equal(t, []string{"ext-bakery"}, got.ExternalIDs)

	bread, err := s.CreateCategory(ctx, p.ID, "bread")
	require.NoError(t, err)
	assert.Equal(t, "bread", *bread.Name)

	_, err = s.CreateCategory(ctx, p.ID, "bread")
	assert.ErrorIs(t, err, storage.ErrConflict)

	_, err = s.CreateCategory(ctx, "no-such-page", "bread")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.GetPage(ctx, "no-such-page")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, _, err = s.CreatePage(ctx, model.Page{Name: "  "})
	assert.Error(t, err)
}

func TestLoadTopicSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pa, a := createTestPage(t, s, "a")
	_, b := createTestPage(t, s, "b")
	news, err := s.CreateCategory(ctx, pa.ID, "news")
	require.NoError(t, err)

	require.NoError(t, s.AddInclusion(ctx, a.ID, b.ID))
	require.NoError(t, s.AddInclusion(ctx, a.ID, b.ID))
	require.NoError(t, s.AddInclusion(ctx, news.ID, a.ID))
	assert.ErrorIs(t, s.AddInclusion(ctx, a.ID, "missing"), storage.ErrNotFound)

	u := createTestUser(t, s, "u@example.com")
	_, err = s.Subscribe(ctx, u.ID, model.InterestPushOnPublish, model.CategoryTarget(a.ID))
	require.NoError(t, err)

	ev, err := s.CreateEvent(ctx,
		model.Event{ID: "fair", PageID: pa.ID, Title: "Fair", CategoryIDs: []string{a.ID}},
		publishTask(model.ContentEvent, "fair"))
	require.NoError(t, err)
	_, err = s.Subscribe(ctx, u.ID, model.InterestEmailOnPublish, model.EventTarget(ev.ID))
	require.NoError(t, err)

	snapshot, err := s.LoadTopicSnapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snapshot.Pages, 2)
	assert.Len(t, snapshot.Categories, 3)

	includes := map[string][]string{}
	for _, c := range snapshot.Categories {
		includes[c.ID] = c.Includes
	}
	assert.Equal(t, []string{b.ID}, includes[a.ID])
	assert.Equal(t, []string{a.ID}, includes[news.ID])
	assert.Empty(t, includes[b.ID])

	// Only category interests belong to the topic structure.
	require.Len(t, snapshot.Interests, 1)
	assert.Equal(t, model.CategoryTarget(a.ID), snapshot.Interests[0].Target)

	require.NoError(t, s.RemoveInclusion(ctx, a.ID, b.ID))
	snapshot, err = s.LoadTopicSnapshot(ctx)
	require.NoError(t, err)
	for _, c := range snapshot.Categories {
		if c.ID == a.ID {
			assert.Empty(t, c.Includes)
		}
	}
}

func TestSubscriptions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, a := createTestPage(t, s, "a")
	u := createTestUser(t, s, "u@example.com")

	first, err := s.Subscribe(ctx, u.ID, model.InterestEmailOnPublish, model.CategoryTarget(a.ID))
	require.NoError(t, err)
	second, err := s.Subscribe(ctx, u.ID, model.InterestEmailOnPublish, model.CategoryTarget(a.ID))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	subs, err := s.ListSubscriptions(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, model.InterestEmailOnPublish, subs[0].Interest.Kind)

	_, err = s.Subscribe(ctx, u.ID, model.InterestEmailOnPublish, model.CategoryTarget("missing"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.Subscribe(ctx, "ghost", model.InterestEmailOnPublish, model.CategoryTarget(a.ID))
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.Subscribe(ctx, u.ID, model.InterestEmailOnPublish, model.InterestTarget{Kind: "page", ID: a.ID})
	assert.Error(t, err)

	require.NoError(t, s.Unsubscribe(ctx, u.ID, model.InterestEmailOnPublish, model.CategoryTarget(a.ID)))
	subs, err = s.ListSubscriptions(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestReplaceCategorySubscriptions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, a := createTestPage(t, s, "a")
	_, b := createTestPage(t, s, "b")
	_, c := createTestPage(t, s, "c")
	u := createTestUser(t, s, "u@example.com")

	_, err := s.Subscribe(ctx, u.ID, model.InterestPushOnPublish, model.CategoryTarget(a.ID))
	require.NoError(t, err)
	_, err = s.Subscribe(ctx, u.ID, model.InterestEmailOnPublish, model.CategoryTarget(a.ID))
	require.NoError(t, err)

	require.NoError(t, s.ReplaceCategorySubscriptions(ctx, u.ID, model.InterestPushOnPublish, []string{b.ID, c.ID}))

	subs, err := s.ListSubscriptions(ctx, u.ID)
	require.NoError(t, err)
	var push, email []string
	for _, sub := range subs {
		switch sub.Interest.Kind {
		case model.InterestPushOnPublish:
			push = append(push, sub.Interest.Target.ID)
		case model.InterestEmailOnPublish:
			email = append(email, sub.Interest.Target.ID)
		}
	}
	assert.ElementsMatch(t, []string{b.ID, c.ID}, push)
	assert.Equal(t, []string{a.ID}, email)

	require.NoError(t, s.ReplaceCategorySubscriptions(ctx, u.ID, model.InterestPushOnPublish, nil))
	subs, err = s.ListSubscriptions(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, subs, 1)

	err = s.ReplaceCategorySubscriptions(ctx, u.ID, model.InterestPushOnPublish, []string{"missing"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
	err = s.ReplaceCategorySubscriptions(ctx, "ghost", model.InterestPushOnPublish, []string{a.ID})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFindSubscribers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pa, a := createTestPage(t, s, "a")
	_, b := createTestPage(t, s, "b")
	u1 := createTestUser(t, s, "u1@example.com")
	u2 := createTestUser(t, s, "u2@example.com")
	u3 := createTestUser(t, s, "u3@example.com")

	ev, err := s.CreateEvent(ctx,
		model.Event{ID: "fair", PageID: pa.ID, Title: "Fair", CategoryIDs: []string{a.ID}},
		publishTask(model.ContentEvent, "fair"))
	require.NoError(t, err)

	for _, sub := range []struct {
		user   string
		kind   model.InterestKind
		target model.InterestTarget
	}{
		{u1.ID, model.InterestPushOnPublish, model.CategoryTarget(a.ID)},
		{u1.ID, model.InterestPushOnPublish, model.CategoryTarget(b.ID)},
		{u2.ID, model.InterestEmailOnPublish, model.EventTarget(ev.ID)},
		{u3.ID, model.InterestPushOnOrderStart, model.CategoryTarget(a.ID)},
		{u3.ID, model.InterestShowInFeed, model.CategoryTarget(a.ID)},
	} {
		_, err := s.Subscribe(ctx, sub.user, sub.kind, sub.target)
		require.NoError(t, err)
	}

	publish := model.KindsFor(model.TriggerPublish)

	subs, err := s.FindSubscribers(ctx, storage.SubscriberQuery{
		CategoryIDs: []string{a.ID, b.ID},
		EventID:     ev.ID,
		Kinds:       publish,
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []storage.Subscriber{
		{UserID: u1.ID, Kind: model.InterestPushOnPublish},
		{UserID: u2.ID, Kind: model.InterestEmailOnPublish},
	}, subs)

	subs, err = s.FindSubscribers(ctx, storage.SubscriberQuery{
		CategoryIDs: []string{a.ID},
		Kinds:       model.KindsFor(model.TriggerOrderStart),
	})
	require.NoError(t, err)
	assert.Equal(t, []storage.Subscriber{{UserID: u3.ID, Kind: model.InterestPushOnOrderStart}}, subs)

	subs, err = s.FindSubscribers(ctx, storage.SubscriberQuery{Kinds: publish})
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pa, a := createTestPage(t, s, "a")

	ev, err := s.CreateEvent(ctx,
		model.Event{ID: "fair", PageID: pa.ID, Title: "Fair", CategoryIDs: []string{a.ID}},
		publishTask(model.ContentEvent, "fair"))
	require.NoError(t, err)
	gotEvent, err := s.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, gotEvent.CategoryIDs)

	publishedAt := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	post, err := s.CreatePost(ctx, model.Post{
		ID:          "stall-map",
		EventID:     &ev.ID,
		Title:       "Stall map",
		Body:        "Find us at row 3",
		CategoryIDs: []string{a.ID},
		PublishedAt: publishedAt,
	}, publishTask(model.ContentPost, "stall-map"))
	require.NoError(t, err)

	gotPost, err := s.GetPost(ctx, post.ID)
	require.NoError(t, err)
	require.NotNil(t, gotPost.EventID)
	assert.Equal(t, ev.ID, *gotPost.EventID)
	assert.True(t, publishedAt.Equal(gotPost.PublishedAt))
	assert.Equal(t, []string{a.ID}, gotPost.CategoryIDs)

	_, err = s.CreatePost(ctx, model.Post{ID: "x", Title: "x", CategoryIDs: []string{"missing"}},
		publishTask(model.ContentPost, "x"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetPost(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Each stored item brought its publish task; the failed post did not.
	tasks, err := s.ClaimableTasks(ctx, storage.TaskQuery{Now: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	var published []model.TaskPayload
	for _, task := range tasks {
		published = append(published, task.Payload)
	}
	assert.ElementsMatch(t, []model.TaskPayload{
		model.ContentPublished{Content: model.ContentEvent, ContentID: "fair", NotificationID: "n-fair"},
		model.ContentPublished{Content: model.ContentPost, ContentID: "stall-map", NotificationID: "n-stall-map"},
	}, published)
}

func TestCreateOpeningEnqueuesStartTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, a := createTestPage(t, s, "a")
	startsAt := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	opening, err := s.CreateOpening(ctx,
		model.Opening{ID: "o1", Title: "Spring sale", CategoryIDs: []string{a.ID}, StartsAt: startsAt},
		model.BackgroundTask{ID: "task-o1", Payload: model.OpeningStarted{OpeningID: "o1"}, NotBefore: &startsAt},
	)
	require.NoError(t, err)

	got, err := s.GetOpening(ctx, opening.ID)
	require.NoError(t, err)
	assert.True(t, startsAt.Equal(got.StartsAt))
	assert.Equal(t, []string{a.ID}, got.CategoryIDs)

	due, err := s.ClaimableTasks(ctx, storage.TaskQuery{Now: startsAt.Add(-time.Second)})
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = s.ClaimableTasks(ctx, storage.TaskQuery{Now: startsAt})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, model.OpeningStarted{OpeningID: "o1"}, due[0].Payload)
}

func TestUsersAndPushSubscriptions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := createTestUser(t, s, "u@example.com")
	_, err := s.CreateUser(ctx, model.User{Email: "u@example.com"})
	assert.ErrorIs(t, err, storage.ErrConflict)

	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "u@example.com", got.Email)

	sub, err := s.AddPushSubscription(ctx, model.PushSubscription{UserID: u.ID, Endpoint: "https://push.example/1", P256dh: "k1", Auth: "a1"})
	require.NoError(t, err)
	again, err := s.AddPushSubscription(ctx, model.PushSubscription{UserID: u.ID, Endpoint: "https://push.example/1", P256dh: "k2", Auth: "a2"})
	require.NoError(t, err)
	assert.Equal(t, sub.ID, again.ID)
	assert.Equal(t, "k2", again.P256dh)

	_, err = s.AddPushSubscription(ctx, model.PushSubscription{UserID: "ghost", Endpoint: "https://push.example/2"})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	subs, err := s.ListPushSubscriptions(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, subs, 1)

	require.NoError(t, s.DeletePushSubscription(ctx, sub.ID))
	assert.ErrorIs(t, s.DeletePushSubscription(ctx, sub.ID), storage.ErrNotFound)
}

func TestClaimableTasksOrderingAndExclusion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		v := base.Add(d)
		return &v
	}

	require.NoError(t, s.EnqueueTasks(ctx,
		model.BackgroundTask{ID: "t1", Payload: model.EmailDelivery{RequestID: "r1"}, CreatedAt: base.Add(2 * time.Second)},
		model.BackgroundTask{ID: "t2", Payload: model.PushDelivery{RequestID: "r2"}, CreatedAt: base, NotBefore: at(3 * time.Second)},
		model.BackgroundTask{ID: "t4", Payload: model.EmailDelivery{RequestID: "r4"}, CreatedAt: base.Add(time.Second)},
		model.BackgroundTask{ID: "t3", Payload: model.EmailDelivery{RequestID: "r3"}, CreatedAt: base.Add(time.Second)},
		model.BackgroundTask{ID: "t5", Payload: model.OpeningStarted{OpeningID: "o"}, CreatedAt: base, NotBefore: at(time.Hour)},
	))

	ids := func(tasks []model.BackgroundTask) []string {
		out := make([]string, len(tasks))
		for i, t := range tasks {
			out[i] = t.ID
		}
		return out
	}

	now := base.Add(10 * time.Second)
	tasks, err := s.ClaimableTasks(ctx, storage.TaskQuery{Now: now, Limit: 100})
	require.NoError(t, err)
	assert.Equal(t, []string{"t3", "t4", "t1", "t2"}, ids(tasks))

	tasks, err = s.ClaimableTasks(ctx, storage.TaskQuery{Now: now, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"t3", "t4"}, ids(tasks))

	tasks, err = s.ClaimableTasks(ctx, storage.TaskQuery{Now: now, ExcludeIDs: []string{"t3", "t4"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, ids(tasks))

	tasks, err = s.ClaimableTasks(ctx, storage.TaskQuery{Now: now, ExcludeKinds: []model.TaskKind{model.TaskEmailDelivery}})
	require.NoError(t, err)
	assert.Equal(t, []string{"t2"}, ids(tasks))

	tasks, err = s.ClaimableTasks(ctx, storage.TaskQuery{Now: now, ExcludeKinds: model.AllTaskKinds})
	require.NoError(t, err)
	assert.Empty(t, tasks)

	tasks, err = s.ClaimableTasks(ctx, storage.TaskQuery{Now: base.Add(2 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, []string{"t3", "t4", "t1", "t2", "t5"}, ids(tasks))

	require.NoError(t, s.DeleteTasks(ctx, []string{"t1", "t3", "unknown"}))
	require.NoError(t, s.DeleteTasks(ctx, nil))
	tasks, err = s.ClaimableTasks(ctx, storage.TaskQuery{Now: now})
	require.NoError(t, err)
	assert.Equal(t, []string{"t4", "t2"}, ids(tasks))
}

func TestClaimableTasksDropsUndecodableRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, id := range []string{"bad-1", "bad-2"} {
		_, err := s.db.ExecContext(ctx,
			s.db.Rebind("INSERT INTO background_tasks (id, kind, payload, created_at) VALUES (?, ?, ?, ?)"),
			id, string(model.TaskEmailDelivery), "{not json", base)
		require.NoError(t, err)
	}
	require.NoError(t, s.EnqueueTasks(ctx, model.BackgroundTask{
		ID:        "good",
		Payload:   model.EmailDelivery{RequestID: "r1"},
		CreatedAt: base.Add(time.Minute),
	}))

	now := base.Add(time.Hour)
	tasks, err := s.ClaimableTasks(ctx, storage.TaskQuery{Now: now, Limit: 2})
	require.NoError(t, err)
	assert.Empty(t, tasks, "the page only held broken rows")

	tasks, err = s.ClaimableTasks(ctx, storage.TaskQuery{Now: now, Limit: 2})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "good", tasks[0].ID)

	var count int
	require.NoError(t, s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM background_tasks"))
	assert.Equal(t, 1, count)
}

func TestEnqueueTasksIgnoresExistingIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := model.BackgroundTask{ID: "same", Payload: model.EmailDelivery{RequestID: "r1"}}
	require.NoError(t, s.EnqueueTasks(ctx, task))
	task.Payload = model.EmailDelivery{RequestID: "r2"}
	require.NoError(t, s.EnqueueTasks(ctx, task))

	tasks, err := s.ClaimableTasks(ctx, storage.TaskQuery{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, model.EmailDelivery{RequestID: "r1"}, tasks[0].Payload)
}

func TestFanoutPersistenceAndDelivery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := createTestUser(t, s, "u@example.com")
	n := model.Notification{ID: "n1", Kind: model.NotificationPostPublished, SubjectID: "p1", Title: "Hello", Body: "World"}
	email := model.NotificationRequest{ID: "r-email", NotificationID: "n1", UserID: u.ID, Channel: model.ChannelEmail}
	push := model.NotificationRequest{ID: "r-push", NotificationID: "n1", UserID: u.ID, Channel: model.ChannelPush}

	require.NoError(t, s.PersistFanout(ctx, storage.FanoutBatch{
		Notification: n,
		Requests:     []model.NotificationRequest{email, push},
		Tasks: []model.BackgroundTask{
			{ID: "task-email", Payload: email.DeliveryTask()},
			{ID: "task-push", Payload: push.DeliveryTask()},
		},
	}))

	reqs, err := s.ListRequests(ctx, "n1")
	require.NoError(t, err)
	assert.Len(t, reqs, 2)

	d, err := s.LoadDelivery(ctx, "r-email")
	require.NoError(t, err)
	assert.Equal(t, model.ChannelEmail, d.Request.Channel)
	assert.Equal(t, "Hello", d.Notification.Title)
	assert.Equal(t, model.NotificationPostPublished, d.Notification.Kind)
	assert.Equal(t, "u@example.com", d.User.Email)

	require.NoError(t, s.CompleteDelivery(ctx, "r-email", "task-email"))
	_, err = s.LoadDelivery(ctx, "r-email")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	tasks, err := s.ClaimableTasks(ctx, storage.TaskQuery{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "task-push", tasks[0].ID)

	// A duplicate (notification, user, channel) request rolls back the whole batch.
	err = s.PersistFanout(ctx, storage.FanoutBatch{
		Notification: model.Notification{ID: "n2", Kind: model.NotificationPostPublished, SubjectID: "p2", Title: "x"},
		Requests: []model.NotificationRequest{
			{ID: "a", NotificationID: "n2", UserID: u.ID, Channel: model.ChannelPush},
			{ID: "b", NotificationID: "n2", UserID: u.ID, Channel: model.ChannelPush},
		},
	})
	assert.ErrorIs(t, err, storage.ErrConflict)
	_, err = s.GetNotification(ctx, "n2")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Writing a stored notification again is rejected and writes nothing.
	err = s.PersistFanout(ctx, storage.FanoutBatch{
		Notification: n,
		Requests:     []model.NotificationRequest{{ID: "again", NotificationID: "n1", UserID: u.ID, Channel: model.ChannelPush}},
		Tasks:        []model.BackgroundTask{{ID: "task-again", Payload: model.PushDelivery{RequestID: "again"}}},
	})
	assert.ErrorIs(t, err, storage.ErrNotificationExists)
	tasks, err = s.ClaimableTasks(ctx, storage.TaskQuery{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "task-push", tasks[0].ID)
}
