package chi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	apierrors "github.com/nkkko/pincer/internal/api/errors"
	"github.com/nkkko/pincer/internal/api/models"
	"github.com/nkkko/pincer/internal/api/response"
	"github.com/nkkko/pincer/internal/api/validation"
	"github.com/nkkko/pincer/internal/fanout"
	"github.com/nkkko/pincer/internal/topic"
	"github.com/nkkko/pincer/pkg/model"
)

// handleCreatePage creates a page with its default category
func (a *ChiAPI) handleCreatePage(w http.ResponseWriter, r *http.Request) {
	var req models.CreatePageRequest
	if err := validation.ParseAndValidate(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}

	page, def, err := a.store.CreatePage(r.Context(), req.ToModel())
	if err != nil {
		response.Error(w, r, err)
		return
	}
	a.index.Invalidate()

	response.JSON(w, r, http.StatusCreated, models.PageFromModel(page, def))
}

// handleCreateCategory adds a named category to a page
func (a *ChiAPI) handleCreateCategory(w http.ResponseWriter, r *http.Request) {
	pageID := chi.URLParam(r, "id")

	var req models.CreateCategoryRequest
	if err := validation.ParseAndValidate(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}

	category, err := a.store.CreateCategory(r.Context(), pageID, req.Name)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	a.index.Invalidate()

	response.JSON(w, r, http.StatusCreated, models.CategoryFromModel(category))
}

// handleContentCategories lists every category whose content the page shows:
// its default category and everything that transitively includes.
func (a *ChiAPI) handleContentCategories(w http.ResponseWriter, r *http.Request) {
	pageID := chi.URLParam(r, "id")

	g, err := a.index.Get(r.Context())
	if err != nil {
		response.Error(w, r, err)
		return
	}
	def, ok := g.DefaultCategory(pageID)
	if !ok {
		response.Error(w, r, apierrors.NotFoundError("page_not_found", "Page not found"))
		return
	}

	ids := topic.FlattenIncluded(g, []string{def.ID}).Sorted()
	response.JSON(w, r, http.StatusOK, models.CategoryListResponse{CategoryIDs: ids})
}

func (a *ChiAPI) inclusionParams(r *http.Request) (string, string, error) {
	from, to := chi.URLParam(r, "id"), chi.URLParam(r, "target")
	if from == to {
		return "", "", apierrors.ValidationError("self_inclusion", "A category cannot include itself")
	}
	return from, to, nil
}

func (a *ChiAPI) handleAddInclusion(w http.ResponseWriter, r *http.Request) {
	from, to, err := a.inclusionParams(r)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	if err := a.store.AddInclusion(r.Context(), from, to); err != nil {
		response.Error(w, r, err)
		return
	}
	a.index.Invalidate()

	response.JSON(w, r, http.StatusOK, models.StatusResponse{Status: "included"})
}

func (a *ChiAPI) handleRemoveInclusion(w http.ResponseWriter, r *http.Request) {
	from, to, err := a.inclusionParams(r)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	if err := a.store.RemoveInclusion(r.Context(), from, to); err != nil {
		response.Error(w, r, err)
		return
	}
	a.index.Invalidate()

	response.JSON(w, r, http.StatusOK, models.StatusResponse{Status: "removed"})
}

func (a *ChiAPI) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req models.CreateUserRequest
	if err := validation.ParseAndValidate(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}

	user, err := a.store.CreateUser(r.Context(), model.User{Email: req.Email})
	if err != nil {
		response.Error(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusCreated, models.UserFromModel(user))
}

func (a *ChiAPI) handleAddPushSubscription(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	var req models.PushSubscriptionRequest
	if err := validation.ParseAndValidate(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}

	sub, err := a.store.AddPushSubscription(r.Context(), req.ToModel(userID))
	if err != nil {
		response.Error(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusCreated, models.PushSubscriptionFromModel(sub))
}

func (a *ChiAPI) handleListInterests(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	if _, err := a.store.GetUser(r.Context(), userID); err != nil {
		response.Error(w, r, err)
		return
	}
	subs, err := a.store.ListSubscriptions(r.Context(), userID)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, models.InterestsFromModel(subs))
}

func (a *ChiAPI) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	var req models.InterestRequest
	if err := validation.ParseAndValidate(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}

	interest, err := a.store.Subscribe(r.Context(), userID, req.InterestKind(), req.Target)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	a.index.Invalidate()

	response.JSON(w, r, http.StatusOK, models.InterestFromModel(interest))
}

func (a *ChiAPI) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	var req models.InterestRequest
	if err := validation.ParseAndValidate(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}

	if err := a.store.Unsubscribe(r.Context(), userID, req.InterestKind(), req.Target); err != nil {
		response.Error(w, r, err)
		return
	}
	a.index.Invalidate()

	response.JSON(w, r, http.StatusOK, models.StatusResponse{Status: "unsubscribed"})
}

// handleSelection replaces the categories a user follows with one kind by
// the smallest subset of the selection that still covers it
func (a *ChiAPI) handleSelection(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	var req models.SelectionRequest
	if err := validation.ParseAndValidate(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}

	g, err := a.index.Get(r.Context())
	if err != nil {
		response.Error(w, r, err)
		return
	}
	for _, id := range req.CategoryIDs {
		if _, ok := g.Category(id); !ok {
			response.Error(w, r, apierrors.NotFoundError("category_not_found", "Unknown category "+id))
			return
		}
	}

	kept := topic.OptimizeSelection(g, req.CategoryIDs).Sorted()
	if err := a.store.ReplaceCategorySubscriptions(r.Context(), userID, req.InterestKind(), kept); err != nil {
		response.Error(w, r, err)
		return
	}
	a.index.Invalidate()

	response.JSON(w, r, http.StatusOK, models.SelectionResponse{
		Kind:        string(req.InterestKind()),
		CategoryIDs: kept,
	})
}

// handleCreateEvent stores an event together with its publish task and fans
// out its notification
func (a *ChiAPI) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var req models.CreateEventRequest
	if err := validation.ParseAndValidate(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}

	event := req.ToModel()
	event.ID = uuid.New().String()
	publish := a.publishTask(model.ContentEvent, event.ID)

	event, err := a.store.CreateEvent(r.Context(), event, publish)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	notificationID := a.publish(r.Context(), publish, fanout.EventPublication(event))
	response.JSON(w, r, http.StatusCreated, models.PublishResponse{ID: event.ID, NotificationID: notificationID})
}

// handleCreatePost stores a post together with its publish task and fans out
// its notification. Subscribers of the post's event are notified too.
func (a *ChiAPI) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	var req models.CreatePostRequest
	if err := validation.ParseAndValidate(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}

	post := req.ToModel()
	post.ID = uuid.New().String()
	publish := a.publishTask(model.ContentPost, post.ID)

	post, err := a.store.CreatePost(r.Context(), post, publish)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	notificationID := a.publish(r.Context(), publish, fanout.PostPublication(post))
	response.JSON(w, r, http.StatusCreated, models.PublishResponse{ID: post.ID, NotificationID: notificationID})
}

// publishTask is stored with the content so the fan-out survives a crash or
// a failed inline attempt
func (a *ChiAPI) publishTask(content model.ContentKind, contentID string) model.BackgroundTask {
	return model.BackgroundTask{
		ID: uuid.New().String(),
		Payload: model.ContentPublished{
			Content:        content,
			ContentID:      contentID,
			NotificationID: uuid.New().String(),
		},
		CreatedAt: a.clock.Now().UTC(),
	}
}

// publish fans out inline and drops the publish task afterwards. When the
// fan-out fails the task stays and the dispatcher retries it.
func (a *ChiAPI) publish(ctx context.Context, task model.BackgroundTask, pub fanout.Publication) string {
	notificationID := task.Payload.(model.ContentPublished).NotificationID
	pub.Notification.ID = notificationID

	if _, err := a.publisher.OnPublish(ctx, pub); err != nil {
		a.logger.Warn().
			Err(err).
			Str("notification_id", notificationID).
			Msg("Inline fan-out failed, leaving it to the publish task")
		a.waker.Wake()
		return notificationID
	}
	if err := a.store.DeleteTasks(ctx, []string{task.ID}); err != nil {
		a.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to drop publish task")
		a.waker.Wake()
	}
	return notificationID
}

// handleCreateOpening stores an opening together with the task that
// announces it once it starts
func (a *ChiAPI) handleCreateOpening(w http.ResponseWriter, r *http.Request) {
	var req models.CreateOpeningRequest
	if err := validation.ParseAndValidate(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}

	id := uuid.New().String()
	startsAt := req.StartsAt.UTC()
	start := model.BackgroundTask{
		ID:        uuid.New().String(),
		Payload:   model.OpeningStarted{OpeningID: id},
		CreatedAt: a.clock.Now().UTC(),
		NotBefore: &startsAt,
	}

	opening, err := a.store.CreateOpening(r.Context(), model.Opening{
		ID:          id,
		Title:       req.Title,
		CategoryIDs: req.CategoryIDs,
		StartsAt:    startsAt,
	}, start)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	a.waker.Wake()

	a.logger.Info().
		Str("opening_id", opening.ID).
		Time("starts_at", opening.StartsAt).
		Msg("Opening scheduled")
	response.JSON(w, r, http.StatusCreated, models.OpeningFromModel(opening))
}
