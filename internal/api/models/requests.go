package models

import (
	"time"

	"github.com/nkkko/pincer/internal/api/errors"
	"github.com/nkkko/pincer/internal/api/validation"
	"github.com/nkkko/pincer/pkg/model"
)

const (
	maxNameLength  = 200
	maxTitleLength = 500
	maxBodyLength  = 64 << 10
	maxCategories  = 1000
)

// CreatePageRequest is the request to create a page
type CreatePageRequest struct {
	Name        string   `json:"name"`
	ExternalIDs []string `json:"external_ids,omitempty"`
}

// Validate validates the request
func (r *CreatePageRequest) Validate() error {
	return validation.First(
		validation.Required("name", r.Name),
		validation.MaxLength("name", r.Name, maxNameLength),
	)
}

// ToModel converts the request to a page
func (r *CreatePageRequest) ToModel() model.Page {
	return model.Page{Name: r.Name, ExternalIDs: r.ExternalIDs}
}

// CreateCategoryRequest is the request to add a named category to a page
type CreateCategoryRequest struct {
	Name string `json:"name"`
}

// Validate validates the request
func (r *CreateCategoryRequest) Validate() error {
	return validation.First(
		validation.Required("name", r.Name),
		validation.MaxLength("name", r.Name, maxNameLength),
	)
}

// CreateUserRequest is the request to create a user
type CreateUserRequest struct {
	Email string `json:"email"`
}

// Validate validates the request
func (r *CreateUserRequest) Validate() error {
	return validation.First(
		validation.Required("email", r.Email),
		validation.MaxLength("email", r.Email, maxNameLength),
	)
}

// PushSubscriptionRequest registers a browser push endpoint
type PushSubscriptionRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// Validate validates the request
func (r *PushSubscriptionRequest) Validate() error {
	return validation.First(
		validation.Required("endpoint", r.Endpoint),
		validation.Required("keys.p256dh", r.Keys.P256dh),
		validation.Required("keys.auth", r.Keys.Auth),
	)
}

// ToModel converts the request to a push subscription of userID
func (r *PushSubscriptionRequest) ToModel(userID string) model.PushSubscription {
	return model.PushSubscription{
		UserID:   userID,
		Endpoint: r.Endpoint,
		P256dh:   r.Keys.P256dh,
		Auth:     r.Keys.Auth,
	}
}

// InterestRequest subscribes or unsubscribes a user
type InterestRequest struct {
	Kind   string               `json:"kind"`
	Target model.InterestTarget `json:"target"`

	kind model.InterestKind
}

// Validate validates the request
func (r *InterestRequest) Validate() error {
	kind, err := model.ParseInterestKind(r.Kind)
	if err != nil {
		return errors.ValidationError("invalid_kind", err.Error())
	}
	if err := r.Target.Validate(); err != nil {
		return errors.ValidationError("invalid_target", err.Error())
	}
	r.kind = kind
	return nil
}

// InterestKind returns the parsed kind, valid after Validate
func (r *InterestRequest) InterestKind() model.InterestKind {
	return r.kind
}

// SelectionRequest replaces the categories a user follows with one kind
type SelectionRequest struct {
	Kind        string   `json:"kind"`
	CategoryIDs []string `json:"category_ids"`

	kind model.InterestKind
}

// Validate validates the request. An empty selection is allowed and clears
// the subscriptions of that kind.
func (r *SelectionRequest) Validate() error {
	kind, err := model.ParseInterestKind(r.Kind)
	if err != nil {
		return errors.ValidationError("invalid_kind", err.Error())
	}
	if err := validation.MaxItems("category_ids", r.CategoryIDs, maxCategories); err != nil {
		return err
	}
	r.kind = kind
	return nil
}

// InterestKind returns the parsed kind, valid after Validate
func (r *SelectionRequest) InterestKind() model.InterestKind {
	return r.kind
}

// CreateEventRequest is the request to publish an event
type CreateEventRequest struct {
	PageID      string   `json:"page_id"`
	Title       string   `json:"title"`
	CategoryIDs []string `json:"category_ids"`
}

// Validate validates the request
func (r *CreateEventRequest) Validate() error {
	return validation.First(
		validation.Required("page_id", r.PageID),
		validation.Required("title", r.Title),
		validation.MaxLength("title", r.Title, maxTitleLength),
		validation.NonEmpty("category_ids", r.CategoryIDs),
		validation.MaxItems("category_ids", r.CategoryIDs, maxCategories),
	)
}

// ToModel converts the request to an event
func (r *CreateEventRequest) ToModel() model.Event {
	return model.Event{PageID: r.PageID, Title: r.Title, CategoryIDs: r.CategoryIDs}
}

// CreatePostRequest is the request to publish a post
type CreatePostRequest struct {
	EventID     string   `json:"event_id,omitempty"`
	Title       string   `json:"title"`
	Body        string   `json:"body"`
	CategoryIDs []string `json:"category_ids"`
}

// Validate validates the request
func (r *CreatePostRequest) Validate() error {
	return validation.First(
		validation.Required("title", r.Title),
		validation.MaxLength("title", r.Title, maxTitleLength),
		validation.MaxLength("body", r.Body, maxBodyLength),
		validation.NonEmpty("category_ids", r.CategoryIDs),
		validation.MaxItems("category_ids", r.CategoryIDs, maxCategories),
	)
}

// ToModel converts the request to a post
func (r *CreatePostRequest) ToModel() model.Post {
	p := model.Post{Title: r.Title, Body: r.Body, CategoryIDs: r.CategoryIDs}
	if r.EventID != "" {
		id := r.EventID
		p.EventID = &id
	}
	return p
}

// CreateOpeningRequest is the request to schedule a sale window
type CreateOpeningRequest struct {
	Title       string    `json:"title"`
	CategoryIDs []string  `json:"category_ids"`
	StartsAt    time.Time `json:"starts_at"`
}

// Validate validates the request
func (r *CreateOpeningRequest) Validate() error {
	if err := validation.First(
		validation.Required("title", r.Title),
		validation.MaxLength("title", r.Title, maxTitleLength),
		validation.NonEmpty("category_ids", r.CategoryIDs),
		validation.MaxItems("category_ids", r.CategoryIDs, maxCategories),
	); err != nil {
		return err
	}
	if r.StartsAt.IsZero() {
		return errors.ValidationError("required_field_missing", "starts_at is required")
	}
	return nil
}
