package models

import (
	"time"

	"github.com/nkkko/pincer/pkg/model"
)

const timeFormat = time.RFC3339

// PageResponse is the response for a created page
type PageResponse struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	ExternalIDs       []string `json:"external_ids,omitempty"`
	DefaultCategoryID string   `json:"default_category_id"`
	CreatedAt         string   `json:"created_at"`
}

// PageFromModel converts a page and its default category to the response
func PageFromModel(p model.Page, def model.Category) *PageResponse {
	return &PageResponse{
		ID:                p.ID,
		Name:              p.Name,
		ExternalIDs:       p.ExternalIDs,
		DefaultCategoryID: def.ID,
		CreatedAt:         p.CreatedAt.Format(timeFormat),
	}
}

// CategoryResponse is the response for a category
type CategoryResponse struct {
	ID      string `json:"id"`
	PageID  string `json:"page_id"`
	Name    string `json:"name,omitempty"`
	Default bool   `json:"default"`
}

// CategoryFromModel converts a category to the response
func CategoryFromModel(c model.Category) *CategoryResponse {
	resp := &CategoryResponse{ID: c.ID, PageID: c.PageID, Default: c.IsDefault()}
	if c.Name != nil {
		resp.Name = *c.Name
	}
	return resp
}

// CategoryListResponse lists category ids
type CategoryListResponse struct {
	CategoryIDs []string `json:"category_ids"`
}

// UserResponse is the response for a user
type UserResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	CreatedAt string `json:"created_at"`
}

// UserFromModel converts a user to the response
func UserFromModel(u model.User) *UserResponse {
	return &UserResponse{ID: u.ID, Email: u.Email, CreatedAt: u.CreatedAt.Format(timeFormat)}
}

// PushSubscriptionResponse is the response for a registered push endpoint
type PushSubscriptionResponse struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	Endpoint string `json:"endpoint"`
}

// PushSubscriptionFromModel converts a push subscription to the response
func PushSubscriptionFromModel(s model.PushSubscription) *PushSubscriptionResponse {
	return &PushSubscriptionResponse{ID: s.ID, UserID: s.UserID, Endpoint: s.Endpoint}
}

// InterestResponse is the response for an interest
type InterestResponse struct {
	ID     string               `json:"id"`
	Kind   string               `json:"kind"`
	Target model.InterestTarget `json:"target"`
}

// InterestFromModel converts an interest to the response
func InterestFromModel(in model.Interest) *InterestResponse {
	return &InterestResponse{ID: in.ID, Kind: string(in.Kind), Target: in.Target}
}

// InterestsFromModel converts the subscriptions of a user to responses
func InterestsFromModel(subs []model.InterestSubscription) []*InterestResponse {
	out := make([]*InterestResponse, 0, len(subs))
	for _, s := range subs {
		out = append(out, InterestFromModel(s.Interest))
	}
	return out
}

// SelectionResponse reports the categories kept after optimizing a selection
type SelectionResponse struct {
	Kind        string   `json:"kind"`
	CategoryIDs []string `json:"category_ids"`
}

// PublishResponse is the response for published content
type PublishResponse struct {
	ID             string `json:"id"`
	NotificationID string `json:"notification_id,omitempty"`
}

// OpeningResponse is the response for a scheduled opening
type OpeningResponse struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	CategoryIDs []string `json:"category_ids"`
	StartsAt    string   `json:"starts_at"`
}

// OpeningFromModel converts an opening to the response
func OpeningFromModel(o model.Opening) *OpeningResponse {
	return &OpeningResponse{
		ID:          o.ID,
		Title:       o.Title,
		CategoryIDs: o.CategoryIDs,
		StartsAt:    o.StartsAt.Format(timeFormat),
	}
}

// StatusResponse acknowledges an operational request
type StatusResponse struct {
	Status string `json:"status"`
}
