package client

import (
	"time"

	"github.com/nkkko/pincer/pkg/model"
)

// Page is a created page
type Page struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	ExternalIDs       []string `json:"external_ids"`
	DefaultCategoryID string   `json:"default_category_id"`
}

// Category is a page category
type Category struct {
	ID      string `json:"id"`
	PageID  string `json:"page_id"`
	Name    string `json:"name"`
	Default bool   `json:"default"`
}

// User is a registered user
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// PushSubscription is a registered push endpoint
type PushSubscription struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	Endpoint string `json:"endpoint"`
}

// Interest is one subscription of a user
type Interest struct {
	ID     string               `json:"id"`
	Kind   model.InterestKind   `json:"kind"`
	Target model.InterestTarget `json:"target"`
}

// Post is the content of a post to publish
type Post struct {
	EventID     string   `json:"event_id,omitempty"`
	Title       string   `json:"title"`
	Body        string   `json:"body"`
	CategoryIDs []string `json:"category_ids"`
}

// Publication identifies published content and its notification
type Publication struct {
	ID             string `json:"id"`
	NotificationID string `json:"notification_id"`
}

// Opening is a scheduled sale window
type Opening struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	CategoryIDs []string  `json:"category_ids"`
	StartsAt    time.Time `json:"starts_at"`
}
