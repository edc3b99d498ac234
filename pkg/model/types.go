package model

import (
	"time"
)

// Page is an independent publisher that owns one or more categories
type Page struct {
	ID          string    `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	ExternalIDs []string  `json:"external_ids,omitempty" db:"-"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Category is a topic node owned by a page. A nil Name marks the page's
// default category.
type Category struct {
	ID     string  `json:"id" db:"id"`
	PageID string  `json:"page_id" db:"page_id"`
	Name   *string `json:"name,omitempty" db:"name"`

	// Includes lists the categories whose content subscribers of this
	// category also receive.
	Includes []string `json:"includes,omitempty" db:"-"`
}

// IsDefault reports whether the category is its page's unnamed root
func (c Category) IsDefault() bool {
	return c.Name == nil
}

// Event is a content root that posts can hang off
type Event struct {
	ID          string    `json:"id" db:"id"`
	PageID      string    `json:"page_id" db:"page_id"`
	Title       string    `json:"title" db:"title"`
	CategoryIDs []string  `json:"category_ids" db:"-"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Post is a piece of content published under one or more categories
type Post struct {
	ID          string    `json:"id" db:"id"`
	EventID     *string   `json:"event_id,omitempty" db:"event_id"`
	Title       string    `json:"title" db:"title"`
	Body        string    `json:"body" db:"body"`
	CategoryIDs []string  `json:"category_ids" db:"-"`
	PublishedAt time.Time `json:"published_at" db:"published_at"`
}

// Opening is a sale window during which orders can be placed
type Opening struct {
	ID          string    `json:"id" db:"id"`
	Title       string    `json:"title" db:"title"`
	CategoryIDs []string  `json:"category_ids" db:"-"`
	StartsAt    time.Time `json:"starts_at" db:"starts_at"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// User is a notification recipient
type User struct {
	ID        string    `json:"id" db:"id"`
	Email     string    `json:"email" db:"email"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// PushSubscription is a browser push endpoint registered by a user
type PushSubscription struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Endpoint  string    `json:"endpoint" db:"endpoint"`
	P256dh    string    `json:"p256dh" db:"p256dh"`
	Auth      string    `json:"auth" db:"auth"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// TopicSnapshot is a consistent read of everything the topic graph is built
// from
type TopicSnapshot struct {
	Pages      []Page
	Categories []Category
	Interests  []Interest
}
