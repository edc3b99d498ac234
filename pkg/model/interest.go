package model

import (
	"fmt"
)

// Channel is a delivery channel for notification requests
type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelEmail Channel = "email"
)

// ParseChannel converts a stored channel name
func ParseChannel(s string) (Channel, error) {
	switch Channel(s) {
	case ChannelPush, ChannelEmail:
		return Channel(s), nil
	default:
		return "", fmt.Errorf("unknown channel %q", s)
	}
}

// Trigger groups notifications by what caused them
type Trigger string

const (
	// TriggerPublish fires when content is published
	TriggerPublish Trigger = "publish"

	// TriggerOrderStart fires when a sale window opens for ordering
	TriggerOrderStart Trigger = "order_start"
)

// InterestKind is the closed set of notification kinds a user can opt into
type InterestKind string

const (
	InterestShowInFeed        InterestKind = "show_in_feed"
	InterestEmailOnPublish    InterestKind = "email_on_publish"
	InterestEmailOnOrderStart InterestKind = "email_on_order_start"
	InterestPushOnPublish     InterestKind = "push_on_publish"
	InterestPushOnOrderStart  InterestKind = "push_on_order_start"
)

// AllInterestKinds lists every interest kind
var AllInterestKinds = []InterestKind{
	InterestShowInFeed,
	InterestEmailOnPublish,
	InterestEmailOnOrderStart,
	InterestPushOnPublish,
	InterestPushOnOrderStart,
}

// ParseInterestKind converts a stored or requested kind name
func ParseInterestKind(s string) (InterestKind, error) {
	for _, k := range AllInterestKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown interest kind %q", s)
}

// Delivery returns the trigger and channel the kind delivers on. ok is false
// for kinds that never produce a notification request.
func (k InterestKind) Delivery() (trigger Trigger, channel Channel, ok bool) {
	switch k {
	case InterestShowInFeed:
		return "", "", false
	case InterestEmailOnPublish:
		return TriggerPublish, ChannelEmail, true
	case InterestEmailOnOrderStart:
		return TriggerOrderStart, ChannelEmail, true
	case InterestPushOnPublish:
		return TriggerPublish, ChannelPush, true
	case InterestPushOnOrderStart:
		return TriggerOrderStart, ChannelPush, true
	default:
		panic(fmt.Sprintf("unhandled interest kind %q", string(k)))
	}
}

// KindsFor returns the interest kinds that deliver notifications of the trigger
func KindsFor(trigger Trigger) []InterestKind {
	var kinds []InterestKind
	for _, k := range AllInterestKinds {
		if t, _, ok := k.Delivery(); ok && t == trigger {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// TargetKind says what an interest is bound to
type TargetKind string

const (
	TargetCategory TargetKind = "category"
	TargetEvent    TargetKind = "event"
)

// InterestTarget is either a category or an event
type InterestTarget struct {
	Kind TargetKind `json:"kind" db:"target_kind"`
	ID   string     `json:"id" db:"target_id"`
}

// CategoryTarget binds an interest to a category
func CategoryTarget(id string) InterestTarget {
	return InterestTarget{Kind: TargetCategory, ID: id}
}

// EventTarget binds an interest to an event
func EventTarget(id string) InterestTarget {
	return InterestTarget{Kind: TargetEvent, ID: id}
}

// Validate checks the target is one of the known variants
func (t InterestTarget) Validate() error {
	switch t.Kind {
	case TargetCategory, TargetEvent:
	default:
		return fmt.Errorf("unknown interest target kind %q", t.Kind)
	}
	if t.ID == "" {
		return fmt.Errorf("interest target id is required")
	}
	return nil
}

// Interest is a notification kind bound to a category or event
type Interest struct {
	ID     string         `json:"id" db:"id"`
	Kind   InterestKind   `json:"kind" db:"kind"`
	Target InterestTarget `json:"target"`
}

// InterestSubscription joins a user to an interest
type InterestSubscription struct {
	UserID   string   `json:"user_id" db:"user_id"`
	Interest Interest `json:"interest"`
}
