package chi

import (
	"context"

	"github.com/nkkko/pincer/internal/fanout"
	"github.com/nkkko/pincer/internal/storage"
	"github.com/nkkko/pincer/internal/topic"
	"github.com/nkkko/pincer/pkg/model"
)

// Store is the part of the durable store the API reads and writes
type Store interface {
	storage.TopicStore
	storage.InterestStore
	storage.ContentStore
	storage.UserStore

	DeleteTasks(ctx context.Context, ids []string) error
	Ping(ctx context.Context) error
}

// Index serves the current topic graph
type Index interface {
	Get(ctx context.Context) (*topic.Graph, error)
	Invalidate()
}

// Publisher fans out published content
type Publisher interface {
	OnPublish(ctx context.Context, pub fanout.Publication) (*model.Notification, error)
}

// Waker pulses the task dispatcher
type Waker interface {
	Wake()
}
