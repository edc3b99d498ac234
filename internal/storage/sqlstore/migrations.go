package sqlstore

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations. The statements are
// shared by sqlite and postgres, so they stick to the common dialect.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS pages (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	external_ids TEXT NOT NULL DEFAULT '[]',
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS categories (
	id      TEXT PRIMARY KEY,
	page_id TEXT NOT NULL REFERENCES pages(id) ON DELETE CASCADE,
	name    TEXT,
	UNIQUE (page_id, name)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_categories_default
	ON categories(page_id) WHERE name IS NULL;

CREATE TABLE IF NOT EXISTS category_includes (
	includer_id TEXT NOT NULL REFERENCES categories(id) ON DELETE CASCADE,
	included_id TEXT NOT NULL REFERENCES categories(id) ON DELETE CASCADE,
	PRIMARY KEY (includer_id, included_id)
);

CREATE INDEX IF NOT EXISTS idx_category_includes_included
	ON category_includes(included_id);

CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	email      TEXT NOT NULL UNIQUE,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS push_subscriptions (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	endpoint   TEXT NOT NULL,
	p256dh     TEXT NOT NULL,
	auth       TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	UNIQUE (user_id, endpoint)
);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS events (
	id         TEXT PRIMARY KEY,
	page_id    TEXT NOT NULL REFERENCES pages(id) ON DELETE CASCADE,
	title      TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS event_categories (
	event_id    TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
	category_id TEXT NOT NULL REFERENCES categories(id) ON DELETE CASCADE,
	PRIMARY KEY (event_id, category_id)
);

CREATE TABLE IF NOT EXISTS posts (
	id           TEXT PRIMARY KEY,
	event_id     TEXT REFERENCES events(id) ON DELETE SET NULL,
	title        TEXT NOT NULL,
	body         TEXT NOT NULL DEFAULT '',
	published_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS post_categories (
	post_id     TEXT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
	category_id TEXT NOT NULL REFERENCES categories(id) ON DELETE CASCADE,
	PRIMARY KEY (post_id, category_id)
);

CREATE TABLE IF NOT EXISTS openings (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	starts_at  TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS opening_categories (
	opening_id  TEXT NOT NULL REFERENCES openings(id) ON DELETE CASCADE,
	category_id TEXT NOT NULL REFERENCES categories(id) ON DELETE CASCADE,
	PRIMARY KEY (opening_id, category_id)
);
`,
	},
	{
		version: 3,
		sql: `
CREATE TABLE IF NOT EXISTS interests (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	target_kind TEXT NOT NULL,
	target_id   TEXT NOT NULL,
	UNIQUE (kind, target_kind, target_id)
);

CREATE INDEX IF NOT EXISTS idx_interests_target
	ON interests(target_kind, target_id);

CREATE TABLE IF NOT EXISTS interest_subscriptions (
	user_id     TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	interest_id TEXT NOT NULL REFERENCES interests(id) ON DELETE CASCADE,
	created_at  TIMESTAMP NOT NULL,
	PRIMARY KEY (user_id, interest_id)
);

CREATE INDEX IF NOT EXISTS idx_interest_subscriptions_interest
	ON interest_subscriptions(interest_id);
`,
	},
	{
		version: 4,
		sql: `
CREATE TABLE IF NOT EXISTS notifications (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	subject_id TEXT NOT NULL,
	title      TEXT NOT NULL,
	body       TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS notification_requests (
	id              TEXT PRIMARY KEY,
	notification_id TEXT NOT NULL REFERENCES notifications(id) ON DELETE CASCADE,
	user_id         TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	channel         TEXT NOT NULL,
	created_at      TIMESTAMP NOT NULL,
	UNIQUE (notification_id, user_id, channel)
);

CREATE TABLE IF NOT EXISTS background_tasks (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	not_before TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_background_tasks_due
	ON background_tasks(kind, not_before, created_at);
`,
	},
}
