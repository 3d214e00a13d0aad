package bus

import "time"

// Kind identifies an event. Kinds are dotted; the segment before the first
// dot is the namespace subscribers filter on.
type Kind string

// Namespace of a kind, including the trailing dot.
const (
	NSPending = "pending."
	NSQueue   = "queue."
	NSCache   = "cache."
	NSNet     = "net."
	NSTrust   = "trust."
	NSSync    = "sync."
	NSDaemon  = "daemon."
)

const (
	PendingChanged Kind = "pending.changed"

	QueueEnqueued  Kind = "queue.enqueued"
	QueueCompleted Kind = "queue.completed"
	QueueFailed    Kind = "queue.failed"
	QueueCancelled Kind = "queue.cancelled"

	CacheChatList    Kind = "cache.chat_list"
	CacheMessage     Kind = "cache.message"
	CachePreferences Kind = "cache.preferences"
	CacheUnread      Kind = "cache.unread"
	CacheCleared     Kind = "cache.cleared"

	NetOnline  Kind = "net.online"
	NetOffline Kind = "net.offline"

	TrustVerified    Kind = "trust.verified"
	TrustInvalidated Kind = "trust.invalidated"

	SyncStarted  Kind = "sync.started"
	SyncFinished Kind = "sync.finished"

	DaemonStatus Kind = "daemon.status"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Payload   any
}

// NewEvent stamps an event with the current time.
func NewEvent(kind Kind, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
