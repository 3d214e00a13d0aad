package store

// ActionRow is a persisted offline action. Payload is the encoded sum-type
// body; the queue package owns its format.
type ActionRow struct {
	ID            string
	Kind          string
	OrderKey      string // actions sharing a key run one at a time in creation order
	Payload       []byte
	Status        string // queued, processing, failed
	Attempts      int
	NextAttemptAt int64
	LastError     string
	CreatedAt     int64
}

// Action statuses.
const (
	ActionQueued     = "queued"
	ActionProcessing = "processing"
	ActionFailed     = "failed"
)

// Chat is a cached channel summary.
type Chat struct {
	ChannelID          string
	Kind               string // direct, group, broadcast
	Title              string
	LastMessageID      string
	LastMessagePreview string
	LastMessageSender  string
	LastMessageAt      int64
	Participants       []byte // msgpack-encoded participant ids
	UpdatedAt          int64
}

// Preference holds the local pin/archive/mute flags for a channel.
type Preference struct {
	ChannelID  string
	Pinned     bool
	Archived   bool
	Muted      bool
	MutedUntil int64 // unix ms, 0 = indefinitely
}

// Message is a cached history entry.
type Message struct {
	ChannelID   string
	MsgID       string
	SenderID    string
	SenderName  string
	Content     string
	IsEncrypted bool
	CreatedAt   int64
}
