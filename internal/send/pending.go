package send

import (
	"slices"
	"time"

	"github.com/matheus3301/parley/internal/queue"
)

// Envelope is the ciphertext of an encrypted direct message, kept next to
// the plaintext.
type Envelope struct {
	Ciphertext      []byte
	Nonce           []byte
	SenderPublicKey string
}

// PendingMessage is a message this device has accepted but the remote has
// not yet confirmed. Content always holds the plaintext.
type PendingMessage struct {
	ID          string
	ChannelID   string
	RecipientID string // direct sends
	GroupID     string // group sends
	SenderID    string
	SenderName  string
	Content     string
	Attachments []queue.Attachment
	CreatedAt   time.Time
	State       State
	ErrorKind   ErrorKind
	LastError   string
	IsEncrypted bool
	Envelope    *Envelope
}

// Change is the payload of pending.changed. Message carries the state after
// the transition; From is empty for newly created entries.
type Change struct {
	Message PendingMessage
	From    State
	Removed bool
}

// entry is a pending message plus its position in send order.
type entry struct {
	msg PendingMessage
	seq uint64
}

// pendingSet holds the live entries. The caller guards it.
type pendingSet struct {
	byID    map[string]*entry
	nextSeq uint64
}

func newPendingSet() pendingSet {
	return pendingSet{byID: make(map[string]*entry)}
}

func (s *pendingSet) add(m PendingMessage) {
	s.nextSeq++
	s.byID[m.ID] = &entry{msg: m, seq: s.nextSeq}
}

func (s *pendingSet) get(id string) (*entry, bool) {
	e, ok := s.byID[id]
	return e, ok
}

func (s *pendingSet) remove(id string) { delete(s.byID, id) }

// list returns the entries of channelID (all channels when empty) in send
// order.
func (s *pendingSet) list(channelID string) []PendingMessage {
	entries := make([]*entry, 0, len(s.byID))
	for _, e := range s.byID {
		if channelID == "" || e.msg.ChannelID == channelID {
			entries = append(entries, e)
		}
	}
	slices.SortFunc(entries, func(a, b *entry) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	out := make([]PendingMessage, len(entries))
	for i, e := range entries {
		out[i] = e.msg
	}
	return out
}
