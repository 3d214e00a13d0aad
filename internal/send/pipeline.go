// Package send is the optimistic send pipeline. Every send is recorded as a
// pending message before any network attempt and ends either confirmed by
// the remote or durably queued.
package send

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/parley/internal/auth"
	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/channel"
	"github.com/matheus3301/parley/internal/e2ee"
	"github.com/matheus3301/parley/internal/queue"
	"github.com/matheus3301/parley/internal/remote"
	"go.uber.org/zap"
)

var (
	// ErrUnknownMessage is returned for ids not in the pending set.
	ErrUnknownMessage = errors.New("send: unknown pending message")
	// ErrCancelled is returned when a message is cancelled while its send is
	// still running.
	ErrCancelled = errors.New("send: message cancelled")
)

// Outcome of a send.
type Outcome string

const (
	OutcomeSent   Outcome = "sent"
	OutcomeQueued Outcome = "queued"
)

// Result is returned by every send. For reactions Message is nil.
type Result struct {
	Outcome Outcome
	ID      string
	Message *PendingMessage
}

// Identity yields the signed-in user.
type Identity interface {
	Current() (auth.Session, error)
}

// Connectivity reports the online signal.
type Connectivity interface {
	Online() bool
}

// Queue is the durable action log.
type Queue interface {
	Enqueue(ctx context.Context, a queue.Action) error
	Cancel(ctx context.Context, id string) error
	List(ctx context.Context) ([]queue.Action, error)
}

// Encryptor seals direct message bodies.
type Encryptor interface {
	EncryptDirect(ctx context.Context, plaintext, recipientID string) e2ee.Result
}

// Config tunes the pipeline.
type Config struct {
	// Timeout bounds one immediate send attempt.
	Timeout time.Duration
}

// Pipeline owns the pending set.
type Pipeline struct {
	rows    remote.Rows
	queue   Queue
	net     Connectivity
	ident   Identity
	enc     Encryptor
	bus     *bus.Bus
	log     *zap.Logger
	timeout time.Duration
	now     func() time.Time
	newID   func() string

	mu      sync.Mutex
	pending pendingSet
	// confirmed holds ids the queue completed before the entry reached
	// Queued.
	confirmed map[string]bool
	// tails is the last in-progress send per channel.
	tails map[string]chan struct{}
	// pubMu keeps notifications in mutation order without holding mu while
	// publishing.
	pubMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a pipeline. enc may be nil, in which case encrypted sends
// always fall back to plaintext.
func New(rows remote.Rows, q Queue, net Connectivity, ident Identity, enc Encryptor, b *bus.Bus, cfg Config, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Pipeline{
		rows:      rows,
		queue:     q,
		net:       net,
		ident:     ident,
		enc:       enc,
		bus:       b,
		log:       log,
		timeout:   cfg.Timeout,
		now:       time.Now,
		newID:     uuid.NewString,
		pending:   newPendingSet(),
		confirmed: make(map[string]bool),
		tails:     make(map[string]chan struct{}),
	}
}

// SendMessage sends content to a direct channel the caller belongs to.
func (p *Pipeline) SendMessage(ctx context.Context, channelID, content string, attachments []queue.Attachment) (Result, error) {
	return p.sendDirect(ctx, channelID, "", content, attachments, nil)
}

// SendEncryptedMessage seals content for recipientID and sends it. Without
// key material, or if encryption fails, it sends the plaintext instead.
func (p *Pipeline) SendEncryptedMessage(ctx context.Context, channelID, recipientID, content string, attachments []queue.Attachment) (Result, error) {
	if _, err := p.ident.Current(); err != nil {
		return Result{}, err
	}
	var env *Envelope
	if p.enc != nil {
		res := p.enc.EncryptDirect(ctx, content, recipientID)
		if res.OK() {
			env = &Envelope{
				Ciphertext:      res.Payload.Ciphertext,
				Nonce:           res.Payload.Nonce,
				SenderPublicKey: res.Payload.SenderPublicKey.String(),
			}
		} else {
			p.log.Info("sending without encryption",
				zap.String("channel", channelID),
				zap.Stringer("status", res.Status),
				zap.Error(res.Err))
		}
	}
	return p.sendDirect(ctx, channelID, recipientID, content, attachments, env)
}

func (p *Pipeline) sendDirect(ctx context.Context, channelID, recipientID, content string, attachments []queue.Attachment, env *Envelope) (Result, error) {
	sess, err := p.ident.Current()
	if err != nil {
		return Result{}, err
	}
	ref, err := channel.Parse(channelID)
	if err != nil {
		return Result{}, err
	}
	if recipientID == "" {
		recipientID = ref.Peer(sess.UserID)
	}
	if ref.Kind != channel.Direct || recipientID == "" {
		return Result{}, fmt.Errorf("%w: %s is not a direct channel of %s", channel.ErrInvalid, channelID, sess.UserID)
	}

	m := PendingMessage{
		ID:          p.newID(),
		ChannelID:   channelID,
		RecipientID: recipientID,
		SenderID:    sess.UserID,
		SenderName:  sess.Name,
		Content:     content,
		Attachments: attachments,
		CreatedAt:   p.now(),
		State:       Pending,
		IsEncrypted: env != nil,
		Envelope:    env,
	}
	return p.run(ctx, m, directPayload(m))
}

// SendGroupMessage sends content to a group channel.
func (p *Pipeline) SendGroupMessage(ctx context.Context, channelID, content string, attachments []queue.Attachment) (Result, error) {
	sess, err := p.ident.Current()
	if err != nil {
		return Result{}, err
	}
	ref, err := channel.Parse(channelID)
	if err != nil {
		return Result{}, err
	}
	if ref.Kind == channel.Direct {
		return Result{}, fmt.Errorf("%w: %s is not a group channel", channel.ErrInvalid, channelID)
	}
	m := PendingMessage{
		ID:          p.newID(),
		ChannelID:   channelID,
		GroupID:     ref.GroupID,
		SenderID:    sess.UserID,
		SenderName:  sess.Name,
		Content:     content,
		Attachments: attachments,
		CreatedAt:   p.now(),
		State:       Pending,
	}
	return p.run(ctx, m, groupPayload(m))
}

// run records m, waits for earlier sends in the same channel and then
// dispatches.
func (p *Pipeline) run(ctx context.Context, m PendingMessage, payload queue.Payload) (Result, error) {
	done := make(chan struct{})
	p.mu.Lock()
	p.pending.add(m)
	prev := p.tails[m.ChannelID]
	p.tails[m.ChannelID] = done
	p.pubMu.Lock()
	p.mu.Unlock()
	p.publish(Change{Message: m})
	p.pubMu.Unlock()

	defer func() {
		close(done)
		p.mu.Lock()
		if p.tails[m.ChannelID] == done {
			delete(p.tails, m.ChannelID)
		}
		p.mu.Unlock()
	}()
	if prev != nil {
		<-prev
	}

	if p.net != nil && !p.net.Online() {
		return p.enqueue(ctx, m, payload, "", "")
	}
	if _, err := p.transition(m.ID, Sending, nil); err != nil {
		return Result{}, ErrCancelled
	}

	sctx, cancel := context.WithTimeout(ctx, p.timeout)
	err := execute(sctx, p.rows, m.ID, payload, p.now())
	cancel()
	if err == nil {
		snap, terr := p.transition(m.ID, Sent, nil)
		if terr != nil {
			p.log.Info("message delivered after cancel", zap.String("id", m.ID))
			snap = m
			snap.State = Sent
		}
		return Result{Outcome: OutcomeSent, ID: m.ID, Message: &snap}, nil
	}

	kind, reason := Classify(err)
	p.log.Warn("send failed, queueing",
		zap.String("id", m.ID),
		zap.String("channel", m.ChannelID),
		zap.String("kind", string(kind)),
		zap.Error(err))
	return p.enqueue(ctx, m, payload, kind, reason)
}

// enqueue hands m to the queue and only then marks it Queued.
func (p *Pipeline) enqueue(ctx context.Context, m PendingMessage, payload queue.Payload, kind ErrorKind, reason string) (Result, error) {
	if !p.has(m.ID) {
		return Result{}, ErrCancelled
	}
	ctx = context.WithoutCancel(ctx)
	if err := p.queue.Enqueue(ctx, queue.Action{ID: m.ID, Payload: payload, CreatedAt: m.CreatedAt}); err != nil {
		p.annotate(m.ID, ErrGeneric, reasons[ErrGeneric])
		return Result{}, fmt.Errorf("queue message %s: %w", m.ID, err)
	}
	snap, err := p.transition(m.ID, Queued, func(pm *PendingMessage) {
		pm.ErrorKind = kind
		pm.LastError = reason
	})
	if err != nil {
		// Cancelled while the action was being stored.
		if cerr := p.queue.Cancel(ctx, m.ID); cerr != nil {
			p.log.Warn("failed to cancel queued action", zap.String("id", m.ID), zap.Error(cerr))
		}
		return Result{}, ErrCancelled
	}
	p.mu.Lock()
	early := p.confirmed[m.ID]
	delete(p.confirmed, m.ID)
	p.mu.Unlock()
	if early {
		p.complete(m.ID)
	}
	return Result{Outcome: OutcomeQueued, ID: m.ID, Message: &snap}, nil
}

// RetryMessage cancels a pending message and sends its content again under
// a new id.
func (p *Pipeline) RetryMessage(ctx context.Context, id string) (Result, error) {
	p.mu.Lock()
	e, ok := p.pending.get(id)
	var m PendingMessage
	if ok {
		m = e.msg
	}
	p.mu.Unlock()
	if !ok {
		return Result{}, ErrUnknownMessage
	}
	if err := p.CancelMessage(ctx, id); err != nil && !errors.Is(err, ErrUnknownMessage) {
		return Result{}, err
	}
	switch {
	case m.GroupID != "":
		return p.SendGroupMessage(ctx, m.ChannelID, m.Content, m.Attachments)
	case m.IsEncrypted:
		return p.SendEncryptedMessage(ctx, m.ChannelID, m.RecipientID, m.Content, m.Attachments)
	default:
		return p.sendDirect(ctx, m.ChannelID, m.RecipientID, m.Content, m.Attachments, nil)
	}
}

// CancelMessage cancels the queued action and then drops the local entry.
// An action already in flight may still be delivered.
func (p *Pipeline) CancelMessage(ctx context.Context, id string) error {
	if !p.has(id) {
		return ErrUnknownMessage
	}
	if err := p.queue.Cancel(ctx, id); err != nil {
		p.log.Warn("queue cancel failed, removing locally", zap.String("id", id), zap.Error(err))
	}
	if _, err := p.transition(id, Cancelled, nil); err != nil {
		return ErrUnknownMessage
	}
	return nil
}

// GetPendingMessages returns the pending messages of channelID in send
// order. An empty channelID returns every channel.
func (p *Pipeline) GetPendingMessages(channelID string) []PendingMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending.list(channelID)
}

// Listen subscribes to pending.changed events. Call the returned function
// to stop listening.
func (p *Pipeline) Listen(bufSize int) (<-chan bus.Event, func()) {
	return p.bus.Subscribe(string(bus.PendingChanged), bufSize)
}

func (p *Pipeline) has(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pending.get(id)
	return ok
}

// transition moves id to state to, applies edit and publishes the change.
// Terminal states remove the entry.
func (p *Pipeline) transition(id string, to State, edit func(*PendingMessage)) (PendingMessage, error) {
	p.mu.Lock()
	e, ok := p.pending.get(id)
	if !ok {
		p.mu.Unlock()
		return PendingMessage{}, ErrUnknownMessage
	}
	from := e.msg.State
	if err := checkTransition(from, to); err != nil {
		p.mu.Unlock()
		return e.msg, err
	}
	e.msg.State = to
	if edit != nil {
		edit(&e.msg)
	}
	snap := e.msg
	if to.Terminal() {
		p.pending.remove(id)
		delete(p.confirmed, id)
	}
	p.pubMu.Lock()
	p.mu.Unlock()
	p.publish(Change{Message: snap, From: from, Removed: to.Terminal()})
	p.pubMu.Unlock()
	return snap, nil
}

// annotate updates the error shown for id without a state change.
func (p *Pipeline) annotate(id string, kind ErrorKind, reason string) {
	p.mu.Lock()
	e, ok := p.pending.get(id)
	if !ok {
		p.mu.Unlock()
		return
	}
	e.msg.ErrorKind = kind
	e.msg.LastError = reason
	snap := e.msg
	p.pubMu.Lock()
	p.mu.Unlock()
	p.publish(Change{Message: snap, From: snap.State})
	p.pubMu.Unlock()
}

func (p *Pipeline) publish(c Change) {
	if p.bus != nil {
		p.bus.Publish(bus.NewEvent(bus.PendingChanged, c))
	}
}
