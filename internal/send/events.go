package send

import (
	"context"
	"fmt"

	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/queue"
	"go.uber.org/zap"
)

// Start rebuilds the pending set from the queue and follows queue events.
func (p *Pipeline) Start(ctx context.Context) error {
	var events <-chan bus.Event
	unsub := func() {}
	if p.bus != nil {
		events, unsub = p.bus.SubscribeLossless(bus.NSQueue, 64)
	}
	if err := p.rehydrate(ctx); err != nil {
		unsub()
		return err
	}
	if events == nil {
		return nil
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer unsub()
		for {
			select {
			case evt := <-events:
				p.handle(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop stops following queue events.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// rehydrate restores queued sends left over from a previous run.
func (p *Pipeline) rehydrate(ctx context.Context) error {
	actions, err := p.queue.List(ctx)
	if err != nil {
		return fmt.Errorf("list queued actions: %w", err)
	}
	n := 0
	for _, a := range actions {
		m, ok := fromAction(a)
		if !ok {
			continue
		}
		p.mu.Lock()
		if _, exists := p.pending.get(m.ID); exists {
			p.mu.Unlock()
			continue
		}
		p.pending.add(m)
		p.pubMu.Lock()
		p.mu.Unlock()
		p.publish(Change{Message: m})
		p.pubMu.Unlock()
		n++
	}
	if n > 0 {
		p.log.Info("restored pending messages", zap.Int("count", n))
	}
	return nil
}

func (p *Pipeline) handle(evt bus.Event) {
	switch evt.Kind {
	case bus.QueueCompleted:
		if ref, ok := evt.Payload.(queue.Ref); ok {
			p.complete(ref.ID)
		}
	case bus.QueueFailed:
		if f, ok := evt.Payload.(queue.Failed); ok {
			kind, reason := Classify(nil)
			p.annotate(f.ID, kind, reason)
		}
	}
}

// complete marks a queued message as delivered. Completions that overtake
// the Queued transition are held until it happens.
func (p *Pipeline) complete(id string) {
	p.mu.Lock()
	e, ok := p.pending.get(id)
	if !ok {
		p.mu.Unlock()
		return
	}
	if e.msg.State != Queued {
		p.confirmed[id] = true
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	if _, err := p.transition(id, Sent, nil); err != nil {
		p.log.Debug("completion for settled message", zap.String("id", id), zap.Error(err))
	}
}

func fromAction(a queue.Action) (PendingMessage, bool) {
	m := PendingMessage{ID: a.ID, CreatedAt: a.CreatedAt, State: Queued}
	switch pl := a.Payload.(type) {
	case queue.SendDirectMessage:
		m.ChannelID = pl.ChannelID
		m.RecipientID = pl.RecipientID
		m.SenderID = pl.SenderID
		m.SenderName = pl.SenderName
		m.Content = pl.Content
		m.Attachments = pl.Attachments
		if pl.Encrypted != nil {
			m.IsEncrypted = true
			m.Envelope = &Envelope{
				Ciphertext:      pl.Encrypted.Ciphertext,
				Nonce:           pl.Encrypted.Nonce,
				SenderPublicKey: pl.Encrypted.SenderPublicKey,
			}
		}
	case queue.SendGroupMessage:
		m.ChannelID = pl.ChannelID
		m.GroupID = pl.GroupID
		m.SenderID = pl.SenderID
		m.SenderName = pl.SenderName
		m.Content = pl.Content
		m.Attachments = pl.Attachments
	default:
		return PendingMessage{}, false
	}
	if a.Status == queue.StatusFailed || a.LastError != "" {
		m.ErrorKind, m.LastError = Classify(nil)
	}
	return m, true
}
