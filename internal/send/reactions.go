package send

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/parley/internal/queue"
	"go.uber.org/zap"
)

// AddReaction adds emoji to messageID, queueing it when it cannot be
// delivered now.
func (p *Pipeline) AddReaction(ctx context.Context, messageID, emoji string) (Result, error) {
	sess, err := p.ident.Current()
	if err != nil {
		return Result{}, err
	}
	return p.react(ctx, queue.AddReaction{MessageID: messageID, UserID: sess.UserID, Emoji: emoji})
}

// RemoveReaction removes emoji from messageID.
func (p *Pipeline) RemoveReaction(ctx context.Context, messageID, emoji string) (Result, error) {
	sess, err := p.ident.Current()
	if err != nil {
		return Result{}, err
	}
	return p.react(ctx, queue.RemoveReaction{MessageID: messageID, UserID: sess.UserID, Emoji: emoji})
}

func (p *Pipeline) react(ctx context.Context, payload queue.Payload) (Result, error) {
	if messageIDOf(payload) == "" {
		return Result{}, errors.New("send: reaction needs a message id")
	}
	id := p.newID()
	if p.net == nil || p.net.Online() {
		sctx, cancel := context.WithTimeout(ctx, p.timeout)
		err := execute(sctx, p.rows, id, payload, p.now())
		cancel()
		if err == nil {
			return Result{Outcome: OutcomeSent, ID: id}, nil
		}
		kind, _ := Classify(err)
		p.log.Warn("reaction failed, queueing", zap.String("kind", string(kind)), zap.Error(err))
	}
	a := queue.Action{ID: id, Payload: payload, CreatedAt: p.now()}
	if err := p.queue.Enqueue(context.WithoutCancel(ctx), a); err != nil {
		return Result{}, fmt.Errorf("queue reaction: %w", err)
	}
	return Result{Outcome: OutcomeQueued, ID: id}, nil
}

func messageIDOf(p queue.Payload) string {
	switch pl := p.(type) {
	case queue.AddReaction:
		return pl.MessageID
	case queue.RemoveReaction:
		return pl.MessageID
	}
	return ""
}
