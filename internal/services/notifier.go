package services

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Sender delivers one text message to a chat.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// Notification is one outbound message.
type Notification struct {
	ChatID int64
	Text   string
}

// FanOutResult counts delivery outcomes.
type FanOutResult struct {
	Sent   int
	Failed int
}

// Notifier delivers messages to many recipients concurrently. Each recipient
// gets exactly one attempt; a failure is logged and counted and never
// affects other recipients.
type Notifier struct {
	Sender      Sender
	Concurrency int
}

// FanOut sends every notification once.
func (n *Notifier) FanOut(ctx context.Context, msgs []Notification) FanOutResult {
	limit := n.Concurrency
	if limit <= 0 {
		limit = 8
	}
	var sent, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, m := range msgs {
		g.Go(func() error {
			if err := n.Sender.SendText(gctx, m.ChatID, m.Text); err != nil {
				failed.Add(1)
				log.Warn().
					Err(fmt.Errorf("%w: %w", ErrDelivery, err)).
					Int64("chat_id", m.ChatID).
					Msg("notify: delivery failed")
				return nil
			}
			sent.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return FanOutResult{Sent: int(sent.Load()), Failed: int(failed.Load())}
}

// Broadcast sends the same text to every id, once per distinct id.
func (n *Notifier) Broadcast(ctx context.Context, ids []int64, text string) FanOutResult {
	seen := make(map[int64]bool, len(ids))
	msgs := make([]Notification, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		msgs = append(msgs, Notification{ChatID: id, Text: text})
	}
	return n.FanOut(ctx, msgs)
}
