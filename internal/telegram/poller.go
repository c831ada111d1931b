package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-sourcing-bot/internal/bot"
	"github.com/tbourn/go-sourcing-bot/internal/repo"
)

// Handler consumes normalized events.
type Handler interface {
	Handle(ctx context.Context, ev bot.Event) error
}

// Poller long-polls the Bot API and hands updates to Handler. Each user has a
// mailbox drained by one worker, so a user's updates are handled one at a
// time in arrival order while different users run concurrently.
type Poller struct {
	Client  *Client
	Handler Handler
	// DB, when set, records handled update ids so redelivered updates are
	// dropped.
	DB       *gorm.DB
	DedupTTL time.Duration
	// PollTimeout is the long polling timeout in seconds.
	PollTimeout int
	// Drain bounds how long Run waits for in-flight handlers on shutdown.
	Drain time.Duration

	wg    sync.WaitGroup
	mu    sync.Mutex
	boxes map[int64]*mailbox
}

type mailbox struct {
	queue []bot.Event
}

// Run polls until ctx is done, then waits for in-flight handlers.
func (p *Poller) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = p.PollTimeout
	u.AllowedUpdates = []string{"message", "callback_query"}
	updates := p.Client.api.GetUpdatesChan(u)
	log.Info().Int("poll_timeout", p.PollTimeout).Msg("telegram: polling started")

	defer p.drain()
	for {
		select {
		case <-ctx.Done():
			p.Client.api.StopReceivingUpdates()
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			p.dispatch(ctx, upd)
		}
	}
}

func (p *Poller) dispatch(ctx context.Context, upd tgbotapi.Update) {
	ev, ok := ToEvent(upd)
	if !ok {
		return
	}
	if p.DB != nil {
		ttl := p.DedupTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		err := repo.ClaimUpdate(ctx, p.DB, int64(upd.UpdateID), ev.UserID, ev.Kind.String(), ttl)
		switch {
		case errors.Is(err, repo.ErrDuplicate):
			log.Debug().Int("update_id", upd.UpdateID).Msg("telegram: duplicate update dropped")
			return
		case err != nil:
			log.Warn().Err(err).Int("update_id", upd.UpdateID).Msg("telegram: update claim failed")
		}
	}

	// Handlers outlive the poll context so a shutdown lets them finish.
	p.enqueue(context.WithoutCancel(ctx), ev)
}

// enqueue appends ev to its user's mailbox and starts a worker when the
// mailbox was idle.
func (p *Poller) enqueue(ctx context.Context, ev bot.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.boxes == nil {
		p.boxes = make(map[int64]*mailbox)
	}
	mb, busy := p.boxes[ev.UserID]
	if !busy {
		mb = &mailbox{}
		p.boxes[ev.UserID] = mb
	}
	mb.queue = append(mb.queue, ev)
	if busy {
		return
	}
	p.wg.Add(1)
	go p.work(ctx, ev.UserID, mb)
}

// work drains mb in order and retires it once empty.
func (p *Poller) work(ctx context.Context, userID int64, mb *mailbox) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		if len(mb.queue) == 0 {
			delete(p.boxes, userID)
			p.mu.Unlock()
			return
		}
		ev := mb.queue[0]
		mb.queue[0] = bot.Event{}
		mb.queue = mb.queue[1:]
		p.mu.Unlock()

		if err := p.Handler.Handle(ctx, ev); err != nil {
			log.Debug().Err(err).Int64("user_id", userID).Msg("telegram: update handled with error")
		}
	}
}

// Active reports how many users currently have queued or running updates.
func (p *Poller) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.boxes)
}

func (p *Poller) drain() {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	if p.Drain <= 0 {
		<-done
		return
	}
	select {
	case <-done:
	case <-time.After(p.Drain):
		log.Warn().Dur("drain", p.Drain).Msg("telegram: handlers still running at shutdown")
	}
}

// ToEvent converts an update into an engine event. Updates without a sender,
// or of kinds the bot does not handle, are reported as not ok.
func ToEvent(upd tgbotapi.Update) (bot.Event, bool) {
	if cq := upd.CallbackQuery; cq != nil {
		if cq.From == nil {
			return bot.Event{}, false
		}
		ev := userEvent(cq.From)
		ev.Kind = bot.EventButton
		ev.Data = cq.Data
		ev.CallbackID = cq.ID
		if cq.Message != nil {
			ev.SourceMessageID = bot.MessageID(cq.Message.MessageID)
		}
		return ev, true
	}

	m := upd.Message
	if m == nil || m.From == nil {
		return bot.Event{}, false
	}
	// Only private chats carry a session.
	if m.Chat != nil && !m.Chat.IsPrivate() {
		return bot.Event{}, false
	}
	ev := userEvent(m.From)
	switch {
	case m.IsCommand():
		ev.Kind = bot.EventCommand
		ev.Text = strings.ToLower(m.Command())
	case len(m.Photo) > 0:
		// Sizes are listed smallest first.
		ph := m.Photo[len(m.Photo)-1]
		ev.Kind = bot.EventAttachment
		ev.Caption = m.Caption
		ev.File = &bot.FileRef{ID: ph.FileID, UniqueID: ph.FileUniqueID, IsPhoto: true}
	case m.Document != nil:
		d := m.Document
		ev.Kind = bot.EventAttachment
		ev.Caption = m.Caption
		ev.File = &bot.FileRef{ID: d.FileID, UniqueID: d.FileUniqueID, Name: d.FileName, MimeType: d.MimeType}
	case m.Text != "":
		ev.Kind = bot.EventText
		ev.Text = m.Text
	default:
		return bot.Event{}, false
	}
	return ev, true
}

func userEvent(u *tgbotapi.User) bot.Event {
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	return bot.Event{UserID: u.ID, Username: u.UserName, FullName: name}
}

// PurgeLoop deletes expired update claims every interval until ctx is done.
func (p *Poller) PurgeLoop(ctx context.Context, interval time.Duration) {
	if p.DB == nil {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := repo.PurgeExpiredUpdates(ctx, p.DB, now.UTC())
			if err != nil {
				log.Warn().Err(err).Msg("telegram: purge update claims failed")
				continue
			}
			if n > 0 {
				log.Debug().Int64("purged", n).Msg("telegram: expired update claims removed")
			}
		}
	}
}
