// Package telegram adapts the Telegram Bot API to the bot engine: outbound
// calls go through a rate limiter and a bounded retry, inbound updates are
// converted to bot events by a long-polling loop.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/tbourn/go-sourcing-bot/internal/bot"
	"github.com/tbourn/go-sourcing-bot/internal/domain"
)

// API is the subset of *tgbotapi.BotAPI the client uses.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Options tune the outbound side of the client.
type Options struct {
	Timeout    time.Duration // per-request timeout
	RPS        float64       // outbound calls per second
	MaxRetries uint          // attempts per call, >= 1
	PhotoCDN   string        // public base for downloaded photos
}

// Client implements bot.Transport over the Bot API.
type Client struct {
	api      API
	http     *http.Client
	limiter  *rate.Limiter
	maxTries uint
	cdn      string

	// retry policy; tests shorten it
	newBackOff func() backoff.BackOff
}

var _ bot.Transport = (*Client)(nil)

// New connects to the Bot API with the given token.
func New(token string, opts Options) (*Client, error) {
	hc := &http.Client{Timeout: opts.Timeout}
	api, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, hc)
	if err != nil {
		return nil, fmt.Errorf("telegram: connect: %w", err)
	}
	log.Info().Str("username", api.Self.UserName).Msg("telegram: authorized")
	return NewWithAPI(api, hc, opts), nil
}

// NewWithAPI builds a client around an existing API implementation.
func NewWithAPI(api API, hc *http.Client, opts Options) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	rps := opts.RPS
	if rps <= 0 {
		rps = 25
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	tries := opts.MaxRetries
	if tries < 1 {
		tries = 3
	}
	return &Client{
		api:      api,
		http:     hc,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		maxTries: tries,
		cdn:      opts.PhotoCDN,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 300 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
	}
}

// call runs fn under the limiter and retries transient failures. Client
// errors other than flood control are permanent.
func call[T any](ctx context.Context, c *Client, op string, fn func() (T, error)) (T, error) {
	v, err := backoff.Retry(ctx, func() (T, error) {
		var zero T
		if err := c.limiter.Wait(ctx); err != nil {
			return zero, backoff.Permanent(err)
		}
		v, err := fn()
		if err == nil {
			return v, nil
		}
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) {
			if apiErr.RetryAfter > 0 {
				return zero, backoff.RetryAfter(apiErr.RetryAfter)
			}
			if apiErr.Code >= 400 && apiErr.Code < 500 {
				return zero, backoff.Permanent(err)
			}
		}
		log.Debug().Err(err).Str("op", op).Msg("telegram: retrying")
		return zero, err
	}, backoff.WithBackOff(c.newBackOff()), backoff.WithMaxTries(c.maxTries))
	if err != nil {
		return v, fmt.Errorf("telegram: %s: %w", op, err)
	}
	return v, nil
}

// SendText delivers a message with an optional inline keyboard.
func (c *Client) SendText(ctx context.Context, chatID int64, text string, kb *bot.Keyboard) (bot.MessageID, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	if markup, ok := inlineMarkup(kb); ok {
		msg.ReplyMarkup = markup
	}
	sent, err := call(ctx, c, "sendMessage", func() (tgbotapi.Message, error) {
		return c.api.Send(msg)
	})
	if err != nil {
		return 0, err
	}
	return bot.MessageID(sent.MessageID), nil
}

// SendFile uploads a local file as a document.
func (c *Client) SendFile(ctx context.Context, chatID int64, path, caption string) error {
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(path))
	doc.Caption = caption
	_, err := call(ctx, c, "sendDocument", func() (tgbotapi.Message, error) {
		return c.api.Send(doc)
	})
	return err
}

// DeleteMessage removes a message from the chat.
func (c *Client) DeleteMessage(ctx context.Context, chatID int64, id bot.MessageID) error {
	_, err := call(ctx, c, "deleteMessage", func() (*tgbotapi.APIResponse, error) {
		return c.api.Request(tgbotapi.NewDeleteMessage(chatID, int(id)))
	})
	return err
}

// AnswerCallback acknowledges a button press, as a toast or an alert.
func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error {
	cfg := tgbotapi.NewCallback(callbackID, text)
	if alert {
		cfg = tgbotapi.NewCallbackWithAlert(callbackID, text)
	}
	_, err := call(ctx, c, "answerCallbackQuery", func() (*tgbotapi.APIResponse, error) {
		return c.api.Request(cfg)
	})
	return err
}

// Download fetches a file into dest and returns the public URL for it. The
// direct Bot API URL embeds the token and is never returned.
func (c *Client) Download(ctx context.Context, f bot.FileRef, dest string) (string, error) {
	url, err := call(ctx, c, "getFile", func() (string, error) {
		return c.api.GetFileDirectURL(f.ID)
	})
	if err != nil {
		return "", err
	}
	if _, err := call(ctx, c, "download", func() (struct{}, error) {
		return struct{}{}, c.fetch(ctx, url, dest)
	}); err != nil {
		return "", err
	}
	return domain.PublicPhotoURL(dest, c.cdn), nil
}

func (c *Client) fetch(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("download status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return backoff.Permanent(err)
	}
	tmp := dest + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return backoff.Permanent(err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dest)
}

func inlineMarkup(kb *bot.Keyboard) (tgbotapi.InlineKeyboardMarkup, bool) {
	if kb == nil || len(kb.Rows) == 0 {
		return tgbotapi.InlineKeyboardMarkup{}, false
	}
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(kb.Rows))
	for _, r := range kb.Rows {
		if len(r) == 0 {
			continue
		}
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(r))
		for _, b := range r {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(buttons...))
	}
	if len(rows) == 0 {
		return tgbotapi.InlineKeyboardMarkup{}, false
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...), true
}
