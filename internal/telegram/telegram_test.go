package telegram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	sqlite "github.com/glebarez/sqlite"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-sourcing-bot/internal/bot"
	"github.com/tbourn/go-sourcing-bot/internal/repo"
)

type fakeAPI struct {
	mu       sync.Mutex
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
	fails    []error // consumed one per Send
	fileURL  string
	updates  chan tgbotapi.Update
	stopped  bool
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.fails) > 0 {
		err := f.fails[0]
		f.fails = f.fails[1:]
		return tgbotapi.Message{}, err
	}
	f.sent = append(f.sent, c)
	return tgbotapi.Message{MessageID: len(f.sent) + 100}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) GetFileDirectURL(string) (string, error) { return f.fileURL, nil }

func (f *fakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel { return f.updates }

func (f *fakeAPI) StopReceivingUpdates() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func newTestClient(api API) *Client {
	c := NewWithAPI(api, nil, Options{Timeout: time.Second, RPS: 1000, MaxRetries: 3, PhotoCDN: "https://cdn.example/p"})
	c.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return c
}

func TestSendText_KeyboardAndRetry(t *testing.T) {
	api := &fakeAPI{fails: []error{errors.New("connection reset")}}
	c := newTestClient(api)
	kb := &bot.Keyboard{Rows: [][]bot.Button{{{Text: "Да", Data: "confirm:yes"}, {Text: "Нет", Data: "confirm:cancel"}}, {}}}

	id, err := c.SendText(context.Background(), 5, "hi", kb)
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if id != 101 {
		t.Fatalf("id = %d, want 101", id)
	}
	msg, ok := api.sent[0].(tgbotapi.MessageConfig)
	if !ok {
		t.Fatalf("sent %T", api.sent[0])
	}
	markup, ok := msg.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	if !ok || len(markup.InlineKeyboard) != 1 || len(markup.InlineKeyboard[0]) != 2 {
		t.Fatalf("markup = %+v", msg.ReplyMarkup)
	}
	if d := markup.InlineKeyboard[0][0].CallbackData; d == nil || *d != "confirm:yes" {
		t.Fatalf("callback data = %v", d)
	}
}

func TestSendText_ClientErrorIsPermanent(t *testing.T) {
	api := &fakeAPI{fails: []error{
		&tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"},
		errors.New("unreachable"),
	}}
	c := newTestClient(api)
	if _, err := c.SendText(context.Background(), 5, "hi", nil); err == nil {
		t.Fatal("expected error")
	}
	if len(api.fails) != 1 {
		t.Fatalf("client error was retried, %d failures left", len(api.fails))
	}
}

func TestSendText_GivesUpAfterMaxTries(t *testing.T) {
	boom := errors.New("timeout")
	api := &fakeAPI{fails: []error{boom, boom, boom, boom}}
	c := newTestClient(api)
	_, err := c.SendText(context.Background(), 5, "hi", nil)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if len(api.fails) != 1 {
		t.Fatalf("attempts = %d, want 3", 4-len(api.fails))
	}
}

func TestAnswerCallbackAndDelete(t *testing.T) {
	api := &fakeAPI{}
	c := newTestClient(api)
	ctx := context.Background()
	if err := c.AnswerCallback(ctx, "cb1", "Нет доступа.", true); err != nil {
		t.Fatal(err)
	}
	if err := c.DeleteMessage(ctx, 5, 42); err != nil {
		t.Fatal(err)
	}
	cb, ok := api.requests[0].(tgbotapi.CallbackConfig)
	if !ok || !cb.ShowAlert || cb.CallbackQueryID != "cb1" {
		t.Fatalf("callback = %+v", api.requests[0])
	}
	del, ok := api.requests[1].(tgbotapi.DeleteMessageConfig)
	if !ok || del.MessageID != 42 || del.ChatID != 5 {
		t.Fatalf("delete = %+v", api.requests[1])
	}
}

func TestDownload_WritesFileAndHidesDirectURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("jpeg-bytes"))
	}))
	defer srv.Close()

	api := &fakeAPI{fileURL: srv.URL + "/file/botSECRET/photo.jpg"}
	c := newTestClient(api)
	dest := filepath.Join(t.TempDir(), "photos", "5_u1.jpg")
	public, err := c.Download(context.Background(), bot.FileRef{ID: "f1"}, dest)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if public != "https://cdn.example/p/5_u1.jpg" {
		t.Fatalf("public = %q", public)
	}
	data, err := os.ReadFile(dest)
	if err != nil || string(data) != "jpeg-bytes" {
		t.Fatalf("file = %q, %v", data, err)
	}
}

func TestDownload_NotFoundIsPermanent(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := newTestClient(&fakeAPI{fileURL: srv.URL + "/x"})
	if _, err := c.Download(context.Background(), bot.FileRef{ID: "f1"}, filepath.Join(t.TempDir(), "a.jpg")); err == nil {
		t.Fatal("expected error")
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("hits = %d, want 1", n)
	}
}

func TestToEvent(t *testing.T) {
	user := &tgbotapi.User{ID: 7, UserName: "ivan", FirstName: "Иван", LastName: "Петров"}
	private := &tgbotapi.Chat{ID: 7, Type: "private"}

	cmd := tgbotapi.Update{Message: &tgbotapi.Message{
		From: user, Chat: private, Text: "/Start",
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: 6}},
	}}
	ev, ok := ToEvent(cmd)
	if !ok || ev.Kind != bot.EventCommand || ev.Text != "start" || ev.FullName != "Иван Петров" {
		t.Fatalf("command event = %+v, %v", ev, ok)
	}

	photo := tgbotapi.Update{Message: &tgbotapi.Message{
		From: user, Chat: private, Caption: "вот",
		Photo: []tgbotapi.PhotoSize{{FileID: "small", FileUniqueID: "s"}, {FileID: "big", FileUniqueID: "b"}},
	}}
	ev, ok = ToEvent(photo)
	if !ok || ev.Kind != bot.EventAttachment || ev.File.ID != "big" || !ev.File.IsPhoto || ev.Caption != "вот" {
		t.Fatalf("photo event = %+v", ev)
	}

	doc := tgbotapi.Update{Message: &tgbotapi.Message{
		From: user, Chat: private,
		Document: &tgbotapi.Document{FileID: "d", FileName: "orders.xlsx", MimeType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"},
	}}
	ev, ok = ToEvent(doc)
	if !ok || ev.File.Name != "orders.xlsx" || ev.File.IsPhoto {
		t.Fatalf("document event = %+v", ev)
	}

	cb := tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID: "q1", From: user, Data: "menu:create", Message: &tgbotapi.Message{MessageID: 55},
	}}
	ev, ok = ToEvent(cb)
	if !ok || ev.Kind != bot.EventButton || ev.Data != "menu:create" || ev.SourceMessageID != 55 || ev.CallbackID != "q1" {
		t.Fatalf("callback event = %+v", ev)
	}

	group := tgbotapi.Update{Message: &tgbotapi.Message{From: user, Chat: &tgbotapi.Chat{ID: -1, Type: "group"}, Text: "hi"}}
	if _, ok := ToEvent(group); ok {
		t.Fatal("group message accepted")
	}
	if _, ok := ToEvent(tgbotapi.Update{Message: &tgbotapi.Message{From: user, Chat: private}}); ok {
		t.Fatal("empty message accepted")
	}
}

type recordingHandler struct {
	mu     sync.Mutex
	events []bot.Event
}

func (h *recordingHandler) Handle(_ context.Context, ev bot.Event) error {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
	return nil
}

func TestPoller_DispatchesUntilClosed(t *testing.T) {
	api := &fakeAPI{updates: make(chan tgbotapi.Update, 3)}
	h := &recordingHandler{}
	p := &Poller{Client: newTestClient(api), Handler: h, PollTimeout: 1}

	user := &tgbotapi.User{ID: 9}
	api.updates <- tgbotapi.Update{UpdateID: 1, Message: &tgbotapi.Message{From: user, Text: "a"}}
	api.updates <- tgbotapi.Update{UpdateID: 2}
	api.updates <- tgbotapi.Update{UpdateID: 3, CallbackQuery: &tgbotapi.CallbackQuery{ID: "x", From: user, Data: "cancel"}}
	close(api.updates)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(h.events) != 2 {
		t.Fatalf("handled %d events, want 2", len(h.events))
	}
}

// sequenceHandler records the order in which each user's texts are handled.
type sequenceHandler struct {
	mu   sync.Mutex
	seen map[int64][]int
}

func (h *sequenceHandler) Handle(_ context.Context, ev bot.Event) error {
	n, _ := strconv.Atoi(ev.Text)
	if n%7 == 0 {
		time.Sleep(time.Millisecond)
	}
	h.mu.Lock()
	h.seen[ev.UserID] = append(h.seen[ev.UserID], n)
	h.mu.Unlock()
	return nil
}

func TestPoller_KeepsPerUserOrder(t *testing.T) {
	const perUser = 500
	users := []int64{11, 12, 13}
	api := &fakeAPI{updates: make(chan tgbotapi.Update, perUser*len(users))}
	h := &sequenceHandler{seen: map[int64][]int{}}
	p := &Poller{Client: newTestClient(api), Handler: h}

	id := 0
	for i := 0; i < perUser; i++ {
		for _, uid := range users {
			id++
			api.updates <- tgbotapi.Update{UpdateID: id, Message: &tgbotapi.Message{
				From: &tgbotapi.User{ID: uid},
				Text: strconv.Itoa(i),
			}}
		}
	}
	close(api.updates)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, uid := range users {
		got := h.seen[uid]
		if len(got) != perUser {
			t.Fatalf("user %d: handled %d, want %d", uid, len(got), perUser)
		}
		for i, n := range got {
			if n != i {
				t.Fatalf("user %d: position %d holds %d", uid, i, n)
			}
		}
	}
	if n := p.Active(); n != 0 {
		t.Fatalf("active mailboxes after drain = %d", n)
	}
}

// gateHandler blocks user 1 until user 2 has been handled.
type gateHandler struct {
	released chan struct{}
	order    chan int64
}

func (h *gateHandler) Handle(_ context.Context, ev bot.Event) error {
	if ev.UserID == 1 {
		select {
		case <-h.released:
		case <-time.After(2 * time.Second):
		}
	} else {
		close(h.released)
	}
	h.order <- ev.UserID
	return nil
}

func TestPoller_UsersRunConcurrently(t *testing.T) {
	api := &fakeAPI{updates: make(chan tgbotapi.Update, 2)}
	h := &gateHandler{released: make(chan struct{}), order: make(chan int64, 2)}
	p := &Poller{Client: newTestClient(api), Handler: h}

	api.updates <- tgbotapi.Update{UpdateID: 1, Message: &tgbotapi.Message{From: &tgbotapi.User{ID: 1}, Text: "a"}}
	api.updates <- tgbotapi.Update{UpdateID: 2, Message: &tgbotapi.Message{From: &tgbotapi.User{ID: 2}, Text: "b"}}
	close(api.updates)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if first := <-h.order; first != 2 {
		t.Fatalf("first handled user = %d, want 2 while user 1 was blocked", first)
	}
}

func TestPoller_StopsOnCancel(t *testing.T) {
	api := &fakeAPI{updates: make(chan tgbotapi.Update)}
	p := &Poller{Client: newTestClient(api), Handler: &recordingHandler{}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !api.stopped {
		t.Fatal("polling was not stopped")
	}
}

func newPollerDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:telegram_" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func TestPoller_DropsRedeliveredUpdates(t *testing.T) {
	api := &fakeAPI{updates: make(chan tgbotapi.Update, 3)}
	h := &recordingHandler{}
	p := &Poller{Client: newTestClient(api), Handler: h, DB: newPollerDB(t), DedupTTL: time.Hour}

	upd := tgbotapi.Update{UpdateID: 77, Message: &tgbotapi.Message{From: &tgbotapi.User{ID: 9}, Text: "a"}}
	api.updates <- upd
	api.updates <- upd
	api.updates <- tgbotapi.Update{UpdateID: 78, Message: &tgbotapi.Message{From: &tgbotapi.User{ID: 9}, Text: "b"}}
	close(api.updates)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(h.events) != 2 {
		t.Fatalf("handled %d events, want 2", len(h.events))
	}
}
