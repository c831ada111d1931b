package bot

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-sourcing-bot/internal/repo"
	"github.com/tbourn/go-sourcing-bot/internal/services"
)

func newBotDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:bot_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
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

type sentMsg struct {
	ID   MessageID
	Chat int64
	Text string
	KB   *Keyboard
}

type sentFile struct {
	Chat    int64
	Path    string
	Caption string
}

// fakeTransport records outbound traffic.
type fakeTransport struct {
	mu        sync.Mutex
	next      MessageID
	sent      []sentMsg
	deleted   []MessageID
	callbacks []string
	files     []sentFile
	// payloads by file id; Download writes "img" for unknown ids.
	payloads    map[string][]byte
	failSendTo  map[int64]bool
	panicOnSend bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{payloads: map[string][]byte{}, failSendTo: map[int64]bool{}}
}

func (f *fakeTransport) SendText(_ context.Context, chatID int64, text string, kb *Keyboard) (MessageID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOnSend {
		panic("transport exploded")
	}
	if f.failSendTo[chatID] {
		return 0, fmt.Errorf("chat %d blocked the bot", chatID)
	}
	f.next++
	f.sent = append(f.sent, sentMsg{ID: f.next, Chat: chatID, Text: text, KB: kb})
	return f.next, nil
}

func (f *fakeTransport) SendFile(_ context.Context, chatID int64, path, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := os.Stat(path); err != nil {
		return err
	}
	f.files = append(f.files, sentFile{Chat: chatID, Path: path, Caption: caption})
	return nil
}

func (f *fakeTransport) DeleteMessage(_ context.Context, _ int64, id MessageID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeTransport) AnswerCallback(_ context.Context, _ string, text string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks = append(f.callbacks, text)
	return nil
}

func (f *fakeTransport) Download(_ context.Context, ref FileRef, dest string) (string, error) {
	f.mu.Lock()
	data, ok := f.payloads[ref.ID]
	f.mu.Unlock()
	if !ok {
		data = []byte("img")
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", err
	}
	return "https://files.example/" + ref.ID, nil
}

func (f *fakeTransport) textsTo(chat int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sent {
		if m.Chat == chat {
			out = append(out, m.Text)
		}
	}
	return out
}

func (f *fakeTransport) last(t *testing.T, chat int64) sentMsg {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].Chat == chat {
			return f.sent[i]
		}
	}
	t.Fatalf("nothing sent to %d", chat)
	return sentMsg{}
}

func (f *fakeTransport) lastCallback() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.callbacks) == 0 {
		return ""
	}
	return f.callbacks[len(f.callbacks)-1]
}

func (f *fakeTransport) wasDeleted(id MessageID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.deleted {
		if d == id {
			return true
		}
	}
	return false
}

type testEnv struct {
	eng    *Engine
	tr     *fakeTransport
	db     *gorm.DB
	orders *services.OrderService
}

// newTestEnv wires an engine over real services and a fake transport.
func newTestEnv(t *testing.T, admins ...int64) *testEnv {
	t.Helper()
	ctx := context.Background()
	db := newBotDB(t)
	tr := newFakeTransport()

	att := &services.AttachmentStore{DB: db}
	orders := services.NewOrderService(db, services.NewLinkValidator("shop.example"), att)
	dir := services.NewAdminDirectory(db, admins)
	if _, err := dir.Refresh(ctx); err != nil {
		t.Fatalf("Refresh admins: %v", err)
	}
	notifier := &services.Notifier{Sender: NotifySender{Transport: tr}, Concurrency: 4}
	keywords := &services.KeywordService{DB: db}

	eng := &Engine{
		Transport:  tr,
		Sessions:   NewSessionStore(0),
		Orders:     orders,
		Users:      &services.UserService{DB: db},
		Admins:     dir,
		Macros:     &services.MacroService{DB: db},
		Keywords:   keywords,
		Reconciler: &services.Reconciler{DB: db, Orders: orders, Notifier: notifier},
		Exporter:   &services.Exporter{DB: db, Attachments: att, Keywords: keywords, TmpDir: t.TempDir()},
		Notifier:   notifier,
		Analytics:  &services.Refresher{Analytics: &services.Analytics{DB: db}},
		PhotosDir:  t.TempDir(),
		TmpDir:     t.TempDir(),
	}
	return &testEnv{eng: eng, tr: tr, db: db, orders: orders}
}

func (e *testEnv) handle(t *testing.T, ev Event) {
	t.Helper()
	if err := e.eng.Handle(context.Background(), ev); err != nil {
		t.Fatalf("Handle(%+v): %v", ev, err)
	}
}

func (e *testEnv) text(t *testing.T, uid int64, s string) {
	t.Helper()
	e.handle(t, Event{Kind: EventText, UserID: uid, FullName: "Test User", Text: s})
}

// press clicks a button on the last message sent to the user.
func (e *testEnv) press(t *testing.T, uid int64, data string) {
	t.Helper()
	var src MessageID
	e.tr.mu.Lock()
	for i := len(e.tr.sent) - 1; i >= 0; i-- {
		if e.tr.sent[i].Chat == uid {
			src = e.tr.sent[i].ID
			break
		}
	}
	e.tr.mu.Unlock()
	e.handle(t, Event{Kind: EventButton, UserID: uid, Data: data, CallbackID: "cb-" + data, SourceMessageID: src})
}

func (e *testEnv) attach(t *testing.T, uid int64, f FileRef, caption string) {
	t.Helper()
	e.handle(t, Event{Kind: EventAttachment, UserID: uid, File: &f, Caption: caption})
}

func (e *testEnv) session(t *testing.T, uid int64) Session {
	t.Helper()
	s, ok := e.eng.Sessions.Peek(uid)
	if !ok {
		t.Fatalf("no session for %d", uid)
	}
	return s
}

func (e *testEnv) expectLast(t *testing.T, uid int64, fragment string) {
	t.Helper()
	if got := e.tr.last(t, uid).Text; !strings.Contains(got, fragment) {
		t.Fatalf("last message to %d = %q, want it to contain %q", uid, got, fragment)
	}
}

func hasButton(k *Keyboard, data string) bool {
	if k == nil {
		return false
	}
	for _, r := range k.Rows {
		for _, b := range r {
			if b.Data == data {
				return true
			}
		}
	}
	return false
}
