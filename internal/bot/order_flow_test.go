package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/tbourn/go-sourcing-bot/internal/domain"
	"github.com/tbourn/go-sourcing-bot/internal/repo"
)

func userOrders(t *testing.T, e *testEnv, uid int64) []domain.Order {
	t.Helper()
	orders, err := repo.ListOrdersByUser(context.Background(), e.db, uid)
	if err != nil {
		t.Fatalf("ListOrdersByUser: %v", err)
	}
	return orders
}

// toComment drives a fresh order to the comment/photo step.
func toComment(t *testing.T, e *testEnv, uid int64) {
	t.Helper()
	e.press(t, uid, "menu:create")
	e.text(t, uid, "Air Max")
	e.text(t, uid, "-")
	e.text(t, uid, "42")
	if got := e.session(t, uid).Stage; got != StageCommentOrPhoto {
		t.Fatalf("stage = %q, want comment step", got)
	}
}

func TestOrderFlow_CreateScenario(t *testing.T) {
	e := newTestEnv(t)
	const uid = 101

	e.press(t, uid, "menu:create")
	e.expectLast(t, uid, "Введите название товара")
	e.text(t, uid, "Air Max")
	if !hasButton(e.tr.last(t, uid).KB, "brand_suggest:Nike") {
		t.Fatal("brand prompt should offer suggestions")
	}
	e.text(t, uid, "-")
	e.text(t, uid, "42")
	e.press(t, uid, "skip")

	s := e.session(t, uid)
	if s.Stage != StageConfirm {
		t.Fatalf("stage = %q, want confirm", s.Stage)
	}
	preview := e.tr.last(t, uid).Text
	for _, want := range []string{"Товар: Air Max", "Бренд: -", "Размер: 42", "Комментарий: —"} {
		if !strings.Contains(preview, want) {
			t.Fatalf("preview %q missing %q", preview, want)
		}
	}

	e.press(t, uid, "confirm:yes")
	orders := userOrders(t, e, uid)
	if len(orders) != 1 {
		t.Fatalf("orders = %d, want 1", len(orders))
	}
	o := orders[0]
	if o.Status != domain.StatusNew || o.Product != "Air Max" || o.Brand != "-" || o.Size != "42" || o.Comment != "" {
		t.Fatalf("unexpected order: %+v", o)
	}
	if o.UserOrderNumber == nil || *o.UserOrderNumber != 1 {
		t.Fatalf("display sequence = %v, want 1", o.UserOrderNumber)
	}
	number := e.orders.DisplayNumber(context.Background(), &o)
	if !strings.HasSuffix(number, "-1") {
		t.Fatalf("display number = %q", number)
	}
	e.expectLast(t, uid, "Заявка №"+number+" отправлена.")
	if s := e.session(t, uid); s.Stage != StageIdle || s.Draft != nil {
		t.Fatalf("session not reset: %+v", s)
	}
	if !hasButton(e.tr.last(t, uid).KB, "menu:create") {
		t.Fatal("main menu expected after creation")
	}
}

func TestOrderFlow_BrandSuggestion(t *testing.T) {
	e := newTestEnv(t)
	const uid = 102
	e.press(t, uid, "menu:create")
	e.text(t, uid, "Air Max")
	e.press(t, uid, "brand_suggest:New Balance")
	s := e.session(t, uid)
	if s.Stage != StageSize || s.Draft.(*OrderDraft).Brand != "New Balance" {
		t.Fatalf("unexpected session: %+v", s)
	}
}

func TestOrderFlow_CancelMidwayCreatesNothing(t *testing.T) {
	e := newTestEnv(t)
	const uid = 103
	e.press(t, uid, "menu:create")
	e.text(t, uid, "Air Max")
	e.press(t, uid, "cancel")

	if s := e.session(t, uid); s.Stage != StageIdle || s.Draft != nil {
		t.Fatalf("session not reset: %+v", s)
	}
	if n := len(userOrders(t, e, uid)); n != 0 {
		t.Fatalf("orders = %d, want 0", n)
	}
	e.expectLast(t, uid, textMainMenu)
}

func TestOrderFlow_BackFollowsPredecessors(t *testing.T) {
	e := newTestEnv(t)
	const uid = 104
	toComment(t, e, uid)

	e.press(t, uid, "back:size")
	if got := e.session(t, uid).Stage; got != StageSize {
		t.Fatalf("stage = %q, want size", got)
	}
	e.press(t, uid, "back:brand")
	if got := e.session(t, uid).Stage; got != StageBrand {
		t.Fatalf("stage = %q, want brand", got)
	}
	e.press(t, uid, "back:product")
	if got := e.session(t, uid).Stage; got != StageProduct {
		t.Fatalf("stage = %q, want product", got)
	}
	// Product has no predecessor.
	e.press(t, uid, "back:product")
	if got := e.session(t, uid).Stage; got != StageProduct {
		t.Fatalf("stage = %q, want product", got)
	}
	if d := e.session(t, uid).Draft.(*OrderDraft); d.Product != "Air Max" || d.Size != "42" {
		t.Fatalf("draft lost on back: %+v", d)
	}
}

func TestOrderFlow_SkipOnlyOnCommentStep(t *testing.T) {
	e := newTestEnv(t)
	const uid = 105
	e.press(t, uid, "menu:create")
	e.press(t, uid, "skip")
	if got := e.session(t, uid).Stage; got != StageProduct {
		t.Fatalf("stage = %q, want product", got)
	}
	if got := e.tr.lastCallback(); got != "Этот шаг нельзя пропустить." {
		t.Fatalf("callback = %q", got)
	}
}

func TestOrderFlow_PromptReplacedOnTransition(t *testing.T) {
	e := newTestEnv(t)
	const uid = 106
	e.press(t, uid, "menu:create")
	first := e.tr.last(t, uid).ID
	e.text(t, uid, "Air Max")
	second := e.tr.last(t, uid).ID

	if !e.tr.wasDeleted(first) {
		t.Fatal("previous prompt should be deleted")
	}
	if got := e.session(t, uid).View.PromptID; got != second {
		t.Fatalf("PromptID = %d, want %d", got, second)
	}
}

func TestOrderFlow_PhotosAndCaptionsAccumulate(t *testing.T) {
	e := newTestEnv(t)
	const uid = 107
	toComment(t, e, uid)

	e.attach(t, uid, FileRef{ID: "f1", UniqueID: "u1", IsPhoto: true}, "левый")
	e.attach(t, uid, FileRef{ID: "f2", UniqueID: "u2", Name: "shot.PNG", MimeType: "image/png"}, "правый")
	e.text(t, uid, "без логотипа")
	e.attach(t, uid, FileRef{ID: "f3", UniqueID: "u3", Name: "notes.pdf", MimeType: "application/pdf"}, "")

	d := e.session(t, uid).Draft.(*OrderDraft)
	if len(d.Photos) != 2 {
		t.Fatalf("photos = %d, want 2", len(d.Photos))
	}
	if d.Comment != "левый\nправый\nбез логотипа" {
		t.Fatalf("comment = %q", d.Comment)
	}
	if !strings.HasSuffix(d.Photos[0].Local, "107_u1.jpg") || !strings.HasSuffix(d.Photos[1].Local, "107_u2.png") {
		t.Fatalf("unexpected local paths: %+v", d.Photos)
	}
	if d.Photos[0].Public != "https://files.example/f1" {
		t.Fatalf("public url = %q", d.Photos[0].Public)
	}

	e.press(t, uid, "confirm:yes")
	orders := userOrders(t, e, uid)
	if len(orders) != 1 {
		t.Fatalf("orders = %d", len(orders))
	}
	photos, err := repo.ListOrderPhotos(context.Background(), e.db, orders[0].ID)
	if err != nil {
		t.Fatalf("ListOrderPhotos: %v", err)
	}
	if len(photos) != 2 {
		t.Fatalf("durable photos = %d, want 2", len(photos))
	}
}

func TestOrderFlow_EditCommentWithCaptionedPhotoKeepsText(t *testing.T) {
	e := newTestEnv(t)
	const uid = 120
	toComment(t, e, uid)
	e.text(t, uid, "первый комментарий")

	e.press(t, uid, "confirm:edit")
	e.press(t, uid, "edit_field:comment")
	e.attach(t, uid, FileRef{ID: "f9", UniqueID: "u9", IsPhoto: true}, "подпись")

	s := e.session(t, uid)
	if s.Stage != StageConfirm {
		t.Fatalf("stage = %q", s.Stage)
	}
	d := s.Draft.(*OrderDraft)
	if d.Comment != "первый комментарий\nподпись" {
		t.Fatalf("comment = %q", d.Comment)
	}
	if len(d.Photos) != 1 {
		t.Fatalf("photos = %d, want 1", len(d.Photos))
	}
}

func TestOrderFlow_EditPriceFromPreview(t *testing.T) {
	e := newTestEnv(t)
	const uid = 108
	toComment(t, e, uid)
	e.press(t, uid, "skip")

	e.press(t, uid, "confirm:edit")
	if got := e.session(t, uid).Stage; got != StageEditField {
		t.Fatalf("stage = %q", got)
	}
	e.press(t, uid, "edit_field:price")
	e.expectLast(t, uid, "Текущее значение для бюджета: —")
	e.text(t, uid, "дёшево")
	e.expectLast(t, uid, "Некорректная цена. Введите число, например: 9990.")
	if got := e.session(t, uid).Stage; got != StageEditField {
		t.Fatalf("stage after bad price = %q", got)
	}
	e.text(t, uid, "9 990,5")
	if got := e.session(t, uid).Stage; got != StageConfirm {
		t.Fatalf("stage after price = %q", got)
	}
	e.expectLast(t, uid, "Бюджет: 9990.5")

	e.press(t, uid, "confirm:yes")
	if o := userOrders(t, e, uid)[0]; o.DesiredPrice != "9990.5" {
		t.Fatalf("price = %q", o.DesiredPrice)
	}
}

func TestOrderFlow_EditExistingOrder(t *testing.T) {
	e := newTestEnv(t)
	const uid = 109
	toComment(t, e, uid)
	e.press(t, uid, "skip")
	e.press(t, uid, "confirm:yes")
	o := userOrders(t, e, uid)[0]

	e.press(t, uid, "menu:orders")
	listing := e.tr.last(t, uid)
	if !strings.HasPrefix(listing.Text, "Ваши заявки:") || !hasButton(listing.KB, fmt.Sprintf("show_order:%d", o.ID)) {
		t.Fatalf("unexpected listing: %+v", listing)
	}
	e.press(t, uid, fmt.Sprintf("show_order:%d", o.ID))
	e.expectLast(t, uid, "📦 Заявка #")
	e.press(t, uid, fmt.Sprintf("user_edit:%d", o.ID))
	e.press(t, uid, "edit_field:size")
	e.text(t, uid, "43")
	e.press(t, uid, "confirm:yes")

	got := userOrders(t, e, uid)
	if len(got) != 1 || got[0].Size != "43" {
		t.Fatalf("order not updated: %+v", got)
	}
	if !strings.Contains(got[0].Communication, "USER_EDIT") {
		t.Fatalf("edit not recorded: %q", got[0].Communication)
	}
	e.expectLast(t, uid, "обновлена")
}

func TestOrderFlow_ForeignOrderRejected(t *testing.T) {
	e := newTestEnv(t)
	toComment(t, e, 110)
	e.press(t, 110, "skip")
	e.press(t, 110, "confirm:yes")
	o := userOrders(t, e, 110)[0]

	e.press(t, 111, fmt.Sprintf("user_edit:%d", o.ID))
	if got := e.tr.lastCallback(); got != "Не ваша заявка." {
		t.Fatalf("callback = %q", got)
	}
	if s := e.session(t, 111); s.Stage != StageIdle {
		t.Fatalf("stage = %q", s.Stage)
	}
	e.press(t, 111, fmt.Sprintf("user_delete:%d", o.ID))
	if got := userOrders(t, e, 110)[0].Status; got != domain.StatusNew {
		t.Fatalf("foreign delete changed status to %s", got)
	}
}

func TestOrderFlow_UserDelete(t *testing.T) {
	e := newTestEnv(t)
	const uid = 112
	toComment(t, e, uid)
	e.press(t, uid, "skip")
	e.press(t, uid, "confirm:yes")
	o := userOrders(t, e, uid)[0]

	e.press(t, uid, fmt.Sprintf("user_delete:%d", o.ID))
	if got := userOrders(t, e, uid)[0].Status; got != domain.StatusDeletedByUser {
		t.Fatalf("status = %s", got)
	}
	e.expectLast(t, uid, "Заявка отменена. Главное меню ниже.")

	e.press(t, uid, fmt.Sprintf("user_edit:%d", o.ID))
	if got := e.tr.lastCallback(); !strings.Contains(got, "изменить её нельзя") {
		t.Fatalf("callback = %q", got)
	}
}

func TestOrderFlow_StaleConfirmGoesHome(t *testing.T) {
	e := newTestEnv(t)
	const uid = 113
	e.press(t, uid, "confirm:yes")
	if n := len(userOrders(t, e, uid)); n != 0 {
		t.Fatalf("orders = %d", n)
	}
	e.expectLast(t, uid, textMainMenu)
}

func TestOrderFlow_StorageFailureKeepsSession(t *testing.T) {
	e := newTestEnv(t)
	const uid = 114
	toComment(t, e, uid)
	e.press(t, uid, "skip")

	sqlDB, _ := e.db.DB()
	_ = sqlDB.Close()

	err := e.eng.Handle(context.Background(), Event{Kind: EventButton, UserID: uid, Data: "confirm:yes", CallbackID: "cb"})
	if err == nil {
		t.Fatal("expected an error from the failed create")
	}
	if got := e.tr.lastCallback(); got != textRetry {
		t.Fatalf("callback = %q", got)
	}
	s := e.session(t, uid)
	if s.Stage != StageConfirm || s.Draft.(*OrderDraft).Product != "Air Max" {
		t.Fatalf("session lost: %+v", s)
	}
}

func TestOrderFlow_ConcurrentMessagesSerialized(t *testing.T) {
	e := newTestEnv(t)
	const uid = 115
	toComment(t, e, uid)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.eng.Handle(context.Background(), Event{Kind: EventText, UserID: uid, Text: fmt.Sprintf("line %d", i)})
		}()
	}
	wg.Wait()

	d := e.session(t, uid).Draft.(*OrderDraft)
	if got := len(strings.Split(d.Comment, "\n")); got != n {
		t.Fatalf("comment lines = %d, want %d", got, n)
	}
}

func TestEngine_PanicRecovered(t *testing.T) {
	e := newTestEnv(t)
	const uid = 116
	e.tr.panicOnSend = true
	err := e.eng.Handle(context.Background(), Event{Kind: EventCommand, UserID: uid, Text: "start"})
	if err == nil || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("err = %v, want recovered panic", err)
	}

	e.tr.mu.Lock()
	e.tr.panicOnSend = false
	e.tr.mu.Unlock()
	e.handle(t, Event{Kind: EventCommand, UserID: uid, Text: "start", FullName: "Анна"})
	e.expectLast(t, uid, "Привет, Анна!")
}

func TestEngine_UnknownCommandFallsBack(t *testing.T) {
	e := newTestEnv(t)
	e.handle(t, Event{Kind: EventCommand, UserID: 117, Text: "dance"})
	e.expectLast(t, 117, textFallback)
}
