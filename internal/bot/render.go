package bot

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-sourcing-bot/internal/domain"
	"github.com/tbourn/go-sourcing-bot/internal/services"
	"github.com/tbourn/go-sourcing-bot/internal/sysutil"
)

const (
	textMainMenu = "Главное меню. Что хотите сделать?"
	textNoAccess = "Нет доступа."
	textRetry    = "Не удалось выполнить действие, попробуйте ещё раз."
	textFallback = "Я пока не умею обрабатывать такие сообщения. Пожалуйста, пользуйтесь кнопками ниже 👇"
	textInfo     = "Оставьте заявку на товар, которого пока нет на сайте.\n\n" +
		"1️⃣ Нажмите «Оставить заявку» и опишите модель, бренд и размер.\n" +
		"2️⃣ Если есть пожелания по цене или фото — приложите их.\n" +
		"3️⃣ В разделе «Мои заявки» следите за статусами и отвечайте на уточнения.\n\n" +
		"Нажимайте кнопку «🏠 В меню», чтобы в любой момент вернуться на главный экран."
)

func deliveryErr(err error) error {
	return fmt.Errorf("%w: %w", services.ErrDelivery, err)
}

// send posts a message that is not tracked as live.
func (t *turn) send(ctx context.Context, text string, k *Keyboard) error {
	if _, err := t.e.Transport.SendText(ctx, t.chat(), text, k); err != nil {
		return deliveryErr(err)
	}
	return nil
}

// replacePrompt removes the current prompt and posts a new one.
func (t *turn) replacePrompt(ctx context.Context, text string, k *Keyboard) error {
	t.deleteMessage(ctx, t.s.View.PromptID)
	t.s.View.PromptID = 0
	id, err := t.e.Transport.SendText(ctx, t.chat(), text, k)
	if err != nil {
		return deliveryErr(err)
	}
	t.s.View.PromptID = id
	return nil
}

// replacePreview removes every live message and posts a new preview.
func (t *turn) replacePreview(ctx context.Context, text string, k *Keyboard) error {
	t.clearLive(ctx)
	id, err := t.e.Transport.SendText(ctx, t.chat(), text, k)
	if err != nil {
		return deliveryErr(err)
	}
	t.s.View.PreviewID = id
	return nil
}

// clearLive removes the prompt and the preview.
func (t *turn) clearLive(ctx context.Context) {
	t.deleteMessage(ctx, t.s.View.PromptID)
	t.deleteMessage(ctx, t.s.View.PreviewID)
	t.s.View = Presentation{}
}

// dropSource removes the message the pressed button belonged to.
func (t *turn) dropSource(ctx context.Context) {
	id := t.ev.SourceMessageID
	if id == 0 {
		return
	}
	t.deleteMessage(ctx, id)
	if t.s.View.PromptID == id {
		t.s.View.PromptID = 0
	}
	if t.s.View.PreviewID == id {
		t.s.View.PreviewID = 0
	}
}

func (t *turn) deleteMessage(ctx context.Context, id MessageID) {
	if id == 0 {
		return
	}
	if err := t.e.Transport.DeleteMessage(ctx, t.chat(), id); err != nil {
		log.Debug().Err(err).Int64("user_id", t.chat()).Int("message_id", int(id)).Msg("bot: delete message failed")
	}
}

// menu ends the current flow and shows the main menu.
func (t *turn) menu(ctx context.Context, text string) error {
	t.s.Reset()
	t.clearLive(ctx)
	if text == "" {
		text = textMainMenu
	}
	return t.send(ctx, text, mainMenuKeyboard(t.admin()))
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "—"
	}
	return s
}

func previewText(d *OrderDraft) string {
	var b strings.Builder
	b.WriteString("Предпросмотр заявки:\n\n")
	fmt.Fprintf(&b, "Товар: %s\nБренд: %s\nРазмер: %s\nБюджет: %s\nКомментарий: %s",
		dash(d.Product), dash(d.Brand), dash(d.Size), dash(d.DesiredPrice), dash(d.Comment))
	if n := len(d.Photos); n > 0 {
		fmt.Fprintf(&b, "\nФото: %d шт.", n)
	}
	return b.String()
}

func orderBlock(o domain.Order, number string) string {
	lines := []string{
		fmt.Sprintf("• Заявка #%s · %s", number, sysutil.FirstNonEmpty(o.Product, "Без названия")),
		fmt.Sprintf("  Бренд: %s · Размер: %s · Бюджет: %s", dash(o.Brand), dash(o.Size), dash(o.DesiredPrice)),
		fmt.Sprintf("  Комментарий: %s", dash(o.Comment)),
	}
	if n := len(domain.ParsePhotoEntries(o.Photos, "")); n > 0 {
		lines = append(lines, fmt.Sprintf("  Фото: %d шт.", n))
	}
	switch o.Status {
	case domain.StatusAdded:
		if o.ProductLink != "" {
			lines = append(lines, "  🟢 Найдено! Ссылка: "+o.ProductLink)
		} else {
			lines = append(lines, "  🟢 Найдено! Ссылка появится позже.")
		}
	case domain.StatusNotAdded:
		lines = append(lines, "  🔴 Пока не удалось добавить товар. Мы продолжаем мониторинг.")
	case domain.StatusDeletedByUser:
		lines = append(lines, "  Заявка отменена вами.")
	default:
		lines = append(lines, "  "+o.Status.Description())
	}
	return strings.Join(lines, "\n")
}

func ordersText(orders []domain.Order, numbers map[uint]string) string {
	blocks := make([]string, 0, len(orders))
	interactive := false
	for _, o := range orders {
		blocks = append(blocks, orderBlock(o, numbers[o.ID]))
		if !o.Status.Terminal() {
			interactive = true
		}
	}
	text := "Ваши заявки:\n\n" + strings.Join(blocks, "\n\n")
	if interactive {
		text += "\n\nНажмите на номер заявки ниже, чтобы открыть карточку и внести изменения."
	}
	return text
}

func orderCardText(o *domain.Order, number string) string {
	text := fmt.Sprintf("📦 Заявка #%s\nТовар: %s\nБренд: %s\nРазмер: %s\nБюджет: %s\nСтатус: %s",
		number, dash(o.Product), dash(o.Brand), dash(o.Size), dash(o.DesiredPrice), o.Status)
	if !o.Status.Terminal() {
		text += "\n" + o.Status.Description()
	}
	return text
}

// AnalyticsText renders a snapshot for the analytics screen.
func AnalyticsText(snap domain.AnalyticsSnapshot, prefix string) string {
	var lines []string
	if prefix != "" {
		lines = append(lines, prefix, "")
	}
	lines = append(lines,
		"📊 Базовая аналитика",
		fmt.Sprintf("Всего заявок: %d", snap.Total),
		fmt.Sprintf("За последние 7 дней: %d", snap.LastWeek),
		fmt.Sprintf("Уникальных пользователей: %d", snap.UniqueUsers),
		"",
		"По статусам:",
	)
	for _, st := range domain.Statuses {
		if n := snap.ByStatus[st]; n > 0 {
			lines = append(lines, fmt.Sprintf("• %s: %d", st, n))
		}
	}
	var brands []string
	for _, b := range snap.TopBrands {
		if b.Brand != "" {
			brands = append(brands, b.Brand)
		}
	}
	if len(brands) > 0 {
		lines = append(lines, "", "Популярные бренды: "+strings.Join(brands, ", "))
	}
	return strings.Join(lines, "\n")
}

func adminsText(admins []domain.User) string {
	if len(admins) == 0 {
		return "Список администраторов пуст."
	}
	lines := []string{"Список администраторов:"}
	for _, u := range admins {
		lines = append(lines, fmt.Sprintf("• %s — %d", u.DisplayName(), u.ID))
	}
	return strings.Join(lines, "\n")
}

func macrosText(macros []domain.MacroTemplate) string {
	if len(macros) == 0 {
		return "Макросов пока нет. Создайте первый."
	}
	lines := []string{"Макросы вопросов:"}
	for _, m := range macros {
		lines = append(lines, fmt.Sprintf("• #%d · %s", m.ID, m.Title))
	}
	return strings.Join(lines, "\n")
}

func macroDetailText(m *domain.MacroTemplate) string {
	return fmt.Sprintf("Макрос #%d\nЗаголовок: %s\n\nТекст:\n%s", m.ID, m.Title, m.Body)
}

func macroPreviewText(d *MacroDraft) string {
	return fmt.Sprintf("Предпросмотр макроса:\nЗаголовок: %s\n\nТекст:\n%s", dash(d.Title), dash(d.Body))
}

func keywordsText(m services.KindMap) string {
	lines := []string{"Ключевые слова по видам:"}
	for _, kind := range m.Kinds() {
		words := append([]string(nil), m[kind]...)
		sort.Strings(words)
		lines = append(lines, fmt.Sprintf("• %s: %s", kind, dash(strings.Join(words, ", "))))
	}
	return strings.Join(lines, "\n")
}

func pushPreviewText(d *PushDraft) string {
	return fmt.Sprintf("Предпросмотр рассылки:\nПолучатели: %s\n\nСообщение, которое они получат:\n%s",
		joinIDs(d.IDs), d.Text)
}

func answerPreviewText(d *AnswerDraft) string {
	return fmt.Sprintf("Ваш ответ по заявке #%s:\n\n%s\n\nОтправить администратору?", d.Number, d.Text)
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ", ")
}
