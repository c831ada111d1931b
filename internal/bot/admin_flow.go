package bot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-sourcing-bot/internal/domain"
	"github.com/tbourn/go-sourcing-bot/internal/services"
	"github.com/tbourn/go-sourcing-bot/internal/sysutil"
)

// Reports.

func (t *turn) onReport(ctx context.Context, kind string) error {
	t.dropSource(ctx)
	if kind != "full" && kind != "work" {
		return t.menu(ctx, "")
	}
	files, err := t.e.Exporter.Export(ctx)
	if err != nil {
		return t.fail(ctx, err)
	}
	defer os.Remove(files.Full)
	defer os.Remove(files.Working)

	path, caption := files.Full, "Полный файл заявок (архив)."
	if kind == "work" {
		path, caption = files.Working, "Рабочий файл — редактируйте статусы (выпадающий список)."
	}
	if err := t.e.Transport.SendFile(ctx, t.chat(), path, caption); err != nil {
		return t.fail(ctx, deliveryErr(err))
	}
	t.answer(ctx, "Файл отправлен.", false)
	return t.menu(ctx, "")
}

// Status upload.

func (t *turn) startUpload(ctx context.Context) error {
	t.s.Reset()
	t.clearLive(ctx)
	t.s.Stage = StageAwaitUpload
	return t.replacePrompt(ctx,
		"Загрузите рабочий .xlsx файл (колонки «ID заказа» и «Статус» обязательны).", homeKeyboard())
}

func (t *turn) onUpload(ctx context.Context) error {
	f := t.ev.File
	if t.ev.Kind != EventAttachment || f == nil || f.IsPhoto {
		return t.send(ctx, "Загрузите .xlsx файл.", nil)
	}
	if !strings.EqualFold(filepath.Ext(f.Name), ".xlsx") {
		return t.send(ctx, "Файл должен иметь расширение .xlsx", nil)
	}
	if err := os.MkdirAll(t.e.TmpDir, 0o755); err != nil {
		return t.fail(ctx, fmt.Errorf("%w: tmp dir: %w", services.ErrStorage, err))
	}
	dest := filepath.Join(t.e.TmpDir, fmt.Sprintf("upload_%d_%s.xlsx", t.chat(), sysutil.FirstNonEmpty(f.UniqueID, f.ID)))
	if _, err := t.e.Transport.Download(ctx, *f, dest); err != nil {
		return t.fail(ctx, deliveryErr(err))
	}
	defer os.Remove(dest)

	src, err := os.Open(dest)
	if err != nil {
		return t.fail(ctx, fmt.Errorf("%w: open upload: %w", services.ErrStorage, err))
	}
	defer src.Close()

	rep, err := t.e.Reconciler.Run(ctx, src)
	var be *services.BatchError
	switch {
	case errors.As(err, &be):
		return t.menu(ctx, "Ошибки:\n"+strings.Join(be.Problems, "\n"))
	case err != nil:
		return t.fail(ctx, err)
	}
	text := fmt.Sprintf("Обновлено: %d", rep.Applied)
	if len(rep.Errors) > 0 {
		text += "\nНе применено:\n" + strings.Join(rep.Errors, "\n")
	}
	if rep.NotifyFailed > 0 {
		text += fmt.Sprintf("\nНе доставлено уведомлений: %d", rep.NotifyFailed)
	}
	return t.menu(ctx, text)
}

// Push broadcast.

func (t *turn) startPush(ctx context.Context) error {
	t.s.Reset()
	t.clearLive(ctx)
	t.s.Draft = &PushDraft{}
	t.s.Stage = StagePushIDs
	return t.replacePrompt(ctx, "Введите ID пользователей через запятую (пример: 123,456):", homeKeyboard())
}

// parseIDList parses "1, 2,3" into distinct ids in input order.
func parseIDList(raw string) ([]int64, bool) {
	var out []int64
	seen := map[int64]bool{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, false
		}
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out, len(out) > 0
}

func (t *turn) pushDraft() *PushDraft {
	if d, ok := t.s.Draft.(*PushDraft); ok {
		return d
	}
	d := &PushDraft{}
	t.s.Draft = d
	return d
}

func (t *turn) onPushIDs(ctx context.Context) error {
	ids, ok := parseIDList(t.ev.Input())
	if !ok || t.ev.Kind != EventText {
		return t.replacePrompt(ctx, "Неверный формат. Введите ID через запятую.", homeKeyboard())
	}
	d := t.pushDraft()
	d.IDs = ids
	t.s.Stage = StagePushText
	return t.replacePrompt(ctx, fmt.Sprintf("ID получены: %s\nПришлите текст пуша:", joinIDs(ids)), homeKeyboard())
}

func (t *turn) onPushText(ctx context.Context) error {
	in := t.ev.Input()
	if t.ev.Kind != EventText || in == "" {
		return t.send(ctx, "Пришлите текст пуша.", nil)
	}
	d := t.pushDraft()
	d.Text = in
	t.s.Stage = StagePushConfirm
	return t.replacePreview(ctx, pushPreviewText(d), pushConfirmKeyboard())
}

func (t *turn) onPushConfirm(ctx context.Context, action string) error {
	d, ok := t.s.Draft.(*PushDraft)
	if !ok || t.s.Stage != StagePushConfirm {
		t.answer(ctx, "Рассылка не найдена.", false)
		t.dropSource(ctx)
		return nil
	}
	switch action {
	case "send":
		res := t.e.Notifier.Broadcast(ctx, d.IDs, d.Text)
		log.Info().
			Int64("admin_id", t.chat()).
			Int("sent", res.Sent).
			Int("failed", res.Failed).
			Msg("bot: push broadcast finished")
		t.answer(ctx, "Рассылка выполнена.", false)
		return t.menu(ctx, fmt.Sprintf("Рассылка завершена. Успех: %d, Ошибок: %d", res.Sent, res.Failed))
	case "edit":
		t.s.Stage = StagePushText
		return t.replacePrompt(ctx, "Пришлите новый текст пуша:", homeKeyboard())
	case "cancel":
		t.answer(ctx, "Рассылка отменена.", false)
		return t.menu(ctx, "Рассылка отменена.")
	}
	return nil
}

// Admin question.

func (t *turn) startQuestion(ctx context.Context) error {
	t.s.Reset()
	t.clearLive(ctx)
	t.s.Draft = &QuestionDraft{}
	t.s.Stage = StageQuestionOrderID
	return t.replacePrompt(ctx, "Введите ID заявки (номер из таблицы), по которой хотите задать вопрос:", homeKeyboard())
}

func (t *turn) onQuestionOrderID(ctx context.Context) error {
	id, ok := parseID(t.ev.Input())
	if !ok || t.ev.Kind != EventText {
		return t.replacePrompt(ctx, "ID должен быть числом.", homeKeyboard())
	}
	o, err := t.e.Orders.Get(ctx, id)
	switch {
	case errors.Is(err, services.ErrOrderNotFound):
		return t.replacePrompt(ctx, "Заявка не найдена. Попробуйте ввести другой номер.", homeKeyboard())
	case err != nil:
		return t.fail(ctx, err)
	}
	if o.Status.Terminal() {
		return t.replacePrompt(ctx,
			fmt.Sprintf("Заявка #%d уже в финальном статусе %s. Введите другой номер.", id, o.Status), homeKeyboard())
	}
	macros, err := t.e.Macros.List(ctx)
	if err != nil {
		return t.fail(ctx, err)
	}
	t.s.Draft = &QuestionDraft{OrderID: o.ID, Number: t.e.Orders.DisplayNumber(ctx, o)}
	t.s.Stage = StageQuestionText
	text := fmt.Sprintf("Заявка #%d найдена.\nВыберите типовой вопрос или напишите свой текст.", id)
	if len(macros) == 0 {
		text += "\n\nМакросов пока нет — отправьте текст вопроса сообщением."
	}
	return t.replacePrompt(ctx, text, questionKeyboard(macros))
}

func (t *turn) onQuestionTemplate(ctx context.Context, arg string) error {
	switch arg {
	case "home":
		return t.menu(ctx, "")
	case "back":
		return t.startQuestion(ctx)
	}
	if _, ok := t.s.Draft.(*QuestionDraft); !ok || t.s.Stage != StageQuestionText {
		t.answer(ctx, "Сначала выберите заявку.", false)
		return t.startQuestion(ctx)
	}
	if arg == "custom" {
		return t.replacePrompt(ctx, "Напишите текст вопроса:", homeKeyboard())
	}
	id, ok := parseID(arg)
	if !ok {
		t.answer(ctx, "Макрос не найден.", true)
		return nil
	}
	m, err := t.e.Macros.Get(ctx, id)
	switch {
	case errors.Is(err, services.ErrMacroNotFound):
		t.answer(ctx, "Макрос не найден.", true)
		return nil
	case err != nil:
		return t.fail(ctx, err)
	}
	return t.deliverQuestion(ctx, m.Body)
}

func (t *turn) onQuestionText(ctx context.Context) error {
	in := t.ev.Input()
	if t.ev.Kind != EventText || in == "" {
		return t.send(ctx, "Напишите текст вопроса.", nil)
	}
	return t.deliverQuestion(ctx, in)
}

func (t *turn) deliverQuestion(ctx context.Context, text string) error {
	d, ok := t.s.Draft.(*QuestionDraft)
	if !ok {
		return t.startQuestion(ctx)
	}
	o, err := t.e.Orders.AskQuestion(ctx, d.OrderID, t.chat(), text)
	switch {
	case errors.Is(err, services.ErrTerminalOrder), errors.Is(err, services.ErrOrderNotFound):
		return t.menu(ctx, "Заявка уже закрыта, вопрос не отправлен.")
	case err != nil:
		return t.fail(ctx, err)
	}
	msg := fmt.Sprintf("🔔 Вопрос по заявке #%s:\n\n%s", t.e.Orders.DisplayNumber(ctx, o), strings.TrimSpace(text))
	if _, err := t.e.Transport.SendText(ctx, o.UserID, msg, nil); err != nil {
		log.Warn().Err(deliveryErr(err)).Uint("order_id", o.ID).Int64("user_id", o.UserID).Msg("bot: question delivery failed")
		return t.menu(ctx, "Не удалось отправить сообщение пользователю.")
	}
	t.answer(ctx, "Вопрос отправлен.", false)
	return t.menu(ctx, "Вопрос отправлен пользователю.")
}

// Settings.

func (t *turn) showSettings(ctx context.Context) error {
	t.s.Reset()
	t.clearLive(ctx)
	return t.replacePrompt(ctx, "Настройки:", settingsKeyboard())
}

func (t *turn) onSettings(ctx context.Context, arg string) error {
	switch arg {
	case "admins":
		return t.showAdmins(ctx, "")
	case "add_admin":
		t.s.Reset()
		t.s.Draft = &AdminIDDraft{}
		t.s.Stage = StageAddAdminID
		return t.replacePrompt(ctx, "Введите ID пользователя для добавления в админы:", adminInputKeyboard())
	case "remove_admin":
		t.s.Reset()
		t.s.Draft = &AdminIDDraft{Remove: true}
		t.s.Stage = StageRemoveAdminID
		return t.replacePrompt(ctx, "Введите ID администратора для удаления:", adminInputKeyboard())
	case "macros":
		return t.showMacros(ctx, "")
	case "keywords":
		return t.showKeywords(ctx, "")
	case "back":
		if t.s.Stage == StageAddAdminID || t.s.Stage == StageRemoveAdminID {
			return t.showSettings(ctx)
		}
		return t.menu(ctx, "")
	}
	return t.menu(ctx, "")
}

func (t *turn) showAdmins(ctx context.Context, prefix string) error {
	t.s.Reset()
	admins, err := t.e.Admins.List(ctx)
	if err != nil {
		return t.fail(ctx, err)
	}
	return t.replacePrompt(ctx, prefix+adminsText(admins), settingsKeyboard())
}

func (t *turn) onAdminID(ctx context.Context) error {
	id, err := strconv.ParseInt(t.ev.Input(), 10, 64)
	if err != nil || t.ev.Kind != EventText {
		return t.replacePrompt(ctx, "ID должен быть числом.", adminInputKeyboard())
	}
	if t.s.Stage == StageRemoveAdminID {
		err := t.e.Admins.Remove(ctx, t.chat(), id)
		switch {
		case errors.Is(err, services.ErrNotAdmin):
			return t.replacePrompt(ctx, "Этот пользователь не является админом.", adminInputKeyboard())
		case err != nil:
			return t.fail(ctx, err)
		}
		return t.showAdmins(ctx, fmt.Sprintf("Администратор %d удалён.\n\n", id))
	}
	if err := t.e.Admins.Add(ctx, t.chat(), id); err != nil {
		return t.fail(ctx, err)
	}
	return t.showAdmins(ctx, fmt.Sprintf("Пользователь %d назначен администратором.\n\n", id))
}

// Macros.

func (t *turn) showMacros(ctx context.Context, prefix string) error {
	t.s.Reset()
	t.clearLive(ctx)
	macros, err := t.e.Macros.List(ctx)
	if err != nil {
		return t.fail(ctx, err)
	}
	return t.replacePrompt(ctx, prefix+macrosText(macros), macroListKeyboard(macros))
}

func (t *turn) macro(ctx context.Context, raw string) (*domain.MacroTemplate, bool, error) {
	id, ok := parseID(raw)
	if !ok {
		t.answer(ctx, "Макрос не найден.", true)
		return nil, false, nil
	}
	m, err := t.e.Macros.Get(ctx, id)
	switch {
	case errors.Is(err, services.ErrMacroNotFound):
		t.answer(ctx, "Макрос не найден.", true)
		return nil, false, t.showMacros(ctx, "")
	case err != nil:
		return nil, false, t.fail(ctx, err)
	}
	return m, true, nil
}

func (t *turn) onMacro(ctx context.Context, prefix, arg string) error {
	action, rest, _ := strings.Cut(arg, ":")
	switch action {
	case "home":
		return t.menu(ctx, "")
	case "list":
		return t.showMacros(ctx, "")
	case "back":
		return t.showSettings(ctx)
	}
	switch prefix {
	case "macro":
		return t.onMacroAction(ctx, action, rest)
	case "macro_confirm":
		return t.onMacroConfirm(ctx, action)
	}
	return nil
}

func (t *turn) onMacroAction(ctx context.Context, action, rest string) error {
	switch action {
	case "create":
		t.s.Reset()
		t.s.Draft = &MacroDraft{}
		t.s.Stage = StageMacroTitle
		return t.replacePrompt(ctx, "Введите заголовок нового макроса:", macroInputKeyboard())
	case "open":
		m, ok, err := t.macro(ctx, rest)
		if !ok {
			return err
		}
		return t.replacePrompt(ctx, macroDetailText(m), macroDetailKeyboard(m.ID))
	case "edit":
		m, ok, err := t.macro(ctx, rest)
		if !ok {
			return err
		}
		t.s.Reset()
		t.s.Draft = &MacroDraft{MacroID: m.ID, Title: m.Title, Body: m.Body}
		t.s.Stage = StageMacroTitle
		return t.replacePrompt(ctx,
			fmt.Sprintf("Текущий заголовок: %s\nВведите новый заголовок:", m.Title), macroInputKeyboard())
	case "delete":
		id, ok := parseID(rest)
		if !ok {
			t.answer(ctx, "Макрос не найден.", true)
			return nil
		}
		err := t.e.Macros.Delete(ctx, t.chat(), id)
		switch {
		case errors.Is(err, services.ErrMacroNotFound):
			t.answer(ctx, "Макрос не найден.", true)
			return t.showMacros(ctx, "")
		case err != nil:
			return t.fail(ctx, err)
		}
		return t.showMacros(ctx, fmt.Sprintf("Макрос #%d удалён.\n\n", id))
	}
	return nil
}

func (t *turn) onMacroConfirm(ctx context.Context, action string) error {
	d, ok := t.s.Draft.(*MacroDraft)
	if !ok || t.s.Stage != StageMacroConfirm {
		t.answer(ctx, "Черновик макроса не найден.", false)
		return t.showMacros(ctx, "")
	}
	switch action {
	case "save":
		if d.MacroID != 0 {
			err := t.e.Macros.Update(ctx, t.chat(), d.MacroID, d.Title, d.Body)
			switch {
			case errors.Is(err, services.ErrMacroNotFound):
				return t.showMacros(ctx, "Макрос уже удалён.\n\n")
			case err != nil:
				return t.fail(ctx, err)
			}
			return t.showMacros(ctx, fmt.Sprintf("Макрос #%d обновлён.\n\n", d.MacroID))
		}
		m, err := t.e.Macros.Create(ctx, t.chat(), d.Title, d.Body)
		if err != nil {
			return t.fail(ctx, err)
		}
		return t.showMacros(ctx, fmt.Sprintf("Макрос #%d сохранён.\n\n", m.ID))
	case "title":
		d.Field = "title"
		t.s.Stage = StageMacroTitle
		return t.replacePrompt(ctx, "Введите новый заголовок:", macroInputKeyboard())
	case "body":
		d.Field = "body"
		t.s.Stage = StageMacroBody
		return t.replacePrompt(ctx, "Введите новый текст макроса:", macroInputKeyboard())
	}
	return nil
}

func (t *turn) onMacroInput(ctx context.Context) error {
	d, ok := t.s.Draft.(*MacroDraft)
	if !ok {
		return t.showMacros(ctx, "")
	}
	in := t.ev.Input()
	if t.s.Stage == StageMacroTitle {
		if t.ev.Kind != EventText || in == "" {
			return t.replacePrompt(ctx, "Заголовок не может быть пустым.", macroInputKeyboard())
		}
		d.Title = in
		if d.Field == "title" {
			return t.showMacroPreview(ctx, d)
		}
		t.s.Stage = StageMacroBody
		prompt := "Введите текст макроса:"
		if d.MacroID != 0 {
			prompt = fmt.Sprintf("Текущий текст:\n%s\n\nВведите новый текст макроса:", d.Body)
		}
		return t.replacePrompt(ctx, prompt, macroInputKeyboard())
	}
	if t.ev.Kind != EventText || in == "" {
		return t.replacePrompt(ctx, "Текст макроса не может быть пустым.", macroInputKeyboard())
	}
	d.Body = in
	return t.showMacroPreview(ctx, d)
}

func (t *turn) showMacroPreview(ctx context.Context, d *MacroDraft) error {
	d.Field = ""
	t.s.Stage = StageMacroConfirm
	return t.replacePreview(ctx, macroPreviewText(d), macroConfirmKeyboard())
}

// Keywords.

func (t *turn) showKeywords(ctx context.Context, prefix string) error {
	t.s.Reset()
	m, err := t.e.Keywords.Map(ctx)
	if err != nil {
		return t.fail(ctx, err)
	}
	return t.replacePrompt(ctx, prefix+keywordsText(m), keywordsKeyboard())
}

func (t *turn) onKeyword(ctx context.Context, arg string) error {
	switch arg {
	case "add":
		t.s.Reset()
		t.s.Draft = &KeywordDraft{}
		t.s.Stage = StageKeywordAdd
		return t.replacePrompt(ctx,
			"Введите вид и ключевое слово в формате «Вид: ключ» (пример: Обувь: кеды).", keywordInputKeyboard())
	case "remove":
		t.s.Reset()
		t.s.Draft = &KeywordDraft{}
		t.s.Stage = StageKeywordRemove
		return t.replacePrompt(ctx, "Введите ключевое слово для удаления:", keywordInputKeyboard())
	case "back":
		return t.showSettings(ctx)
	}
	return t.menu(ctx, "")
}

func (t *turn) onKeywordInput(ctx context.Context) error {
	in := t.ev.Input()
	if t.ev.Kind != EventText || in == "" {
		return t.send(ctx, "Отправьте текст.", nil)
	}
	if t.s.Stage == StageKeywordRemove {
		err := t.e.Keywords.Remove(ctx, in)
		switch {
		case errors.Is(err, services.ErrKeywordNotFound):
			return t.replacePrompt(ctx, "Ключевое слово не найдено.", keywordInputKeyboard())
		case err != nil:
			return t.fail(ctx, err)
		}
		return t.showKeywords(ctx, fmt.Sprintf("Ключевое слово «%s» удалено.\n\n", in))
	}
	kind, keyword, ok := services.ParseKeywordInput(in)
	if !ok {
		return t.replacePrompt(ctx, "Неверный формат. Пример: Обувь: кеды", keywordInputKeyboard())
	}
	err := t.e.Keywords.Add(ctx, kind, keyword)
	switch {
	case errors.Is(err, services.ErrDuplicateKeyword):
		return t.replacePrompt(ctx, "Такое ключевое слово уже есть.", keywordInputKeyboard())
	case errors.Is(err, services.ErrEmptyText):
		return t.replacePrompt(ctx, "Неверный формат. Пример: Обувь: кеды", keywordInputKeyboard())
	case err != nil:
		return t.fail(ctx, err)
	}
	return t.showKeywords(ctx, fmt.Sprintf("Ключевое слово «%s» добавлено в «%s».\n\n", keyword, kind))
}

// Analytics.

func (t *turn) showAnalytics(ctx context.Context, refresh bool) error {
	t.s.Reset()
	t.clearLive(ctx)
	var (
		snap   domain.AnalyticsSnapshot
		err    error
		prefix string
	)
	if refresh {
		prefix = "Обновлённые данные:"
		snap, err = t.e.Analytics.Refresh(ctx)
		if errors.Is(err, services.ErrRefreshInFlight) {
			prefix = "Обновление уже выполняется, показаны последние данные:"
			snap, err = t.e.Analytics.Snapshot(ctx)
		}
	} else {
		snap, err = t.e.Analytics.Snapshot(ctx)
	}
	if err != nil {
		return t.fail(ctx, err)
	}
	return t.replacePrompt(ctx, AnalyticsText(snap, prefix), analyticsKeyboard())
}

func (t *turn) onAnalytics(ctx context.Context, arg string) error {
	if arg == "refresh" {
		t.answer(ctx, "Обновляю…", false)
		return t.showAnalytics(ctx, true)
	}
	return t.menu(ctx, "")
}
