package bot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tbourn/go-sourcing-bot/internal/domain"
	"github.com/tbourn/go-sourcing-bot/internal/services"
	"github.com/tbourn/go-sourcing-bot/internal/sysutil"
)

// imageExts are the document extensions accepted as photos.
var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".webp": true, ".heic": true, ".heif": true,
}

// isImage reports whether an attachment can be stored as an order photo.
func isImage(f *FileRef) bool {
	if f == nil {
		return false
	}
	if f.IsPhoto || strings.HasPrefix(strings.ToLower(f.MimeType), "image/") {
		return true
	}
	return imageExts[strings.ToLower(filepath.Ext(f.Name))]
}

func imageExt(f *FileRef) string {
	if ext := strings.ToLower(filepath.Ext(f.Name)); ext != "" {
		return ext
	}
	if f.MimeType != "" {
		if exts, _ := mime.ExtensionsByType(f.MimeType); len(exts) > 0 {
			return exts[0]
		}
	}
	return ".jpg"
}

// parsePrice accepts a non-negative number with "." or "," as separator.
func parsePrice(raw string) (string, bool) {
	raw = strings.ReplaceAll(strings.TrimSpace(raw), " ", "")
	f, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", "."), 64)
	if err != nil || f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return "", false
	}
	return strconv.FormatFloat(f, 'f', -1, 64), true
}

func mergeComment(existing, add string) string {
	add = strings.TrimSpace(add)
	switch {
	case add == "":
		return existing
	case existing == "":
		return add
	}
	return existing + "\n" + add
}

var fieldLabels = map[string]string{
	"product": "товара",
	"brand":   "бренда",
	"size":    "размера",
	"price":   "бюджета",
	"comment": "комментария",
}

func (d *OrderDraft) field(name string) string {
	switch name {
	case "product":
		return d.Product
	case "brand":
		return d.Brand
	case "size":
		return d.Size
	case "price":
		return d.DesiredPrice
	case "comment":
		return d.Comment
	}
	return ""
}

func (d *OrderDraft) setField(name, v string) {
	switch name {
	case "product":
		d.Product = v
	case "brand":
		d.Brand = v
	case "size":
		d.Size = v
	case "price":
		d.DesiredPrice = v
	case "comment":
		d.Comment = v
	}
}

func (d *OrderDraft) values() services.OrderDraft {
	return services.OrderDraft{
		Product:      d.Product,
		Brand:        d.Brand,
		Size:         d.Size,
		DesiredPrice: d.DesiredPrice,
		Comment:      d.Comment,
		Photos:       append([]domain.PhotoEntry(nil), d.Photos...),
	}
}

func (t *turn) startOrder(ctx context.Context) error {
	t.s.Reset()
	t.clearLive(ctx)
	t.s.Draft = &OrderDraft{}
	return t.promptStage(ctx, StageProduct)
}

func (t *turn) promptStage(ctx context.Context, stage Stage) error {
	t.s.Stage = stage
	switch stage {
	case StageProduct:
		return t.replacePrompt(ctx, "Введите название товара (пример: Nike Air Max).", stepKeyboard(StageIdle, false))
	case StageBrand:
		return t.replacePrompt(ctx, "Введите бренд (или '-' если не важно).", brandKeyboard())
	case StageSize:
		return t.replacePrompt(ctx, "Введите размер (или '-' если не важно).", stepKeyboard(StageBrand, false))
	case StageCommentOrPhoto:
		return t.replacePrompt(ctx,
			"Добавьте комментарий или фото (можно несколько сообщений). Нажмите «➡️ Пропустить», если добавить нечего.",
			stepKeyboard(StageSize, true))
	}
	return t.showPreview(ctx)
}

func (t *turn) onAuthoringText(ctx context.Context) error {
	in := t.ev.Input()
	if t.ev.Kind != EventText || in == "" {
		return t.send(ctx, "Отправьте ответ текстом.", nil)
	}
	d := t.s.Order()
	switch t.s.Stage {
	case StageProduct:
		d.Product = in
		return t.promptStage(ctx, StageBrand)
	case StageBrand:
		d.Brand = in
		return t.promptStage(ctx, StageSize)
	default:
		d.Size = in
		return t.promptStage(ctx, StageCommentOrPhoto)
	}
}

// onCommentOrPhoto accumulates comment text and photos. Every message
// refreshes the preview; later messages keep adding to the same draft.
func (t *turn) onCommentOrPhoto(ctx context.Context) error {
	d := t.s.Order()
	if t.ev.Kind == EventAttachment {
		if !isImage(t.ev.File) {
			return t.send(ctx, "Можно прикрепить только изображение.", nil)
		}
		entry, err := t.savePhoto(ctx, *t.ev.File)
		if err != nil {
			return t.fail(ctx, err)
		}
		d.Photos = append(d.Photos, entry)
	}
	d.Comment = mergeComment(d.Comment, t.ev.Input())
	return t.showPreview(ctx)
}

func (t *turn) savePhoto(ctx context.Context, f FileRef) (domain.PhotoEntry, error) {
	if err := os.MkdirAll(t.e.PhotosDir, 0o755); err != nil {
		return domain.PhotoEntry{}, fmt.Errorf("%w: photos dir: %w", services.ErrStorage, err)
	}
	name := fmt.Sprintf("%d_%s%s", t.chat(), sysutil.FirstNonEmpty(f.UniqueID, f.ID), imageExt(&f))
	local := filepath.Join(t.e.PhotosDir, name)
	public, err := t.e.Transport.Download(ctx, f, local)
	if err != nil {
		return domain.PhotoEntry{}, deliveryErr(err)
	}
	return domain.PhotoEntry{Local: local, Public: public}, nil
}

func (t *turn) showPreview(ctx context.Context) error {
	d, ok := t.s.Draft.(*OrderDraft)
	if !ok {
		t.answer(ctx, "Черновик не найден.", false)
		return t.menu(ctx, "")
	}
	d.EditField = ""
	t.s.Stage = StageConfirm
	return t.replacePreview(ctx, previewText(d), confirmKeyboard())
}

func (t *turn) onBack(ctx context.Context, _ string) error {
	prev, ok := predecessor[t.s.Stage]
	if _, isOrder := t.s.Draft.(*OrderDraft); !ok || !isOrder {
		t.answer(ctx, "Назад вернуться нельзя.", false)
		return nil
	}
	return t.promptStage(ctx, prev)
}

func (t *turn) onSkip(ctx context.Context) error {
	if t.s.Stage != StageCommentOrPhoto {
		t.answer(ctx, "Этот шаг нельзя пропустить.", false)
		return nil
	}
	d := t.s.Order()
	d.Comment = ""
	d.Photos = nil
	return t.showPreview(ctx)
}

func (t *turn) onBrandSuggest(ctx context.Context, brand string) error {
	if t.s.Stage != StageBrand {
		t.answer(ctx, "Кнопка устарела.", false)
		return nil
	}
	t.s.Order().Brand = brand
	return t.promptStage(ctx, StageSize)
}

func (t *turn) onConfirm(ctx context.Context, action string) error {
	d, ok := t.s.Draft.(*OrderDraft)
	if !ok || t.s.Stage != StageConfirm {
		t.answer(ctx, "Предпросмотр устарел.", false)
		t.dropSource(ctx)
		return t.menu(ctx, "")
	}
	switch action {
	case "yes":
		if d.EditOrderID != 0 {
			return t.saveEdit(ctx, d)
		}
		_, number, err := t.e.Orders.Create(ctx, t.chat(), d.values())
		if err != nil {
			return t.fail(ctx, err)
		}
		t.answer(ctx, "Заявка отправлена.", false)
		return t.menu(ctx, fmt.Sprintf(
			"Заявка №%s отправлена.\nМы сообщим, как только найдём товар или появятся уточнения.", number))
	case "edit":
		t.s.Stage = StageEditField
		return t.replacePreview(ctx, "Выберите поле для редактирования:", editFieldsKeyboard())
	case "cancel":
		t.answer(ctx, "Отменено.", false)
		if d.EditOrderID != 0 {
			return t.menu(ctx, "Изменения отменены. Главное меню ниже.")
		}
		return t.menu(ctx, "Создание заявки отменено. Главное меню ниже.")
	}
	return nil
}

func (t *turn) saveEdit(ctx context.Context, d *OrderDraft) error {
	o, err := t.e.Orders.UpdateDetails(ctx, d.EditOrderID, t.chat(), d.values())
	switch {
	case errors.Is(err, services.ErrNotOwner):
		t.answer(ctx, "Не ваша заявка.", true)
		return t.menu(ctx, "")
	case errors.Is(err, services.ErrTerminalOrder):
		t.answer(ctx, "Заявка уже закрыта.", true)
		return t.menu(ctx, "Заявка уже закрыта, изменить её нельзя.")
	case errors.Is(err, services.ErrOrderNotFound):
		t.answer(ctx, "Заявка не найдена.", true)
		return t.menu(ctx, "")
	case err != nil:
		return t.fail(ctx, err)
	}
	t.answer(ctx, "Заявка обновлена.", false)
	return t.menu(ctx, fmt.Sprintf("Заявка #%s обновлена.", t.e.Orders.DisplayNumber(ctx, o)))
}

func (t *turn) onEditField(ctx context.Context, field string) error {
	d, ok := t.s.Draft.(*OrderDraft)
	if !ok || (t.s.Stage != StageConfirm && t.s.Stage != StageEditField) {
		t.answer(ctx, "Черновик не найден.", false)
		return t.menu(ctx, "")
	}
	if field == "back" {
		return t.showPreview(ctx)
	}
	label, known := fieldLabels[field]
	if !known {
		t.answer(ctx, "Неизвестное поле.", false)
		return nil
	}
	d.EditField = field
	t.s.Stage = StageEditField
	return t.replacePrompt(ctx,
		fmt.Sprintf("Текущее значение для %s: %s\nОтправьте новое значение.", label, dash(d.field(field))),
		editValueKeyboard())
}

func (t *turn) onEditValue(ctx context.Context) error {
	d := t.s.Order()
	if d.EditField == "" {
		return t.send(ctx, "Выберите поле кнопкой под сообщением.", nil)
	}
	if d.EditField == "comment" && t.ev.Kind == EventAttachment {
		if !isImage(t.ev.File) {
			return t.send(ctx, "Можно прикрепить только изображение.", nil)
		}
		entry, err := t.savePhoto(ctx, *t.ev.File)
		if err != nil {
			return t.fail(ctx, err)
		}
		d.Photos = append(d.Photos, entry)
		d.Comment = mergeComment(d.Comment, t.ev.Input())
		return t.showPreview(ctx)
	}
	in := t.ev.Input()
	if t.ev.Kind != EventText || in == "" {
		return t.send(ctx, "Отправьте новое значение текстом.", nil)
	}
	if d.EditField == "price" {
		price, ok := parsePrice(in)
		if !ok {
			return t.replacePrompt(ctx, "Некорректная цена. Введите число, например: 9990.", editValueKeyboard())
		}
		in = price
	}
	d.setField(d.EditField, in)
	return t.showPreview(ctx)
}

func (t *turn) showOrders(ctx context.Context) error {
	t.s.Reset()
	t.clearLive(ctx)
	orders, err := t.e.Orders.ListByUser(ctx, t.chat())
	if err != nil {
		return t.fail(ctx, err)
	}
	if len(orders) == 0 {
		return t.send(ctx, "Пока нет заявок. Нажмите «Оставить заявку», чтобы описать нужный товар.",
			mainMenuKeyboard(t.admin()))
	}
	numbers := make(map[uint]string, len(orders))
	for i := range orders {
		numbers[orders[i].ID] = t.e.Orders.DisplayNumber(ctx, &orders[i])
	}
	return t.replacePrompt(ctx, ordersText(orders, numbers), ordersKeyboard(orders, numbers))
}

func parseID(raw string) (uint, bool) {
	n, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || n == 0 {
		return 0, false
	}
	return uint(n), true
}

func (t *turn) ownedOrder(ctx context.Context, raw string) (*domain.Order, bool, error) {
	id, ok := parseID(raw)
	if !ok {
		t.answer(ctx, "Заявка не найдена.", true)
		return nil, false, nil
	}
	o, err := t.e.Orders.GetOwned(ctx, id, t.chat())
	switch {
	case errors.Is(err, services.ErrOrderNotFound):
		t.answer(ctx, "Заявка не найдена.", true)
		return nil, false, nil
	case errors.Is(err, services.ErrNotOwner):
		t.answer(ctx, "Не ваша заявка.", true)
		return nil, false, nil
	case err != nil:
		return nil, false, t.fail(ctx, err)
	}
	return o, true, nil
}

func (t *turn) onShowOrder(ctx context.Context, raw string) error {
	o, ok, err := t.ownedOrder(ctx, raw)
	if !ok {
		return err
	}
	t.dropSource(ctx)
	return t.replacePrompt(ctx, orderCardText(o, t.e.Orders.DisplayNumber(ctx, o)), orderCardKeyboard(o))
}

func (t *turn) onUserEdit(ctx context.Context, raw string) error {
	o, ok, err := t.ownedOrder(ctx, raw)
	if !ok {
		return err
	}
	if o.Status.Terminal() {
		t.answer(ctx, "Заявка уже закрыта, изменить её нельзя.", true)
		return nil
	}
	t.dropSource(ctx)
	t.s.Reset()
	t.clearLive(ctx)
	t.s.Draft = &OrderDraft{
		Product:      o.Product,
		Brand:        o.Brand,
		Size:         o.Size,
		DesiredPrice: o.DesiredPrice,
		Comment:      o.Comment,
		Photos:       domain.ParsePhotoEntries(o.Photos, ""),
		EditOrderID:  o.ID,
	}
	t.s.Stage = StageEditField
	return t.replacePreview(ctx, "Выберите поле для редактирования:", editFieldsKeyboard())
}

func (t *turn) onUserDelete(ctx context.Context, raw string) error {
	id, ok := parseID(raw)
	if !ok {
		t.answer(ctx, "Заявка не найдена.", true)
		return nil
	}
	err := t.e.Orders.MarkDeletedByUser(ctx, id, t.chat())
	switch {
	case errors.Is(err, services.ErrNotOwner), errors.Is(err, services.ErrOrderNotFound),
		errors.Is(err, services.ErrTerminalOrder):
		t.answer(ctx, "Не удалось отменить заявку.", true)
		return nil
	case err != nil:
		return t.fail(ctx, err)
	}
	t.answer(ctx, "Заявка отменена.", false)
	t.dropSource(ctx)
	return t.menu(ctx, "Заявка отменена. Главное меню ниже.")
}
