package bot

import (
	"fmt"

	"github.com/tbourn/go-sourcing-bot/internal/domain"
)

// BrandSuggestions are offered as buttons on the brand prompt.
var BrandSuggestions = []string{"Nike", "Adidas", "Jordan", "Puma", "New Balance", "Reebok"}

func btn(text, data string) Button { return Button{Text: text, Data: data} }

func row(bs ...Button) []Button { return bs }

func kb(rows ...[]Button) *Keyboard { return &Keyboard{Rows: rows} }

func mainMenuKeyboard(admin bool) *Keyboard {
	k := kb(
		row(btn("➕ Оставить заявку", "menu:create")),
		row(btn("📋 Мои заявки", "menu:orders")),
		row(btn("ℹ️ О боте", "menu:info")),
	)
	if admin {
		k.Rows = append(k.Rows,
			row(btn("📥 Выгрузить заявки", "menu:admin_reports")),
			row(btn("📤 Загрузить статусы", "menu:admin_status")),
			row(btn("❓ Задать вопрос", "menu:admin_question")),
			row(btn("📣 Рассылка", "menu:admin_push")),
			row(btn("⚙️ Настройки", "menu:admin_settings")),
			row(btn("📊 Аналитика", "menu:analytics")),
		)
	}
	return k
}

// stepKeyboard is the navigation row of a linear authoring prompt. prev is
// the stage "back" returns to; skip adds the skip button.
func stepKeyboard(prev Stage, skip bool) *Keyboard {
	var r []Button
	if prev != StageIdle {
		r = append(r, btn("⬅️ Назад", "back:"+stageSlug(prev)))
	}
	if skip {
		r = append(r, btn("➡️ Пропустить", "skip"))
	}
	r = append(r, btn("🏠 В меню", "cancel"))
	return kb(r)
}

func brandKeyboard() *Keyboard {
	k := &Keyboard{}
	var r []Button
	for _, b := range BrandSuggestions {
		r = append(r, btn(b, "brand_suggest:"+b))
		if len(r) == 3 {
			k.Rows = append(k.Rows, r)
			r = nil
		}
	}
	if len(r) > 0 {
		k.Rows = append(k.Rows, r)
	}
	k.Rows = append(k.Rows, row(btn("⬅️ Назад", "back:product"), btn("🏠 В меню", "cancel")))
	return k
}

func confirmKeyboard() *Keyboard {
	return kb(
		row(btn("✅ Отправить", "confirm:yes")),
		row(btn("✏️ Изменить", "confirm:edit")),
		row(btn("❌ Отменить", "confirm:cancel")),
	)
}

func editFieldsKeyboard() *Keyboard {
	return kb(
		row(btn("Товар", "edit_field:product"), btn("Бренд", "edit_field:brand")),
		row(btn("Размер", "edit_field:size"), btn("Бюджет", "edit_field:price")),
		row(btn("Комментарий", "edit_field:comment")),
		row(btn("⬅️ Назад", "edit_field:back")),
	)
}

func editValueKeyboard() *Keyboard {
	return kb(row(btn("⬅️ К предпросмотру", "edit_preview"), btn("🏠 В меню", "cancel")))
}

// ordersKeyboard lists interactive orders, four per row.
func ordersKeyboard(orders []domain.Order, numbers map[uint]string) *Keyboard {
	k := &Keyboard{}
	var r []Button
	for _, o := range orders {
		if o.Status.Terminal() {
			continue
		}
		r = append(r, btn("#"+numbers[o.ID], fmt.Sprintf("show_order:%d", o.ID)))
		if len(r) == 4 {
			k.Rows = append(k.Rows, r)
			r = nil
		}
	}
	if len(r) > 0 {
		k.Rows = append(k.Rows, r)
	}
	k.Rows = append(k.Rows, row(btn("🏠 В меню", "user_back")))
	return k
}

func orderCardKeyboard(o *domain.Order) *Keyboard {
	k := &Keyboard{}
	if !o.Status.Terminal() {
		k.Rows = append(k.Rows, row(
			btn("✏️ Изменить", fmt.Sprintf("user_edit:%d", o.ID)),
			btn("🗑 Отменить", fmt.Sprintf("user_delete:%d", o.ID)),
		))
	}
	k.Rows = append(k.Rows, row(btn("⬅️ К списку", "menu:orders"), btn("🏠 В меню", "user_back")))
	return k
}

func reportKeyboard() *Keyboard {
	return kb(
		row(btn("📦 Полный файл", "report:full")),
		row(btn("🛠 Рабочий файл", "report:work")),
		row(btn("⬅️ Назад", "report:back")),
	)
}

func pushConfirmKeyboard() *Keyboard {
	return kb(
		row(btn("📣 Отправить", "push_confirm:send")),
		row(btn("✏️ Изменить текст", "push_confirm:edit")),
		row(btn("❌ Отменить", "push_confirm:cancel")),
	)
}

func questionKeyboard(macros []domain.MacroTemplate) *Keyboard {
	k := &Keyboard{}
	for _, m := range macros {
		k.Rows = append(k.Rows, row(btn(m.Title, fmt.Sprintf("question_template:%d", m.ID))))
	}
	k.Rows = append(k.Rows,
		row(btn("✍️ Свой текст", "question_template:custom")),
		row(btn("⬅️ Назад", "question_template:back"), btn("🏠 В меню", "question_template:home")),
	)
	return k
}

func settingsKeyboard() *Keyboard {
	return kb(
		row(btn("👥 Администраторы", "settings:admins")),
		row(btn("➕ Добавить админа", "settings:add_admin"), btn("➖ Удалить админа", "settings:remove_admin")),
		row(btn("🧩 Макросы", "settings:macros")),
		row(btn("🏷 Ключевые слова", "settings:keywords")),
		row(btn("⬅️ Назад", "settings:back"), btn("🏠 В меню", "settings:home")),
	)
}

func adminInputKeyboard() *Keyboard {
	return kb(row(btn("⬅️ Назад", "settings:back"), btn("🏠 В меню", "settings:home")))
}

func macroListKeyboard(macros []domain.MacroTemplate) *Keyboard {
	k := &Keyboard{}
	for _, m := range macros {
		k.Rows = append(k.Rows, row(btn(fmt.Sprintf("#%d · %s", m.ID, m.Title), fmt.Sprintf("macro:open:%d", m.ID))))
	}
	k.Rows = append(k.Rows,
		row(btn("➕ Новый макрос", "macro:create")),
		row(btn("⬅️ Назад", "macro:back"), btn("🏠 В меню", "macro:home")),
	)
	return k
}

func macroDetailKeyboard(id uint) *Keyboard {
	return kb(
		row(btn("✏️ Изменить", fmt.Sprintf("macro:edit:%d", id)), btn("🗑 Удалить", fmt.Sprintf("macro:delete:%d", id))),
		row(btn("⬅️ К списку", "macro:list"), btn("🏠 В меню", "macro:home")),
	)
}

func macroInputKeyboard() *Keyboard {
	return kb(row(btn("⬅️ К списку", "macro_input:list"), btn("🏠 В меню", "macro_input:home")))
}

func macroConfirmKeyboard() *Keyboard {
	return kb(
		row(btn("💾 Сохранить", "macro_confirm:save")),
		row(btn("✏️ Заголовок", "macro_confirm:title"), btn("✏️ Текст", "macro_confirm:body")),
		row(btn("⬅️ К списку", "macro_confirm:list"), btn("🏠 В меню", "macro_confirm:home")),
	)
}

func keywordsKeyboard() *Keyboard {
	return kb(
		row(btn("➕ Добавить", "keyword:add"), btn("➖ Удалить", "keyword:remove")),
		row(btn("⬅️ Назад", "keyword:back"), btn("🏠 В меню", "keyword:home")),
	)
}

func keywordInputKeyboard() *Keyboard {
	return kb(row(btn("⬅️ Назад", "settings:keywords"), btn("🏠 В меню", "keyword:home")))
}

func answerKeyboard() *Keyboard {
	return kb(
		row(btn("📨 Отправить", "answer:send")),
		row(btn("✏️ Изменить", "answer:edit")),
		row(btn("❌ Отменить", "answer:cancel")),
	)
}

func analyticsKeyboard() *Keyboard {
	return kb(row(btn("🔄 Обновить", "analytics:refresh"), btn("🏠 В меню", "analytics:back")))
}

func homeKeyboard() *Keyboard {
	return kb(row(btn("🏠 В меню", "cancel")))
}

// stageSlug is the callback form of an authoring stage.
func stageSlug(s Stage) string {
	switch s {
	case StageProduct:
		return "product"
	case StageBrand:
		return "brand"
	case StageSize:
		return "size"
	case StageCommentOrPhoto:
		return "comment"
	}
	return ""
}

func stageFromSlug(slug string) (Stage, bool) {
	switch slug {
	case "product":
		return StageProduct, true
	case "brand":
		return StageBrand, true
	case "size":
		return StageSize, true
	case "comment":
		return StageCommentOrPhoto, true
	}
	return StageIdle, false
}
