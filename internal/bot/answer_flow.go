package bot

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-sourcing-bot/internal/services"
)

// onFallback handles messages outside of any flow. A user with an order
// awaiting clarification starts reviewing a reply to it.
func (t *turn) onFallback(ctx context.Context) error {
	o, err := t.e.Orders.PendingClarification(ctx, t.chat())
	switch {
	case errors.Is(err, services.ErrOrderNotFound):
		return t.send(ctx, textFallback, mainMenuKeyboard(t.admin()))
	case err != nil:
		return t.fail(ctx, err)
	}
	text, err := t.answerText(ctx)
	if err != nil {
		return t.fail(ctx, err)
	}
	if text == "" {
		return t.send(ctx, "Отправьте ответ текстом или фото.", nil)
	}
	t.s.Reset()
	t.clearLive(ctx)
	d := &AnswerDraft{OrderID: o.ID, Number: t.e.Orders.DisplayNumber(ctx, o), Text: text}
	t.s.Draft = d
	t.s.Stage = StageAnswerReview
	return t.replacePreview(ctx, answerPreviewText(d), answerKeyboard())
}

// answerText turns the current message into reply text. Photos are stored
// and referenced by their local path.
func (t *turn) answerText(ctx context.Context) (string, error) {
	if t.ev.Kind == EventAttachment && isImage(t.ev.File) {
		entry, err := t.savePhoto(ctx, *t.ev.File)
		if err != nil {
			return "", err
		}
		text := "Фото ответа: " + entry.Local
		if c := t.ev.Input(); c != "" {
			text += "\n" + c
		}
		return text, nil
	}
	return t.ev.Input(), nil
}

func (t *turn) onAnswerInput(ctx context.Context) error {
	d, ok := t.s.Draft.(*AnswerDraft)
	if !ok {
		t.s.Reset()
		return t.onFallback(ctx)
	}
	text, err := t.answerText(ctx)
	if err != nil {
		return t.fail(ctx, err)
	}
	if text == "" {
		return t.send(ctx, "Отправьте ответ текстом или фото.", nil)
	}
	d.Text = text
	return t.replacePreview(ctx, answerPreviewText(d), answerKeyboard())
}

func (t *turn) onAnswer(ctx context.Context, action string) error {
	d, ok := t.s.Draft.(*AnswerDraft)
	if !ok || t.s.Stage != StageAnswerReview {
		t.answer(ctx, "Черновик ответа не найден.", false)
		t.dropSource(ctx)
		return nil
	}
	switch action {
	case "send":
		o, err := t.e.Orders.SubmitAnswer(ctx, d.OrderID, t.chat(), d.Text)
		switch {
		case errors.Is(err, services.ErrTerminalOrder), errors.Is(err, services.ErrOrderNotFound),
			errors.Is(err, services.ErrNotOwner):
			t.answer(ctx, "Заявка уже закрыта.", true)
			return t.menu(ctx, "")
		case err != nil:
			return t.fail(ctx, err)
		}
		if t.e.Notifier != nil && t.e.Admins != nil {
			msg := fmt.Sprintf("Ответ от пользователя %d по заявке #%s:\n\n%s",
				t.chat(), t.e.Orders.DisplayNumber(ctx, o), d.Text)
			res := t.e.Notifier.Broadcast(ctx, t.e.Admins.IDs(), msg)
			log.Info().
				Uint("order_id", o.ID).
				Int("sent", res.Sent).
				Int("failed", res.Failed).
				Msg("bot: answer forwarded to admins")
		}
		t.answer(ctx, "Ответ отправлен.", false)
		return t.menu(ctx, "Спасибо — ваш ответ получен и отправлен администратору.")
	case "edit":
		return t.replacePrompt(ctx, "Отправьте новый текст ответа.", homeKeyboard())
	case "cancel":
		t.answer(ctx, "Ответ отменён.", false)
		return t.menu(ctx, "")
	}
	return nil
}
