package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-sourcing-bot/internal/services"
	"github.com/tbourn/go-sourcing-bot/internal/sysutil"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Engine routes events through the per-user conversation state machine.
type Engine struct {
	Transport  Transport
	Sessions   *SessionStore
	Orders     *services.OrderService
	Users      *services.UserService
	Admins     *services.AdminDirectory
	Macros     *services.MacroService
	Keywords   *services.KeywordService
	Reconciler *services.Reconciler
	Exporter   *services.Exporter
	Notifier   *services.Notifier
	Analytics  *services.Refresher

	// PhotosDir receives user photos; TmpDir receives uploaded sheets.
	PhotosDir string
	TmpDir    string
}

// turn is the handling of one event against one locked session.
type turn struct {
	e        *Engine
	s        *Session
	ev       Event
	answered bool
}

func (t *turn) chat() int64 { return t.ev.UserID }

func (t *turn) admin() bool { return t.e.Admins != nil && t.e.Admins.IsAdmin(t.ev.UserID) }

// answer acknowledges the pressed button once.
func (t *turn) answer(ctx context.Context, text string, alert bool) {
	if t.ev.Kind != EventButton || t.answered {
		return
	}
	t.answered = true
	if err := t.e.Transport.AnswerCallback(ctx, t.ev.CallbackID, text, alert); err != nil {
		log.Debug().Err(err).Int64("user_id", t.chat()).Msg("bot: answer callback failed")
	}
}

// fail reports a failed action to the user and returns err for accounting.
func (t *turn) fail(ctx context.Context, err error) error {
	log.Warn().Err(err).Int64("user_id", t.chat()).Str("stage", string(t.s.Stage)).Msg("bot: action failed")
	t.answer(ctx, textRetry, true)
	if t.ev.Kind != EventButton {
		if sendErr := t.send(ctx, textRetry, nil); sendErr != nil {
			return errors.Join(err, sendErr)
		}
	}
	return err
}

// Handle processes one event. Turns of the same user never overlap; a
// panic inside a flow is recovered and reported as an error.
func (e *Engine) Handle(ctx context.Context, ev Event) (err error) {
	kind := ev.Kind.String()
	start := time.Now()
	updatesTotal.WithLabelValues(kind).Inc()
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Int64("user_id", ev.UserID).
				Str("event_type", kind).
				Msg("bot: handler panic")
			err = fmt.Errorf("bot: handler panic: %v", r)
		}
		if err != nil {
			updateErrors.WithLabelValues(kind).Inc()
		}
		updateDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		liveSessions.Set(float64(e.Sessions.Len()))
	}()

	ctx, span := otel.Tracer("bot/Engine").Start(ctx, "Handle",
		trace.WithAttributes(
			attribute.Int64("user.id", ev.UserID),
			attribute.String("event.type", kind),
		),
	)
	defer span.End()

	if e.Users != nil {
		if _, uerr := e.Users.Ensure(ctx, services.Profile{
			ID:       ev.UserID,
			Username: ev.Username,
			FullName: ev.FullName,
		}); uerr != nil {
			log.Warn().Err(uerr).Int64("user_id", ev.UserID).Msg("bot: user sync failed")
		}
	}

	sess, release := e.Sessions.Acquire(ev.UserID)
	defer release()

	t := &turn{e: e, s: sess, ev: ev}
	switch ev.Kind {
	case EventCommand:
		err = t.onCommand(ctx)
	case EventButton:
		err = t.onButton(ctx)
		t.answer(ctx, "", false)
	default:
		err = t.onMessage(ctx)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn().Err(err).Int64("user_id", ev.UserID).Str("event_type", kind).Msg("bot: update failed")
	}
	return err
}

func (t *turn) onCommand(ctx context.Context) error {
	switch strings.ToLower(t.ev.Text) {
	case "start":
		name := sysutil.FirstNonEmpty(t.ev.FullName, t.ev.Username, "друг")
		return t.menu(ctx, fmt.Sprintf(
			"Привет, %s!\nЗдесь можно оставить пожелание по товару, которого нет на сайте. Выберите действие ниже.", name))
	case "menu", "cancel":
		return t.menu(ctx, "")
	case "info", "help":
		return t.send(ctx, textInfo, mainMenuKeyboard(t.admin()))
	}
	return t.send(ctx, textFallback, mainMenuKeyboard(t.admin()))
}

// adminPrefixes are the callback prefixes reserved for admins.
var adminPrefixes = map[string]bool{
	"report":            true,
	"push_confirm":      true,
	"question_template": true,
	"settings":          true,
	"macro":             true,
	"macro_input":       true,
	"macro_confirm":     true,
	"keyword":           true,
	"analytics":         true,
}

func adminButton(data string) bool {
	prefix, rest, _ := strings.Cut(data, ":")
	if prefix == "menu" {
		return strings.HasPrefix(rest, "admin_") || rest == "analytics"
	}
	return adminPrefixes[prefix]
}

func (t *turn) onButton(ctx context.Context) error {
	data := t.ev.Data
	if adminButton(data) && !t.admin() {
		t.answer(ctx, textNoAccess, true)
		return nil
	}
	prefix, arg, _ := strings.Cut(data, ":")
	switch prefix {
	case "menu":
		return t.onMenu(ctx, arg)
	case "cancel", "user_back":
		t.answer(ctx, "Возвращаю в главное меню.", false)
		t.dropSource(ctx)
		return t.menu(ctx, "")
	case "back":
		return t.onBack(ctx, arg)
	case "skip":
		return t.onSkip(ctx)
	case "brand_suggest":
		return t.onBrandSuggest(ctx, arg)
	case "confirm":
		return t.onConfirm(ctx, arg)
	case "edit_field":
		return t.onEditField(ctx, arg)
	case "edit_preview":
		return t.showPreview(ctx)
	case "show_order":
		return t.onShowOrder(ctx, arg)
	case "user_edit":
		return t.onUserEdit(ctx, arg)
	case "user_delete":
		return t.onUserDelete(ctx, arg)
	case "answer":
		return t.onAnswer(ctx, arg)
	case "report":
		return t.onReport(ctx, arg)
	case "push_confirm":
		return t.onPushConfirm(ctx, arg)
	case "question_template":
		return t.onQuestionTemplate(ctx, arg)
	case "settings":
		return t.onSettings(ctx, arg)
	case "macro", "macro_input", "macro_confirm":
		return t.onMacro(ctx, prefix, arg)
	case "keyword":
		return t.onKeyword(ctx, arg)
	case "analytics":
		return t.onAnalytics(ctx, arg)
	}
	t.answer(ctx, "Неизвестная команда.", false)
	return nil
}

func (t *turn) onMenu(ctx context.Context, item string) error {
	t.dropSource(ctx)
	switch item {
	case "create":
		return t.startOrder(ctx)
	case "orders":
		return t.showOrders(ctx)
	case "info":
		t.s.Reset()
		t.clearLive(ctx)
		return t.send(ctx, textInfo, mainMenuKeyboard(t.admin()))
	case "admin_reports":
		t.s.Reset()
		t.clearLive(ctx)
		return t.replacePrompt(ctx, "Выберите файл для выгрузки:", reportKeyboard())
	case "admin_status":
		return t.startUpload(ctx)
	case "admin_question":
		return t.startQuestion(ctx)
	case "admin_push":
		return t.startPush(ctx)
	case "admin_settings":
		return t.showSettings(ctx)
	case "analytics":
		return t.showAnalytics(ctx, false)
	}
	return t.menu(ctx, "")
}

func (t *turn) onMessage(ctx context.Context) error {
	if t.s.Stage.Admin() && !t.admin() {
		// Admin rights were revoked mid-flow.
		return t.menu(ctx, textNoAccess)
	}
	switch t.s.Stage {
	case StageIdle:
		return t.onFallback(ctx)
	case StageProduct, StageBrand, StageSize:
		return t.onAuthoringText(ctx)
	case StageCommentOrPhoto, StageConfirm:
		return t.onCommentOrPhoto(ctx)
	case StageEditField:
		return t.onEditValue(ctx)
	case StageAnswerReview:
		return t.onAnswerInput(ctx)
	case StageAwaitUpload:
		return t.onUpload(ctx)
	case StagePushIDs:
		return t.onPushIDs(ctx)
	case StagePushText, StagePushConfirm:
		return t.onPushText(ctx)
	case StageQuestionOrderID:
		return t.onQuestionOrderID(ctx)
	case StageQuestionText:
		return t.onQuestionText(ctx)
	case StageMacroTitle, StageMacroBody:
		return t.onMacroInput(ctx)
	case StageMacroConfirm:
		return t.send(ctx, "Воспользуйтесь кнопками под предпросмотром.", nil)
	case StageAddAdminID, StageRemoveAdminID:
		return t.onAdminID(ctx)
	case StageKeywordAdd, StageKeywordRemove:
		return t.onKeywordInput(ctx)
	}
	return t.onFallback(ctx)
}
