// Package services – Reconciler
//
// This file implements bulk status reconciliation from an uploaded xlsx
// sheet. A batch is one logical unit: it is parsed, then fully validated,
// and only a batch with zero errors is applied. Application is sequential
// through OrderService.Transition; afterwards every affected user receives
// one digest message listing all of their changed orders.
package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"

	"github.com/tbourn/go-sourcing-bot/internal/domain"
	"github.com/tbourn/go-sourcing-bot/internal/repo"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Column headers of the reconciliation and export sheets.
const (
	ColOrderID = "ID заказа"
	ColStatus  = "Статус"
	ColLink    = "Ссылка на товар"
)

// DigestHeader opens every per-user reconciliation digest.
const DigestHeader = "Обновления по вашим заявкам:\n\n"

// BatchRow is one data row of an uploaded sheet.
type BatchRow struct {
	// Line is the 1-based sheet row; the header is line 1.
	Line      int
	RawID     string
	RawStatus string
	Link      string
}

// BatchError carries every problem found in a rejected batch.
type BatchError struct {
	Problems []string
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch rejected: %d problem(s): %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

// Unwrap classifies batch rejections as validation failures.
func (e *BatchError) Unwrap() error { return ErrValidation }

// Report summarizes a reconciliation run.
type Report struct {
	// Applied counts orders whose status actually changed.
	Applied int
	// Errors lists validation problems (nothing applied) or, after
	// application, rows the lifecycle refused because the order changed
	// concurrently.
	Errors       []string
	Notified     int
	NotifyFailed int
}

// Reconciler applies admin spreadsheets to orders.
type Reconciler struct {
	DB       *gorm.DB
	Orders   *OrderService
	Notifier *Notifier

	// One batch at a time.
	mu sync.Mutex
}

// Run parses, validates, applies and notifies. A rejected batch returns a
// *BatchError and a report whose Errors lists every problem.
func (r *Reconciler) Run(ctx context.Context, src io.Reader) (Report, error) {
	ctx, span := otel.Tracer("services/Reconciler").Start(ctx, "Run")
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.Parse(src)
	if err != nil {
		var be *BatchError
		if errors.As(err, &be) {
			return Report{Errors: be.Problems}, err
		}
		return Report{}, err
	}
	span.SetAttributes(attribute.Int("rows", len(rows)))

	problems, err := r.Validate(ctx, rows)
	if err != nil {
		return Report{}, err
	}
	if len(problems) > 0 {
		span.SetAttributes(attribute.Int("problems", len(problems)))
		return Report{Errors: problems}, &BatchError{Problems: problems}
	}

	rep, digests := r.Apply(ctx, rows)
	if r.Notifier != nil && len(digests) > 0 {
		res := r.Notifier.FanOut(ctx, digests)
		rep.Notified, rep.NotifyFailed = res.Sent, res.Failed
	}
	span.SetAttributes(
		attribute.Int("applied", rep.Applied),
		attribute.Int("notified", rep.Notified),
	)
	log.Info().
		Int("rows", len(rows)).
		Int("applied", rep.Applied).
		Int("notified", rep.Notified).
		Int("notify_failed", rep.NotifyFailed).
		Msg("reconcile: batch applied")
	return rep, nil
}

// Parse reads the first sheet of an xlsx workbook. The header row must name
// the order id and status columns; the link column is optional. Fully blank
// rows are ignored.
func (r *Reconciler) Parse(src io.Reader) ([]BatchRow, error) {
	f, err := excelize.OpenReader(src)
	if err != nil {
		return nil, &BatchError{Problems: []string{"Не удалось прочитать файл: " + err.Error()}}
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, &BatchError{Problems: []string{"Не удалось прочитать файл: в книге нет листов"}}
	}
	grid, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, &BatchError{Problems: []string{"Не удалось прочитать файл: " + err.Error()}}
	}

	col := map[string]int{}
	if len(grid) > 0 {
		for i, h := range grid[0] {
			h = strings.TrimSpace(h)
			if _, dup := col[h]; !dup && h != "" {
				col[h] = i
			}
		}
	}
	var missing []string
	for _, need := range []string{ColOrderID, ColStatus} {
		if _, ok := col[need]; !ok {
			missing = append(missing, need)
		}
	}
	if len(missing) > 0 {
		return nil, &BatchError{Problems: []string{"Отсутствуют столбцы: " + strings.Join(missing, ", ")}}
	}

	cell := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var out []BatchRow
	for i, row := range grid[1:] {
		br := BatchRow{
			Line:      i + 2,
			RawID:     cell(row, ColOrderID),
			RawStatus: cell(row, ColStatus),
			Link:      cell(row, ColLink),
		}
		if br.RawID == "" && br.RawStatus == "" && br.Link == "" && blankRow(row) {
			continue
		}
		out = append(out, br)
	}
	return out, nil
}

func blankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// parseOrderID accepts integers, including the "7.0" form spreadsheets
// produce for numeric cells.
func parseOrderID(raw string) (uint, bool) {
	if n, err := strconv.ParseUint(raw, 10, 64); err == nil && n > 0 {
		return uint(n), true
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f <= 0 || f != math.Trunc(f) || f > math.MaxUint32 {
		return 0, false
	}
	return uint(f), true
}

// Validate checks every row and returns all problems found. Duplicate order
// ids reject the batch before any per-row check. A non-nil error means the
// orders could not be loaded.
func (r *Reconciler) Validate(ctx context.Context, rows []BatchRow) ([]string, error) {
	seen := make(map[string]bool, len(rows))
	for _, br := range rows {
		key := br.RawID
		if id, ok := parseOrderID(br.RawID); ok {
			key = strconv.FormatUint(uint64(id), 10)
		}
		if seen[key] {
			return []string{"Найдены дубликаты ID."}, nil
		}
		seen[key] = true
	}

	ids := make([]uint, 0, len(rows))
	for _, br := range rows {
		if id, ok := parseOrderID(br.RawID); ok {
			ids = append(ids, id)
		}
	}
	current, err := repo.OrdersByIDs(ctx, r.DB, ids)
	if err != nil {
		return nil, storageErr("load batch orders", err)
	}

	var problems []string
	add := func(br BatchRow, format string, args ...any) {
		problems = append(problems, fmt.Sprintf("Строка %d: ", br.Line)+fmt.Sprintf(format, args...))
	}
	for _, br := range rows {
		id, ok := parseOrderID(br.RawID)
		if !ok {
			add(br, "Некорректный ID: %s", br.RawID)
			continue
		}
		o, ok := current[id]
		if !ok {
			add(br, "Заказ %d не найден.", id)
			continue
		}
		status, err := domain.ParseStatus(br.RawStatus)
		if err != nil {
			add(br, "Недопустимый статус для заказа %d: %s", id, br.RawStatus)
			continue
		}
		if status == domain.StatusAdded {
			switch err := r.Orders.Links.Validate(br.Link); {
			case errors.Is(err, ErrLinkForeignHost):
				add(br, "Для заказа %d ссылка должна вести на %s.", id, r.Orders.Links.Domain)
				continue
			case err != nil:
				add(br, "Для заказа %d нужен корректный URL товара.", id)
				continue
			}
		}
		if !rowChanges(o, status, br.Link) {
			continue
		}
		if o.Status.Terminal() {
			add(br, "Заказ %d уже в финальном статусе %s.", id, o.Status)
		}
	}
	return problems, nil
}

// rowChanges reports whether applying status/link to o would change it.
func rowChanges(o domain.Order, status domain.Status, link string) bool {
	if o.Status != status {
		return true
	}
	return status == domain.StatusAdded && strings.TrimSpace(link) != o.ProductLink
}

// Apply runs validated rows in order and builds one digest per affected user,
// in order of first appearance. Rows the lifecycle refuses are reported in
// Report.Errors; transitions already applied stay applied.
func (r *Reconciler) Apply(ctx context.Context, rows []BatchRow) (Report, []Notification) {
	var (
		rep   Report
		order []int64
		lines = map[int64][]string{}
	)
	for _, br := range rows {
		id, _ := parseOrderID(br.RawID)
		status, _ := domain.ParseStatus(br.RawStatus)

		o, err := r.Orders.Get(ctx, id)
		if err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("Заказ %d: %v", id, err))
			continue
		}
		if !rowChanges(*o, status, br.Link) {
			continue
		}
		res, err := r.Orders.Transition(ctx, id, status, br.Link)
		if err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("Заказ %d: %v", id, err))
			continue
		}
		if !res.Changed {
			continue
		}
		rep.Applied++
		line := digestLine(r.Orders.DisplayNumber(ctx, res.Order), res.Order)
		if line == "" {
			continue
		}
		uid := res.Order.UserID
		if _, ok := lines[uid]; !ok {
			order = append(order, uid)
		}
		lines[uid] = append(lines[uid], line)
	}

	digests := make([]Notification, 0, len(order))
	for _, uid := range order {
		digests = append(digests, Notification{
			ChatID: uid,
			Text:   DigestHeader + strings.Join(lines[uid], "\n"),
		})
	}
	return rep, digests
}

// digestLine renders the user-facing line for a changed order; statuses that
// users are not told about yield "".
func digestLine(number string, o *domain.Order) string {
	switch o.Status {
	case domain.StatusAdded:
		link := o.ProductLink
		if link == "" {
			link = "—"
		}
		return fmt.Sprintf("🎉 Заявка #%s: товар найден. Ссылка: %s", number, link)
	case domain.StatusNotAdded:
		return fmt.Sprintf("😔 Заявка #%s: пока не можем добавить товар.", number)
	case domain.StatusClarify:
		return fmt.Sprintf("🔍 Заявка #%s: требуется уточнение.", number)
	case domain.StatusAnswerReceived:
		return fmt.Sprintf("✅ Заявка #%s: получили ваш ответ.", number)
	}
	return ""
}
