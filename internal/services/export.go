// Package services – Exporter
//
// This file produces the admin spreadsheets: a "full" workbook with every
// order and a "working" workbook without Added/NotAdded orders. Both carry a
// status column constrained to the fixed status list so that an edited copy
// can be uploaded back for reconciliation.
package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"

	"github.com/tbourn/go-sourcing-bot/internal/domain"
	"github.com/tbourn/go-sourcing-bot/internal/repo"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// ExportHeader is the exact column order of both export variants.
var ExportHeader = []string{
	ColOrderID,
	"ID пользователя",
	ColStatus,
	"Дата создания",
	"Товар",
	"Вид",
	"Бренд",
	"Размер",
	"Комментарий",
	"Фото (локально)",
	"Ссылки на фото",
	ColLink,
	"Общение",
	"Внутренние комментарии",
}

// Sheet names used by the exports.
const (
	SheetFull       = "Все заявки"
	SheetWorking    = "Рабочий лист"
	SheetStatuses   = "Статусы"
	SheetKinds      = "Справочник видов"
	exportTimeStamp = "02-01-2006 15-04"
)

// ExportFiles are the paths of one export run.
type ExportFiles struct {
	Full    string
	Working string
}

// Exporter writes order spreadsheets into TmpDir.
type Exporter struct {
	DB           *gorm.DB
	Attachments  *AttachmentStore
	Keywords     *KeywordService
	TmpDir       string
	PhotoCDNBase string
	Now          func() time.Time
}

// Export restores missing attachment files and writes both workbooks.
func (e *Exporter) Export(ctx context.Context) (ExportFiles, error) {
	ctx, span := otel.Tracer("services/Exporter").Start(ctx, "Export")
	defer span.End()

	orders, err := repo.ListOrders(ctx, e.DB)
	if err != nil {
		return ExportFiles{}, storageErr("list orders", err)
	}
	kinds := KindMap(DefaultKeywords)
	if e.Keywords != nil {
		if kinds, err = e.Keywords.Map(ctx); err != nil {
			return ExportFiles{}, err
		}
	}
	if e.Attachments != nil {
		for _, o := range orders {
			if _, err := e.Attachments.Restore(ctx, o.ID); err != nil {
				log.Warn().Err(err).Uint("order_id", o.ID).Msg("export: restore attachments failed")
			}
		}
	}

	var working []domain.Order
	for _, o := range orders {
		if o.Status != domain.StatusAdded && o.Status != domain.StatusNotAdded {
			working = append(working, o)
		}
	}
	span.SetAttributes(attribute.Int("orders.full", len(orders)), attribute.Int("orders.working", len(working)))

	if err := os.MkdirAll(e.TmpDir, 0o755); err != nil {
		return ExportFiles{}, storageErr("create tmp dir", err)
	}
	now := time.Now().UTC()
	if e.Now != nil {
		now = e.Now().UTC()
	}
	stamp := now.Format(exportTimeStamp)
	files := ExportFiles{
		Full:    filepath.Join(e.TmpDir, fmt.Sprintf("Все заказы %s.xlsx", stamp)),
		Working: filepath.Join(e.TmpDir, fmt.Sprintf("В работе %s.xlsx", stamp)),
	}
	if err := e.write(files.Full, SheetFull, orders, kinds); err != nil {
		return ExportFiles{}, err
	}
	if err := e.write(files.Working, SheetWorking, working, kinds); err != nil {
		os.Remove(files.Full)
		return ExportFiles{}, err
	}
	log.Info().Int("full", len(orders)).Int("working", len(working)).Msg("export: workbooks written")
	return files, nil
}

func (e *Exporter) write(path, sheet string, orders []domain.Order, kinds KindMap) error {
	f, err := e.Workbook(sheet, orders, kinds)
	if err != nil {
		return fmt.Errorf("build %s: %w", sheet, err)
	}
	defer f.Close()
	if err := f.SaveAs(path); err != nil {
		return storageErr("save workbook", err)
	}
	return nil
}

// Workbook builds one export workbook in memory.
func (e *Exporter) Workbook(sheet string, orders []domain.Order, kinds KindMap) (*excelize.File, error) {
	f := excelize.NewFile()
	ok := false
	defer func() {
		if !ok {
			f.Close()
		}
	}()

	if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
		return nil, err
	}
	header := make([]any, len(ExportHeader))
	for i, h := range ExportHeader {
		header[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return nil, err
	}
	for i, o := range orders {
		row := e.row(o, kinds)
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return nil, err
		}
	}
	if err := f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return nil, err
	}

	statuses := make([]string, len(domain.Statuses))
	for i, s := range domain.Statuses {
		statuses[i] = string(s)
	}
	if err := listSheet(f, SheetStatuses, statuses); err != nil {
		return nil, err
	}
	kindValues := kinds.Kinds()
	if err := listSheet(f, SheetKinds, kindValues); err != nil {
		return nil, err
	}

	statusDV := excelize.NewDataValidation(false)
	statusDV.Sqref = "C2:C1048576"
	statusDV.SetSqrefDropList(fmt.Sprintf("'%s'!$A$1:$A$%d", SheetStatuses, len(statuses)))
	statusDV.SetError(excelize.DataValidationErrorStyleStop, "Недопустимый статус", "Выберите статус из списка.")
	if err := f.AddDataValidation(sheet, statusDV); err != nil {
		return nil, err
	}
	kindDV := excelize.NewDataValidation(true)
	kindDV.Sqref = "F2:F1048576"
	kindDV.SetSqrefDropList(fmt.Sprintf("'%s'!$A$1:$A$%d", SheetKinds, len(kindValues)))
	kindDV.SetError(excelize.DataValidationErrorStyleStop, "Недопустимое значение", "Выберите значение из списка.")
	if err := f.AddDataValidation(sheet, kindDV); err != nil {
		return nil, err
	}
	f.SetActiveSheet(0)
	ok = true
	return f, nil
}

func (e *Exporter) row(o domain.Order, kinds KindMap) []any {
	entries := domain.ParsePhotoEntries(o.Photos, e.PhotoCDNBase)
	locals := make([]string, len(entries))
	publics := make([]string, len(entries))
	for i, p := range entries {
		locals[i], publics[i] = p.Local, p.Public
	}
	created := ""
	if !o.CreatedAt.IsZero() {
		created = o.CreatedAt.UTC().Format("2006-01-02 15:04")
	}
	return []any{
		o.ID,
		o.UserID,
		string(o.Status),
		created,
		o.Product,
		kinds.Guess(o.Product),
		o.Brand,
		o.Size,
		o.Comment,
		strings.Join(locals, "\n"),
		strings.Join(publics, "\n"),
		o.ProductLink,
		o.Communication,
		o.InternalComments,
	}
}

// listSheet writes values into column A of a new hidden sheet.
func listSheet(f *excelize.File, name string, values []string) error {
	if _, err := f.NewSheet(name); err != nil {
		return err
	}
	for i, v := range values {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetCellStr(name, cell, v); err != nil {
			return err
		}
	}
	return f.SetSheetVisible(name, false)
}
