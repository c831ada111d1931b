package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/tbourn/go-sourcing-bot/internal/domain"
	"github.com/tbourn/go-sourcing-bot/internal/repo"
)

// DefaultMacros are the question templates installed on an empty database.
var DefaultMacros = []struct{ Title, Body string }{
	{"Уточнить размер", "Подскажите, пожалуйста, какой размер вам подойдёт? Это поможет точнее найти товар."},
	{"Уточнить бюджет", "Подтвердите, какой бюджет комфортен за этот товар, чтобы мы искали в нужном диапазоне."},
	{"Предложить альтернативу", "Нашлась похожая модель. Готовы рассмотреть альтернативу, если она появится быстрее?"},
}

// MacroService manages canned admin questions. Every mutation is audited.
type MacroService struct {
	DB *gorm.DB
}

// List returns all templates ordered by id.
func (s *MacroService) List(ctx context.Context) ([]domain.MacroTemplate, error) {
	out, err := repo.ListMacros(ctx, s.DB)
	if err != nil {
		return nil, storageErr("list macros", err)
	}
	return out, nil
}

// Get returns one template.
func (s *MacroService) Get(ctx context.Context, id uint) (*domain.MacroTemplate, error) {
	m, err := repo.GetMacro(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrMacroNotFound
	}
	if err != nil {
		return nil, storageErr("get macro", err)
	}
	return m, nil
}

// Create stores a new template.
func (s *MacroService) Create(ctx context.Context, adminID int64, title, body string) (*domain.MacroTemplate, error) {
	title, body = strings.TrimSpace(title), strings.TrimSpace(body)
	if title == "" || body == "" {
		return nil, ErrEmptyText
	}
	var out *domain.MacroTemplate
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := repo.CreateMacro(ctx, tx, title, body, adminID)
		if err != nil {
			return err
		}
		out = m
		return repo.CreateAdminAction(ctx, tx, adminID, "macro_create", title)
	})
	if err != nil {
		return nil, storageErr("create macro", err)
	}
	return out, nil
}

// Update rewrites an existing template.
func (s *MacroService) Update(ctx context.Context, adminID int64, id uint, title, body string) error {
	title, body = strings.TrimSpace(title), strings.TrimSpace(body)
	if title == "" || body == "" {
		return ErrEmptyText
	}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.SaveMacro(ctx, tx, id, title, body, adminID); err != nil {
			return err
		}
		return repo.CreateAdminAction(ctx, tx, adminID, "macro_edit", fmt.Sprint(id))
	})
	return macroErr("update macro", err)
}

// Delete removes a template.
func (s *MacroService) Delete(ctx context.Context, adminID int64, id uint) error {
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.DeleteMacro(ctx, tx, id); err != nil {
			return err
		}
		return repo.CreateAdminAction(ctx, tx, adminID, "macro_delete", fmt.Sprint(id))
	})
	return macroErr("delete macro", err)
}

// SeedDefaults installs DefaultMacros when no template exists.
func (s *MacroService) SeedDefaults(ctx context.Context) (int, error) {
	n, err := repo.CountMacros(ctx, s.DB)
	if err != nil {
		return 0, storageErr("count macros", err)
	}
	if n > 0 {
		return 0, nil
	}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, m := range DefaultMacros {
			if _, err := repo.CreateMacro(ctx, tx, m.Title, m.Body, 0); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, storageErr("seed macros", err)
	}
	return len(DefaultMacros), nil
}

func macroErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repo.ErrNotFound):
		return ErrMacroNotFound
	default:
		return storageErr(op, err)
	}
}
