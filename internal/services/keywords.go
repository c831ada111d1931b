package services

import (
	"context"
	"errors"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gorm.io/gorm"

	"github.com/tbourn/go-sourcing-bot/internal/repo"
)

// DefaultKeywords is the product-kind taxonomy used until admins define their own.
var DefaultKeywords = map[string][]string{
	"Одежда":     {"футболк", "куртк", "штаны", "джинс", "толстовк", "худи", "шорт", "юбк", "плать", "носки"},
	"Обувь":      {"кроссовк", "ботин", "кеды", "сланс", "сланц", "сандал", "крос"},
	"Инвентарь":  {"мяч", "гантел", "штанг", "скакалк", "коврик", "инвент"},
	"Аксессуары": {"рюкзак", "сумк", "перчат", "шапк", "шлем", "очки", "аксессуар"},
}

var lowerRU = cases.Lower(language.Russian)

// KindMap maps a product kind to the name fragments that identify it.
type KindMap map[string][]string

// Kinds returns the known kinds, always including the default ones, sorted.
func (m KindMap) Kinds() []string {
	set := map[string]bool{}
	for k := range DefaultKeywords {
		set[k] = true
	}
	for k := range m {
		set[k] = true
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Guess returns the first kind (in sorted order) with a fragment contained in
// product, or "".
func (m KindMap) Guess(product string) string {
	title := lowerRU.String(product)
	if strings.TrimSpace(title) == "" {
		return ""
	}
	kinds := make([]string, 0, len(m))
	for k := range m {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		for _, frag := range m[k] {
			if frag != "" && strings.Contains(title, frag) {
				return k
			}
		}
	}
	return ""
}

// KeywordService manages the product-kind taxonomy.
type KeywordService struct {
	DB *gorm.DB
}

// Map returns the stored taxonomy, or DefaultKeywords when none is stored.
func (s *KeywordService) Map(ctx context.Context) (KindMap, error) {
	rows, err := repo.ListKeywords(ctx, s.DB)
	if err != nil {
		return nil, storageErr("list keywords", err)
	}
	out := KindMap{}
	if len(rows) == 0 {
		for k, v := range DefaultKeywords {
			out[k] = append([]string(nil), v...)
		}
		return out, nil
	}
	for _, r := range rows {
		out[r.Kind] = append(out[r.Kind], r.Keyword)
	}
	return out, nil
}

// SeedDefaults stores DefaultKeywords when the table is empty and returns the
// number of rows written.
func (s *KeywordService) SeedDefaults(ctx context.Context) (int, error) {
	n, err := repo.CountKeywords(ctx, s.DB)
	if err != nil {
		return 0, storageErr("count keywords", err)
	}
	if n > 0 {
		return 0, nil
	}
	written := 0
	for _, kind := range KindMap(DefaultKeywords).Kinds() {
		for _, kw := range DefaultKeywords[kind] {
			if err := repo.AddKeyword(ctx, s.DB, kind, kw); err != nil {
				if errors.Is(err, repo.ErrDuplicate) {
					continue
				}
				return written, storageErr("seed keywords", err)
			}
			written++
		}
	}
	return written, nil
}

// Add maps keyword to kind. Keywords are stored lower-cased.
func (s *KeywordService) Add(ctx context.Context, kind, keyword string) error {
	kind = strings.TrimSpace(kind)
	keyword = lowerRU.String(strings.TrimSpace(keyword))
	if kind == "" || keyword == "" {
		return ErrEmptyText
	}
	switch err := repo.AddKeyword(ctx, s.DB, kind, keyword); {
	case errors.Is(err, repo.ErrDuplicate):
		return ErrDuplicateKeyword
	case err != nil:
		return storageErr("add keyword", err)
	}
	return nil
}

// Remove deletes a keyword mapping.
func (s *KeywordService) Remove(ctx context.Context, keyword string) error {
	keyword = lowerRU.String(strings.TrimSpace(keyword))
	if keyword == "" {
		return ErrEmptyText
	}
	switch err := repo.RemoveKeyword(ctx, s.DB, keyword); {
	case errors.Is(err, repo.ErrNotFound):
		return ErrKeywordNotFound
	case err != nil:
		return storageErr("remove keyword", err)
	}
	return nil
}

// ParseKeywordInput splits admin input of the form "Вид: ключ".
func ParseKeywordInput(raw string) (kind, keyword string, ok bool) {
	kind, keyword, ok = strings.Cut(raw, ":")
	kind, keyword = strings.TrimSpace(kind), strings.TrimSpace(keyword)
	return kind, keyword, ok && kind != "" && keyword != ""
}
