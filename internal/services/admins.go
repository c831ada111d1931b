package services

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-sourcing-bot/internal/domain"
	"github.com/tbourn/go-sourcing-bot/internal/repo"
)

// ErrNotAdmin is returned when removing someone who is not an admin.
var ErrNotAdmin = fmt.Errorf("admin %w", ErrNotFound)

// AdminDirectory is a read-through cache of admin ids. When the database has
// no admins, Defaults are written and used.
type AdminDirectory struct {
	DB       *gorm.DB
	Defaults []int64

	mu  sync.RWMutex
	ids map[int64]bool
}

// NewAdminDirectory returns a directory seeded with defaults until the first Refresh.
func NewAdminDirectory(db *gorm.DB, defaults []int64) *AdminDirectory {
	return &AdminDirectory{DB: db, Defaults: append([]int64(nil), defaults...)}
}

// Refresh reloads the admin set from the database, seeding Defaults when it
// is empty.
func (d *AdminDirectory) Refresh(ctx context.Context) ([]int64, error) {
	rows, err := repo.ListAdmins(ctx, d.DB)
	if err != nil {
		return nil, storageErr("list admins", err)
	}
	ids := make([]int64, 0, len(rows))
	for _, u := range rows {
		ids = append(ids, u.ID)
	}
	if len(ids) == 0 && len(d.Defaults) > 0 {
		for _, id := range d.Defaults {
			if err := repo.SetAdmin(ctx, d.DB, id, true); err != nil {
				return nil, storageErr("seed admins", err)
			}
		}
		ids = append(ids, d.Defaults...)
		log.Info().Ints64("admins", ids).Msg("admins: seeded defaults")
	}

	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	d.mu.Lock()
	d.ids = set
	d.mu.Unlock()
	return d.IDs(), nil
}

// IsAdmin reports whether id is an admin according to the cache.
func (d *AdminDirectory) IsAdmin(id int64) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.ids) == 0 {
		for _, def := range d.Defaults {
			if def == id {
				return true
			}
		}
		return false
	}
	return d.ids[id]
}

// IDs returns the cached admin ids in ascending order.
func (d *AdminDirectory) IDs() []int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []int64
	if len(d.ids) == 0 {
		out = append(out, d.Defaults...)
	} else {
		out = make([]int64, 0, len(d.ids))
		for id := range d.ids {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// List returns admin profiles ordered by id.
func (d *AdminDirectory) List(ctx context.Context) ([]domain.User, error) {
	rows, err := repo.ListAdmins(ctx, d.DB)
	if err != nil {
		return nil, storageErr("list admins", err)
	}
	return rows, nil
}

// Add grants admin rights to id on behalf of actorID.
func (d *AdminDirectory) Add(ctx context.Context, actorID, id int64) error {
	err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.SetAdmin(ctx, tx, id, true); err != nil {
			return err
		}
		return repo.CreateAdminAction(ctx, tx, actorID, "add_admin", fmt.Sprintf("added %d", id))
	})
	if err != nil {
		return storageErr("add admin", err)
	}
	_, err = d.Refresh(ctx)
	return err
}

// Remove revokes admin rights from id on behalf of actorID.
func (d *AdminDirectory) Remove(ctx context.Context, actorID, id int64) error {
	if !d.IsAdmin(id) {
		return ErrNotAdmin
	}
	err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.SetAdmin(ctx, tx, id, false); err != nil {
			return err
		}
		return repo.CreateAdminAction(ctx, tx, actorID, "remove_admin", fmt.Sprintf("removed %d", id))
	})
	if err != nil {
		return storageErr("remove admin", err)
	}
	_, err = d.Refresh(ctx)
	return err
}
