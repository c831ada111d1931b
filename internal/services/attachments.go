// Package services – AttachmentStore
//
// This file implements AttachmentStore, the durable copy of user photos. The
// local cache directory is disposable; the order_photos table (and, when
// configured, an object store) is the source of truth. Persist mirrors the
// durable set to an order's current attachment list, Restore recreates any
// cache file that went missing.
package services

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-sourcing-bot/internal/domain"
	"github.com/tbourn/go-sourcing-bot/internal/keylock"
	"github.com/tbourn/go-sourcing-bot/internal/repo"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AttachmentStore persists and restores order attachments.
type AttachmentStore struct {
	DB *gorm.DB
	// Blobs holds payloads when set; otherwise bytes live in order_photos.data.
	Blobs BlobStore

	locks keylock.Map[uint]
}

// Persist makes the durable set for orderID exactly mirror paths. Paths that
// do not exist locally are skipped; already stored paths are left alone;
// stored attachments whose path is no longer listed are deleted.
func (s *AttachmentStore) Persist(ctx context.Context, orderID uint, paths []string) error {
	tr := otel.Tracer("services/AttachmentStore")
	ctx, span := tr.Start(ctx, "Persist",
		trace.WithAttributes(
			attribute.Int64("order.id", int64(orderID)),
			attribute.Int("paths", len(paths)),
		),
	)
	defer span.End()

	unlock := s.locks.Lock(orderID)
	defer unlock()

	existing, err := repo.ListOrderPhotos(ctx, s.DB, orderID)
	if err != nil {
		return storageErr("list attachments", err)
	}
	stored := make(map[string]bool, len(existing))
	for _, p := range existing {
		stored[p.SourcePath] = true
	}
	desired := make(map[string]bool, len(paths))
	for _, p := range paths {
		if p != "" {
			desired[p] = true
		}
	}

	var (
		added    []*domain.OrderPhoto
		uploaded []string
	)
	for _, path := range paths {
		if path == "" || stored[path] {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			// Not on disk any more: nothing to make durable.
			continue
		}
		stored[path] = true
		photo := &domain.OrderPhoto{
			OrderID:    orderID,
			SourcePath: path,
			FileName:   filepath.Base(path),
			MimeType:   guessMime(path),
		}
		if s.Blobs != nil {
			photo.ObjectKey = fmt.Sprintf("orders/%d/%s-%s", orderID, uuid.NewString(), photo.FileName)
			if err := s.Blobs.Put(ctx, photo.ObjectKey, data, photo.MimeType); err != nil {
				s.cleanupBlobs(ctx, uploaded)
				return storageErr("upload attachment", err)
			}
			uploaded = append(uploaded, photo.ObjectKey)
		} else {
			photo.Data = data
		}
		added = append(added, photo)
	}

	var orphanKeys []string
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, p := range existing {
			if desired[p.SourcePath] {
				continue
			}
			if err := repo.DeleteOrderPhoto(ctx, tx, p.ID); err != nil {
				return err
			}
			if p.ObjectKey != "" {
				orphanKeys = append(orphanKeys, p.ObjectKey)
			}
		}
		for _, p := range added {
			if err := repo.CreateOrderPhoto(ctx, tx, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.cleanupBlobs(ctx, uploaded)
		return storageErr("persist attachments", err)
	}
	s.cleanupBlobs(ctx, orphanKeys)
	return nil
}

// Restore recreates every durably stored attachment of orderID whose cache
// file is missing. It returns how many files were written. Present files are
// never rewritten.
func (s *AttachmentStore) Restore(ctx context.Context, orderID uint) (int, error) {
	tr := otel.Tracer("services/AttachmentStore")
	ctx, span := tr.Start(ctx, "Restore",
		trace.WithAttributes(attribute.Int64("order.id", int64(orderID))),
	)
	defer span.End()

	unlock := s.locks.Lock(orderID)
	defer unlock()

	photos, err := repo.ListOrderPhotos(ctx, s.DB, orderID)
	if err != nil {
		return 0, storageErr("list attachments", err)
	}

	var (
		restored int
		errs     []error
	)
	for _, p := range photos {
		if _, err := os.Stat(p.SourcePath); err == nil {
			continue
		}
		data := p.Data
		if p.ObjectKey != "" && s.Blobs != nil {
			if data, err = s.Blobs.Get(ctx, p.ObjectKey); err != nil {
				errs = append(errs, fmt.Errorf("fetch %s: %w", p.ObjectKey, err))
				continue
			}
		}
		if err := writeFileAtomic(p.SourcePath, data); err != nil {
			errs = append(errs, fmt.Errorf("write %s: %w", p.SourcePath, err))
			continue
		}
		restored++
	}
	if len(errs) > 0 {
		return restored, storageErr("restore attachments", errors.Join(errs...))
	}
	return restored, nil
}

// PersistAll runs Persist for every order using the attachment list stored on
// the order row. Used once at startup so that files cached before durable
// storage existed are captured. Failures are logged per order.
func (s *AttachmentStore) PersistAll(ctx context.Context) (int, error) {
	ids, err := repo.ListOrderIDs(ctx, s.DB)
	if err != nil {
		return 0, storageErr("list orders", err)
	}
	done := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		o, err := repo.GetOrder(ctx, s.DB, id)
		if err != nil {
			log.Warn().Err(err).Uint("order_id", id).Msg("attachments: load order failed")
			continue
		}
		if strings.TrimSpace(o.Photos) == "" {
			continue
		}
		paths := domain.LocalPaths(domain.ParsePhotoEntries(o.Photos, ""))
		if err := s.Persist(ctx, id, paths); err != nil {
			log.Warn().Err(err).Uint("order_id", id).Msg("attachments: persist failed")
			continue
		}
		done++
	}
	return done, nil
}

func (s *AttachmentStore) cleanupBlobs(ctx context.Context, keys []string) {
	if s.Blobs == nil {
		return
	}
	for _, k := range keys {
		if err := s.Blobs.Delete(ctx, k); err != nil {
			log.Warn().Err(err).Str("object_key", k).Msg("attachments: delete object failed")
		}
	}
}

func guessMime(path string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); t != "" {
		return t
	}
	return "application/octet-stream"
}

// writeFileAtomic writes data next to path and renames it into place so a
// concurrent reader never sees a partial file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".restore-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}
