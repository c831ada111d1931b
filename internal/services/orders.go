// Package services – OrderService
//
// This file implements OrderService, the order lifecycle state machine. It
// owns every mutation of an order row: creation with per-user numbering,
// status transitions with link validation, user edits and comments, admin
// questions, and user-initiated deletion. Each mutation runs under a
// per-order lock and inside one database transaction, so a transition never
// observes or persists a partial state. Concurrent writers to the same order
// are serialized; the last committed write wins.
//
// Every accepted status change appends a StatusLog row and a line to the
// order's communication transcript. Terminal orders (Added, NotAdded,
// DeletedByUser) reject all further mutations with ErrTerminalOrder.
//
// Observability: all public methods are OpenTelemetry-instrumented; spans
// include order/user identifiers.
package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

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

// OrderDraft carries the user-editable fields of an order.
type OrderDraft struct {
	Product      string
	Brand        string
	Size         string
	DesiredPrice string
	Comment      string
	Photos       []domain.PhotoEntry
}

// TransitionResult describes the outcome of a status change request.
type TransitionResult struct {
	Order    *domain.Order
	Previous domain.Status
	// Changed is false when the order already had the requested status.
	Changed bool
}

// OrderService enforces the order lifecycle.
type OrderService struct {
	DB          *gorm.DB
	Links       *LinkValidator
	Attachments *AttachmentStore
	// Now is the clock; nil means time.Now.
	Now func() time.Time

	orderLocks keylock.Map[uint]
	userLocks  keylock.Map[int64]
}

// NewOrderService wires an OrderService.
func NewOrderService(db *gorm.DB, links *LinkValidator, attachments *AttachmentStore) *OrderService {
	return &OrderService{DB: db, Links: links, Attachments: attachments}
}

func (s *OrderService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func stamp(t time.Time) string { return t.Format(time.RFC3339) }

// appendLine adds one line to an append-only trail.
func appendLine(trail, line string) string {
	if trail == "" {
		return line
	}
	return trail + "\n" + line
}

func tracer() trace.Tracer { return otel.Tracer("services/OrderService") }

// Create allocates the next display number for userID, stores the order with
// status New and its initial history entry, and persists its attachments.
// It returns the order and its display number.
func (s *OrderService) Create(ctx context.Context, userID int64, d OrderDraft) (*domain.Order, string, error) {
	ctx, span := tracer().Start(ctx, "Create",
		trace.WithAttributes(attribute.Int64("user.id", userID)),
	)
	defer span.End()

	unlock := s.userLocks.Lock(userID)
	defer unlock()

	if _, err := s.backfillLocked(ctx, userID); err != nil {
		return nil, "", err
	}

	now := s.now()
	o := &domain.Order{
		UserID:        userID,
		Status:        domain.StatusNew,
		Product:       d.Product,
		Brand:         d.Brand,
		Size:          d.Size,
		DesiredPrice:  d.DesiredPrice,
		Comment:       d.Comment,
		Photos:        domain.PackPhotoEntries(d.Photos),
		Communication: fmt.Sprintf("%s CREATED by %d", stamp(now), userID),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		last, err := repo.MaxUserOrderNumber(ctx, tx, userID)
		if err != nil {
			return err
		}
		n := last + 1
		o.UserOrderNumber = &n
		if err := repo.CreateOrder(ctx, tx, o); err != nil {
			return err
		}
		return repo.AppendStatusLog(ctx, tx, o.ID, domain.StatusNew, now)
	})
	if err != nil {
		return nil, "", storageErr("create order", err)
	}
	span.SetAttributes(attribute.Int64("order.id", int64(o.ID)))

	s.persistAttachments(ctx, o.ID, d.Photos)
	return o, s.displayNumber(ctx, o), nil
}

// Transition moves an order to status. Added requires a link accepted by
// Links. Requesting the current status is a no-op with Changed=false and no
// history entry.
func (s *OrderService) Transition(ctx context.Context, orderID uint, status domain.Status, link string) (TransitionResult, error) {
	ctx, span := tracer().Start(ctx, "Transition",
		trace.WithAttributes(
			attribute.Int64("order.id", int64(orderID)),
			attribute.String("status", string(status)),
		),
	)
	defer span.End()

	if !status.Valid() {
		return TransitionResult{}, ErrInvalidStatus
	}

	var res TransitionResult
	err := s.mutate(ctx, orderID, func(tx *gorm.DB, o *domain.Order) error {
		var err error
		res, err = s.transitionTx(ctx, tx, o, status, link)
		return err
	})
	return res, err
}

// transitionTx applies a status change to o inside tx. o must be freshly
// loaded under the order lock.
func (s *OrderService) transitionTx(ctx context.Context, tx *gorm.DB, o *domain.Order, status domain.Status, link string) (TransitionResult, error) {
	res := TransitionResult{Order: o, Previous: o.Status}
	if o.Status.Terminal() {
		return res, ErrTerminalOrder
	}
	link = strings.TrimSpace(link)
	if status == domain.StatusAdded {
		if err := s.Links.Validate(link); err != nil {
			return res, err
		}
	} else {
		link = ""
	}
	if o.Status == status {
		return res, nil
	}

	now := s.now()
	o.Status = status
	o.ProductLink = link
	o.Communication = appendLine(o.Communication,
		fmt.Sprintf("%s STATUS_CHANGE %s -> %s", stamp(now), res.Previous, status))
	if err := repo.SaveOrder(ctx, tx, o); err != nil {
		return res, err
	}
	if err := repo.AppendStatusLog(ctx, tx, o.ID, status, now); err != nil {
		return res, err
	}
	res.Changed = true
	return res, nil
}

// mutate loads orderID under its lock inside a transaction and runs fn.
// Repository errors are wrapped as ErrStorage; errors returned by fn that
// already belong to the taxonomy pass through unchanged.
func (s *OrderService) mutate(ctx context.Context, orderID uint, fn func(tx *gorm.DB, o *domain.Order) error) error {
	unlock := s.orderLocks.Lock(orderID)
	defer unlock()

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		o, err := repo.GetOrderForUpdate(ctx, tx, orderID)
		if errors.Is(err, repo.ErrNotFound) {
			return ErrOrderNotFound
		}
		if err != nil {
			return err
		}
		return fn(tx, o)
	})
	if err == nil || isTaxonomy(err) {
		return err
	}
	return storageErr("order mutation", err)
}

func isTaxonomy(err error) bool {
	for _, k := range []error{ErrNotFound, ErrInvalidTransition, ErrValidation, ErrDelivery, ErrStorage} {
		if errors.Is(err, k) {
			return true
		}
	}
	return false
}

// UpdateDetails rewrites the editable fields of a non-terminal order owned
// by actorID and re-persists its attachments.
func (s *OrderService) UpdateDetails(ctx context.Context, orderID uint, actorID int64, d OrderDraft) (*domain.Order, error) {
	ctx, span := tracer().Start(ctx, "UpdateDetails",
		trace.WithAttributes(
			attribute.Int64("order.id", int64(orderID)),
			attribute.Int64("user.id", actorID),
		),
	)
	defer span.End()

	var out *domain.Order
	err := s.mutate(ctx, orderID, func(tx *gorm.DB, o *domain.Order) error {
		if o.UserID != actorID {
			return ErrNotOwner
		}
		if o.Status.Terminal() {
			return ErrTerminalOrder
		}
		o.Product = d.Product
		o.Brand = d.Brand
		o.Size = d.Size
		o.DesiredPrice = d.DesiredPrice
		o.Comment = d.Comment
		o.Photos = domain.PackPhotoEntries(d.Photos)
		o.Communication = appendLine(o.Communication,
			fmt.Sprintf("%s USER_EDIT %d", stamp(s.now()), actorID))
		out = o
		return repo.SaveOrder(ctx, tx, o)
	})
	if err != nil {
		return nil, err
	}
	s.persistAttachments(ctx, orderID, d.Photos)
	return out, nil
}

// AppendUserComment records free text from the order owner.
func (s *OrderService) AppendUserComment(ctx context.Context, orderID uint, userID int64, text string) (*domain.Order, error) {
	ctx, span := tracer().Start(ctx, "AppendUserComment",
		trace.WithAttributes(attribute.Int64("order.id", int64(orderID))),
	)
	defer span.End()

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}
	var out *domain.Order
	err := s.mutate(ctx, orderID, func(tx *gorm.DB, o *domain.Order) error {
		if err := ownedLive(o, userID); err != nil {
			return err
		}
		s.addUserComment(o, userID, text)
		out = o
		return repo.SaveOrder(ctx, tx, o)
	})
	return out, err
}

func (s *OrderService) addUserComment(o *domain.Order, userID int64, text string) {
	ts := stamp(s.now())
	o.Communication = appendLine(o.Communication, fmt.Sprintf("%s USER_COMMENT: %s", ts, text))
	o.UserComments = appendLine(o.UserComments, fmt.Sprintf("%s USER(%d): %s", ts, userID, text))
}

func ownedLive(o *domain.Order, userID int64) error {
	if o.UserID != userID {
		return ErrNotOwner
	}
	if o.Status.Terminal() {
		return ErrTerminalOrder
	}
	return nil
}

// AskQuestion records an admin question on the transcript, moves the order
// to Clarify and audits the action. The returned order identifies the user
// to notify.
func (s *OrderService) AskQuestion(ctx context.Context, orderID uint, adminID int64, text string) (*domain.Order, error) {
	ctx, span := tracer().Start(ctx, "AskQuestion",
		trace.WithAttributes(
			attribute.Int64("order.id", int64(orderID)),
			attribute.Int64("admin.id", adminID),
		),
	)
	defer span.End()

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}
	var out *domain.Order
	err := s.mutate(ctx, orderID, func(tx *gorm.DB, o *domain.Order) error {
		if o.Status.Terminal() {
			return ErrTerminalOrder
		}
		o.Communication = appendLine(o.Communication,
			fmt.Sprintf("%s ADMIN_QUESTION: %s", stamp(s.now()), text))
		res, err := s.transitionTx(ctx, tx, o, domain.StatusClarify, "")
		if err != nil {
			return err
		}
		if !res.Changed {
			// Already in Clarify: the transcript line still has to land.
			if err := repo.SaveOrder(ctx, tx, o); err != nil {
				return err
			}
		}
		out = o
		return repo.CreateAdminAction(ctx, tx, adminID, "question", fmt.Sprintf("order=%d", orderID))
	})
	return out, err
}

// SubmitAnswer stores the owner's reply and moves the order to
// AnswerReceived in one transaction.
func (s *OrderService) SubmitAnswer(ctx context.Context, orderID uint, userID int64, text string) (*domain.Order, error) {
	ctx, span := tracer().Start(ctx, "SubmitAnswer",
		trace.WithAttributes(
			attribute.Int64("order.id", int64(orderID)),
			attribute.Int64("user.id", userID),
		),
	)
	defer span.End()

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}
	var out *domain.Order
	err := s.mutate(ctx, orderID, func(tx *gorm.DB, o *domain.Order) error {
		if err := ownedLive(o, userID); err != nil {
			return err
		}
		s.addUserComment(o, userID, text)
		res, err := s.transitionTx(ctx, tx, o, domain.StatusAnswerReceived, "")
		if err != nil {
			return err
		}
		if !res.Changed {
			if err := repo.SaveOrder(ctx, tx, o); err != nil {
				return err
			}
		}
		out = o
		return nil
	})
	return out, err
}

// MarkDeletedByUser moves a non-terminal order owned by userID to
// DeletedByUser.
func (s *OrderService) MarkDeletedByUser(ctx context.Context, orderID uint, userID int64) error {
	ctx, span := tracer().Start(ctx, "MarkDeletedByUser",
		trace.WithAttributes(
			attribute.Int64("order.id", int64(orderID)),
			attribute.Int64("user.id", userID),
		),
	)
	defer span.End()

	return s.mutate(ctx, orderID, func(tx *gorm.DB, o *domain.Order) error {
		if err := ownedLive(o, userID); err != nil {
			return err
		}
		o.InternalComments = appendLine(o.InternalComments,
			fmt.Sprintf("%s Deleted by user %d", stamp(s.now()), userID))
		_, err := s.transitionTx(ctx, tx, o, domain.StatusDeletedByUser, "")
		return err
	})
}

// Get loads an order.
func (s *OrderService) Get(ctx context.Context, orderID uint) (*domain.Order, error) {
	o, err := repo.GetOrder(ctx, s.DB, orderID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, storageErr("get order", err)
	}
	return o, nil
}

// GetOwned loads an order only if it belongs to userID.
func (s *OrderService) GetOwned(ctx context.Context, orderID uint, userID int64) (*domain.Order, error) {
	o, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, ErrNotOwner
	}
	return o, nil
}

// ListByUser returns the user's orders newest first, numbering any legacy
// order first and restoring missing attachment files.
func (s *OrderService) ListByUser(ctx context.Context, userID int64) ([]domain.Order, error) {
	ctx, span := tracer().Start(ctx, "ListByUser",
		trace.WithAttributes(attribute.Int64("user.id", userID)),
	)
	defer span.End()

	if _, err := s.BackfillNumbers(ctx, userID); err != nil {
		return nil, err
	}
	orders, err := repo.ListOrdersByUser(ctx, s.DB, userID)
	if err != nil {
		return nil, storageErr("list orders", err)
	}
	for i := range orders {
		s.restoreAttachments(ctx, orders[i].ID)
	}
	return orders, nil
}

// PendingClarification returns the user's oldest order awaiting an answer.
func (s *OrderService) PendingClarification(ctx context.Context, userID int64) (*domain.Order, error) {
	o, err := repo.FirstOrderWithStatus(ctx, s.DB, userID, domain.StatusClarify)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, storageErr("pending clarification", err)
	}
	return o, nil
}

// StatusHistory returns the status log of an order in chronological order.
func (s *OrderService) StatusHistory(ctx context.Context, orderID uint) ([]domain.StatusLog, error) {
	if _, err := s.Get(ctx, orderID); err != nil {
		return nil, err
	}
	logs, err := repo.ListStatusLogs(ctx, s.DB, orderID)
	if err != nil {
		return nil, storageErr("status history", err)
	}
	return logs, nil
}

// BackfillNumbers numbers the user's orders that predate numbering, in
// creation order, continuing after the current maximum.
func (s *OrderService) BackfillNumbers(ctx context.Context, userID int64) (int, error) {
	unlock := s.userLocks.Lock(userID)
	defer unlock()
	return s.backfillLocked(ctx, userID)
}

func (s *OrderService) backfillLocked(ctx context.Context, userID int64) (int, error) {
	assigned := 0
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		missing, err := repo.ListOrdersMissingNumber(ctx, tx, userID)
		if err != nil || len(missing) == 0 {
			return err
		}
		last, err := repo.MaxUserOrderNumber(ctx, tx, userID)
		if err != nil {
			return err
		}
		for _, o := range missing {
			last++
			ok, err := repo.SetUserOrderNumber(ctx, tx, o.ID, last)
			if err != nil {
				return err
			}
			if ok {
				assigned++
			}
		}
		return nil
	})
	if err != nil {
		return 0, storageErr("backfill numbers", err)
	}
	return assigned, nil
}

// DisplayNumber renders "{public_id}-{seq}" for o, numbering it first when
// it has no sequence yet.
func (s *OrderService) DisplayNumber(ctx context.Context, o *domain.Order) string {
	if o.UserOrderNumber == nil {
		if _, err := s.BackfillNumbers(ctx, o.UserID); err == nil {
			if fresh, err := repo.GetOrder(ctx, s.DB, o.ID); err == nil {
				o.UserOrderNumber = fresh.UserOrderNumber
			}
		}
	}
	return s.displayNumber(ctx, o)
}

func (s *OrderService) displayNumber(ctx context.Context, o *domain.Order) string {
	public := strconv.FormatInt(o.UserID, 10)
	if u, err := repo.GetUser(ctx, s.DB, o.UserID); err == nil && u.PublicID != nil {
		public = *u.PublicID
	}
	seq := 0
	if o.UserOrderNumber != nil {
		seq = *o.UserOrderNumber
	}
	return domain.DisplayNumber(public, seq)
}

func (s *OrderService) persistAttachments(ctx context.Context, orderID uint, photos []domain.PhotoEntry) {
	if s.Attachments == nil {
		return
	}
	if err := s.Attachments.Persist(ctx, orderID, domain.LocalPaths(photos)); err != nil {
		// The order row is committed; the startup sweep retries.
		log.Warn().Err(err).Uint("order_id", orderID).Msg("orders: persist attachments failed")
	}
}

func (s *OrderService) restoreAttachments(ctx context.Context, orderID uint) {
	if s.Attachments == nil {
		return
	}
	if _, err := s.Attachments.Restore(ctx, orderID); err != nil {
		log.Warn().Err(err).Uint("order_id", orderID).Msg("orders: restore attachments failed")
	}
}
