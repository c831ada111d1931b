package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-sourcing-bot/internal/domain"
)

func intPtr(n int) *int { return &n }

func TestCreateOrder_DefaultsAndGet(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()

	o := &domain.Order{UserID: 5, Product: "Air Max"}
	if err := CreateOrder(ctx, db, o); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if o.ID == 0 || o.Status != domain.StatusNew || o.CreatedAt.IsZero() || o.UpdatedAt.Before(o.CreatedAt) {
		t.Fatalf("unexpected defaults: %+v", o)
	}
	got, err := GetOrder(ctx, db, o.ID)
	if err != nil || got.Product != "Air Max" {
		t.Fatalf("GetOrder = %+v, %v", got, err)
	}
	if _, err := GetOrder(ctx, db, o.ID+100); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveOrder_BumpsUpdatedAt(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	o := &domain.Order{UserID: 1, Product: "x", CreatedAt: past, UpdatedAt: past}
	if err := CreateOrder(ctx, db, o); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	o.Brand = "Nike"
	if err := SaveOrder(ctx, db, o); err != nil {
		t.Fatalf("SaveOrder: %v", err)
	}
	got, _ := GetOrder(ctx, db, o.ID)
	if got.Brand != "Nike" || !got.UpdatedAt.After(past) {
		t.Fatalf("save not applied: %+v", got)
	}
}

func TestGetOrderForUpdate_SQLiteWithinTx(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	o := &domain.Order{UserID: 1}
	if err := CreateOrder(ctx, db, o); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	err := db.Transaction(func(tx *gorm.DB) error {
		got, err := GetOrderForUpdate(ctx, tx, o.ID)
		if err != nil {
			return err
		}
		if got.ID != o.ID {
			t.Fatalf("wrong order: %+v", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func TestListOrders_OrderingAndExclusion(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	seed := []domain.Order{
		{UserID: 1, Status: domain.StatusNew, CreatedAt: base},
		{UserID: 1, Status: domain.StatusAdded, CreatedAt: base.Add(time.Hour)},
		{UserID: 2, Status: domain.StatusNotAdded, CreatedAt: base.Add(2 * time.Hour)},
		{UserID: 1, Status: domain.StatusClarify, CreatedAt: base.Add(3 * time.Hour)},
	}
	for i := range seed {
		if err := CreateOrder(ctx, db, &seed[i]); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	all, err := ListOrders(ctx, db)
	if err != nil || len(all) != 4 || all[0].ID != seed[0].ID || all[3].ID != seed[3].ID {
		t.Fatalf("ListOrders = %+v, %v", all, err)
	}
	work, err := ListOrders(ctx, db, domain.StatusAdded, domain.StatusNotAdded)
	if err != nil || len(work) != 2 {
		t.Fatalf("working list = %+v, %v", work, err)
	}

	mine, err := ListOrdersByUser(ctx, db, 1)
	if err != nil || len(mine) != 3 || mine[0].ID != seed[3].ID {
		t.Fatalf("ListOrdersByUser should be newest first: %+v, %v", mine, err)
	}

	ids, err := ListOrderIDs(ctx, db)
	if err != nil || len(ids) != 4 || ids[0] >= ids[3] {
		t.Fatalf("ListOrderIDs = %v, %v", ids, err)
	}

	byID, err := OrdersByIDs(ctx, db, []uint{seed[0].ID, 9999})
	if err != nil || len(byID) != 1 || byID[seed[0].ID].Status != domain.StatusNew {
		t.Fatalf("OrdersByIDs = %v, %v", byID, err)
	}

	clar, err := FirstOrderWithStatus(ctx, db, 1, domain.StatusClarify)
	if err != nil || clar.ID != seed[3].ID {
		t.Fatalf("FirstOrderWithStatus = %+v, %v", clar, err)
	}
	if _, err := FirstOrderWithStatus(ctx, db, 2, domain.StatusClarify); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUserOrderNumbers(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()

	if n, err := MaxUserOrderNumber(ctx, db, 1); err != nil || n != 0 {
		t.Fatalf("empty max = %d, %v", n, err)
	}
	a := &domain.Order{UserID: 1, UserOrderNumber: intPtr(3)}
	b := &domain.Order{UserID: 1}
	c := &domain.Order{UserID: 2, UserOrderNumber: intPtr(9)}
	for _, o := range []*domain.Order{a, b, c} {
		if err := CreateOrder(ctx, db, o); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	if n, _ := MaxUserOrderNumber(ctx, db, 1); n != 3 {
		t.Fatalf("max for user 1 = %d, want 3", n)
	}
	missing, err := ListOrdersMissingNumber(ctx, db, 1)
	if err != nil || len(missing) != 1 || missing[0].ID != b.ID {
		t.Fatalf("missing = %+v, %v", missing, err)
	}
	if ok, err := SetUserOrderNumber(ctx, db, b.ID, 4); !ok || err != nil {
		t.Fatalf("SetUserOrderNumber: %v %v", ok, err)
	}
	if ok, _ := SetUserOrderNumber(ctx, db, b.ID, 5); ok {
		t.Fatalf("assigned number must be stable")
	}
	got, _ := GetOrder(ctx, db, b.ID)
	if got.UserOrderNumber == nil || *got.UserOrderNumber != 4 {
		t.Fatalf("number = %v", got.UserOrderNumber)
	}
}

func TestStatusLogs_AppendAndList(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	t0 := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	if err := AppendStatusLog(ctx, db, 1, domain.StatusNew, t0); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := AppendStatusLog(ctx, db, 1, domain.StatusInQueue, t0.Add(time.Minute)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := AppendStatusLog(ctx, db, 2, domain.StatusNew, t0); err != nil {
		t.Fatalf("append: %v", err)
	}
	logs, err := ListStatusLogs(ctx, db, 1)
	if err != nil || len(logs) != 2 || logs[0].Status != domain.StatusNew || logs[1].Status != domain.StatusInQueue {
		t.Fatalf("ListStatusLogs = %+v, %v", logs, err)
	}
}
