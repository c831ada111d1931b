package repo

import (
	"context"
	"testing"
	"time"

	"github.com/tbourn/go-sourcing-bot/internal/domain"
)

func seedStatsOrders(t *testing.T, now time.Time) []domain.Order {
	t.Helper()
	old := now.Add(-30 * 24 * time.Hour)
	return []domain.Order{
		{UserID: 1, Status: domain.StatusNew, Brand: "Nike", CreatedAt: now, UpdatedAt: now},
		{UserID: 1, Status: domain.StatusAdded, Brand: "Nike", CreatedAt: old, UpdatedAt: old},
		{UserID: 2, Status: domain.StatusClarify, Brand: "Adidas", CreatedAt: now, UpdatedAt: now},
		{UserID: 2, Status: domain.StatusNew, Brand: "-", CreatedAt: old, UpdatedAt: old},
		{UserID: 3, Status: domain.StatusNew, Brand: "Puma", CreatedAt: now, UpdatedAt: now},
		{UserID: 3, Status: domain.StatusNew, Brand: "", CreatedAt: now, UpdatedAt: now},
		{UserID: 3, Status: domain.StatusNew, Brand: "Adidas", CreatedAt: now, UpdatedAt: now},
		{UserID: 3, Status: domain.StatusNew, Brand: "Asics", CreatedAt: now, UpdatedAt: now},
	}
}

func TestStats_NoTable(t *testing.T) {
	db := newRepoDB(t)
	if err := db.Migrator().DropTable(&domain.Order{}); err != nil {
		t.Fatalf("drop: %v", err)
	}
	ctx := context.Background()
	if _, err := CountOrders(ctx, db); err == nil {
		t.Fatalf("expected error from CountOrders")
	}
	if _, err := CountOrdersByStatus(ctx, db); err == nil {
		t.Fatalf("expected error from CountOrdersByStatus")
	}
	if _, err := TopBrands(ctx, db, 3); err == nil {
		t.Fatalf("expected error from TopBrands")
	}
}

func TestStats_Aggregates(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	rows := seedStatsOrders(t, now)
	if err := db.Create(&rows).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	total, err := CountOrders(ctx, db)
	if err != nil || total != 8 {
		t.Fatalf("CountOrders = %d, %v", total, err)
	}
	week, err := CountOrdersSince(ctx, db, now.Add(-7*24*time.Hour))
	if err != nil || week != 6 {
		t.Fatalf("CountOrdersSince = %d, %v", week, err)
	}
	users, err := CountDistinctOrderUsers(ctx, db)
	if err != nil || users != 3 {
		t.Fatalf("CountDistinctOrderUsers = %d, %v", users, err)
	}

	by, err := CountOrdersByStatus(ctx, db)
	if err != nil {
		t.Fatalf("CountOrdersByStatus: %v", err)
	}
	if by[domain.StatusNew] != 6 || by[domain.StatusAdded] != 1 || by[domain.StatusClarify] != 1 {
		t.Fatalf("unexpected by-status: %+v", by)
	}
	if _, ok := by[domain.StatusNotAdded]; ok {
		t.Fatalf("empty statuses must be absent")
	}

	top, err := TopBrands(ctx, db, 3)
	if err != nil {
		t.Fatalf("TopBrands: %v", err)
	}
	// Adidas 2, Nike 2 (alphabetical tie-break), then Asics before Puma.
	want := []domain.BrandCount{{Brand: "Adidas", Count: 2}, {Brand: "Nike", Count: 2}, {Brand: "Asics", Count: 1}}
	if len(top) != len(want) {
		t.Fatalf("TopBrands len = %d, want %d (%+v)", len(top), len(want), top)
	}
	for i := range want {
		if top[i] != want[i] {
			t.Fatalf("TopBrands[%d] = %+v, want %+v", i, top[i], want[i])
		}
	}
}

func TestStats_Empty(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()
	if n, err := CountDistinctOrderUsers(ctx, db); err != nil || n != 0 {
		t.Fatalf("expected 0 users, got %d, %v", n, err)
	}
	top, err := TopBrands(ctx, db, 3)
	if err != nil || len(top) != 0 {
		t.Fatalf("expected no brands, got %+v, %v", top, err)
	}
}
