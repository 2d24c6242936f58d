package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/vladislavdragonenkov/pps/internal/domain"
	"github.com/vladislavdragonenkov/pps/internal/storage/memory"
)

func TestCatalogRepository_LoadCatalog(t *testing.T) {
	catalog := memory.NewCatalogRepository()

	users, packages, err := catalog.LoadCatalog([]byte(`{
		"users": [{"id": "user-1", "token_id": "tok-1", "msisdn": "85712345678"}],
		"packages": [
			{"id": "pkg-1", "package_name": "Freedom 10GB", "pvr_code": "PVR-$MSISDN$", "keyword": "F10", "discount_price": 25000, "normal_price": 30000},
			{"package_name": "Freedom 5GB", "pvr_code": "PVR5", "keyword": "F5", "discount_price": 10000, "normal_price": 15000}
		]
	}`))
	if err != nil {
		t.Fatalf("load catalog failed: %v", err)
	}
	if users != 1 || packages != 2 {
		t.Fatalf("unexpected counts: users=%d packages=%d", users, packages)
	}

	ctx := context.Background()
	user, err := catalog.GetUser(ctx, "user-1")
	if err != nil || user.TokenID != "tok-1" {
		t.Fatalf("unexpected user %+v, err %v", user, err)
	}
	pkg, err := catalog.GetPackage(ctx, "PVR5")
	if err != nil || pkg.NormalPrice != 15000 {
		t.Fatalf("package without id must be keyed by pvr_code: %+v, err %v", pkg, err)
	}

	if _, err := catalog.GetUser(ctx, "missing"); !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if _, err := catalog.GetPackage(ctx, "missing"); !errors.Is(err, domain.ErrPackageNotFound) {
		t.Fatalf("expected ErrPackageNotFound, got %v", err)
	}
}

func TestCatalogRepository_LoadCatalogInvalid(t *testing.T) {
	catalog := memory.NewCatalogRepository()
	if _, _, err := catalog.LoadCatalog([]byte(`{"users": [{"token_id": "x"}]}`)); err == nil {
		t.Fatal("expected error for user without id")
	}
	if _, _, err := catalog.LoadCatalog([]byte(`not json`)); err == nil {
		t.Fatal("expected decode error")
	}
}
