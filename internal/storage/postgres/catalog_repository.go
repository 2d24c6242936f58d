package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/pps/internal/domain"
)

// catalogRepository читает справочники users и packages, которыми владеет CRUD-слой.
type catalogRepository struct {
	db *sql.DB
}

// NewCatalogRepository создаёт PostgreSQL-реализацию CatalogRepository.
func NewCatalogRepository(store *Store) domain.CatalogRepository {
	return &catalogRepository{db: store.DB()}
}

func (r *catalogRepository) GetUser(ctx context.Context, id string) (domain.User, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var user domain.User
	err := r.db.QueryRowContext(ctx, `
		SELECT id, token_id, msisdn
		FROM users
		WHERE id = $1
	`, id).Scan(&user.ID, &user.TokenID, &user.MSISDN)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.User{}, domain.ErrUserNotFound
		}
		return domain.User{}, fmt.Errorf("select user: %w", err)
	}
	return user, nil
}

func (r *catalogRepository) GetPackage(ctx context.Context, id string) (domain.Package, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var pkg domain.Package
	err := r.db.QueryRowContext(ctx, `
		SELECT id, package_name, pvr_code, keyword, discount_price, normal_price
		FROM packages
		WHERE id = $1
	`, id).Scan(&pkg.ID, &pkg.Name, &pkg.OfferCode, &pkg.Keyword, &pkg.DiscountPrice, &pkg.NormalPrice)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Package{}, domain.ErrPackageNotFound
		}
		return domain.Package{}, fmt.Errorf("select package: %w", err)
	}
	return pkg, nil
}

var _ domain.CatalogRepository = (*catalogRepository)(nil)
