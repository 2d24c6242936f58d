package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/vladislavdragonenkov/pps/internal/domain"
)

// catalogRepositoryInMemory хранит справочник пользователей и пакетов.
type catalogRepositoryInMemory struct {
	mu       sync.RWMutex
	users    map[string]domain.User
	packages map[string]domain.Package
}

// NewCatalogRepository создаёт пустой in-memory справочник.
func NewCatalogRepository() *catalogRepositoryInMemory {
	return &catalogRepositoryInMemory{
		users:    make(map[string]domain.User),
		packages: make(map[string]domain.Package),
	}
}

// PutUser добавляет или заменяет пользователя.
func (r *catalogRepositoryInMemory) PutUser(user domain.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[user.ID] = user
}

// PutPackage добавляет или заменяет пакет.
func (r *catalogRepositoryInMemory) PutPackage(pkg domain.Package) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packages[pkg.ID] = pkg
}

func (r *catalogRepositoryInMemory) GetUser(_ context.Context, id string) (domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.users[id]
	if !ok {
		return domain.User{}, domain.ErrUserNotFound
	}
	return user, nil
}

func (r *catalogRepositoryInMemory) GetPackage(_ context.Context, id string) (domain.Package, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pkg, ok := r.packages[id]
	if !ok {
		return domain.Package{}, domain.ErrPackageNotFound
	}
	return pkg, nil
}

// catalogFile — формат JSON-файла со справочником.
type catalogFile struct {
	Users []struct {
		ID      string `json:"id"`
		TokenID string `json:"token_id"`
		MSISDN  string `json:"msisdn"`
	} `json:"users"`
	Packages []struct {
		ID            string `json:"id"`
		PackageName   string `json:"package_name"`
		PvrCode       string `json:"pvr_code"`
		Keyword       string `json:"keyword"`
		DiscountPrice int64  `json:"discount_price"`
		NormalPrice   int64  `json:"normal_price"`
	} `json:"packages"`
}

// LoadCatalog читает справочник из JSON. Пакеты без id получают id по pvr_code.
func (r *catalogRepositoryInMemory) LoadCatalog(data []byte) (users, packages int, err error) {
	var file catalogFile
	if err := json.Unmarshal(data, &file); err != nil {
		return 0, 0, fmt.Errorf("decode catalog: %w", err)
	}

	for _, u := range file.Users {
		if u.ID == "" {
			return 0, 0, fmt.Errorf("catalog user without id: %w", domain.ErrUserIDRequired)
		}
		r.PutUser(domain.User{ID: u.ID, TokenID: u.TokenID, MSISDN: u.MSISDN})
	}
	for _, p := range file.Packages {
		id := p.ID
		if id == "" {
			id = p.PvrCode
		}
		if id == "" {
			return 0, 0, fmt.Errorf("catalog package without id and pvr_code: %w", domain.ErrPackageIDRequired)
		}
		r.PutPackage(domain.Package{
			ID:            id,
			Name:          p.PackageName,
			OfferCode:     p.PvrCode,
			Keyword:       p.Keyword,
			DiscountPrice: p.DiscountPrice,
			NormalPrice:   p.NormalPrice,
		})
	}
	return len(file.Users), len(file.Packages), nil
}

// LoadCatalogFile читает справочник из файла.
func (r *catalogRepositoryInMemory) LoadCatalogFile(path string) (users, packages int, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("read catalog file: %w", err)
	}
	return r.LoadCatalog(data)
}

var _ domain.CatalogRepository = (*catalogRepositoryInMemory)(nil)
