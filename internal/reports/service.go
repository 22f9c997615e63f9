package reports

import "context"

// Service fronts the reporting repository with the holdings cache.
type Service struct {
	repo  *Repository
	cache *HoldingsCache
}

// NewService wires the reporting service. cache may be nil.
func NewService(repo *Repository, cache *HoldingsCache) *Service {
	return &Service{repo: repo, cache: cache}
}

// EmployeeHoldings serves the holdings view, cached when a cache is wired.
func (s *Service) EmployeeHoldings(ctx context.Context, employeeID int64) ([]Holding, error) {
	return s.cache.FetchHoldings(ctx, employeeID, func(ctx context.Context) ([]Holding, error) {
		return s.repo.EmployeeHoldings(ctx, employeeID)
	})
}

// RecentMovements serves the movement feed straight from the database.
func (s *Service) RecentMovements(ctx context.Context, limit int) ([]MovementEntry, error) {
	return s.repo.RecentMovements(ctx, limit)
}

// Exceptions serves the issued-without-return report.
func (s *Service) Exceptions(ctx context.Context, filter ExceptionFilter) ([]ExceptionEntry, error) {
	return s.repo.Exceptions(ctx, filter)
}
