package cache

import (
	"context"

	"github.com/jonwraymond/querycache/health"
)

// NoCacheSupervisor is the Supervisor used when caching is disabled. Every
// method returns its input unchanged; entities are fetched directly.
type NoCacheSupervisor struct{}

// NewNoCacheSupervisor creates a new no-op supervisor.
func NewNoCacheSupervisor() *NoCacheSupervisor {
	return &NoCacheSupervisor{}
}

// AnalyseFormula returns f.
func (s *NoCacheSupervisor) AnalyseFormula(_ context.Context, _ Session, _ string, f Formula) Formula {
	return f
}

// AnalyseSorter returns sorter.
func (s *NoCacheSupervisor) AnalyseSorter(_ context.Context, _ Session, _ string, sorter Sorter) Sorter {
	return sorter
}

// AnalyseExtraResult returns c.
func (s *NoCacheSupervisor) AnalyseExtraResult(_ context.Context, _ Session, _ string, c ExtraResultComputer) ExtraResultComputer {
	return c
}

// AnalyseEntity fetches the entity directly.
func (s *NoCacheSupervisor) AnalyseEntity(ctx context.Context, _ Session, req EntityRequest) (Entity, error) {
	return fetchEntity(ctx, req)
}

// AnalyseBinaryEntity fetches the entity directly.
func (s *NoCacheSupervisor) AnalyseBinaryEntity(ctx context.Context, _ Session, req EntityRequest) (Entity, error) {
	return fetchEntity(ctx, req)
}

// Usage reports a disabled cache.
func (s *NoCacheSupervisor) Usage() health.Usage {
	return health.Usage{Disabled: true}
}

// Close is a no-op.
func (s *NoCacheSupervisor) Close(context.Context) error {
	return nil
}

var _ Supervisor = (*NoCacheSupervisor)(nil)
