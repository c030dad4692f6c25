package projection

import (
	"github.com/lirancohen/evcore/event"
	"github.com/lirancohen/evcore/project"
)

// Unified holds the four unified read models.
type Unified struct {
	Analysis     *FeedProjection[*project.AnalysisView]
	Portfolio    *FeedProjection[*project.PortfolioView]
	Trading      *FeedProjection[*project.TradingView]
	SystemHealth *FeedProjection[*project.SystemHealthView]
}

// NewUnified creates the unified read models over reader.
// pageSize <= 0 uses DefaultPageSize.
func NewUnified(reader event.FeedReader, pageSize int) (*Unified, error) {
	if pageSize < 0 {
		pageSize = 0
	}
	var (
		u   Unified
		err error
	)
	u.Analysis, err = NewFeedProjection(FeedConfig[*project.AnalysisView]{
		Name: project.UnifiedAnalysis, Reader: reader, New: project.NewAnalysisView, PageSize: pageSize,
	})
	if err != nil {
		return nil, err
	}
	u.Portfolio, err = NewFeedProjection(FeedConfig[*project.PortfolioView]{
		Name: project.UnifiedPortfolio, Reader: reader, New: project.NewPortfolioView, PageSize: pageSize,
	})
	if err != nil {
		return nil, err
	}
	u.Trading, err = NewFeedProjection(FeedConfig[*project.TradingView]{
		Name: project.UnifiedTrading, Reader: reader, New: project.NewTradingView, PageSize: pageSize,
	})
	if err != nil {
		return nil, err
	}
	u.SystemHealth, err = NewFeedProjection(FeedConfig[*project.SystemHealthView]{
		Name: project.UnifiedSystemHealth, Reader: reader, New: project.NewSystemHealthView, PageSize: pageSize,
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// All returns the projections in name order.
func (u *Unified) All() []Projection {
	return []Projection{u.Analysis, u.Portfolio, u.SystemHealth, u.Trading}
}
