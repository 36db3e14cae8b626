package httpapi

import (
	"context"

	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/domain"
	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/services/reload"
)

// Querier answers membership probes.
type Querier interface {
	Query(raw string) (domain.QueryResult, error)
}

// Catalog reports source state and the rules each source contributes.
type Catalog interface {
	Diagnostics() reload.Diagnostics
	Rules(sourceID string) ([]domain.Entry, error)
}

// Ingestor imports ad-hoc lists and refreshes configured sources.
type Ingestor interface {
	Import(ctx context.Context, sourceID string, format domain.FormatHint, text string) (reload.Report, error)
	RefreshAll(ctx context.Context) (reload.Report, error)
}

// Configurator replaces the configured source list.
type Configurator interface {
	Reconfigure(ctx context.Context, specs []domain.SourceSpec) error
}
