package metrics

import (
	"context"
	"errors"

	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/domain"
)

// ErrorKind maps a per-source failure to a low-cardinality label value.
func ErrorKind(err error) string {
	var (
		fetchErr *domain.FetchError
		emptyErr *domain.EmptySourceError
		mergeErr *domain.MergeError
	)
	switch {
	case err == nil:
		return "none"
	case errors.As(err, &fetchErr):
		return "fetch"
	case errors.As(err, &emptyErr):
		return "empty"
	case errors.As(err, &mergeErr):
		return "merge"
	case errors.Is(err, domain.ErrUnknownSource):
		return "unknown_source"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "read"
	}
}
