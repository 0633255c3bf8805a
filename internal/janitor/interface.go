package janitor

import (
	"context"
	"time"

	"github.com/mattjoyce/querygate/internal/history"
	"github.com/mattjoyce/querygate/internal/session"
)

//go:generate mockgen -destination=mocks/mock_history.go -package=mocks github.com/mattjoyce/querygate/internal/janitor HistoryService

// HistoryService defines the history operations used by the janitor.
type HistoryService interface {
	FindByStatus(ctx context.Context, status session.State) ([]*history.Record, error)
	Complete(ctx context.Context, id string, c history.Completion) error
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}
