package integration

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Poster delivers a posting to the accounting service.
type Poster interface {
	Post(ctx context.Context, posting Posting) error
}

// OutboxPoster stores postings for the accounting service to pick up. A
// source already stored is ignored so retried tasks do not double post.
type OutboxPoster struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewOutboxPoster constructs OutboxPoster.
func NewOutboxPoster(pool *pgxpool.Pool, logger *slog.Logger) *OutboxPoster {
	if logger == nil {
		logger = slog.Default()
	}
	return &OutboxPoster{pool: pool, logger: logger}
}

// Post implements Poster.
func (p *OutboxPoster) Post(ctx context.Context, posting Posting) error {
	if err := posting.Validate(); err != nil {
		return err
	}
	lines, err := json.Marshal(posting.Lines)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, `INSERT INTO accounting_postings (source_module, source_id, posting_date, memo, lines)
		VALUES ($1, $2, $3, $4, $5) ON CONFLICT (source_id) DO NOTHING`,
		posting.SourceModule, posting.SourceID, posting.Date, posting.Memo, lines)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		p.logger.Info("posting already stored", slog.String("source_id", posting.SourceID.String()))
	}
	return nil
}
