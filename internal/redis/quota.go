package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/tlammers/skyfeed/internal/domain"
	"github.com/tlammers/skyfeed/internal/metrics"
)

func quotaKey(principal domain.Principal) string {
	return "quota:" + principal.ID
}

// QuotaService enforces a fleet-wide windowed operation budget per
// principal via a check-and-increment Lua script.
type QuotaService struct {
	scripts *ScriptRunner
	limit   int
	window  time.Duration
}

func NewQuotaService(rdb *goredis.Client, limit int, window time.Duration) *QuotaService {
	return &QuotaService{scripts: NewScriptRunner(rdb), limit: limit, window: window}
}

// Allow charges cost against the principal's window. Returns
// domain.ErrQuotaExceeded when over budget.
func (q *QuotaService) Allow(ctx context.Context, principal domain.Principal, cost int) error {
	ok, err := q.scripts.CheckQuota(ctx, quotaKey(principal), cost, q.window.Milliseconds(), q.limit)
	if err != nil {
		// Quota enforcement is advisory: a broken counter must not take
		// down the gateway, so the operation is allowed through.
		slog.Warn("Quota check failed, allowing operation", "principal", principal.ID, "error", err)
		return nil
	}
	if !ok {
		metrics.QuotaRejections.Inc()
		return fmt.Errorf("principal %s: %w", principal.ID, domain.ErrQuotaExceeded)
	}
	return nil
}

// NoopQuota allows everything. Used when QUOTA_LIMIT is unset.
type NoopQuota struct{}

func (NoopQuota) Allow(context.Context, domain.Principal, int) error { return nil }
