package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/stockroom/stockroom/internal/inventory"
	jobmetrics "github.com/stockroom/stockroom/internal/jobs"
)

const (
	defaultAuditPage    = 200
	auditProductTimeout = 20 * time.Second
	auditParallelism    = 4
)

// LedgerVerifier replays product ledgers.
type LedgerVerifier interface {
	ProductRefs(ctx context.Context, afterID int64, limit int) ([]inventory.ProductRef, error)
	VerifyLedger(ctx context.Context, tenantID, productID int64) (inventory.LedgerReport, error)
}

// AuditResult summarises one audit run.
type AuditResult struct {
	Checked int
	Broken  []inventory.LedgerReport
}

// LedgerAuditJob checks that every product's movements replay to its live stock.
type LedgerAuditJob struct {
	Ledger  LedgerVerifier
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewLedgerAuditJob wires dependencies for the audit handler.
func NewLedgerAuditJob(ledger LedgerVerifier, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerAuditJob {
	return &LedgerAuditJob{Ledger: ledger, Logger: logger, Metrics: metrics}
}

// Handle processes TaskLedgerAudit tasks.
func (j *LedgerAuditJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Ledger == nil {
		return errors.New("ledger audit: handler not configured")
	}
	var payload LedgerAuditPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := j.Metrics.Track(TaskLedgerAudit)
	_, err := j.Run(ctx, payload.PageSize)
	return tracker.End(err)
}

// Run pages through live products by id and verifies each ledger. Broken
// ledgers are reported, not repaired.
func (j *LedgerAuditJob) Run(ctx context.Context, pageSize int) (AuditResult, error) {
	if pageSize <= 0 {
		pageSize = defaultAuditPage
	}
	logger := jobLogger(j.Logger, TaskLedgerAudit)
	start := time.Now()
	var (
		result  AuditResult
		mu      sync.Mutex
		afterID int64
	)
	for {
		refs, err := j.Ledger.ProductRefs(ctx, afterID, pageSize)
		if err != nil {
			logger.Error("load product page", slog.Int64("after_id", afterID), slog.Any("error", err))
			return result, err
		}
		if len(refs) == 0 {
			break
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(auditParallelism)
		for _, ref := range refs {
			g.Go(func() error {
				pctx, cancel := context.WithTimeout(gctx, auditProductTimeout)
				defer cancel()
				report, err := j.Ledger.VerifyLedger(pctx, ref.TenantID, ref.ID)
				if err != nil {
					if errors.Is(err, inventory.ErrNotFound) {
						return nil
					}
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				result.Checked++
				if !report.Consistent {
					result.Broken = append(result.Broken, report)
					j.Metrics.AddLedgerBreaks(ref.TenantID, 1)
					logger.Error("stock ledger broken",
						slog.Int64("tenant_id", ref.TenantID),
						slog.Int64("product_id", ref.ID),
						slog.Int64("stock", report.Stock),
						slog.Int64("replayed", report.Replayed),
						slog.Int64("broken_at", report.BrokenAt),
						slog.String("reason", report.Reason))
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			logger.Error("verify ledger page", slog.Any("error", err))
			return result, err
		}
		afterID = refs[len(refs)-1].ID
		if len(refs) < pageSize {
			break
		}
	}
	logger.Info("ledger audit finished",
		slog.Int("checked", result.Checked),
		slog.Int("broken", len(result.Broken)),
		slog.Duration("duration", time.Since(start)))
	return result, nil
}
