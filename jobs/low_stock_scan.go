package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockflow/internal/departments"
	jobmetrics "github.com/odyssey-erp/stockflow/internal/jobs"
	"github.com/odyssey-erp/stockflow/internal/stock"
)

// DepartmentLister lists departments to scan.
type DepartmentLister interface {
	List(ctx context.Context) ([]departments.Department, error)
}

// LowStockReader returns the locations at or below their minimum.
type LowStockReader interface {
	LowStock(ctx context.Context, departmentID int64) ([]stock.Location, error)
}

// LowStockScanJob reports departments whose stock needs a transfer or restock.
type LowStockScanJob struct {
	Departments DepartmentLister
	Stock       LowStockReader
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
	clock       func() time.Time
}

// NewLowStockScanJob initialises the scan handler.
func NewLowStockScanJob(depts DepartmentLister, reader LowStockReader, logger *slog.Logger, metrics *jobmetrics.Metrics) *LowStockScanJob {
	return &LowStockScanJob{
		Departments: depts,
		Stock:       reader,
		Logger:      logger,
		Metrics:     metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the scan.
func (j *LowStockScanJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Departments == nil || j.Stock == nil {
		return errors.New("low stock scan: handler not configured")
	}
	var payload LowStockScanPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("low stock scan: decode: %v: %w", err, asynq.SkipRetry)
		}
	}

	start := j.now()
	tracker := j.metrics().Track(TaskLowStockScan)
	defer func() { err = tracker.End(err) }()

	logger := j.logger()
	total, err := j.Scan(ctx, payload.DepartmentID)
	if err != nil {
		logger.Error("scan failed", slog.Any("error", err))
		return err
	}
	logger.Info("completed low stock scan",
		slog.Int("locations", total),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// Scan checks every active department, or only departmentID when non zero,
// and returns the number of low locations found.
func (j *LowStockScanJob) Scan(ctx context.Context, departmentID int64) (int, error) {
	depts, err := j.Departments.List(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, d := range depts {
		if !d.IsActive || (departmentID != 0 && d.ID != departmentID) {
			continue
		}
		low, err := j.Stock.LowStock(ctx, d.ID)
		if err != nil {
			return total, fmt.Errorf("low stock scan: department %d: %w", d.ID, err)
		}
		j.metrics().SetLowStock(d.ID, len(low))
		total += len(low)
		for _, loc := range low {
			j.logger().Warn("stock at or below minimum",
				slog.String("department", d.Code),
				slog.Int64("item_id", loc.ItemID),
				slog.String("current", loc.CurrentStock.String()),
				slog.String("minimum", loc.MinimumStock.String()),
			)
		}
	}
	return total, nil
}

func (j *LowStockScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLowStockScan))
	}
	return slog.Default().With(slog.String("job", TaskLowStockScan))
}

func (j *LowStockScanJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *LowStockScanJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
