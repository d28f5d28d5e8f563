package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockflow/internal/integration"
	jobmetrics "github.com/odyssey-erp/stockflow/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueAccounting carries postings to the accounting service.
	QueueAccounting = "accounting"

	// TaskAccountingPost delivers one posting produced by a transfer or opname.
	TaskAccountingPost = "accounting:post"
	// TaskLowStockScan refreshes low-stock gauges and logs departments below minimum.
	TaskLowStockScan = "stock:low_scan"
	// TaskIdempotencyCleanup prunes processed opname session keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// NewAccountingPostTask constructs an Asynq task for a posting. The task id is
// derived from the posting source so the same event is only queued once.
func NewAccountingPostTask(posting integration.Posting) (*asynq.Task, error) {
	body, err := json.Marshal(posting)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAccountingPost, body,
		asynq.Queue(QueueAccounting),
		asynq.TaskID(posting.SourceModule+":"+posting.SourceID.String()),
		asynq.MaxRetry(10),
	), nil
}

// LowStockScanPayload optionally restricts the scan to one department.
type LowStockScanPayload struct {
	DepartmentID int64 `json:"department_id,omitempty"`
}

// NewLowStockScanTask constructs an Asynq task for the low-stock scan.
func NewLowStockScanTask(departmentID int64) (*asynq.Task, error) {
	body, err := json.Marshal(LowStockScanPayload{DepartmentID: departmentID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLowStockScan, body, asynq.Queue(QueueDefault)), nil
}

// IdempotencyCleanupPayload carries the retention window.
type IdempotencyCleanupPayload struct {
	Retention time.Duration `json:"retention"`
}

// NewIdempotencyCleanupTask constructs an Asynq task pruning old idempotency keys.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{Retention: retention})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
