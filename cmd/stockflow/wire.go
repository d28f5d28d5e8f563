package main

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/stockflow/internal/app"
	"github.com/odyssey-erp/stockflow/internal/budget"
	"github.com/odyssey-erp/stockflow/internal/catalog"
	"github.com/odyssey-erp/stockflow/internal/departments"
	"github.com/odyssey-erp/stockflow/internal/integration"
	"github.com/odyssey-erp/stockflow/internal/observability"
	"github.com/odyssey-erp/stockflow/internal/opname"
	"github.com/odyssey-erp/stockflow/internal/platform/cache"
	"github.com/odyssey-erp/stockflow/internal/rbac"
	"github.com/odyssey-erp/stockflow/internal/requests"
	"github.com/odyssey-erp/stockflow/internal/shared"
	"github.com/odyssey-erp/stockflow/internal/stock"
	"github.com/odyssey-erp/stockflow/internal/transfers"
)

// services holds the wired domain components shared by the server and CLI commands.
type services struct {
	rbac        *rbac.Service
	departments *departments.Service
	stock       *stock.Service
	budget      *budget.Tracker
	requests    *requests.Service
	transfers   *transfers.Service
	opname      *opname.Reconciler
}

func buildServices(cfg *app.Config, logger *slog.Logger, pool *pgxpool.Pool, redisClient *redis.Client, queue integration.Enqueuer, metrics *observability.Metrics) *services {
	auditLogger := shared.NewAuditLogger(pool)
	approvalRecorder := shared.NewApprovalRecorder(pool, logger)
	hooks := integration.NewHooks(queue, logger)

	deptService := departments.NewService(departments.NewRepository(pool), auditLogger, logger)

	stockRepo := stock.NewRepository(pool)
	stockService := stock.NewService(stockRepo, auditLogger, metrics, logger)

	tracker := budget.NewTracker(budget.NewRepository(pool), budget.NewCache(redisClient, cfg.BudgetCacheTTL), logger)

	policy := requests.BudgetAdvisory
	if cfg.EnforceBudget() {
		policy = requests.BudgetEnforce
	}
	requestService := requests.NewService(
		requests.NewRepository(pool),
		deptService,
		catalog.NewRepository(pool),
		tracker,
		requests.ServiceConfig{BudgetPolicy: policy},
		logger,
	)
	requestService.SetApprovals(approvalRecorder)
	requestService.SetAudit(auditLogger)
	requestService.SetObserver(metrics)

	transferService := transfers.NewService(transfers.NewRepository(pool), stockService, hooks, logger)
	transferService.SetApprovals(approvalRecorder)
	transferService.SetAudit(auditLogger)
	transferService.SetObserver(metrics)

	reconciler := opname.NewReconciler(stockRepo, cache.NewLocker(redisClient), opname.Config{LockTTL: cfg.OpnameLockTTL}, logger)
	reconciler.SetIdempotency(shared.NewIdempotencyStore(pool))
	reconciler.SetIntegration(hooks)
	reconciler.SetObserver(metrics)

	return &services{
		rbac:        rbac.NewService(rbac.NewPGStore(pool)),
		departments: deptService,
		stock:       stockService,
		budget:      tracker,
		requests:    requestService,
		transfers:   transferService,
		opname:      reconciler,
	}
}
