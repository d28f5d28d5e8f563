package shared

// Stock and request permissions.
const (
	PermAdmin = "admin"

	PermDepartmentsEdit = "departments.edit"

	PermRequestsManage  = "requests.manage"
	PermRequestsApprove = "requests.approve"
	PermRequestsFulfill = "requests.fulfill"

	PermTransfersManage = "transfers.manage"

	PermStockAdjust = "stock.adjust"
	PermOpnameRun   = "stock.opname"
)

// StockScopes lists all permissions related to department stock.
func StockScopes() []string {
	return []string{
		PermAdmin,
		PermDepartmentsEdit,
		PermRequestsManage,
		PermRequestsApprove,
		PermRequestsFulfill,
		PermTransfersManage,
		PermStockAdjust,
		PermOpnameRun,
	}
}
