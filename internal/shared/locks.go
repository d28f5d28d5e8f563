package shared

import "fmt"

// OpnameLockKey builds redis keys guarding one opname session per department.
func OpnameLockKey(departmentID int64) string {
	return fmt.Sprintf("stock:opname:%d:lock", departmentID)
}
