package departments

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Department owns a monthly budget and a private stock ledger.
type Department struct {
	ID                 int64
	Code               string
	Name               string
	ParentID           *int64
	ManagerID          *int64
	MonthlyBudgetLimit *decimal.Decimal
	CanRequestItems    bool
	IsActive           bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// HasBudgetLimit reports whether spending is capped.
func (d Department) HasBudgetLimit() bool {
	return d.MonthlyBudgetLimit != nil
}

// Input captures create and update payloads.
type Input struct {
	Code               string `validate:"required,max=32"`
	Name               string `validate:"required,max=120"`
	ParentID           *int64 `validate:"omitempty,gt=0"`
	ManagerID          *int64 `validate:"omitempty,gt=0"`
	MonthlyBudgetLimit *decimal.Decimal
	CanRequestItems    bool
	IsActive           bool
}

func (in Input) normalized() Input {
	in.Code = strings.ToUpper(strings.TrimSpace(in.Code))
	in.Name = strings.TrimSpace(in.Name)
	return in
}

// Dependents counts rows that keep a department from being deleted.
type Dependents struct {
	Children  int64
	Requests  int64
	Users     int64
	Locations int64
}

// Any reports whether anything still references the department.
func (d Dependents) Any() bool {
	return d.Children+d.Requests+d.Users+d.Locations > 0
}
