package integration

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Account keys resolved by the accounting side.
const (
	AccountInventory  = "stock.inventory"
	AccountOpnameGain = "stock.opname.gain"
	AccountOpnameLoss = "stock.opname.loss"
	SourceTransfer    = "STOCK.TRANSFER"
	SourceOpname      = "STOCK.OPNAME"
)

// PostingLine is one side of a balanced entry.
type PostingLine struct {
	AccountKey   string          `json:"account_key"`
	DepartmentID int64           `json:"department_id"`
	Debit        decimal.Decimal `json:"debit"`
	Credit       decimal.Decimal `json:"credit"`
}

// Posting is the payload handed to the accounting service.
type Posting struct {
	SourceModule string        `json:"source_module"`
	SourceID     uuid.UUID     `json:"source_id"`
	Date         time.Time     `json:"date"`
	Memo         string        `json:"memo"`
	Lines        []PostingLine `json:"lines"`
}

// Validate checks the posting is addressable and balanced.
func (p Posting) Validate() error {
	if p.SourceID == uuid.Nil {
		return errors.New("integration: source id required")
	}
	if p.SourceModule == "" {
		return errors.New("integration: source module required")
	}
	if p.Date.IsZero() {
		return errors.New("integration: posting date required")
	}
	if len(p.Lines) < 2 {
		return errors.New("integration: posting requires at least two lines")
	}
	debit, credit := decimal.Zero, decimal.Zero
	for _, l := range p.Lines {
		if l.AccountKey == "" {
			return errors.New("integration: account key required")
		}
		debit = debit.Add(l.Debit)
		credit = credit.Add(l.Credit)
	}
	if !debit.Equal(credit) {
		return fmt.Errorf("integration: unbalanced posting debit=%s credit=%s", debit, credit)
	}
	return nil
}
