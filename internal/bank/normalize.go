package bank

import (
	"sort"
	"strings"

	"github.com/Veraticus/taxflow/internal/model"
)

// Normalize converts raw records to transactions. Ids are derived as
// date-bank-account-party-seq with the sequence counted per date and account
// over the records in timestamp order. An account's ids depend only on that
// account's records, so a sibling account failing in one run cannot shift them.
func Normalize(raw []RawRecord) []model.Transaction {
	records := make([]RawRecord, len(raw))
	copy(records, raw)
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})

	seq := make(map[string]int)
	out := make([]model.Transaction, 0, len(records))
	for _, r := range records {
		key := r.Timestamp.Format("2006-01-02") + "|" + r.AccountID
		seq[key]++

		dir := model.DirectionOutflow
		if r.Inflow {
			dir = model.DirectionInflow
		}
		counterparty := strings.TrimSpace(r.Counterparty)

		out = append(out, model.Transaction{
			ID:            model.DeriveTransactionID(r.Timestamp, r.BankName, r.AccountID, counterparty, seq[key]),
			AccountID:     r.AccountID,
			BankName:      r.BankName,
			AccountMasked: model.MaskAccount(r.AccountNumber),
			Counterparty:  counterparty,
			Memo:          strings.TrimSpace(r.Memo),
			Amount:        model.SignedAmount(r.Amount, dir),
			Direction:     dir,
			Timestamp:     r.Timestamp,
			Status:        model.StatusAwaitingContext,
			Category:      model.CategoryUnknown,
		})
	}
	return out
}
