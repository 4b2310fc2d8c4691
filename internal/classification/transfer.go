package classification

import (
	"sort"
	"strings"
	"time"

	"github.com/Veraticus/taxflow/internal/model"
)

// DefaultTransferWindow is how far apart the two legs of an internal transfer may be.
const DefaultTransferWindow = 5 * time.Minute

// TransferPair is one detected internal transfer.
type TransferPair struct {
	OutflowID string
	InflowID  string
	Gap       time.Duration
}

// DetectInternalTransfers pairs transactions of equal magnitude and opposite
// direction on different accounts whose timestamps are within window of each
// other. Each transaction joins at most one pair; closer pairs are taken first.
// Nothing is removed, the caller flags both legs.
func DetectInternalTransfers(txns []model.Transaction, window time.Duration) []TransferPair {
	if window <= 0 {
		window = DefaultTransferWindow
	}

	byMagnitude := make(map[int64][]model.Transaction)
	for _, t := range txns {
		if t.Amount == 0 {
			continue
		}
		byMagnitude[t.Magnitude()] = append(byMagnitude[t.Magnitude()], t)
	}

	var candidates []TransferPair
	for _, group := range byMagnitude {
		for _, out := range group {
			if out.Direction != model.DirectionOutflow {
				continue
			}
			for _, in := range group {
				if in.Direction != model.DirectionInflow || in.AccountID == out.AccountID || in.ID == out.ID {
					continue
				}
				gap := in.Timestamp.Sub(out.Timestamp)
				if gap < 0 {
					gap = -gap
				}
				if gap <= window {
					candidates = append(candidates, TransferPair{OutflowID: out.ID, InflowID: in.ID, Gap: gap})
				}
			}
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Gap != candidates[j].Gap {
			return candidates[i].Gap < candidates[j].Gap
		}
		if candidates[i].OutflowID != candidates[j].OutflowID {
			return candidates[i].OutflowID < candidates[j].OutflowID
		}
		return candidates[i].InflowID < candidates[j].InflowID
	})

	used := make(map[string]bool)
	var pairs []TransferPair
	for _, p := range candidates {
		if used[p.OutflowID] || used[p.InflowID] {
			continue
		}
		used[p.OutflowID] = true
		used[p.InflowID] = true
		pairs = append(pairs, p)
	}
	return pairs
}

// TransferIDs flattens pairs into the set of flagged ids.
func TransferIDs(pairs []TransferPair) map[string]bool {
	ids := make(map[string]bool, len(pairs)*2)
	for _, p := range pairs {
		ids[p.OutflowID] = true
		ids[p.InflowID] = true
	}
	return ids
}

// recurrenceTolerance is the relative amount drift still treated as the same payment.
const recurrenceTolerance = 0.10

// DetectRecurring reports whether txn repeats a payment to the same
// counterparty in either of the two preceding calendar months.
func DetectRecurring(txn model.Transaction, history []model.Transaction) bool {
	party := normalizeParty(txn.Counterparty)
	if party == "" {
		return false
	}

	monthStart := time.Date(txn.Timestamp.Year(), txn.Timestamp.Month(), 1, 0, 0, 0, 0, txn.Timestamp.Location())
	earliest := monthStart.AddDate(0, -2, 0)

	for _, h := range history {
		if h.ID == txn.ID || h.Direction != txn.Direction || h.IsInternalTransfer {
			continue
		}
		if h.Timestamp.Before(earliest) || !h.Timestamp.Before(monthStart) {
			continue
		}
		if normalizeParty(h.Counterparty) != party {
			continue
		}
		if withinTolerance(h.Magnitude(), txn.Magnitude()) {
			return true
		}
	}
	return false
}

func withinTolerance(a, b int64) bool {
	if a == b {
		return true
	}
	hi := max(a, b)
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return float64(diff) <= float64(hi)*recurrenceTolerance
}

func normalizeParty(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
