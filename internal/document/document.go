// Package document renders the monthly accountant document as markdown and
// exports its rows as a spreadsheet.
package document

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Veraticus/taxflow/internal/model"
)

// ReviewMarker tags anything a human must check before the document is sent.
const ReviewMarker = "[REVIEW]"

// maxListed caps the per-counterparty lines in the recurring section and
// the checklist's to-do list.
const maxListed = 5

// Entry is one transaction with its enrichment, if any.
type Entry struct {
	Context     *model.EnrichedContext
	Transaction model.Transaction
}

// Evidence returns the entry's evidence state. Without enrichment the
// evidence is still needed.
func (e Entry) Evidence() model.EvidenceStatus {
	if e.Context == nil || e.Context.EvidenceStatus == "" {
		return model.EvidenceNeeded
	}
	return e.Context.EvidenceStatus
}

// NeedsReview reports whether the entry carries degraded content.
func (e Entry) NeedsReview() bool {
	if e.Transaction.Status == model.StatusNeedsReview {
		return true
	}
	return e.Context != nil && e.Context.Downgraded
}

// Category prefers the enriched category over the synced one.
func (e Entry) Category() model.Category {
	if e.Context != nil && e.Context.Category != "" {
		return e.Context.Category
	}
	return e.Transaction.Category
}

// Group is a set of related transactions with the narrative explaining them.
type Group struct {
	Relationship model.GeneratedAnswer
	Entries      []Entry
}

// Input is everything one month's document is rendered from. Notes holds
// the generated one-line summary per transaction id.
type Input struct {
	GeneratedAt time.Time
	Overview    *model.GeneratedAnswer
	Notes       map[string]model.GeneratedAnswer
	Month       string
	Recurring   []Entry
	Groups      []Group
	Individual  []Entry
	Pending     []Entry
	Transfers   int
	Version     int
}

// Entries lists every entry in section order.
func (in Input) Entries() []Entry {
	out := make([]Entry, 0, len(in.Recurring)+len(in.Individual)+len(in.Pending))
	out = append(out, in.Recurring...)
	for _, g := range in.Groups {
		out = append(out, g.Entries...)
	}
	out = append(out, in.Individual...)
	return append(out, in.Pending...)
}

// Stats totals the input.
func (in Input) Stats() model.DocumentStats {
	stats := model.DocumentStats{
		RecurringCount: len(in.Recurring),
		PendingCount:   len(in.Pending),
		TransferCount:  in.Transfers,
	}
	stats.NonRecurringCount = len(in.Individual)
	for _, g := range in.Groups {
		stats.NonRecurringCount += len(g.Entries)
	}
	for _, e := range in.Entries() {
		stats.TransactionCount++
		if e.Transaction.Direction == model.DirectionInflow {
			stats.TotalIncome += e.Transaction.Magnitude()
		} else {
			stats.TotalExpense += e.Transaction.Magnitude()
		}
		switch e.Evidence() {
		case model.EvidenceReady:
			stats.EvidenceReady++
		case model.EvidenceUnavailable:
			stats.EvidenceMissing++
		default:
			stats.EvidenceNeeded++
		}
	}
	return stats
}

// NeedsReview reports whether any part of the document is marked for review.
func (in Input) NeedsReview() bool {
	if in.Overview != nil && isDegraded(*in.Overview) {
		return true
	}
	for _, g := range in.Groups {
		if isDegraded(g.Relationship) {
			return true
		}
	}
	for _, e := range in.Entries() {
		if e.NeedsReview() {
			return true
		}
		if n, ok := in.Notes[e.Transaction.ID]; ok && isDegraded(n) {
			return true
		}
	}
	return len(in.Pending) > 0
}

func isDegraded(a model.GeneratedAnswer) bool {
	return a.Verdict == model.VerdictDowngraded || a.IsFlagged()
}

// Render produces the markdown document.
func Render(in Input) string {
	var sb strings.Builder
	stats := in.Stats()

	fmt.Fprintf(&sb, "# %s transaction summary (%d transactions)\n\n", in.Month, stats.TransactionCount)
	fmt.Fprintf(&sb, "**Generated**: %s  \n", in.GeneratedAt.Format("2006-01-02 15:04"))
	fmt.Fprintf(&sb, "**Version**: %d  \n", in.Version)
	status := "generated automatically"
	if in.NeedsReview() {
		status += ", " + ReviewMarker + " items need a human check"
	}
	fmt.Fprintf(&sb, "**Status**: %s\n", status)

	if stats.TransactionCount == 0 {
		sb.WriteString("\nNo transactions were recorded this month.\n")
		return sb.String()
	}

	if in.Overview != nil && strings.TrimSpace(in.Overview.Content) != "" {
		fmt.Fprintf(&sb, "\n%s%s\n", in.Overview.Content, answerSuffix(*in.Overview))
	}

	renderSummary(&sb, in, stats)
	renderChecklist(&sb, in, stats)
	if len(in.Recurring) > 0 {
		renderRecurring(&sb, in.Recurring)
	}
	if len(in.Groups) > 0 || len(in.Individual) > 0 {
		renderNonRecurring(&sb, in.Groups, in.Individual, in.Notes)
	}
	if len(in.Pending) > 0 {
		renderPending(&sb, in.Pending, in.Notes)
	}
	return sb.String()
}

func renderSummary(sb *strings.Builder, in Input, stats model.DocumentStats) {
	var incomeN, expenseN int
	banks := make(map[string]bool)
	for _, e := range in.Entries() {
		if e.Transaction.Direction == model.DirectionInflow {
			incomeN++
		} else {
			expenseN++
		}
		if e.Transaction.BankName != "" {
			banks[e.Transaction.BankName] = true
		}
	}
	net := stats.TotalIncome - stats.TotalExpense
	sign := ""
	if net >= 0 {
		sign = "+"
	}

	sb.WriteString("\n## Monthly summary\n\n")
	sb.WriteString("| Item | Amount | Count |\n|------|------|------|\n")
	fmt.Fprintf(sb, "| **Total income** | %s | %d |\n", FormatAmount(stats.TotalIncome), incomeN)
	fmt.Fprintf(sb, "| **Total expense** | %s | %d |\n", FormatAmount(stats.TotalExpense), expenseN)
	fmt.Fprintf(sb, "| **Net cash flow** | %s%s | - |\n", sign, FormatAmount(net))
	if in.Transfers > 0 {
		fmt.Fprintf(sb, "\nInternal transfers excluded: %d\n", in.Transfers)
	}
	if len(banks) > 0 {
		names := make([]string, 0, len(banks))
		for b := range banks {
			names = append(names, b)
		}
		sort.Strings(names)
		fmt.Fprintf(sb, "\n**Accounts**: %s\n", strings.Join(names, ", "))
	}
}

func renderChecklist(sb *strings.Builder, in Input, stats model.DocumentStats) {
	sb.WriteString("\n## Evidence checklist\n\n")
	sb.WriteString("| Status | Count | Meaning |\n|------|------|------|\n")
	fmt.Fprintf(sb, "| Ready | %d | invoice or receipt collected |\n", stats.EvidenceReady)
	fmt.Fprintf(sb, "| Needed | %d | not received yet, request it |\n", stats.EvidenceNeeded)
	fmt.Fprintf(sb, "| Unavailable | %d | no evidence exists (e.g. personal transfer) |\n", stats.EvidenceMissing)

	var needed []Entry
	for _, e := range in.Entries() {
		if e.Evidence() == model.EvidenceNeeded {
			needed = append(needed, e)
		}
	}
	if len(needed) == 0 {
		return
	}
	sb.WriteString("\n**To collect**:\n")
	for i, e := range needed {
		if i == 2*maxListed {
			fmt.Fprintf(sb, "... and %d more\n", len(needed)-i)
			break
		}
		fmt.Fprintf(sb, "%d. %s - %s (%s) - %s\n", i+1, day(e.Transaction), party(e.Transaction),
			FormatAmount(e.Transaction.Magnitude()), memo(e))
	}
}

func renderRecurring(sb *strings.Builder, entries []Entry) {
	sb.WriteString("\n## Recurring\n")

	var order []string
	byParty := make(map[string][]Entry)
	for _, e := range entries {
		key := party(e.Transaction)
		if _, ok := byParty[key]; !ok {
			order = append(order, key)
		}
		byParty[key] = append(byParty[key], e)
	}

	for _, key := range order {
		group := byParty[key]
		first := group[0]
		fmt.Fprintf(sb, "\n### %s%s\n\n", key, reviewSuffix(anyReview(group)))
		var total int64
		for i, e := range group {
			total += e.Transaction.Magnitude()
			if i < maxListed {
				fmt.Fprintf(sb, "- %s: %s (%s)\n", day(e.Transaction), FormatAmount(e.Transaction.Magnitude()), e.Transaction.BankName)
			}
		}
		if len(group) > maxListed {
			fmt.Fprintf(sb, "- ... and %d more\n", len(group)-maxListed)
		}
		fmt.Fprintf(sb, "\n**Total**: %s (%d)  \n", FormatAmount(total), len(group))
		fmt.Fprintf(sb, "**Category**: %s  \n", first.Category().Label())
		if ec := first.Context; ec != nil {
			if ec.AccountClassification != "" {
				fmt.Fprintf(sb, "**Account**: %s  \n", ec.AccountClassification)
			}
			if ec.Frequency != "" {
				fmt.Fprintf(sb, "**Frequency**: %s  \n", ec.Frequency)
			}
			if ec.TaxNotes != "" {
				fmt.Fprintf(sb, "**Tax treatment**: %s  \n", ec.TaxNotes)
			}
			if ec.Summary != "" {
				fmt.Fprintf(sb, "**Description**: %s  \n", ec.Summary)
			}
		}
		fmt.Fprintf(sb, "**Evidence**: %s\n", first.Evidence())
	}
}

func renderNonRecurring(sb *strings.Builder, groups []Group, individual []Entry, notes map[string]model.GeneratedAnswer) {
	sb.WriteString("\n## Non-recurring\n")

	for i, g := range groups {
		fmt.Fprintf(sb, "\n### Group %d: related transactions%s\n\n", i+1, reviewSuffix(anyReview(g.Entries)))
		if strings.TrimSpace(g.Relationship.Content) != "" {
			fmt.Fprintf(sb, "%s%s\n\n", g.Relationship.Content, answerSuffix(g.Relationship))
		}
		var total int64
		for _, e := range g.Entries {
			total += e.Transaction.Magnitude()
			fmt.Fprintf(sb, "- %s: %s - %s (%s)\n", day(e.Transaction), FormatAmount(e.Transaction.Magnitude()),
				party(e.Transaction), e.Transaction.BankName)
			if m := memo(e); m != "no memo" {
				fmt.Fprintf(sb, "  memo: %s\n", m)
			}
			renderNote(sb, notes, e)
		}
		fmt.Fprintf(sb, "\n**Total**: %s (%d)\n", FormatAmount(total), len(g.Entries))
	}

	if len(individual) == 0 {
		return
	}
	sb.WriteString("\n### Individual transactions\n\n")
	for _, e := range individual {
		fmt.Fprintf(sb, "- %s: %s - %s [%s] evidence %s%s\n", day(e.Transaction), FormatAmount(e.Transaction.Magnitude()),
			party(e.Transaction), e.Category().Label(), e.Evidence(), reviewSuffix(e.NeedsReview()))
		if e.Context != nil && e.Context.Summary != "" {
			fmt.Fprintf(sb, "  -> %s\n", e.Context.Summary)
			continue
		}
		renderNote(sb, notes, e)
	}
}

func renderPending(sb *strings.Builder, entries []Entry, notes map[string]model.GeneratedAnswer) {
	fmt.Fprintf(sb, "\n## Pending review %s\n\n", ReviewMarker)
	for _, e := range entries {
		fmt.Fprintf(sb, "- %s: %s (%s) status %s, no context yet, check manually\n",
			day(e.Transaction), FormatAmount(e.Transaction.Magnitude()), party(e.Transaction), e.Transaction.Status)
		renderNote(sb, notes, e)
	}
}

// renderNote writes the generated line for e, if there is one.
func renderNote(sb *strings.Builder, notes map[string]model.GeneratedAnswer, e Entry) {
	n, ok := notes[e.Transaction.ID]
	if !ok || strings.TrimSpace(n.Content) == "" {
		return
	}
	fmt.Fprintf(sb, "  -> %s%s\n", n.Content, answerSuffix(n))
}

// answerSuffix shows where a generated text came from and flags degraded ones.
func answerSuffix(a model.GeneratedAnswer) string {
	var parts []string
	if a.Source != "" && a.Source != model.OutsideContext {
		parts = append(parts, "source: "+a.Source)
	}
	if a.Confidence != "" {
		parts = append(parts, "confidence: "+string(a.Confidence))
	}
	out := ""
	if len(parts) > 0 {
		out = " _(" + strings.Join(parts, ", ") + ")_"
	}
	return out + reviewSuffix(isDegraded(a))
}

func reviewSuffix(review bool) string {
	if review {
		return " " + ReviewMarker
	}
	return ""
}

func anyReview(entries []Entry) bool {
	for _, e := range entries {
		if e.NeedsReview() {
			return true
		}
	}
	return false
}

func day(t model.Transaction) string {
	return t.Timestamp.Format("Jan 02")
}

func party(t model.Transaction) string {
	if t.Counterparty == "" {
		return "Unknown"
	}
	return t.Counterparty
}

func memo(e Entry) string {
	if e.Context != nil && e.Context.UserMemo != "" {
		return e.Context.UserMemo
	}
	if e.Transaction.Memo != "" {
		return e.Transaction.Memo
	}
	return "no memo"
}

// FormatAmount renders minor units with thousands separators, e.g. "1,234,567 KRW".
func FormatAmount(n int64) string {
	neg := n < 0
	if neg {
		n = -n
	}
	s := fmt.Sprintf("%d", n)
	var out []byte
	for i := range len(s) {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, s[i])
	}
	if neg {
		return "-" + string(out) + " KRW"
	}
	return string(out) + " KRW"
}
