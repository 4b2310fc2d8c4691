// Package ofx reads bank statements exported as OFX/QFX files.
package ofx

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/aclindsa/ofxgo"
)

// Entry is one statement line. Amount is signed in the smallest currency
// unit, negative for debits as OFX reports them.
type Entry struct {
	Posted    time.Time
	FITID     string
	AccountID string
	Currency  string
	Payee     string
	Memo      string
	Amount    int64
}

// Parser implements OFX/QFX file parsing.
type Parser struct{}

// NewParser creates a new OFX parser.
func NewParser() *Parser {
	return &Parser{}
}

var (
	severityRegex = regexp.MustCompile(`(?i)<SEVERITY>(Info|Warn|Error)</SEVERITY>`)
	tagFixRegex   = regexp.MustCompile(`(?m)^(\s*<[A-Z][A-Z0-9._]*[A-Z0-9])$`)
)

// preprocessOFX fixes common formatting issues in OFX files.
func (p *Parser) preprocessOFX(content string) string {
	content = strings.TrimLeft(content, " \t\r\n")

	// Mixed-case SEVERITY values are rejected by ofxgo.
	content = severityRegex.ReplaceAllStringFunc(content, strings.ToUpper)

	// SGML files sometimes drop the closing bracket of a bare tag line.
	return tagFixRegex.ReplaceAllString(content, "$1>")
}

// ParseFile parses an OFX/QFX file and returns its statement lines.
func (p *Parser) ParseFile(ctx context.Context, reader io.Reader) ([]Entry, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context cannot be nil")
	}
	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read OFX file: %w", err)
	}

	resp, err := ofxgo.ParseResponse(strings.NewReader(p.preprocessOFX(string(content))))
	if err != nil {
		return nil, fmt.Errorf("failed to parse OFX file: %w", err)
	}

	var (
		entries          []Entry
		bankStmts, cards int
	)
	for _, msg := range resp.Bank {
		if stmt, ok := msg.(*ofxgo.StatementResponse); ok {
			bankStmts++
			entries = append(entries, p.convertList(stmt.BankTranList, string(stmt.BankAcctFrom.AcctID), stmt.CurDef.String())...)
		}
	}
	for _, msg := range resp.CreditCard {
		if stmt, ok := msg.(*ofxgo.CCStatementResponse); ok {
			cards++
			entries = append(entries, p.convertList(stmt.BankTranList, string(stmt.CCAcctFrom.AcctID), stmt.CurDef.String())...)
		}
	}

	slog.Debug("Parsed OFX file",
		"total_transactions", len(entries),
		"bank_statements", bankStmts,
		"cc_statements", cards)

	return entries, nil
}

func (p *Parser) convertList(list *ofxgo.TransactionList, accountID, currency string) []Entry {
	if list == nil {
		return nil
	}
	entries := make([]Entry, 0, len(list.Transactions))
	for _, tx := range list.Transactions {
		entries = append(entries, p.convertTransaction(tx, accountID, currency))
	}
	return entries
}

// zeroDecimal lists currencies whose smallest unit is the whole unit.
var zeroDecimal = map[string]bool{"KRW": true, "JPY": true, "VND": true}

func (p *Parser) convertTransaction(tx ofxgo.Transaction, accountID, currency string) Entry {
	factor := 100.0
	if zeroDecimal[strings.ToUpper(currency)] {
		factor = 1
	}
	amount, _ := tx.TrnAmt.Float64()

	return Entry{
		Posted:    tx.DtPosted.Time,
		FITID:     string(tx.FiTID),
		AccountID: accountID,
		Currency:  currency,
		Payee:     p.extractMerchantName(tx),
		Memo:      strings.TrimSpace(string(tx.Memo)),
		Amount:    int64(math.Round(amount * factor)),
	}
}

// extractMerchantName tries to get a clean merchant name from OFX data.
func (p *Parser) extractMerchantName(tx ofxgo.Transaction) string {
	// PAYEE is usually cleaner than NAME.
	if tx.Payee != nil && tx.Payee.Name != "" {
		return string(tx.Payee.Name)
	}

	name := string(tx.Name)
	if tx.Memo != "" && isGenericDescription(name) {
		name = string(tx.Memo)
	}
	name = strings.TrimSpace(name)

	prefixes := []string{
		"POS PURCHASE ",
		"PURCHASE AUTHORIZED ON ",
		"DEBIT CARD PURCHASE ",
		"ACH DEBIT ",
		"CHECK CARD ",
		"VISA PURCHASE ",
		"MC PURCHASE ",
		"DEBIT PURCHASE ",
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(strings.ToUpper(name), prefix) {
			name = name[len(prefix):]
			break
		}
	}

	// Leading "MM/DD " posting dates.
	if len(name) > 5 && name[2] == '/' && name[5] == ' ' {
		name = strings.TrimSpace(name[6:])
	}

	return name
}

// isGenericDescription checks if a transaction name is too generic.
func isGenericDescription(name string) bool {
	generic := []string{
		"DEBIT",
		"CREDIT",
		"PURCHASE",
		"PAYMENT",
		"POS TRANSACTION",
		"CARD PURCHASE",
	}

	upperName := strings.ToUpper(name)
	for _, g := range generic {
		if upperName == g {
			return true
		}
	}
	return false
}
