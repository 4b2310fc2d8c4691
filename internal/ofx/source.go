package ofx

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Veraticus/taxflow/internal/bank"
	"github.com/Veraticus/taxflow/internal/service"
)

// DirectorySource serves accounts from statement files named
// <account id>*.ofx or <account id>*.qfx in one directory. Lines repeated
// across overlapping exports are read once, keyed by FITID.
type DirectorySource struct {
	parser *Parser
	logger *slog.Logger
	dir    string
}

// NewDirectorySource creates a source reading from dir.
func NewDirectorySource(dir string) *DirectorySource {
	return &DirectorySource{
		dir:    dir,
		parser: NewParser(),
		logger: slog.Default().With("component", "ofx"),
	}
}

// FetchTransactions implements bank.Source.
func (s *DirectorySource) FetchTransactions(ctx context.Context, account bank.AccountRef, r service.DateRange) ([]bank.RawRecord, error) {
	if err := bank.ValidateRange(ctx, r); err != nil {
		return nil, err
	}

	files, err := s.files(account.ID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var records []bank.RawRecord
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries, err := s.parseFile(ctx, path)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !r.Contains(e.Posted) {
				continue
			}
			key := e.AccountID + "|" + e.FITID
			if e.FITID != "" && seen[key] {
				continue
			}
			seen[key] = true
			records = append(records, toRecord(e, account))
		}
	}

	s.logger.Info("Read OFX statements", "account", account.ID, "files", len(files), "records", len(records))
	return records, nil
}

func (s *DirectorySource) files(accountID string) ([]string, error) {
	if strings.ContainsAny(accountID, `/\`) || strings.Contains(accountID, "..") {
		return nil, fmt.Errorf("invalid account id %q", accountID)
	}
	var files []string
	for _, ext := range []string{"*.ofx", "*.qfx", "*.OFX", "*.QFX"} {
		matches, err := filepath.Glob(filepath.Join(s.dir, accountID+ext))
		if err != nil {
			return nil, fmt.Errorf("failed to list statements: %w", err)
		}
		files = append(files, matches...)
	}
	sort.Strings(files)
	return files, nil
}

func (s *DirectorySource) parseFile(ctx context.Context, path string) ([]Entry, error) {
	// #nosec G304 - path comes from a glob inside the configured directory
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			s.logger.Warn("failed to close statement", "path", path, "error", err)
		}
	}()

	entries, err := s.parser.ParseFile(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return entries, nil
}

func toRecord(e Entry, account bank.AccountRef) bank.RawRecord {
	amount := e.Amount
	if amount < 0 {
		amount = -amount
	}
	return bank.RawRecord{
		Timestamp:     e.Posted,
		AccountID:     account.ID,
		BankName:      account.BankName,
		AccountNumber: account.AccountNumber,
		Counterparty:  e.Payee,
		Memo:          e.Memo,
		Amount:        amount,
		Inflow:        e.Amount > 0,
	}
}

var _ bank.Source = (*DirectorySource)(nil)
