package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/model"
	"github.com/Veraticus/taxflow/internal/service"
)

// DefaultMaxEvidenceSize caps a single evidence file.
const DefaultMaxEvidenceSize = 10 << 20

// Evidence errors.
var (
	ErrUnsupportedEvidence = errors.New("unsupported evidence file type")
	ErrEvidenceTooLarge    = errors.New("evidence file too large")
	ErrEmptyEvidence       = errors.New("evidence file is empty")
)

var evidenceExtensions = map[string]bool{".pdf": true, ".jpg": true, ".jpeg": true, ".png": true}

// EvidenceOptions tunes an EvidenceAttacher.
type EvidenceOptions struct {
	Logger *slog.Logger
	// Dir receives the stored copies, usually <documents.dir>/evidence.
	Dir     string
	MaxSize int64
}

// EvidenceResult describes one attached file.
type EvidenceResult struct {
	File      model.EvidenceFile
	Duplicate bool
}

// EvidenceAttacher stores receipts and invoices for transactions and
// records them on the enriched context. An attached file marks the
// invoice as received.
type EvidenceAttacher struct {
	store  service.Storage
	opts   EvidenceOptions
	logger *slog.Logger
	now    func() time.Time
}

// NewEvidenceAttacher creates an attacher.
func NewEvidenceAttacher(store service.Storage, opts EvidenceOptions) *EvidenceAttacher {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxEvidenceSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "evidence")
	}
	return &EvidenceAttacher{store: store, opts: opts, logger: logger, now: time.Now}
}

// Attach copies the file at src into the evidence directory and adds it
// to the transaction's context, creating the context when no answers have
// completed yet. Attaching identical content twice is a no-op.
func (a *EvidenceAttacher) Attach(ctx context.Context, transactionID, src string) (EvidenceResult, error) {
	var result EvidenceResult

	ext := strings.ToLower(filepath.Ext(src))
	if !evidenceExtensions[ext] {
		return result, fmt.Errorf("%w: %q (allowed: .pdf, .jpg, .jpeg, .png)", ErrUnsupportedEvidence, ext)
	}
	info, err := os.Stat(src)
	if err != nil {
		return result, fmt.Errorf("failed to read evidence file: %w", err)
	}
	if info.IsDir() {
		return result, fmt.Errorf("%w: %s is a directory", ErrUnsupportedEvidence, src)
	}
	if info.Size() == 0 {
		return result, fmt.Errorf("%w: %s", ErrEmptyEvidence, src)
	}
	if info.Size() > a.opts.MaxSize {
		return result, fmt.Errorf("%w: %d bytes (max %d)", ErrEvidenceTooLarge, info.Size(), a.opts.MaxSize)
	}

	txn, err := a.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return result, fmt.Errorf("failed to load transaction: %w", err)
	}

	tmp, sum, size, err := a.copyToTemp(src)
	if err != nil {
		return result, err
	}
	defer func() { _ = os.Remove(tmp) }()

	now := a.now()
	ec, err := a.store.GetEnrichedContext(ctx, txn.ID)
	switch {
	case errors.Is(err, common.ErrNotFound):
		ec = ContextFromAnswers(*txn, txn.Category, nil, now)
	case err != nil:
		return result, fmt.Errorf("failed to load enriched context: %w", err)
	}

	if f, ok := ec.FileByDigest(sum); ok {
		result.File = f
		result.Duplicate = true
		a.logger.Info("Evidence already attached", "transaction_id", txn.ID, "sha256", sum[:12])
		return result, nil
	}

	dst, err := a.destination(txn.ID, now, ext)
	if err != nil {
		return result, err
	}
	if err := os.Rename(tmp, dst); err != nil {
		return result, fmt.Errorf("failed to store evidence file: %w", err)
	}

	file := model.EvidenceFile{
		AttachedAt: now,
		Name:       filepath.Base(src),
		Path:       dst,
		SHA256:     sum,
		Size:       size,
	}
	ec.Files = append(ec.Files, file)
	ec.InvoiceReceived = true
	ec.EvidenceStatus = model.EvidenceReady
	if err := a.store.SaveEnrichedContext(context.WithoutCancel(ctx), ec); err != nil {
		_ = os.Remove(dst)
		return result, fmt.Errorf("failed to save enriched context: %w", err)
	}

	a.logger.Info("Evidence attached",
		"transaction_id", txn.ID,
		"file", dst,
		"bytes", size,
		"files", len(ec.Files))
	result.File = file
	return result, nil
}

// copyToTemp copies src into the evidence directory under a temp name,
// hashing it on the way. The size cap is enforced again in case the file
// grew after the stat.
func (a *EvidenceAttacher) copyToTemp(src string) (string, string, int64, error) {
	if err := os.MkdirAll(a.opts.Dir, 0o750); err != nil {
		return "", "", 0, fmt.Errorf("failed to create evidence dir: %w", err)
	}
	in, err := os.Open(src) // #nosec G304
	if err != nil {
		return "", "", 0, fmt.Errorf("failed to open evidence file: %w", err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.CreateTemp(a.opts.Dir, ".evidence-*")
	if err != nil {
		return "", "", 0, fmt.Errorf("failed to create evidence file: %w", err)
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(out, h), io.LimitReader(in, a.opts.MaxSize+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(out.Name())
		return "", "", 0, fmt.Errorf("failed to copy evidence file: %w", err)
	}
	if n > a.opts.MaxSize {
		_ = os.Remove(out.Name())
		return "", "", 0, fmt.Errorf("%w: more than %d bytes", ErrEvidenceTooLarge, a.opts.MaxSize)
	}
	return out.Name(), hex.EncodeToString(h.Sum(nil)), n, nil
}

// destination picks invoice_<tx>_<date><ext>, adding -2, -3... when a
// file of that name is already stored.
func (a *EvidenceAttacher) destination(id string, now time.Time, ext string) (string, error) {
	base := fmt.Sprintf("invoice_%s_%s", id, now.Format("2006-01-02"))
	for n := 1; n < 1000; n++ {
		name := base + ext
		if n > 1 {
			name = fmt.Sprintf("%s-%d%s", base, n, ext)
		}
		path := filepath.Join(a.opts.Dir, name)
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return path, nil
		}
	}
	return "", fmt.Errorf("too many evidence files for %s on %s", id, now.Format("2006-01-02"))
}

// Evidence lists the files attached to a transaction.
func (a *EvidenceAttacher) Evidence(ctx context.Context, transactionID string) ([]model.EvidenceFile, error) {
	ec, err := a.store.GetEnrichedContext(ctx, transactionID)
	if errors.Is(err, common.ErrNotFound) {
		if _, err := a.store.GetTransaction(ctx, transactionID); err != nil {
			return nil, fmt.Errorf("failed to load transaction: %w", err)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load enriched context: %w", err)
	}
	return ec.Files, nil
}
