package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/model"
)

// SaveQuestionSet stores the validated questions dispatched for a
// transaction, replacing any earlier set for it.
func (s *SQLiteStorage) SaveQuestionSet(ctx context.Context, set model.QuestionSet) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	txnID := set.Transaction.ID
	if err := validateString(txnID, "transactionID"); err != nil {
		return err
	}

	evidence, err := marshalJSON(set.Evidence)
	if err != nil {
		return err
	}
	contextJSON, err := marshalJSON(set.Context)
	if err != nil {
		return err
	}
	createdAt := set.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM questions WHERE transaction_id = ?`, txnID); err != nil {
			return fmt.Errorf("failed to clear questions: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO question_sets (
				transaction_id, run_id, category, coverage, evidence, context_json, needs_review, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			txnID, set.RunID, string(set.Category), string(set.Coverage), evidence, contextJSON,
			boolToInt(set.NeedsReview), createdAt.UTC()); err != nil {
			return fmt.Errorf("failed to save question set: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO questions (
				transaction_id, question_id, position, kind, content, question_type, options,
				source, original_source, confidence, verdict, hallucination_flags
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for i, q := range set.Questions {
			options, err := marshalJSON(q.Options)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx,
				txnID, q.ID, i, string(q.Kind), q.Content, string(q.QuestionType), options,
				q.Source, q.OriginalSource, string(q.Confidence), string(q.Verdict), q.HallucinationFlags,
			); err != nil {
				return fmt.Errorf("failed to insert question %s: %w", q.ID, err)
			}
		}
		return nil
	})
}

// GetQuestionSet returns the stored set for a transaction, including its
// assembled context.
func (s *SQLiteStorage) GetQuestionSet(ctx context.Context, transactionID string) (*model.QuestionSet, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(transactionID, "transactionID"); err != nil {
		return nil, err
	}

	var (
		set                   model.QuestionSet
		runID, evidence, actx sql.NullString
		category, coverage    string
		needsReview           int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, category, coverage, evidence, context_json, needs_review, created_at
		FROM question_sets WHERE transaction_id = ?`, transactionID).
		Scan(&runID, &category, &coverage, &evidence, &actx, &needsReview, &set.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("question set %s: %w", transactionID, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get question set: %w", err)
	}

	set.RunID = runID.String
	set.Category = model.Category(category)
	set.Coverage = model.Coverage(coverage)
	set.NeedsReview = needsReview != 0
	if err := unmarshalJSON(evidence.String, &set.Evidence); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(actx.String, &set.Context); err != nil {
		return nil, err
	}

	txn, err := s.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	set.Transaction = *txn

	set.Questions, err = s.GetQuestions(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	return &set, nil
}

// GetQuestions returns a transaction's questions in asking order.
func (s *SQLiteStorage) GetQuestions(ctx context.Context, transactionID string) ([]model.GeneratedAnswer, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(transactionID, "transactionID"); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT question_id, kind, content, question_type, options, source, original_source,
			confidence, verdict, hallucination_flags
		FROM questions WHERE transaction_id = ? ORDER BY position`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query questions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.GeneratedAnswer
	for rows.Next() {
		var (
			q                                 model.GeneratedAnswer
			kind, confidence                  string
			qType, options, original, verdict sql.NullString
		)
		if err := rows.Scan(&q.ID, &kind, &q.Content, &qType, &options, &q.Source, &original,
			&confidence, &verdict, &q.HallucinationFlags); err != nil {
			return nil, fmt.Errorf("failed to scan question: %w", err)
		}
		q.Kind = model.AnswerKind(kind)
		q.QuestionType = model.QuestionType(qType.String)
		q.OriginalSource = original.String
		q.Confidence = model.ConfidenceTier(confidence)
		q.Verdict = model.Verdict(verdict.String)
		if err := unmarshalJSON(options.String, &q.Options); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate questions: %w", err)
	}
	return out, nil
}

// RecordAnswer stores an answer at most once. It reports false when the
// question was already answered; the first answer wins.
func (s *SQLiteStorage) RecordAnswer(ctx context.Context, answer model.Answer) (bool, error) {
	if err := validateContext(ctx); err != nil {
		return false, err
	}
	if err := validateString(answer.TransactionID, "transactionID"); err != nil {
		return false, err
	}
	if err := validateString(answer.QuestionID, "questionID"); err != nil {
		return false, err
	}
	receivedAt := answer.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO answers (transaction_id, question_id, value, received_at)
		VALUES (?, ?, ?, ?)`,
		answer.TransactionID, answer.QuestionID, answer.Value, receivedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to record answer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return n == 1, nil
}

// GetAnswers returns a transaction's answers in arrival order.
func (s *SQLiteStorage) GetAnswers(ctx context.Context, transactionID string) ([]model.Answer, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(transactionID, "transactionID"); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_id, question_id, value, received_at
		FROM answers WHERE transaction_id = ? ORDER BY received_at, question_id`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query answers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Answer
	for rows.Next() {
		var a model.Answer
		if err := rows.Scan(&a.TransactionID, &a.QuestionID, &a.Value, &a.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan answer: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate answers: %w", err)
	}
	return out, nil
}

// SaveEnrichedContext inserts or replaces the context of a transaction.
func (s *SQLiteStorage) SaveEnrichedContext(ctx context.Context, ec *model.EnrichedContext) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if ec == nil {
		return fmt.Errorf("%w: enriched context", ErrNilParameter)
	}
	if err := validateString(ec.ID, "id"); err != nil {
		return err
	}
	if err := validateString(ec.TransactionID, "transactionID"); err != nil {
		return err
	}

	now := time.Now()
	if ec.CreatedAt.IsZero() {
		ec.CreatedAt = now
	}
	ec.UpdatedAt = now

	data, err := marshalJSON(ec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO enriched_contexts (id, transaction_id, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(transaction_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		ec.ID, ec.TransactionID, data, ec.CreatedAt.UTC(), ec.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save enriched context: %w", err)
	}
	return nil
}

// GetEnrichedContext returns the context attached to a transaction.
func (s *SQLiteStorage) GetEnrichedContext(ctx context.Context, transactionID string) (*model.EnrichedContext, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(transactionID, "transactionID"); err != nil {
		return nil, err
	}

	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM enriched_contexts WHERE transaction_id = ?`, transactionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("enriched context %s: %w", transactionID, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get enriched context: %w", err)
	}

	var ec model.EnrichedContext
	if err := unmarshalJSON(data, &ec); err != nil {
		return nil, err
	}
	return &ec, nil
}

// AddLink records an undirected relation. Adding it twice is a no-op.
func (s *SQLiteStorage) AddLink(ctx context.Context, link model.TransactionLink) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(link.A, "a"); err != nil {
		return err
	}
	if err := validateString(link.B, "b"); err != nil {
		return err
	}
	if link.A == link.B {
		return fmt.Errorf("%w: a transaction cannot be linked to itself", ErrInvalidTransaction)
	}

	link = link.Normalized()
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO transaction_links (a, b) VALUES (?, ?)`, link.A, link.B); err != nil {
		return fmt.Errorf("failed to add link: %w", err)
	}
	return nil
}

// GetLinks returns every link touching any of the given transactions.
func (s *SQLiteStorage) GetLinks(ctx context.Context, transactionIDs []string) ([]model.TransactionLink, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if len(transactionIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(transactionIDs)), ", ")
	args := make([]any, 0, 2*len(transactionIDs))
	for _, id := range transactionIDs {
		args = append(args, id)
	}
	args = append(args, args...)

	// #nosec G202 - only placeholders are concatenated
	rows, err := s.db.QueryContext(ctx, `
		SELECT a, b FROM transaction_links
		WHERE a IN (`+placeholders+`) OR b IN (`+placeholders+`)
		ORDER BY a, b`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query links: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.TransactionLink
	for rows.Next() {
		var l model.TransactionLink
		if err := rows.Scan(&l.A, &l.B); err != nil {
			return nil, fmt.Errorf("failed to scan link: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate links: %w", err)
	}
	return out, nil
}
