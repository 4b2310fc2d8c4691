package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker/v2"

	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/model"
	"github.com/Veraticus/taxflow/internal/service"
)

// NATSOptions configures the NATS sink.
type NATSOptions struct {
	URL            string
	Subject        string
	AnswersSubject string
	QueueGroup     string
	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
	MaxReconnects  int
	Retry          service.RetryOptions
}

func (o NATSOptions) withDefaults() NATSOptions {
	if o.Subject == "" {
		o.Subject = "taxflow.questions"
	}
	if o.AnswersSubject == "" {
		o.AnswersSubject = "taxflow.answers"
	}
	if o.QueueGroup == "" {
		o.QueueGroup = "taxflow"
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 2 * time.Second
	}
	if o.ReconnectWait <= 0 {
		o.ReconnectWait = 2 * time.Second
	}
	if o.MaxReconnects <= 0 {
		o.MaxReconnects = 60
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry = common.DefaultRetryOptions()
	}
	return o
}

// publisher is the part of *nats.Conn the sink publishes through.
type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes batches as JSON and consumes answer events.
type NATSSink struct {
	conn    *nats.Conn
	pub     publisher
	breaker *gobreaker.CircuitBreaker[struct{}]
	logger  *slog.Logger
	opts    NATSOptions
}

// NewNATSSink connects to the server at opts.URL.
func NewNATSSink(opts NATSOptions) (*NATSSink, error) {
	opts = opts.withDefaults()
	logger := slog.Default().With("component", "notify", "sink", "nats")

	conn, err := nats.Connect(
		opts.URL,
		nats.Name("taxflow"),
		nats.Timeout(opts.ConnectTimeout),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	s := newNATSSink(conn, opts, logger)
	s.conn = conn
	return s, nil
}

func newNATSSink(pub publisher, opts NATSOptions, logger *slog.Logger) *NATSSink {
	opts = opts.withDefaults()
	return &NATSSink{
		pub:    pub,
		opts:   opts,
		logger: logger,
		breaker: gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        "nats.publish",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: func(err error) bool {
				return err == nil || !classifyNATSError(err).RecordFailure
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("NATS circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

// Close drains and closes the connection.
func (s *NATSSink) Close() {
	if s.conn != nil {
		s.conn.Close()
	}
}

// Dispatch implements Sink. Each batch is one message on the subject.
func (s *NATSSink) Dispatch(ctx context.Context, batch Batch) (DeliveryResult, error) {
	if batch.IsEmpty() {
		return DeliveryResult{BatchID: batch.ID, Status: StatusSkipped}, nil
	}
	data, err := json.Marshal(batch)
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("encode batch: %w", err)
	}

	subject := s.opts.Subject + "." + string(batch.Kind)
	err = common.WithRetry(ctx, func() error {
		_, err := s.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, s.pub.Publish(subject, data)
		})
		if err == nil {
			return nil
		}
		if !classifyNATSError(err).Retryable {
			return &common.RetryableError{Err: err, Retryable: false}
		}
		return err
	}, s.opts.Retry)
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("nats publish %s: %w", subject, err)
	}

	s.logger.Info("Batch published", "batch_id", batch.ID, "subject", subject, "transactions", len(batch.Sets))
	return DeliveryResult{BatchID: batch.ID, Status: StatusSent, Delivered: len(batch.Sets)}, nil
}

// SubscribeAnswers feeds answer events to handler until ctx is done.
func (s *NATSSink) SubscribeAnswers(ctx context.Context, handler AnswerHandler) error {
	if s.conn == nil {
		return errors.New("nats: not connected")
	}
	sub, err := s.conn.QueueSubscribe(s.opts.AnswersSubject, s.opts.QueueGroup, func(msg *nats.Msg) {
		if ctx.Err() != nil {
			return
		}
		if err := s.handleMessage(ctx, msg.Data, handler); err != nil {
			s.logger.Error("Answer handling failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	if err := s.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := s.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func (s *NATSSink) handleMessage(ctx context.Context, data []byte, handler AnswerHandler) error {
	answer, err := DecodeAnswer(data)
	if err != nil {
		return err
	}
	return handler.HandleAnswer(ctx, answer)
}

// DecodeAnswer parses an answer event: {"tx_id": ..., "q_id": ..., "answer": ...}.
func DecodeAnswer(data []byte) (model.Answer, error) {
	var a model.Answer
	if err := json.Unmarshal(data, &a); err != nil {
		return model.Answer{}, fmt.Errorf("decode answer: %w", err)
	}
	a.TransactionID = strings.TrimSpace(a.TransactionID)
	a.QuestionID = strings.TrimSpace(a.QuestionID)
	if a.TransactionID == "" || a.QuestionID == "" {
		return model.Answer{}, fmt.Errorf("decode answer: %w", ErrIncompleteAnswer)
	}
	if a.ReceivedAt.IsZero() {
		a.ReceivedAt = time.Now()
	}
	return a, nil
}

// ErrIncompleteAnswer is returned for answer events missing an id.
var ErrIncompleteAnswer = errors.New("answer is missing transaction or question id")

func classifyNATSError(err error) ErrorClassification {
	if err == nil {
		return ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassification{}
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrorClassification{Retryable: false, RecordFailure: false}
	}
	if errors.Is(err, nats.ErrNoServers) ||
		errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, nats.ErrConnectionClosed) ||
		errors.Is(err, nats.ErrDisconnected) ||
		errors.Is(err, nats.ErrConnectionReconnecting) {
		return ErrorClassification{Retryable: true, RecordFailure: true}
	}
	return ErrorClassification{Retryable: false, RecordFailure: true}
}

// ErrorClassification says how a transport failure is retried and counted.
type ErrorClassification struct {
	Retryable     bool
	RecordFailure bool
}

var _ Sink = (*NATSSink)(nil)
