package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/statsrag/internal/infrastructure/resilience"
)

const (
	DefaultDocumentSubject = "documents.submitted"
	DefaultIndexSubject    = "index.updated"
	workerQueueGroup       = "workers"
)

type Queue struct {
	conn            *nats.Conn
	documentSubject string
	indexSubject    string
	executor        *resilience.Executor
}

type Options struct {
	DocumentSubject      string
	IndexSubject         string
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
}

func New(url string, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}

	conn, err := nats.Connect(
		url,
		nats.Name("statsrag"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return newQueue(conn, options), nil
}

func newQueue(conn *nats.Conn, options Options) *Queue {
	q := &Queue{
		conn:            conn,
		documentSubject: options.DocumentSubject,
		indexSubject:    options.IndexSubject,
		executor:        options.ResilienceExecutor,
	}
	if q.documentSubject == "" {
		q.documentSubject = DefaultDocumentSubject
	}
	if q.indexSubject == "" {
		q.indexSubject = DefaultIndexSubject
	}
	return q
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) PublishDocumentSubmitted(ctx context.Context, documentID string) error {
	return q.publish(ctx, q.documentSubject, documentID)
}

func (q *Queue) PublishIndexUpdated(ctx context.Context, modelID string) error {
	return q.publish(ctx, q.indexSubject, modelID)
}

// SubscribeDocumentSubmitted load-balances submitted documents across the
// worker queue group and blocks until ctx ends.
func (q *Queue) SubscribeDocumentSubmitted(ctx context.Context, handler func(context.Context, string) error) error {
	return q.consume(ctx, q.documentSubject, workerQueueGroup, handler)
}

// SubscribeIndexUpdated delivers every snapshot announcement to every
// subscriber, so all API replicas reload.
func (q *Queue) SubscribeIndexUpdated(ctx context.Context, handler func(context.Context, string) error) error {
	return q.consume(ctx, q.indexSubject, "", handler)
}

func (q *Queue) publish(ctx context.Context, subject, payload string) error {
	call := func(_ context.Context) error {
		if err := q.conn.Publish(subject, []byte(payload)); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	var err error
	if q.executor != nil {
		err = q.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	return publishError(subject, err)
}

func (q *Queue) consume(ctx context.Context, subject, group string, handler func(context.Context, string) error) error {
	cb := func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := handler(handlerCtx, string(msg.Data)); err != nil {
			slog.Error("queue_handler_failed", "subject", subject, "payload", string(msg.Data), "error", err)
		}
	}

	var (
		sub *nats.Subscription
		err error
	)
	if group != "" {
		sub, err = q.conn.QueueSubscribe(subject, group, cb)
	} else {
		sub, err = q.conn.Subscribe(subject, cb)
	}
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}
