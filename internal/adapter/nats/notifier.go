// Package nats announces built datasets on a NATS subject.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/flood-mesh-etl/internal/config"
	"github.com/couchcryptid/flood-mesh-etl/internal/domain"
	natsgo "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// flushTimeout bounds the server round trip when the caller's context has no
// deadline.
const flushTimeout = 5 * time.Second

// headerCarrier adapts nats.Msg headers for OTel TextMapCarrier.
type headerCarrier natsgo.Msg

func (c *headerCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *headerCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(natsgo.Header)
	}
	c.Header.Set(key, val)
}

func (c *headerCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// Notifier publishes bundle manifests as JSON.
type Notifier struct {
	nc      *natsgo.Conn
	subject string
	owned   bool
	logger  *slog.Logger
}

// NewNotifier connects to the configured NATS server.
func NewNotifier(cfg *config.Config, logger *slog.Logger) (*Notifier, error) {
	nc, err := natsgo.Connect(cfg.NATSURL,
		natsgo.Name("flood-mesh-etl"),
		natsgo.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Notifier{nc: nc, subject: cfg.NATSSubject, owned: true, logger: logger}, nil
}

// NewNotifierWithConn publishes over an existing connection, which the
// caller keeps ownership of.
func NewNotifierWithConn(nc *natsgo.Conn, subject string, logger *slog.Logger) *Notifier {
	return &Notifier{nc: nc, subject: subject, logger: logger}
}

// Publish sends the manifest and waits up to the context deadline, or
// flushTimeout without one, for the server to acknowledge the flush. Trace
// context from ctx is injected into the message headers.
func (n *Notifier) Publish(ctx context.Context, m domain.Manifest) error {
	msg, err := newMessage(ctx, n.subject, m)
	if err != nil {
		return err
	}
	if err := n.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish manifest: %w", err)
	}
	// FlushWithContext rejects contexts without a deadline.
	fctx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, flushTimeout)
		defer cancel()
	}
	if err := n.nc.FlushWithContext(fctx); err != nil {
		return fmt.Errorf("flush nats: %w", err)
	}
	n.logger.Info("manifest announced", "subject", n.subject, "key", m.Key())
	return nil
}

// Close drains the connection if the notifier opened it.
func (n *Notifier) Close() error {
	if !n.owned {
		return nil
	}
	return n.nc.Drain()
}

func newMessage(ctx context.Context, subject string, m domain.Manifest) (*natsgo.Msg, error) {
	data, err := m.Marshal()
	if err != nil {
		return nil, err
	}
	msg := &natsgo.Msg{
		Subject: subject,
		Data:    data,
		Header:  natsgo.Header{},
	}
	msg.Header.Set("Dataset", m.Dataset)
	msg.Header.Set("Manifest-Key", m.Key())
	otel.GetTextMapPropagator().Inject(ctx, (*headerCarrier)(msg))
	return msg, nil
}
