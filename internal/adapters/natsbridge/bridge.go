// Package natsbridge forwards bus samples to NATS so processes other than
// the acquisition host can follow a session.
package natsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/nats-io/nats.go"

	"github.com/JustinD-T/Quantum-Subradience/internal/domain"
)

const defaultFlushTimeout = 2 * time.Second

// conn is the part of *nats.Conn the bridge uses.
type conn interface {
	Publish(subject string, data []byte) error
	FlushTimeout(timeout time.Duration) error
	Drain() error
}

// Bridge publishes every sample as JSON on "<prefix>.<instrument id>".
type Bridge struct {
	nc     conn
	prefix string
	log    logr.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

// Dial connects to url and keeps reconnecting for as long as the bridge
// lives. Samples published while disconnected are buffered by the client.
func Dial(url, prefix, clientName string, log logr.Logger) (*Bridge, error) {
	nc, err := nats.Connect(url,
		nats.Name(clientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Error(err, "nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return New(nc, prefix, log), nil
}

func New(nc conn, prefix string, log logr.Logger) *Bridge {
	if prefix == "" {
		prefix = "labflow.samples"
	}
	return &Bridge{nc: nc, prefix: strings.TrimSuffix(prefix, "."), log: log}
}

func (b *Bridge) Name() string { return "nats" }

// Subject is the subject samples of instrument id are published on.
func (b *Bridge) Subject(id string) string {
	return b.prefix + "." + subjectToken(id)
}

func (b *Bridge) Consume(_ context.Context, s *domain.Sample) error {
	data, err := json.Marshal(s)
	if err != nil {
		// non-finite values have no JSON form
		b.failed.Add(1)
		b.log.Error(err, "encode sample", "instrument", s.InstrumentID, "seq", s.Seq)
		return nil
	}
	if err := b.nc.Publish(b.Subject(s.InstrumentID), data); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return err
		}
		b.failed.Add(1)
		b.log.V(1).Info("nats publish failed", "instrument", s.InstrumentID, "error", err.Error())
		return nil
	}
	b.published.Add(1)
	return nil
}

// Flush waits until the server acknowledged everything published so far.
func (b *Bridge) Flush(ctx context.Context) error {
	timeout := defaultFlushTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if timeout <= 0 {
		return context.DeadlineExceeded
	}
	return b.nc.FlushTimeout(timeout)
}

func (b *Bridge) Close() error { return b.nc.Drain() }

func (b *Bridge) Stats() (published, failed uint64) {
	return b.published.Load(), b.failed.Load()
}

// subjectToken replaces characters NATS treats as token separators or
// wildcards.
func subjectToken(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, id)
}
