// Package publish mirrors lifecycle markers and state snapshots onto a NATS
// subject tree so other systems (dashboards, home automation) can follow
// the key without a websocket.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"pkt.systems/keyd/internal/core"
	"pkt.systems/keyd/internal/svcfields"
	"pkt.systems/pslog"
)

// DefaultPrefix is the subject root used when Config.Prefix is empty.
const DefaultPrefix = "keyd"

// StateKey is the key holding the latest snapshot in the state bucket.
const StateKey = "state"

const kvTimeout = 5 * time.Second

// Publisher is the message-bus side channel: a core.Marker and a broadcast
// observer.
type Publisher interface {
	core.Marker
	Deliver(core.Event) error
	Close() error
}

// Config configures the NATS publisher.
type Config struct {
	URL    string
	Prefix string
	// StateBucket, when set, names a JetStream key-value bucket that retains
	// the latest snapshot under StateKey for late subscribers.
	StateBucket string
	Logger      pslog.Logger
}

type publishConn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

type stateStore interface {
	Put(ctx context.Context, key string, value []byte) (uint64, error)
}

// NATS publishes to a NATS server.
type NATS struct {
	conn   publishConn
	kv     stateStore
	prefix string
	logger pslog.Logger

	latest    chan []byte
	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Connect dials the server and, when configured, binds the state bucket.
func Connect(ctx context.Context, cfg Config) (*NATS, error) {
	if cfg.URL == "" {
		return nil, errors.New("publish: nats url required")
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "publish.nats")
	conn, err := nats.Connect(cfg.URL,
		nats.Name("keyd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("publish: connect to nats: %w", err)
	}
	var kv stateStore
	if cfg.StateBucket != "" {
		kv, err = bindBucket(ctx, conn, cfg.StateBucket)
		if err != nil {
			conn.Close()
			return nil, err
		}
	}
	logger.Info("publisher connected", "url", cfg.URL, "prefix", prefixOrDefault(cfg.Prefix), "state_bucket", cfg.StateBucket)
	return newNATS(conn, kv, cfg.Prefix, logger), nil
}

func bindBucket(ctx context.Context, conn *nats.Conn, bucket string) (jetstream.KeyValue, error) {
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("publish: jetstream: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, kvTimeout)
	defer cancel()
	kv, err := js.KeyValue(ctx, bucket)
	if err == nil {
		return kv, nil
	}
	kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Latest keyd state snapshot",
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("publish: create state bucket %s: %w", bucket, err)
	}
	return kv, nil
}

func prefixOrDefault(prefix string) string {
	prefix = strings.Trim(prefix, ". ")
	if prefix == "" {
		return DefaultPrefix
	}
	return prefix
}

func newNATS(conn publishConn, kv stateStore, prefix string, logger pslog.Logger) *NATS {
	n := &NATS{
		conn:   conn,
		kv:     kv,
		prefix: prefixOrDefault(prefix),
		logger: svcfields.EnsureLogger(logger),
		latest: make(chan []byte, 1),
		stop:   make(chan struct{}),
	}
	if kv != nil {
		n.wg.Add(1)
		go n.retainLoop()
	}
	return n
}

func (n *NATS) subject(topic string) string {
	return n.prefix + "." + topic
}

// Mark publishes name on <prefix>.<topic>.
func (n *NATS) Mark(topic, name string) {
	if err := n.conn.Publish(n.subject(topic), []byte(name)); err != nil {
		n.logger.Warn("marker publish failed", "topic", topic, "name", name, "error", err)
	}
}

// Deliver publishes the event's snapshot on <prefix>.state and queues it
// for the state bucket.
func (n *NATS) Deliver(ev core.Event) error {
	data, err := json.Marshal(ev.State)
	if err != nil {
		return err
	}
	if err := n.conn.Publish(n.subject(StateKey), data); err != nil {
		return fmt.Errorf("publish state: %w", err)
	}
	if n.kv != nil {
		n.offer(data)
	}
	return nil
}

// offer replaces any snapshot still waiting for the bucket.
func (n *NATS) offer(data []byte) {
	for {
		select {
		case n.latest <- data:
			return
		default:
		}
		select {
		case <-n.latest:
		default:
		}
	}
}

func (n *NATS) retainLoop() {
	defer n.wg.Done()
	for {
		select {
		case <-n.stop:
			return
		case data := <-n.latest:
			ctx, cancel := context.WithTimeout(context.Background(), kvTimeout)
			if _, err := n.kv.Put(ctx, StateKey, data); err != nil {
				n.logger.Warn("state bucket update failed", "error", err)
			}
			cancel()
		}
	}
}

// Close drains pending publishes and stops the bucket writer.
func (n *NATS) Close() error {
	var err error
	n.closeOnce.Do(func() {
		close(n.stop)
		n.wg.Wait()
		err = n.conn.Drain()
	})
	return err
}

// Noop discards everything.
type Noop struct{}

func (Noop) Mark(string, string)      {}
func (Noop) Deliver(core.Event) error { return nil }
func (Noop) Close() error             { return nil }

var (
	_ Publisher = (*NATS)(nil)
	_ Publisher = Noop{}
)
