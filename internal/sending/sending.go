// Package sending implements the outbound half of component G: a
// persistent per-destination queue, exponential backoff on failure, and
// federation transaction batching.
package sending

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/arborhs/homeserver/internal/kvstore"
)

// ItemKind distinguishes a queued PDU from a queued EDU. Push
// destinations only ever carry a single opaque payload item.
type ItemKind int

const (
	ItemPDU ItemKind = iota
	ItemEDU
	ItemPush
)

// Item is one unit of outbound work.
type Item struct {
	Kind    ItemKind
	Payload []byte
}

const (
	defaultMaxPDUsPerTransaction = 50
	defaultMaxEDUsPerTransaction = 100

	defaultBackoffBase = 5 * time.Minute
	defaultBackoffMax  = 24 * time.Hour
)

// Config tunes the queue's batching and backoff behaviour. A zero value
// for any field falls back to the package default.
type Config struct {
	MaxPDUsPerTransaction int
	MaxEDUsPerTransaction int
	BackoffBase           time.Duration
	BackoffMax            time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxPDUsPerTransaction <= 0 {
		c.MaxPDUsPerTransaction = defaultMaxPDUsPerTransaction
	}
	if c.MaxEDUsPerTransaction <= 0 {
		c.MaxEDUsPerTransaction = defaultMaxEDUsPerTransaction
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = defaultBackoffMax
	}
	return c
}

// Transport delivers a batched transaction to a destination. Production
// wiring is internal/federationclient; tests inject fakes.
type Transport interface {
	SendTransaction(ctx context.Context, dest Destination, txnID string, pdus, edus [][]byte) (retryAfter time.Duration, err error)
	SendPush(ctx context.Context, dest Destination, payload []byte) (retryAfter time.Duration, err error)
}

// Queue is a persistent, per-destination outbound queue with one
// background worker per destination that has pending work.
type Queue struct {
	kv        *kvstore.Store
	transport Transport
	cfg       Config

	mu      sync.Mutex
	workers map[string]chan struct{} // destination key -> wake signal
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewQueue constructs a Queue over kv, delivering through transport and
// tuned by cfg. Work persisted by a previous run is delivered once a
// later Enqueue for the same destination starts that destination's
// worker; nothing scans the sending_queue map at startup.
func NewQueue(kv *kvstore.Store, transport Transport, cfg Config) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		kv:        kv,
		transport: transport,
		cfg:       cfg.withDefaults(),
		workers:   make(map[string]chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Close stops all workers and waits for them to exit.
func (q *Queue) Close() {
	q.cancel()
	q.wg.Wait()
}

// Enqueue persists item for dest and ensures a worker is running for it.
// While a destination is in backoff, the enqueue still succeeds; the
// worker will pick the item up once its timer elapses.
func (q *Queue) Enqueue(dest Destination, item Item) error {
	prefix := dest.Prefix()
	seq, err := q.kv.NextCounter("sendq\xFF" + dest.String())
	if err != nil {
		return fmt.Errorf("sending: allocate sequence: %w", err)
	}
	key := append(append([]byte(nil), prefix...), kvstore.U64(seq)...)
	if err := q.kv.Put("sending_queue", key, encodeItem(item)); err != nil {
		return fmt.Errorf("sending: persist item: %w", err)
	}
	q.ensureWorker(dest)
	return nil
}

func (q *Queue) ensureWorker(dest Destination) {
	key := dest.String()
	q.mu.Lock()
	defer q.mu.Unlock()
	wake, ok := q.workers[key]
	if !ok {
		wake = make(chan struct{}, 1)
		q.workers[key] = wake
		q.wg.Add(1)
		go q.runWorker(dest, wake)
	}
	select {
	case wake <- struct{}{}:
	default:
	}
}

func (q *Queue) runWorker(dest Destination, wake <-chan struct{}) {
	defer q.wg.Done()
	attempt := 0

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-wake:
		}

		for {
			batch, keys, err := q.peekBatch(dest)
			if err != nil {
				logrus.WithError(err).WithField("destination", dest.String()).Error("sending: read batch")
				break
			}
			if len(batch) == 0 {
				break
			}

			retryAfter, err := q.deliver(dest, batch)
			if err != nil {
				attempt++
				delay := q.cfg.BackoffBase * (1 << uint(min(attempt, 8)))
				if delay > q.cfg.BackoffMax || delay <= 0 {
					delay = q.cfg.BackoffMax
				}
				if retryAfter > 0 && retryAfter < delay {
					delay = retryAfter
				}
				logrus.WithError(err).WithField("destination", dest.String()).
					WithField("delay", delay).Warn("sending: transaction failed, backing off")
				select {
				case <-time.After(delay):
				case <-q.ctx.Done():
					return
				}
				continue
			}

			attempt = 0
			if err := q.deleteBatch(keys); err != nil {
				logrus.WithError(err).Error("sending: delete delivered batch")
				break
			}
		}
	}
}

func (q *Queue) deliver(dest Destination, items []Item) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(q.ctx, 2*time.Minute)
	defer cancel()

	if dest.Kind == KindPush {
		return q.transport.SendPush(ctx, dest, items[0].Payload)
	}

	var pdus, edus [][]byte
	for _, it := range items {
		switch it.Kind {
		case ItemPDU:
			pdus = append(pdus, it.Payload)
		case ItemEDU:
			edus = append(edus, it.Payload)
		}
	}
	txnID := uuid.NewString()
	return q.transport.SendTransaction(ctx, dest, txnID, pdus, edus)
}

// peekBatch reads, without removing, up to cfg.MaxPDUsPerTransaction PDUs
// and cfg.MaxEDUsPerTransaction EDUs for dest in insertion order.
func (q *Queue) peekBatch(dest Destination) ([]Item, [][]byte, error) {
	prefix := dest.Prefix()
	var items []Item
	var keys [][]byte
	pdus, edus := 0, 0

	err := q.kv.PrefixIter("sending_queue", prefix, func(k, v []byte) error {
		item, err := decodeItem(v)
		if err != nil {
			return err
		}
		switch item.Kind {
		case ItemPDU:
			if pdus >= q.cfg.MaxPDUsPerTransaction {
				return kvstore.ErrStopIteration
			}
			pdus++
		case ItemEDU:
			if edus >= q.cfg.MaxEDUsPerTransaction {
				return kvstore.ErrStopIteration
			}
			edus++
		case ItemPush:
			if len(items) > 0 {
				return kvstore.ErrStopIteration
			}
		}
		items = append(items, item)
		keys = append(keys, append([]byte(nil), k...))
		return nil
	})
	return items, keys, err
}

func (q *Queue) deleteBatch(keys [][]byte) error {
	for _, k := range keys {
		if err := q.kv.Delete("sending_queue", k); err != nil {
			return err
		}
	}
	return nil
}

func encodeItem(item Item) []byte {
	buf := make([]byte, 1+len(item.Payload))
	buf[0] = byte(item.Kind)
	copy(buf[1:], item.Payload)
	return buf
}

func decodeItem(raw []byte) (Item, error) {
	if len(raw) < 1 {
		return Item{}, fmt.Errorf("sending: corrupt queue item")
	}
	return Item{Kind: ItemKind(raw[0]), Payload: append([]byte(nil), raw[1:]...)}, nil
}
