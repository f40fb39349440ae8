package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/latoulicious/Vivace/pkg/database"
	"github.com/latoulicious/Vivace/pkg/logging"
	"github.com/latoulicious/Vivace/pkg/metrics"
	"github.com/latoulicious/Vivace/pkg/music"
)

// write is the latest pending operation for one guild. A nil data deletes.
type write struct {
	data []byte
}

// persister writes snapshots off the session goroutines. Only the newest
// pending write per guild is kept; older ones are overwritten before they
// reach the store.
type persister struct {
	store   database.Store
	timeout time.Duration
	logger  logging.Logger
	metrics *metrics.Collector

	mu      sync.Mutex
	pending map[string]write

	// failed is owned by the worker: guilds whose latest write failed.
	failed map[string]error

	wake   chan struct{}
	flush  chan chan error
	done   chan struct{}
	exited chan struct{}
	once   sync.Once
}

func newPersister(store database.Store, timeout time.Duration, logger logging.Logger, m *metrics.Collector) *persister {
	p := &persister{
		store:   store,
		timeout: timeout,
		logger:  logger,
		metrics: m,
		pending: make(map[string]write),
		failed:  make(map[string]error),
		wake:    make(chan struct{}, 1),
		flush:   make(chan chan error),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	go p.run()
	return p
}

// Put queues a snapshot write. It never blocks on the store.
func (p *persister) Put(guildID string, data []byte) {
	p.submit(guildID, write{data: data})
}

// Delete queues removal of the guild's record.
func (p *persister) Delete(guildID string) {
	p.submit(guildID, write{})
}

func (p *persister) submit(guildID string, w write) {
	p.mu.Lock()
	p.pending[guildID] = w
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Flush waits until everything queued so far has been written and reports
// the guilds whose latest write failed since the previous flush.
func (p *persister) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case p.flush <- reply:
	case <-p.exited:
		return music.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close writes what is pending and stops the worker.
func (p *persister) Close() {
	p.once.Do(func() { close(p.done) })
	<-p.exited
}

func (p *persister) run() {
	defer close(p.exited)
	for {
		select {
		case <-p.wake:
			p.drain()
		case reply := <-p.flush:
			p.drain()
			reply <- p.report()
		case <-p.done:
			p.drain()
			return
		}
	}
}

func (p *persister) drain() {
	p.mu.Lock()
	batch := p.pending
	p.pending = make(map[string]write)
	p.mu.Unlock()

	for guildID, w := range batch {
		if err := p.apply(guildID, w); err != nil {
			p.failed[guildID] = err
		} else {
			delete(p.failed, guildID)
		}
	}
}

func (p *persister) report() error {
	if len(p.failed) == 0 {
		return nil
	}
	ids := make([]string, 0, len(p.failed))
	for id := range p.failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	errs := make([]error, len(ids))
	for i, id := range ids {
		errs[i] = p.failed[id]
	}
	p.failed = make(map[string]error)
	return errors.Join(errs...)
}

func (p *persister) apply(guildID string, w write) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	op := "put"
	var err error
	if w.data == nil {
		op = "delete"
		err = p.store.Delete(ctx, guildID)
	} else {
		err = p.store.Put(ctx, guildID, w.data)
	}

	if err != nil {
		err = fmt.Errorf("%w: %s guild %s: %v", music.ErrPersistence, op, guildID, err)
		p.metrics.Counter(metrics.PersistTotal, 1, map[string]string{"op": op, "result": "error"})
		p.metrics.Error("session", err)
		p.logger.Warn("Snapshot write failed", logging.Guild(guildID), logging.String("op", op), logging.Error(err))
		return err
	}
	p.metrics.Counter(metrics.PersistTotal, 1, map[string]string{"op": op, "result": "ok"})
	return nil
}
