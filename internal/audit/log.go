package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/haatos/simple-cd/internal/fault"
	"github.com/haatos/simple-cd/internal/store"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const (
	defaultFanoutBuffer = 256
	verifyPageSize      = 500
	deliverTimeout      = 5 * time.Second
)

// Log is the durable, hash-chained audit log. Appends are serialized so
// that sequence numbers and hash links are gapless.
type Log struct {
	store store.AuditStore
	clock clockwork.Clock
	sinks []Sink

	mu       sync.Mutex
	loaded   bool
	lastSeq  int64
	lastHash string
	closed   bool

	fanout chan Event
	wg     sync.WaitGroup
}

type Option func(*Log)

func WithClock(c clockwork.Clock) Option {
	return func(l *Log) { l.clock = c }
}

func WithSinks(sinks ...Sink) Option {
	return func(l *Log) { l.sinks = append(l.sinks, sinks...) }
}

func NewLog(s store.AuditStore, opts ...Option) *Log {
	l := &Log{
		store:  s,
		clock:  clockwork.NewRealClock(),
		fanout: make(chan Event, defaultFanoutBuffer),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.wg.Add(1)
	go l.deliver()
	return l
}

// Append persists e as the next event in the chain and hands it to the
// sinks without waiting for them.
func (l *Log) Append(ctx context.Context, e Event) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return Event{}, fault.New(fault.KindInternal, "audit", "append", fault.ErrShutdown)
	}
	if err := l.loadTail(ctx); err != nil {
		return Event{}, err
	}

	e.Seq = l.lastSeq + 1
	e.OccurredOn = l.clock.Now().UTC().Truncate(time.Microsecond)
	e.PrevHash = l.lastHash
	hash, err := hashEvent(e)
	if err != nil {
		return Event{}, fmt.Errorf("hashing audit event: %w", err)
	}
	e.Hash = hash

	row, err := toRow(e)
	if err != nil {
		return Event{}, err
	}
	if err := l.store.CreateAuditEvent(ctx, row); err != nil {
		return Event{}, fault.Infrastructure("audit", "append", err).With("kind", string(e.Kind))
	}
	l.lastSeq = e.Seq
	l.lastHash = e.Hash

	if len(l.sinks) > 0 {
		select {
		case l.fanout <- e:
		default:
			log.Warn().Int64("seq", e.Seq).Str("kind", string(e.Kind)).
				Msg("audit fan-out buffer full, event not delivered to sinks")
		}
	}
	return e, nil
}

func (l *Log) loadTail(ctx context.Context) error {
	if l.loaded {
		return nil
	}
	latest, err := l.store.ReadLatestAuditEvent(ctx)
	if err != nil && !errors.Is(err, fault.ErrNotFound) {
		return fault.Infrastructure("audit", "load", err)
	}
	if latest != nil {
		l.lastSeq = latest.Seq
		l.lastHash = latest.Hash
	}
	l.loaded = true
	return nil
}

func (l *Log) deliver() {
	defer l.wg.Done()
	for e := range l.fanout {
		for _, sink := range l.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
			if err := sink.Deliver(ctx, e); err != nil {
				log.Warn().Err(err).Int64("seq", e.Seq).Msg("audit sink delivery failed")
			}
			cancel()
		}
	}
}

// Close stops accepting events and waits for pending sink deliveries.
func (l *Log) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.fanout)
	l.mu.Unlock()
	l.wg.Wait()
}

// Verify walks the whole chain and returns the number of events checked.
// A broken link is reported as a *ChainError.
func (l *Log) Verify(ctx context.Context) (int64, error) {
	var (
		checked  int64
		prevSeq  int64
		prevHash string
	)
	for {
		rows, err := l.store.ListAuditEvents(ctx, prevSeq, verifyPageSize)
		if err != nil {
			return checked, err
		}
		for _, row := range rows {
			e, err := fromRow(row)
			if err != nil {
				return checked, &ChainError{Seq: row.Seq, Reason: err.Error()}
			}
			if e.Seq != prevSeq+1 {
				return checked, &ChainError{Seq: e.Seq, Reason: fmt.Sprintf("expected seq %d", prevSeq+1)}
			}
			if e.PrevHash != prevHash {
				return checked, &ChainError{Seq: e.Seq, Reason: "previous hash mismatch"}
			}
			hash, err := hashEvent(e)
			if err != nil {
				return checked, err
			}
			if hash != e.Hash {
				return checked, &ChainError{Seq: e.Seq, Reason: "hash mismatch"}
			}
			prevSeq = e.Seq
			prevHash = e.Hash
			checked++
		}
		if len(rows) < verifyPageSize {
			return checked, nil
		}
	}
}

func (l *Log) List(ctx context.Context, after, limit int64) ([]Event, error) {
	rows, err := l.store.ListAuditEvents(ctx, after, limit)
	if err != nil {
		return nil, err
	}
	return fromRows(rows)
}

func (l *Log) ForSubject(ctx context.Context, subject string) ([]Event, error) {
	rows, err := l.store.ListSubjectAuditEvents(ctx, subject)
	if err != nil {
		return nil, err
	}
	return fromRows(rows)
}

func toRow(e Event) (*store.AuditEvent, error) {
	attrs := []byte("{}")
	if len(e.Attributes) > 0 {
		var err error
		if attrs, err = json.Marshal(e.Attributes); err != nil {
			return nil, err
		}
	}
	return &store.AuditEvent{
		Seq:        e.Seq,
		Kind:       string(e.Kind),
		Component:  e.Component,
		Subject:    e.Subject,
		Actor:      e.Actor,
		Attributes: string(attrs),
		OccurredOn: e.OccurredOn,
		PrevHash:   e.PrevHash,
		Hash:       e.Hash,
	}, nil
}

func fromRow(row *store.AuditEvent) (Event, error) {
	var attrs map[string]string
	if row.Attributes != "" && row.Attributes != "{}" {
		if err := json.Unmarshal([]byte(row.Attributes), &attrs); err != nil {
			return Event{}, err
		}
	}
	return Event{
		Seq:        row.Seq,
		Kind:       Kind(row.Kind),
		Component:  row.Component,
		Subject:    row.Subject,
		Actor:      row.Actor,
		Attributes: attrs,
		OccurredOn: row.OccurredOn.UTC(),
		PrevHash:   row.PrevHash,
		Hash:       row.Hash,
	}, nil
}

func fromRows(rows []*store.AuditEvent) ([]Event, error) {
	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		e, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}
