package keypool

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

const DefaultTTL = 24 * time.Hour

var (
	ErrNoKeys   = errors.New("key pool needs at least one key")
	ErrEmptyKey = errors.New("key must not be empty")
	ErrBadTTL   = errors.New("blacklist ttl must be positive")
)

// Selection is the key handed out by SelectActive. Degraded is set when no key
// was active and the one closest to recovery was returned instead.
type Selection struct {
	Index    int
	Secret   string
	MaskedID string
	Degraded bool
}

type Pool struct {
	mutex    sync.Mutex
	provider string
	records  []*record
	current  int
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger
	sink     EventSink
	seq      uint64
}

type Option func(*Pool)

func WithTTL(ttl time.Duration) Option {
	return func(p *Pool) { p.ttl = ttl }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

func WithEventSink(sink EventSink) Option {
	return func(p *Pool) { p.sink = sink }
}

// New creates a pool for the named provider. The order of secrets is the
// rotation order.
func New(provider string, secrets []string, opts ...Option) (*Pool, error) {
	if len(secrets) == 0 {
		return nil, fmt.Errorf("provider %q: %w", provider, ErrNoKeys)
	}

	p := &Pool{
		provider: provider,
		records:  make([]*record, 0, len(secrets)),
		ttl:      DefaultTTL,
		now:      time.Now,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.ttl <= 0 {
		return nil, fmt.Errorf("provider %q: %w", provider, ErrBadTTL)
	}

	for i, s := range secrets {
		if s == "" {
			return nil, fmt.Errorf("provider %q key %d: %w", provider, i, ErrEmptyKey)
		}
		p.records = append(p.records, &record{secret: s, masked: MaskKey(s)})
	}

	return p, nil
}

func (p *Pool) Provider() string {
	return p.provider
}

func (p *Pool) TTL() time.Duration {
	return p.ttl
}

// Len returns the number of configured keys. It never changes.
func (p *Pool) Len() int {
	return len(p.records)
}

// CleanupExpired returns every key whose blacklist has run out to rotation and
// reports how many were recovered.
func (p *Pool) CleanupExpired() int {
	p.mutex.Lock()
	events := p.cleanupLocked(p.now())
	p.mutex.Unlock()

	p.publish(events)
	return len(events)
}

func (p *Pool) cleanupLocked(now time.Time) []Event {
	var events []Event
	for _, r := range p.records {
		if !r.expired(now) {
			continue
		}
		events = append(events, Event{
			Seq:       p.nextSeqLocked(),
			Type:      EventRecovered,
			Timestamp: now,
			Provider:  p.provider,
			MaskedKey: r.masked,
			Until:     r.blacklistedUntil,
		})
		r.clearBlacklist()
	}
	return events
}

// SelectActive returns the first active key at or after the rotation pointer.
// When every key is blacklisted it returns the one that recovers soonest and
// marks the selection as degraded.
func (p *Pool) SelectActive() Selection {
	p.mutex.Lock()
	now := p.now()
	events := p.cleanupLocked(now)

	n := len(p.records)
	idx := -1
	for step := 0; step < n; step++ {
		i := (p.current + step) % n
		if !p.records[i].blacklisted {
			idx = i
			break
		}
	}

	degraded := false
	if idx < 0 {
		degraded = true
		idx = 0
		for i := 1; i < n; i++ {
			if p.records[i].blacklistedUntil.Before(p.records[idx].blacklistedUntil) {
				idx = i
			}
		}
	}
	p.current = idx

	r := p.records[idx]
	sel := Selection{
		Index:    idx,
		Secret:   r.secret,
		MaskedID: r.masked,
		Degraded: degraded,
	}
	p.mutex.Unlock()

	p.publish(events)
	return sel
}

// RecordSuccess counts a successful call on the key at index. Out-of-range
// indices are ignored.
func (p *Pool) RecordSuccess(index int) {
	p.mutex.Lock()
	if index < 0 || index >= len(p.records) {
		p.mutex.Unlock()
		return
	}

	now := p.now()
	r := p.records[index]
	r.lastUsedAt = now
	r.requestCount++
	ev := Event{
		Seq:       p.nextSeqLocked(),
		Type:      EventSuccess,
		Timestamp: now,
		Provider:  p.provider,
		MaskedKey: r.masked,
	}
	p.mutex.Unlock()

	p.publish([]Event{ev})
}

// RecordFailure records a failed call on the key at index. Quota and
// rate-limit failures blacklist the key for the pool TTL and move the rotation
// pointer to the next active key. Other failures leave the key active.
func (p *Pool) RecordFailure(index int, kind FailureKind) {
	p.mutex.Lock()
	if index < 0 || index >= len(p.records) {
		p.mutex.Unlock()
		return
	}

	now := p.now()
	r := p.records[index]

	if !kind.Blacklists() {
		ev := Event{
			Seq:       p.nextSeqLocked(),
			Type:      EventFailure,
			Timestamp: now,
			Provider:  p.provider,
			MaskedKey: r.masked,
			Reason:    kind,
		}
		p.mutex.Unlock()
		p.publish([]Event{ev})
		return
	}

	r.blacklisted = true
	r.blacklistedUntil = now.Add(p.ttl)
	p.advanceLocked()

	ev := Event{
		Seq:       p.nextSeqLocked(),
		Type:      EventBlacklisted,
		Timestamp: now,
		Provider:  p.provider,
		MaskedKey: r.masked,
		Reason:    kind,
		Until:     r.blacklistedUntil,
	}
	p.mutex.Unlock()

	p.publish([]Event{ev})
}

// advanceLocked moves current to the next active key, making at most one pass.
// current is left alone if it already points at an active key or none exist.
func (p *Pool) advanceLocked() {
	n := len(p.records)
	for step := 0; step < n; step++ {
		i := (p.current + step) % n
		if !p.records[i].blacklisted {
			p.current = i
			return
		}
	}
}

// ActiveCount returns how many keys are selectable right now.
func (p *Pool) ActiveCount() int {
	p.mutex.Lock()
	events := p.cleanupLocked(p.now())
	active := 0
	for _, r := range p.records {
		if !r.blacklisted {
			active++
		}
	}
	p.mutex.Unlock()

	p.publish(events)
	return active
}

// Current returns the rotation pointer.
func (p *Pool) Current() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.current
}

// Keys returns a snapshot of every key after expiring stale blacklists.
func (p *Pool) Keys() []KeyInfo {
	p.mutex.Lock()
	events := p.cleanupLocked(p.now())
	keys := make([]KeyInfo, len(p.records))
	for i, r := range p.records {
		keys[i] = r.info(i)
	}
	p.mutex.Unlock()

	p.publish(events)
	return keys
}

// Reset clears blacklists and request counts on every key. Each key that was
// blacklisted gets a manual recovery event before the pool-wide reset event.
// The rotation pointer is kept.
func (p *Pool) Reset() {
	p.mutex.Lock()
	now := p.now()
	var events []Event
	for _, r := range p.records {
		if r.blacklisted {
			events = append(events, Event{
				Seq:       p.nextSeqLocked(),
				Type:      EventRecovered,
				Timestamp: now,
				Provider:  p.provider,
				MaskedKey: r.masked,
				Until:     r.blacklistedUntil,
				Manual:    true,
			})
		}
		r.clearBlacklist()
		r.requestCount = 0
	}
	events = append(events, Event{
		Seq:       p.nextSeqLocked(),
		Type:      EventReset,
		Timestamp: now,
		Provider:  p.provider,
	})
	p.mutex.Unlock()

	p.publish(events)
}

func (p *Pool) nextSeqLocked() uint64 {
	p.seq++
	return p.seq
}

func (p *Pool) publish(events []Event) {
	for _, ev := range events {
		p.log(ev)
		if p.sink != nil {
			p.sink(ev)
		}
	}
}

func (p *Pool) log(ev Event) {
	switch ev.Type {
	case EventBlacklisted:
		p.logger.Warn("Key blacklisted",
			slog.String("provider", ev.Provider),
			slog.String("key", ev.MaskedKey),
			slog.String("reason", ev.Reason.String()),
			slog.Time("until", ev.Until))
	case EventRecovered:
		p.logger.Info("Key recovered",
			slog.String("provider", ev.Provider),
			slog.String("key", ev.MaskedKey),
			slog.Time("expired_at", ev.Until),
			slog.Bool("manual", ev.Manual))
	case EventReset:
		p.logger.Info("Key pool reset", slog.String("provider", ev.Provider))
	case EventFailure:
		p.logger.Debug("Key call failed",
			slog.String("provider", ev.Provider),
			slog.String("key", ev.MaskedKey),
			slog.String("reason", ev.Reason.String()))
	}
}
