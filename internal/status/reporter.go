package status

import (
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/angeloszaimis/credential-dispatcher/internal/keypool"
	"github.com/angeloszaimis/credential-dispatcher/internal/provider"
)

type KeyStatus struct {
	MaskedID           string     `json:"maskedId"`
	Blacklisted        bool       `json:"blacklisted"`
	RequestCount       int64      `json:"requestCount"`
	LastUsedAt         *time.Time `json:"lastUsedAt,omitempty"`
	BlacklistedUntil   *time.Time `json:"blacklistedUntil,omitempty"`
	MinutesUntilActive *int       `json:"minutesUntilActive,omitempty"`
}

type ProviderStatus struct {
	Name       string      `json:"name"`
	Model      string      `json:"model"`
	TotalKeys  int         `json:"totalKeys"`
	ActiveKeys int         `json:"activeKeys"`
	Keys       []KeyStatus `json:"keys"`
}

type Snapshot struct {
	GeneratedAt time.Time        `json:"generatedAt"`
	Providers   []ProviderStatus `json:"providers"`
}

type Reporter struct {
	providers []*provider.Provider
	now       func() time.Time
	logger    *slog.Logger
}

type Option func(*Reporter)

func WithClock(now func() time.Time) Option {
	return func(r *Reporter) { r.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Reporter) { r.logger = logger }
}

func NewReporter(providers []*provider.Provider, opts ...Option) *Reporter {
	r := &Reporter{
		providers: providers,
		now:       time.Now,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Status returns the health of every pool in priority order. Expired
// blacklists are cleared before the snapshot is taken.
func (r *Reporter) Status() Snapshot {
	now := r.now()
	snap := Snapshot{
		GeneratedAt: now,
		Providers:   make([]ProviderStatus, 0, len(r.providers)),
	}

	for _, p := range r.providers {
		keys := p.Pool().Keys()
		ps := ProviderStatus{
			Name:      p.Name(),
			Model:     p.Model(),
			TotalKeys: len(keys),
			Keys:      make([]KeyStatus, 0, len(keys)),
		}

		for _, k := range keys {
			ks := KeyStatus{
				MaskedID:     k.MaskedID,
				Blacklisted:  k.State == keypool.StateBlacklisted,
				RequestCount: k.RequestCount,
				LastUsedAt:   k.LastUsedAt,
			}
			if ks.Blacklisted {
				ks.BlacklistedUntil = k.BlacklistedUntil
				minutes := minutesUntil(now, *k.BlacklistedUntil)
				ks.MinutesUntilActive = &minutes
			} else {
				ps.ActiveKeys++
			}
			ps.Keys = append(ps.Keys, ks)
		}

		snap.Providers = append(snap.Providers, ps)
	}

	return snap
}

// ResetAll returns every key of every provider to rotation and zeroes the
// request counters. Calling it again has no further effect.
func (r *Reporter) ResetAll() {
	for _, p := range r.providers {
		p.Pool().Reset()
	}
	r.logger.Info("All key pools reset", slog.Int("providers", len(r.providers)))
}

// minutesUntil rounds up so a key one second from recovery still shows 1.
func minutesUntil(now, until time.Time) int {
	d := until.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Minutes()))
}
