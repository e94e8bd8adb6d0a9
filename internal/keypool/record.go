package keypool

import (
	"time"
)

type State int

const (
	StateActive      State = iota // Selectable
	StateBlacklisted              // Excluded until the TTL elapses
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateBlacklisted:
		return "BLACKLISTED"
	default:
		return "UNKNOWN"
	}
}

// FailureKind is the classified reason an upstream call failed.
type FailureKind int

const (
	FailureOther FailureKind = iota
	FailureQuota
	FailureRateLimit
)

func (k FailureKind) String() string {
	switch k {
	case FailureQuota:
		return "quota"
	case FailureRateLimit:
		return "rate_limit"
	default:
		return "other"
	}
}

// Blacklists reports whether a failure of this kind takes the key out of rotation.
func (k FailureKind) Blacklists() bool {
	return k == FailureQuota || k == FailureRateLimit
}

const maskedPrefixLen = 8

// MaskKey returns a display-safe identifier for a secret. Long secrets keep a
// fixed-length prefix; secrets of maskedPrefixLen or fewer characters keep
// half, rounded down, so the full value never shows.
func MaskKey(secret string) string {
	n := maskedPrefixLen
	if len(secret) <= maskedPrefixLen {
		n = len(secret) / 2
	}
	return secret[:n] + "..."
}

type record struct {
	secret           string
	masked           string
	blacklisted      bool
	blacklistedUntil time.Time
	requestCount     int64
	lastUsedAt       time.Time
}

func (r *record) state() State {
	if r.blacklisted {
		return StateBlacklisted
	}
	return StateActive
}

// expired reports whether a blacklisted record may return to rotation.
// Recovery is inclusive: now == until counts as expired.
func (r *record) expired(now time.Time) bool {
	return r.blacklisted && !now.Before(r.blacklistedUntil)
}

func (r *record) clearBlacklist() {
	r.blacklisted = false
	r.blacklistedUntil = time.Time{}
}

// KeyInfo is a point-in-time copy of a key's bookkeeping. It never carries the
// secret itself.
type KeyInfo struct {
	Index            int
	MaskedID         string
	State            State
	BlacklistedUntil *time.Time
	RequestCount     int64
	LastUsedAt       *time.Time
}

func (r *record) info(index int) KeyInfo {
	ki := KeyInfo{
		Index:        index,
		MaskedID:     r.masked,
		State:        r.state(),
		RequestCount: r.requestCount,
	}
	if r.blacklisted {
		until := r.blacklistedUntil
		ki.BlacklistedUntil = &until
	}
	if !r.lastUsedAt.IsZero() {
		used := r.lastUsedAt
		ki.LastUsedAt = &used
	}
	return ki
}
