package license

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the cached lifecycle state of a License.
type Status string

const (
	StatusUnused  Status = "unused"
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
)

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusUnused, StatusActive, StatusExpired:
		return true
	}
	return false
}

// License is a single issued access key.
//
// Identity, ActivatedAt and ExpiresAt are zero until the first successful
// validation binds the key. Status is a cache of a function of time and must
// be re-derived with Sweep before it is used for an access decision.
type License struct {
	Key         string
	Duration    Duration
	Length      time.Duration
	CreatedAt   time.Time
	CreatedBy   string
	IssuedFor   string
	Identity    string
	ActivatedAt time.Time
	ExpiresAt   time.Time
	Status      Status
}

// New builds an unused license of duration d.
func New(key string, d Duration, issuer, issuedFor string, now time.Time) License {
	return License{
		Key:       key,
		Duration:  d,
		Length:    d.Length(),
		CreatedAt: now.Truncate(time.Millisecond),
		CreatedBy: issuer,
		IssuedFor: issuedFor,
		Status:    StatusUnused,
	}
}

// ExpiredAt reports whether an active license has run out at now.
func (l License) ExpiredAt(now time.Time) bool {
	return l.Status == StatusActive && !now.Before(l.ExpiresAt)
}

// Sweep flips an active license whose expiry has passed to expired. It
// returns true when the status changed.
func (l *License) Sweep(now time.Time) bool {
	if l.ExpiredAt(now) {
		l.Status = StatusExpired
		return true
	}
	return false
}

// Activate binds an unused license to identity and starts its clock.
func (l License) Activate(identity string, now time.Time) License {
	now = now.Truncate(time.Millisecond)
	l.Identity = identity
	l.ActivatedAt = now
	l.ExpiresAt = now.Add(l.Length)
	l.Status = StatusActive
	return l
}

// Remaining is the time left on an active license, rounded up to whole days
// by callers that display it.
func (l License) Remaining(now time.Time) time.Duration {
	if l.Status != StatusActive || !now.Before(l.ExpiresAt) {
		return 0
	}
	return l.ExpiresAt.Sub(now)
}

// Grant returns the unsigned descriptor for l.
func (l License) Grant() Grant {
	return Grant{
		Key:       l.Key,
		Duration:  l.Duration,
		ExpiresAt: l.ExpiresAt.UnixMilli(),
		Status:    l.Status,
	}
}

// record is the persisted JSON shape. Field names match the documents
// written by the original bot so existing licenses.json files load as-is.
type record struct {
	Key         string  `json:"key"`
	Duration    string  `json:"duration"`
	DurationMs  int64   `json:"durationMs"`
	CreatedAt   int64   `json:"createdAt"`
	CreatedBy   string  `json:"createdBy"`
	IssuedFor   *string `json:"issuedFor,omitempty"`
	DiscordID   *string `json:"discordId"`
	ActivatedAt *int64  `json:"activatedAt"`
	ExpiresAt   *int64  `json:"expiresAt"`
	Status      Status  `json:"status"`
}

// MarshalJSON implements json.Marshaler
func (l License) MarshalJSON() ([]byte, error) {
	rec := record{
		Key:        l.Key,
		Duration:   string(l.Duration),
		DurationMs: l.Length.Milliseconds(),
		CreatedAt:  l.CreatedAt.UnixMilli(),
		CreatedBy:  l.CreatedBy,
		Status:     l.Status,
	}
	if l.IssuedFor != "" {
		rec.IssuedFor = &l.IssuedFor
	}
	if l.Identity != "" {
		rec.DiscordID = &l.Identity
	}
	if !l.ActivatedAt.IsZero() {
		ms := l.ActivatedAt.UnixMilli()
		rec.ActivatedAt = &ms
	}
	if !l.ExpiresAt.IsZero() {
		ms := l.ExpiresAt.UnixMilli()
		rec.ExpiresAt = &ms
	}
	return json.Marshal(rec)
}

// UnmarshalJSON implements json.Unmarshaler
func (l *License) UnmarshalJSON(data []byte) error {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	if !rec.Status.Valid() {
		return fmt.Errorf("license %s: unknown status %q", rec.Key, rec.Status)
	}

	*l = License{
		Key:       rec.Key,
		Duration:  Duration(rec.Duration),
		Length:    time.Duration(rec.DurationMs) * time.Millisecond,
		CreatedAt: time.UnixMilli(rec.CreatedAt),
		CreatedBy: rec.CreatedBy,
		Status:    rec.Status,
	}
	if rec.IssuedFor != nil {
		l.IssuedFor = *rec.IssuedFor
	}
	if rec.DiscordID != nil {
		// Older documents stored the issuance hint in discordId before
		// activation; an unused key is never bound.
		if rec.Status == StatusUnused {
			if l.IssuedFor == "" {
				l.IssuedFor = *rec.DiscordID
			}
		} else {
			l.Identity = *rec.DiscordID
		}
	}
	if rec.ActivatedAt != nil {
		l.ActivatedAt = time.UnixMilli(*rec.ActivatedAt)
	}
	if rec.ExpiresAt != nil {
		l.ExpiresAt = time.UnixMilli(*rec.ExpiresAt)
	}
	return nil
}

// Grant is the proof of entitlement returned to a consumer application.
type Grant struct {
	Key       string   `json:"key"`
	Duration  Duration `json:"duration"`
	ExpiresAt int64    `json:"expiresAt"`
	Status    Status   `json:"status"`
	Signature string   `json:"signature,omitempty"`
}

// ExpiresTime returns ExpiresAt as a time.Time.
func (g Grant) ExpiresTime() time.Time {
	return time.UnixMilli(g.ExpiresAt)
}
