// CLAUDE:SUMMARY Two-tier document cache (primary/fallback) over pluggable backends, CBOR+zstd values, BLAKE2b content hash.
// Package cache stores assembled documents per (instance, content hash,
// tier). The primary and fallback tiers are independent and expire on their
// own schedules; a fallback entry is short-lived so a later successful build
// supersedes it quickly.
package cache

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/blake2b"
)

// Tier is a cache tier.
type Tier string

const (
	TierPrimary  Tier = "primary"
	TierFallback Tier = "fallback"
)

// Default retention per tier.
const (
	DefaultPrimaryTTL  = 24 * time.Hour
	DefaultFallbackTTL = 10 * time.Minute
)

// Key addresses one cache entry.
type Key struct {
	InstanceID string
	Tier       Tier
	Hash       string
}

func (k Key) String() string {
	return k.InstanceID + ":" + string(k.Tier) + ":" + k.Hash
}

// Entry is a cached document with the artifact parts it was assembled from.
type Entry struct {
	Document    []byte    `cbor:"1,keyasint"`
	Script      string    `cbor:"2,keyasint,omitempty"`
	CSS         string    `cbor:"3,keyasint,omitempty"`
	Tier        Tier      `cbor:"4,keyasint"`
	ContentHash string    `cbor:"5,keyasint"`
	CreatedAt   time.Time `cbor:"6,keyasint"`
	Modules     []string  `cbor:"7,keyasint,omitempty"`
}

// Backend is raw byte storage with per-entry expiry.
type Backend interface {
	Load(ctx context.Context, k Key) ([]byte, bool, error)
	Store(ctx context.Context, k Key, value []byte, ttl time.Duration) error
	DeleteInstance(ctx context.Context, instanceID string) error
	Close() error
}

// ErrUnknownTier is returned for tiers other than primary and fallback.
var ErrUnknownTier = errors.New("cache: unknown tier")

// Cache encodes entries and applies tier TTLs. Safe for concurrent use.
type Cache struct {
	backend Backend
	ttl     map[Tier]time.Duration
	enc     *zstd.Encoder
	dec     *zstd.Decoder
	em      cbor.EncMode
	logger  *slog.Logger
}

// New wraps backend. Zero TTLs take the defaults.
func New(backend Backend, primaryTTL, fallbackTTL time.Duration, logger *slog.Logger) (*Cache, error) {
	if primaryTTL <= 0 {
		primaryTTL = DefaultPrimaryTTL
	}
	if fallbackTTL <= 0 {
		fallbackTTL = DefaultFallbackTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("cache: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("cache: zstd decoder: %w", err)
	}
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cache: cbor: %w", err)
	}
	return &Cache{
		backend: backend,
		ttl:     map[Tier]time.Duration{TierPrimary: primaryTTL, TierFallback: fallbackTTL},
		enc:     enc,
		dec:     dec,
		em:      em,
		logger:  logger,
	}, nil
}

// TTL returns the retention of tier.
func (c *Cache) TTL(tier Tier) time.Duration { return c.ttl[tier] }

// Get returns the entry for (id, hash, tier). A corrupt value is logged and
// reported as a miss.
func (c *Cache) Get(ctx context.Context, id, hash string, tier Tier) (*Entry, bool, error) {
	if _, ok := c.ttl[tier]; !ok {
		return nil, false, ErrUnknownTier
	}
	raw, ok, err := c.backend.Load(ctx, Key{InstanceID: id, Tier: tier, Hash: hash})
	if err != nil || !ok {
		return nil, false, err
	}
	e, err := c.decode(raw)
	if err != nil {
		c.logger.Warn("cache: dropping undecodable entry", "instance", id, "tier", tier, "error", err)
		return nil, false, nil
	}
	return e, true, nil
}

// Set stores e under (id, hash, tier) with the tier TTL. Last write wins.
func (c *Cache) Set(ctx context.Context, id, hash string, tier Tier, e *Entry) error {
	ttl, ok := c.ttl[tier]
	if !ok {
		return ErrUnknownTier
	}
	e.Tier, e.ContentHash = tier, hash
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	raw, err := c.encode(e)
	if err != nil {
		return err
	}
	return c.backend.Store(ctx, Key{InstanceID: id, Tier: tier, Hash: hash}, raw, ttl)
}

// Invalidate removes every entry of id in both tiers.
func (c *Cache) Invalidate(ctx context.Context, id string) error {
	if err := c.backend.DeleteInstance(ctx, id); err != nil {
		return fmt.Errorf("cache: invalidate %s: %w", id, err)
	}
	return nil
}

// Close releases the backend and codec resources.
func (c *Cache) Close() error {
	c.enc.Close()
	c.dec.Close()
	return c.backend.Close()
}

func (c *Cache) encode(e *Entry) ([]byte, error) {
	b, err := c.em.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("cache: encode: %w", err)
	}
	return c.enc.EncodeAll(b, nil), nil
}

func (c *Cache) decode(raw []byte) (*Entry, error) {
	b, err := c.dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := cbor.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// ContentHash is the BLAKE2b-256 digest identifying a buildable session
// state: source, scaffold, stylesheet, import table version and document
// format version. Fields are length-prefixed so boundaries cannot shift.
func ContentHash(source, scaffold, stylesheet, tableVersion, formatVersion string) string {
	h, _ := blake2b.New256(nil)
	var n [8]byte
	for _, f := range []string{source, scaffold, stylesheet, tableVersion, formatVersion} {
		binary.BigEndian.PutUint64(n[:], uint64(len(f)))
		h.Write(n[:])
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}
