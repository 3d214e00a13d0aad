// Package trust records which correspondents' keys the user has verified
// out of band, and implements the QR verification exchange.
package trust

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/parley/internal/bus"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// Secret storage keys. The set, the timestamps and the pinned keys are
// stored separately so a bad decode of one does not take the others with it.
const (
	verifiedSetKey = "trust.verified_users"
	timestampsKey  = "trust.verified_at"
	pinnedKeysKey  = "trust.verified_keys"
)

// Secrets is the encrypted storage the trust records live in.
type Secrets interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
}

// Record is a verified correspondent.
type Record struct {
	UserID     string
	VerifiedAt time.Time
}

// Store tracks verified correspondents.
type Store struct {
	secrets Secrets
	keys    Keys
	bus     *bus.Bus
	log     *zap.Logger
	now     func() time.Time

	mu sync.Mutex
}

// New returns a trust store. keys is used by the QR exchange.
func New(secrets Secrets, keys Keys, b *bus.Bus, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{secrets: secrets, keys: keys, bus: b, log: log, now: time.Now}
}

// IsUserVerified reports whether userID's current key has been verified.
func (s *Store) IsUserVerified(ctx context.Context, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.loadSet(ctx), userID)
}

// MarkUserVerified records userID as verified now, pinned to the key the
// directory currently holds for them. Without a directory key nothing is
// pinned and the next key announcement for userID drops the verification.
func (s *Store) MarkUserVerified(ctx context.Context, userID string) error {
	pinned := ""
	if pk, err := s.keys.FetchUserPublicKey(ctx, userID); err == nil {
		pinned = pk.String()
	} else {
		s.log.Warn("no directory key to pin", zap.String("user", userID), zap.Error(err))
	}
	return s.markVerified(ctx, userID, pinned)
}

func (s *Store) markVerified(ctx context.Context, userID, pinned string) error {
	s.mu.Lock()
	set := s.loadSet(ctx)
	if !slices.Contains(set, userID) {
		set = append(set, userID)
	}
	stamps := s.loadStamps(ctx)
	at := s.now()
	stamps[userID] = at.UnixMilli()
	keys := s.loadPinned(ctx)
	if pinned != "" {
		keys[userID] = pinned
	} else {
		delete(keys, userID)
	}

	err := s.save(ctx, set, stamps, keys)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.log.Info("user verified", zap.String("user", userID))
	s.publish(bus.TrustVerified, Record{UserID: userID, VerifiedAt: at})
	return nil
}

// Unverify removes any verification for userID.
func (s *Store) Unverify(ctx context.Context, userID string) error {
	s.mu.Lock()
	set := s.loadSet(ctx)
	i := slices.Index(set, userID)
	if i < 0 {
		s.mu.Unlock()
		return nil
	}
	set = slices.Delete(set, i, i+1)
	stamps := s.loadStamps(ctx)
	delete(stamps, userID)
	keys := s.loadPinned(ctx)
	delete(keys, userID)

	err := s.save(ctx, set, stamps, keys)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.publish(bus.TrustInvalidated, Record{UserID: userID})
	return nil
}

// OnKeyChanged is told that userID announced publicKey. A verification
// vouches for one specific key: it survives a re-announcement of the pinned
// key and is dropped for any other.
func (s *Store) OnKeyChanged(ctx context.Context, userID, publicKey string) error {
	s.mu.Lock()
	verified := slices.Contains(s.loadSet(ctx), userID)
	pinned := s.loadPinned(ctx)[userID]
	s.mu.Unlock()

	if !verified {
		return nil
	}
	if pinned != "" && pinned == publicKey {
		s.log.Debug("verified key re-announced", zap.String("user", userID))
		return nil
	}
	s.log.Warn("verified user changed key, trust removed", zap.String("user", userID))
	return s.Unverify(ctx, userID)
}

// Verified lists every verified correspondent, oldest verification first.
func (s *Store) Verified(ctx context.Context) []Record {
	s.mu.Lock()
	set := s.loadSet(ctx)
	stamps := s.loadStamps(ctx)
	s.mu.Unlock()

	out := make([]Record, 0, len(set))
	for _, id := range set {
		r := Record{UserID: id}
		if ms, ok := stamps[id]; ok {
			r.VerifiedAt = time.UnixMilli(ms)
		}
		out = append(out, r)
	}
	slices.SortStableFunc(out, func(a, b Record) int { return a.VerifiedAt.Compare(b.VerifiedAt) })
	return out
}

// loadSet returns the verified set, or an empty set if it is missing or
// cannot be decoded.
func (s *Store) loadSet(ctx context.Context) []string {
	raw, err := s.secrets.Get(ctx, verifiedSetKey)
	if err != nil || raw == nil {
		if err != nil {
			s.log.Warn("read verified set", zap.Error(err))
		}
		return nil
	}
	var set []string
	if err := msgpack.Unmarshal(raw, &set); err != nil {
		s.log.Warn("verified set unreadable, starting empty", zap.Error(err))
		return nil
	}
	return set
}

// loadStamps is loadSet for the timestamp map.
func (s *Store) loadStamps(ctx context.Context) map[string]int64 {
	stamps := make(map[string]int64)
	raw, err := s.secrets.Get(ctx, timestampsKey)
	if err != nil || raw == nil {
		if err != nil {
			s.log.Warn("read verification timestamps", zap.Error(err))
		}
		return stamps
	}
	if err := msgpack.Unmarshal(raw, &stamps); err != nil {
		s.log.Warn("verification timestamps unreadable, starting empty", zap.Error(err))
		return make(map[string]int64)
	}
	return stamps
}

// loadPinned is loadSet for the pinned key map.
func (s *Store) loadPinned(ctx context.Context) map[string]string {
	keys := make(map[string]string)
	raw, err := s.secrets.Get(ctx, pinnedKeysKey)
	if err != nil || raw == nil {
		if err != nil {
			s.log.Warn("read pinned keys", zap.Error(err))
		}
		return keys
	}
	if err := msgpack.Unmarshal(raw, &keys); err != nil {
		s.log.Warn("pinned keys unreadable, starting empty", zap.Error(err))
		return make(map[string]string)
	}
	return keys
}

func (s *Store) save(ctx context.Context, set []string, stamps map[string]int64, keys map[string]string) error {
	rawSet, err := msgpack.Marshal(set)
	if err != nil {
		return fmt.Errorf("encode verified set: %w", err)
	}
	rawStamps, err := msgpack.Marshal(stamps)
	if err != nil {
		return fmt.Errorf("encode timestamps: %w", err)
	}
	rawKeys, err := msgpack.Marshal(keys)
	if err != nil {
		return fmt.Errorf("encode pinned keys: %w", err)
	}
	if err := s.secrets.Put(ctx, verifiedSetKey, rawSet); err != nil {
		return fmt.Errorf("write verified set: %w", err)
	}
	if err := s.secrets.Put(ctx, timestampsKey, rawStamps); err != nil {
		return fmt.Errorf("write timestamps: %w", err)
	}
	if err := s.secrets.Put(ctx, pinnedKeysKey, rawKeys); err != nil {
		return fmt.Errorf("write pinned keys: %w", err)
	}
	return nil
}

func (s *Store) publish(kind bus.Kind, r Record) {
	if s.bus != nil {
		s.bus.Publish(bus.NewEvent(kind, r))
	}
}
