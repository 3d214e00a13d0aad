package trust

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/cryptobox"
	"github.com/stretchr/testify/require"
)

type mapSecrets struct {
	mu sync.Mutex
	m  map[string][]byte
}

func (s *mapSecrets) Get(_ context.Context, k string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[k], nil
}

func (s *mapSecrets) Put(_ context.Context, k string, v []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[k] = v
	return nil
}

type fakeKeys struct {
	own       cryptobox.PublicKey
	ownErr    error
	directory map[string]cryptobox.PublicKey
}

func (k *fakeKeys) PublicKey(context.Context) (cryptobox.PublicKey, error) {
	return k.own, k.ownErr
}

func (k *fakeKeys) FetchUserPublicKey(_ context.Context, id string) (cryptobox.PublicKey, error) {
	pk, ok := k.directory[id]
	if !ok {
		return cryptobox.PublicKey{}, cryptobox.ErrNoPublicKey
	}
	return pk, nil
}

type fixture struct {
	store   *Store
	secrets *mapSecrets
	keys    *fakeKeys
	me      *cryptobox.KeyPair
	bob     *cryptobox.KeyPair
}

func newFixture(t *testing.T, b *bus.Bus) *fixture {
	t.Helper()
	me, err := cryptobox.GenerateKeyPair()
	require.NoError(t, err)
	bob, err := cryptobox.GenerateKeyPair()
	require.NoError(t, err)

	keys := &fakeKeys{own: me.Public, directory: map[string]cryptobox.PublicKey{"bob": bob.Public}}
	secrets := &mapSecrets{m: map[string][]byte{}}
	return &fixture{store: New(secrets, keys, b, nil), secrets: secrets, keys: keys, me: me, bob: bob}
}

// bobPayload is what bob's device would show for us to scan.
func (f *fixture) bobPayload(mutate func(p *Payload)) string {
	p := Payload{
		Protocol:     Protocol,
		Version:      Version,
		UserID:       "bob",
		PublicKey:    f.bob.Public.String(),
		SafetyNumber: cryptobox.FormatSafetyNumber(cryptobox.SafetyNumber(f.bob.Public, f.me.Public)),
	}
	if mutate != nil {
		mutate(&p)
	}
	raw, _ := json.Marshal(p)
	return string(raw)
}

func TestVerifyQRCodeSuccess(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(bus.NSTrust, 4)
	defer unsub()

	f := newFixture(t, b)
	ctx := context.Background()

	out := f.store.VerifyQRCode(ctx, f.bobPayload(nil))
	require.True(t, out.OK(), out.Err)
	require.Equal(t, "bob", out.UserID)
	require.True(t, f.store.IsUserVerified(ctx, "bob"))

	select {
	case evt := <-ch:
		require.Equal(t, bus.TrustVerified, evt.Kind)
	case <-time.After(time.Second):
		t.Fatal("no trust.verified event")
	}
}

func TestVerifyQRCodeFailures(t *testing.T) {
	ctx := context.Background()
	other, _ := cryptobox.GenerateKeyPair()

	tests := []struct {
		name  string
		setup func(f *fixture)
		data  func(f *fixture) string
		want  Reason
	}{
		{"not json", nil, func(*fixture) string { return "hello" }, ReasonInvalidFormat},
		{"wrong protocol", nil, func(f *fixture) string {
			return f.bobPayload(func(p *Payload) { p.Protocol = "other" })
		}, ReasonInvalidFormat},
		{"version 2", nil, func(f *fixture) string {
			return f.bobPayload(func(p *Payload) { p.Version = 2 })
		}, ReasonVersionMismatch},
		{"missing safety number", nil, func(f *fixture) string {
			return f.bobPayload(func(p *Payload) { p.SafetyNumber = "" })
		}, ReasonInvalidFormat},
		{"claimed key differs", nil, func(f *fixture) string {
			return f.bobPayload(func(p *Payload) { p.PublicKey = other.Public.String() })
		}, ReasonKeyMismatch},
		{"no stored key", func(f *fixture) { delete(f.keys.directory, "bob") }, func(f *fixture) string {
			return f.bobPayload(nil)
		}, ReasonKeyMismatch},
		{"no local key", func(f *fixture) { f.keys.ownErr = cryptobox.ErrNoKeyPair }, func(f *fixture) string {
			return f.bobPayload(nil)
		}, ReasonKeyMismatch},
		{"safety number differs", nil, func(f *fixture) string {
			return f.bobPayload(func(p *Payload) {
				p.SafetyNumber = cryptobox.SafetyNumber(f.bob.Public, other.Public)
			})
		}, ReasonSafetyNumberMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			if tt.setup != nil {
				tt.setup(f)
			}
			out := f.store.VerifyQRCode(ctx, tt.data(f))
			require.Equal(t, tt.want, out.Reason)
			require.False(t, out.OK())
			require.Error(t, out.Err)
			require.False(t, f.store.IsUserVerified(ctx, "bob"))
			require.Empty(t, f.store.Verified(ctx))
		})
	}
}

func TestKeyChangeInvalidatesTrust(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(bus.NSTrust, 4)
	defer unsub()

	f := newFixture(t, b)
	ctx := context.Background()
	require.NoError(t, f.store.MarkUserVerified(ctx, "bob"))
	<-ch

	// Re-publishing the same key keeps the verification.
	require.NoError(t, f.store.OnKeyChanged(ctx, "bob", f.bob.Public.String()))
	require.True(t, f.store.IsUserVerified(ctx, "bob"))

	rotated, err := cryptobox.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, f.store.OnKeyChanged(ctx, "bob", rotated.Public.String()))
	require.False(t, f.store.IsUserVerified(ctx, "bob"))
	select {
	case evt := <-ch:
		require.Equal(t, bus.TrustInvalidated, evt.Kind)
	case <-time.After(time.Second):
		t.Fatal("no trust.invalidated event")
	}

	// Unverified users are a no-op.
	require.NoError(t, f.store.OnKeyChanged(ctx, "carol", rotated.Public.String()))
}

func TestQRVerificationPinsScannedKey(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.True(t, f.store.VerifyQRCode(ctx, f.bobPayload(nil)).OK())

	// The directory moving on does not rewrite what was verified.
	rotated, err := cryptobox.GenerateKeyPair()
	require.NoError(t, err)
	f.keys.directory["bob"] = rotated.Public

	require.NoError(t, f.store.OnKeyChanged(ctx, "bob", f.bob.Public.String()))
	require.True(t, f.store.IsUserVerified(ctx, "bob"))
	require.NoError(t, f.store.OnKeyChanged(ctx, "bob", rotated.Public.String()))
	require.False(t, f.store.IsUserVerified(ctx, "bob"))
}

func TestUnpinnedVerificationFailsClosed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.store.MarkUserVerified(ctx, "dave"))
	require.True(t, f.store.IsUserVerified(ctx, "dave"))

	require.NoError(t, f.store.OnKeyChanged(ctx, "dave", f.bob.Public.String()))
	require.False(t, f.store.IsUserVerified(ctx, "dave"))
}

func TestCorruptCollectionsFallBackIndependently(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.store.MarkUserVerified(ctx, "bob"))

	// Corrupt the timestamps only; the set survives.
	f.secrets.m[timestampsKey] = []byte{0xc1}
	require.True(t, f.store.IsUserVerified(ctx, "bob"))
	recs := f.store.Verified(ctx)
	require.Len(t, recs, 1)
	require.True(t, recs[0].VerifiedAt.IsZero())

	// Corrupt the set; reads fall back to empty rather than failing.
	f.secrets.m[verifiedSetKey] = []byte("garbage")
	require.False(t, f.store.IsUserVerified(ctx, "bob"))
	require.Empty(t, f.store.Verified(ctx))
}

func TestMyVerificationCodeIsAcceptedByPeer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	code, err := f.store.MyVerificationCode(ctx, "me", "bob")
	require.NoError(t, err)
	require.NotEmpty(t, code.PNG)
	require.Equal(t, []byte("\x89PNG"), code.PNG[:4])
	require.Len(t, strings.Fields(code.SafetyNumber), 12)
	require.NotEmpty(t, code.Text)

	// Bob's device scans our code.
	bobSide := New(&mapSecrets{m: map[string][]byte{}}, &fakeKeys{
		own:       f.bob.Public,
		directory: map[string]cryptobox.PublicKey{"me": f.me.Public},
	}, nil, nil)
	out := bobSide.VerifyQRCode(ctx, code.Payload)
	require.True(t, out.OK(), out.Err)
	require.True(t, bobSide.IsUserVerified(ctx, "me"))

	_, err = f.store.MyVerificationCode(ctx, "me", "nobody")
	require.ErrorIs(t, err, cryptobox.ErrNoPublicKey)
}
