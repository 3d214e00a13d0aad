package daemon

import (
	"context"
	"sync"

	"github.com/matheus3301/parley/internal/auth"
	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/cache"
	"github.com/matheus3301/parley/internal/cryptobox"
	"github.com/matheus3301/parley/internal/netstate"
	"github.com/matheus3301/parley/internal/remote"
	"github.com/matheus3301/parley/internal/status"
	intsync "github.com/matheus3301/parley/internal/sync"
	"go.uber.org/zap"
)

// Identity yields the signed-in user.
type Identity interface {
	Current() (auth.Session, error)
}

// Runtime drives the status machine from session, connectivity and sync
// events.
type Runtime struct {
	machine *status.Machine
	ident   Identity
	net     *netstate.Monitor
	sync    *intsync.Orchestrator
	cache   *cache.Cache
	keys    *cryptobox.Service
	rows    remote.Rows
	bus     *bus.Bus
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRuntime creates a runtime.
func NewRuntime(m *status.Machine, ident Identity, net *netstate.Monitor, o *intsync.Orchestrator, c *cache.Cache, keys *cryptobox.Service, rows remote.Rows, b *bus.Bus, log *zap.Logger) *Runtime {
	return &Runtime{
		machine: m,
		ident:   ident,
		net:     net,
		sync:    o,
		cache:   c,
		keys:    keys,
		rows:    rows,
		bus:     b,
		log:     log,
		ctx:     context.Background(),
	}
}

// Start follows events and leaves BOOTING.
func (r *Runtime) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)
	netCh, unsubNet := r.bus.Subscribe(bus.NSNet, 16)
	syncCh, unsubSync := r.bus.Subscribe(bus.NSSync, 16)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer unsubNet()
		defer unsubSync()
		r.loop(r.ctx, netCh, syncCh)
	}()

	if _, err := r.ident.Current(); err != nil {
		r.log.Info("no session found, auth required")
		r.move(status.AuthRequired, "")
		return
	}
	r.SignedIn(r.ctx)
}

// Stop ends event handling and waits for background syncs.
func (r *Runtime) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Runtime) loop(ctx context.Context, netCh, syncCh <-chan bus.Event) {
	for {
		select {
		case evt := <-netCh:
			if evt.Kind == bus.NetOffline {
				r.move(status.Offline, "")
			}
		case evt := <-syncCh:
			if _, err := r.ident.Current(); err != nil {
				continue
			}
			switch evt.Kind {
			case bus.SyncStarted:
				r.move(status.Syncing, "")
			case bus.SyncFinished:
				rep, _ := evt.Payload.(intsync.Report)
				if rep.Err != nil {
					r.move(status.Degraded, rep.Err.Error())
				} else {
					r.move(status.Ready, "")
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// SignedIn makes sure this device has a published key pair, points the
// realtime feed at the user and starts a delta sync, or waits for the
// network.
func (r *Runtime) SignedIn(ctx context.Context) {
	r.sync.SessionChanged()
	sess, err := r.ident.Current()
	if err != nil {
		r.move(status.AuthRequired, "")
		return
	}
	if err := r.ensureKeys(ctx, sess.UserID); err != nil {
		r.log.Warn("key pair unavailable, encrypted sends fall back to plaintext", zap.Error(err))
	}
	if !r.net.Online() {
		r.move(status.Offline, "")
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.sync.SyncAll(r.ctx); err != nil {
			r.log.Warn("initial sync incomplete", zap.Error(err))
		}
	}()
}

// SignedOut stops the per-user feeds and empties the caches. Queued actions
// stay and are deferred until their sender signs back in.
func (r *Runtime) SignedOut(ctx context.Context) error {
	r.move(status.AuthRequired, "")
	r.sync.SessionChanged()
	return r.cache.ClearAll(ctx)
}

func (r *Runtime) ensureKeys(ctx context.Context, userID string) error {
	if !r.keys.HasKeyPair(ctx) {
		if _, err := r.keys.Keys.Generate(ctx); err != nil {
			return err
		}
		r.log.Info("generated device key pair")
	}
	if !r.net.Online() {
		return nil
	}
	return r.keys.Keys.Publish(ctx, r.rows, userID)
}

// move transitions unless the machine is already there or the move does
// not apply, e.g. a sync finishing while signed out.
func (r *Runtime) move(to status.State, detail string) {
	if r.machine.Current() == to {
		return
	}
	if err := r.machine.TransitionWith(to, detail); err != nil {
		r.log.Debug("status unchanged", zap.String("to", string(to)), zap.Error(err))
	}
}
