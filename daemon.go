/*
Copyright Derrick J Wippler

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package vault

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pmidvault/vault-go/transport"
	"github.com/pmidvault/vault-go/transport/peer"
	"github.com/pmidvault/vault-go/wire"
)

// Daemon is a vault bound to a port listening for requests. It calls Service.DoSync()
// every Options.SyncInterval.
type Daemon struct {
	service atomic.Pointer[Service]
	opts    Options
	address string
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// ListenAndServe creates a new vault listening on the address provided. If Options.Self
// is empty the address the transport is listening on is used as the identity of the vault.
func ListenAndServe(ctx context.Context, address string, opts Options) (*Daemon, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.Transport == nil {
		opts.Transport = transport.NewHttpTransport(transport.HttpTransportOptions{})
	}

	daemon := &Daemon{
		address: address,
		opts:    opts,
	}

	return daemon, daemon.Start(ctx)
}

// Start spawns the transport server, creates the service and starts the sync loop.
func (d *Daemon) Start(ctx context.Context) error {
	// Envelopes which arrive before the service exists are refused
	d.opts.Transport.Register(d)
	if err := d.opts.Transport.SpawnServer(ctx, d.address); err != nil {
		return err
	}

	opts := d.opts
	if opts.Self == "" {
		opts.Self = NodeID(d.ListenAddress())
	}

	s, err := New(ctx, opts)
	if err != nil {
		_ = d.opts.Transport.ShutdownServer(ctx)
		return err
	}
	d.service.Store(s)

	loopCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		tick := time.NewTicker(s.opts.SyncInterval)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				s.DoSync(loopCtx)
			case <-loopCtx.Done():
				return
			}
		}
	}()
	return nil
}

// HandleEnvelope refuses envelopes until the service has been created. Requests for an
// account this vault does not hold are reported as transport.ErrNotFound.
func (d *Daemon) HandleEnvelope(ctx context.Context, env *wire.Envelope) error {
	s := d.service.Load()
	if s == nil {
		return &transport.ErrRemoteCall{Msg: "vault is starting"}
	}
	err := s.HandleEnvelope(ctx, env)
	if errors.Is(err, ErrNoSuchAccount) {
		return &transport.ErrNotFound{Msg: err.Error()}
	}
	return err
}

// Service returns the service associated with this daemon
func (d *Daemon) Service() *Service {
	return d.service.Load()
}

// SetPeers is a convenience method which calls SetPeers on the service associated with this daemon. In
// addition, it finds and marks this vault as self by asking the transport for it's listening address
// before calling SetPeers() on the service. If this is not desirable, call Daemon.Service().SetPeers()
// instead.
func (d *Daemon) SetPeers(ctx context.Context, src []peer.Info) error {
	dest := make([]peer.Info, len(src))
	for idx := 0; idx < len(src); idx++ {
		dest[idx] = src[idx]
		if dest[idx].Address == d.ListenAddress() {
			dest[idx].IsSelf = true
		}
	}
	return d.Service().SetPeers(ctx, dest)
}

// MustClient is a convenience method which creates a new client for this vault. This method will
// panic if transport.NewClient() returns an error.
func (d *Daemon) MustClient() peer.Client {
	c, err := d.opts.Transport.NewClient(context.Background(), peer.Info{Address: d.ListenAddress()})
	if err != nil {
		panic(err)
	}
	return c
}

// ListenAddress returns the address this vault is listening on
func (d *Daemon) ListenAddress() string {
	return d.opts.Transport.ListenAddress()
}

// Shutdown attempts a clean shutdown of the daemon and all related resources.
func (d *Daemon) Shutdown(ctx context.Context) error {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()

	var errs MultiError
	errs.Add(d.opts.Transport.ShutdownServer(ctx))
	if s := d.service.Load(); s != nil {
		errs.Add(s.Close())
	}
	return errs.NilOrError()
}
