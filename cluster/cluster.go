// Package cluster starts a local cluster of vaults, used by tests and examples.
package cluster

import (
	"context"
	"errors"
	"fmt"

	vault "github.com/pmidvault/vault-go"
	"github.com/pmidvault/vault-go/transport"
	"github.com/pmidvault/vault-go/transport/peer"
)

var _daemons []*vault.Daemon
var _peers []peer.Info
var _opts vault.Options

// ListPeers returns a list of all peers in the cluster
func ListPeers() []peer.Info {
	return _peers
}

// ListDaemons returns a list of all daemons in the cluster
func ListDaemons() []*vault.Daemon {
	return _daemons
}

// DaemonAt returns a specific daemon
func DaemonAt(idx int) *vault.Daemon {
	return _daemons[idx]
}

// PeerAt returns a specific peer
func PeerAt(idx int) peer.Info {
	return _peers[idx]
}

// FindManagers returns the daemons which manage the account of pmid
func FindManagers(pmid vault.GroupName) []*vault.Daemon {
	var results []*vault.Daemon
	for _, d := range _daemons {
		if d.Service().IsManager(pmid) {
			results = append(results, d)
		}
	}
	return results
}

// Start a local cluster
func Start(ctx context.Context, numInstances int, opts vault.Options) error {
	var peers []peer.Info
	port := 1111
	for i := 0; i < numInstances; i++ {
		peers = append(peers, peer.Info{
			Address: fmt.Sprintf("localhost:%d", port),
		})
		port += 1
	}
	return StartWith(ctx, peers, opts)
}

// StartWith a local cluster with specific addresses
func StartWith(ctx context.Context, peers []peer.Info, opts vault.Options) error {
	if len(_daemons) != 0 || len(_peers) != 0 {
		return errors.New("StartWith: cluster already running; shutdown the previous cluster")
	}

	var parent transport.Transport
	if opts.Transport == nil {
		parent = transport.NewHttpTransport(transport.HttpTransportOptions{})
	} else {
		parent = opts.Transport
	}
	_opts = opts

	for _, p := range peers {
		// Create a new instance of the parent transport
		opts.Transport = parent.New()

		d, err := vault.ListenAndServe(ctx, p.Address, opts)
		if err != nil {
			return fmt.Errorf("StartWith: while starting daemon for '%s': %w", p.Address, err)
		}

		// Add the peers and daemons to the package level variables
		_daemons = append(_daemons, d)
		_peers = append(_peers, peer.Info{
			Address: d.ListenAddress(),
		})
	}

	// Tell each daemon about the other peers
	for _, d := range _daemons {
		if err := d.SetPeers(ctx, _peers); err != nil {
			return fmt.Errorf("StartWith: during SetPeers(): %w", err)
		}
	}
	return nil
}

// Join starts a new daemon at address and adds it to the cluster. The new daemon is told
// about the cluster first, so it is ready to receive account transfers from the others.
func Join(ctx context.Context, address string) (*vault.Daemon, error) {
	if len(_daemons) == 0 {
		return nil, errors.New("Join: cluster is not running")
	}

	opts := _opts
	if opts.Transport == nil {
		opts.Transport = transport.NewHttpTransport(transport.HttpTransportOptions{})
	} else {
		opts.Transport = opts.Transport.New()
	}

	d, err := vault.ListenAndServe(ctx, address, opts)
	if err != nil {
		return nil, fmt.Errorf("Join: while starting daemon for '%s': %w", address, err)
	}
	_daemons = append(_daemons, d)
	_peers = append(_peers, peer.Info{Address: d.ListenAddress()})

	if err := d.SetPeers(ctx, _peers); err != nil {
		return nil, fmt.Errorf("Join: during SetPeers(): %w", err)
	}
	for _, existing := range _daemons[:len(_daemons)-1] {
		if err := existing.SetPeers(ctx, _peers); err != nil {
			return nil, fmt.Errorf("Join: during SetPeers(): %w", err)
		}
	}
	return d, nil
}

// Shutdown all daemons in the cluster
func Shutdown(ctx context.Context) error {
	for _, d := range _daemons {
		if err := d.Shutdown(ctx); err != nil {
			return err
		}
	}
	_peers = nil
	_daemons = nil
	_opts = vault.Options{}
	return nil
}
