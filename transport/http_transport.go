/*
Copyright 2012 Google Inc.
Copyright 2024 Derrick J Wippler

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

package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/proxy"

	"github.com/pmidvault/vault-go/transport/peer"
	"github.com/pmidvault/vault-go/wire"
)

const (
	DefaultBasePath = "/_vault/"
	defaultScheme   = "http"
	contentType     = "application/x-protobuf"

	// maxEnvelopeSize bounds the body read from a single request
	maxEnvelopeSize = 64 << 20
)

var bufferPool = sync.Pool{
	New: func() interface{} { return new(bytes.Buffer) },
}

// Handler receives every envelope delivered to this node.
type Handler interface {
	HandleEnvelope(ctx context.Context, env *wire.Envelope) error
}

type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

type Transport interface {
	// New returns a clone of this instance suitable for passing to vault.New()
	// Example usage:
	//
	// transport := transport.NewHttpTransport(transport.HttpTransportOptions{})
	// vault.New(ctx, vault.Options{Transport: transport.New()})
	New() Transport

	// Register registers the handler which receives every envelope delivered to the
	// server started by SpawnServer().
	Register(handler Handler)

	// NewClient returns a new Client suitable for the transport implementation. The client returned is used to
	// communicate with a specific peer. This method will be called for each peer in the peer list when
	// vault.Service.SetPeers() is called.
	NewClient(ctx context.Context, peer peer.Info) (peer.Client, error)

	// SpawnServer spawns a server that will handle incoming requests for this transport
	// This is used by daemon and cluster packages to create a cluster of vaults using
	// this specific transport.
	SpawnServer(ctx context.Context, address string) error

	// ShutdownServer shuts down the server started when calling SpawnServer()
	ShutdownServer(ctx context.Context) error

	// ListenAddress returns the address the server is listening on after calling SpawnServer().
	ListenAddress() string
}

// HttpTransportOptions options for creating a new HttpTransport
type HttpTransportOptions struct {
	// Context (Optional) specifies a context for the server to use when it
	// receives a request.
	// defaults to http.Request.Context()
	Context func(*http.Request) context.Context

	// Client (Optional) provide a custom http client with TLS config.
	// defaults to an http.Client instrumented with otelhttp
	Client *http.Client

	// Scheme (Optional) is either `http` or `https`.
	// defaults to `https` when TLSConfig is set, otherwise `http`
	Scheme string

	// BasePath (Optional) specifies the HTTP path that will serve vault requests.
	// defaults to "/_vault/".
	BasePath string

	// TLSConfig (Optional) if set the server started by SpawnServer() will only accept TLS connections
	TLSConfig *tls.Config

	// Tracer (Optional) creates a span for every envelope sent.
	// defaults to NewTracer()
	Tracer *Tracer

	// Logger
	Logger Logger
}

type HttpTransport struct {
	opts     HttpTransportOptions
	handler  Handler
	wg       sync.WaitGroup
	listener net.Listener
	server   *http.Server
}

// NewHttpTransport returns a new HttpTransport instance based on the provided HttpTransportOptions.
// Example usage:
//
//		transport := transport.NewHttpTransport(transport.HttpTransportOptions{
//		   BasePath: "/_vault/",
//		   Scheme:   "http",
//		   Client:   nil,
//		})
//
//	 service, err := vault.New(ctx, .....)
//
//	 // Must register the service before using transport
//	 transport.Register(service)
func NewHttpTransport(opts HttpTransportOptions) *HttpTransport {
	if opts.BasePath == "" {
		opts.BasePath = DefaultBasePath
	}

	if opts.Scheme == "" {
		opts.Scheme = defaultScheme
		if opts.TLSConfig != nil {
			opts.Scheme = "https"
		}
	}

	if opts.Client == nil {
		opts.Client = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	if opts.Tracer == nil {
		opts.Tracer = NewTracer()
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &HttpTransport{
		opts: opts,
	}
}

// Register registers the provided handler with this transport.
func (t *HttpTransport) Register(handler Handler) {
	t.handler = handler
}

// New creates a new unregistered HttpTransport, using the same options as its parent.
func (t *HttpTransport) New() Transport {
	return NewHttpTransport(t.opts)
}

// SpawnServer starts a new http server listening on the provided address:port
func (t *HttpTransport) SpawnServer(ctx context.Context, address string) error {
	mux := http.NewServeMux()
	mux.Handle(t.opts.BasePath, otelhttp.NewHandler(t, "vault.envelope"))

	var err error
	t.listener, err = net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("while starting HTTP listener: %w", err)
	}
	if t.opts.TLSConfig != nil {
		t.listener = tls.NewListener(t.listener, t.opts.TLSConfig)
	}

	t.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	t.wg.Add(1)
	go func() {
		t.opts.Logger.Info(fmt.Sprintf("Listening on %s ....", address))
		if err := t.server.Serve(t.listener); err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				t.opts.Logger.Error("while starting HTTP server", "err", err)
			}
		}
		t.wg.Done()
	}()

	// Ensure server is accepting connections before returning
	return waitForConnect(ctx, t.listener.Addr().String(), t.opts.TLSConfig)
}

// ShutdownServer shuts down the server started when calling SpawnServer()
func (t *HttpTransport) ShutdownServer(ctx context.Context) error {
	if err := t.server.Shutdown(ctx); err != nil {
		return err
	}
	t.wg.Wait()
	return nil
}

// ListenAddress returns the address the server is listening on after calling SpawnServer().
func (t *HttpTransport) ListenAddress() string {
	return t.listener.Addr().String()
}

// ServeHTTP handles all incoming HTTP requests received by the server spawned by SpawnServer()
func (t *HttpTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.handler == nil {
		panic("vault handler is nil; you must register a handler by calling HttpTransport.Register()")
	}

	if !strings.HasPrefix(r.URL.Path, t.opts.BasePath) {
		panic("HttpTransport serving unexpected path: " + r.URL.Path)
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Only POST is supported", http.StatusMethodNotAllowed)
		return
	}

	var ctx context.Context
	if t.opts.Context != nil {
		ctx = t.opts.Context(r)
	} else {
		ctx = r.Context()
	}

	defer r.Body.Close()
	b := bufferPool.Get().(*bytes.Buffer)
	b.Reset()
	defer bufferPool.Put(b)
	_, err := io.Copy(b, io.LimitReader(r.Body, maxEnvelopeSize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// UnmarshalEnvelope copies the payload, so the buffer can be returned to the pool
	env, err := wire.UnmarshalEnvelope(b.Bytes())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := t.handler.HandleEnvelope(ctx, env); err != nil {
		if errors.Is(err, &ErrNotFound{}) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// NewClient creates a new http client for the provided peer
func (t *HttpTransport) NewClient(_ context.Context, p peer.Info) (peer.Client, error) {
	return &HttpClient{
		endpoint: fmt.Sprintf("%s://%s%s", t.opts.Scheme, p.Address, t.opts.BasePath),
		client:   t.opts.Client,
		tracer:   t.opts.Tracer,
		info:     p,
	}, nil
}

// HttpClient represents an HTTP client used to send envelopes to a specific peer.
type HttpClient struct {
	// Peer information for this client
	info peer.Info
	// The address of endpoint in the format `<scheme>://<host>:<port>/<base-path>`
	endpoint string
	// The http client used to make requests
	client *http.Client
	tracer *Tracer
}

// Send posts the envelope to the peer.
func (h *HttpClient) Send(ctx context.Context, env *wire.Envelope) (err error) {
	ctx, span := h.tracer.startSend(ctx, h.info, env)
	defer func() { h.tracer.endSend(span, err) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(env.Marshal()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	res, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusOK {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}

	// Limit reading the error body to max 1 MiB
	msg, _ := io.ReadAll(io.LimitReader(res.Body, 1024*1024))

	switch res.StatusCode {
	case http.StatusNotFound:
		return &ErrNotFound{Msg: strings.Trim(string(msg), "\n")}
	case http.StatusServiceUnavailable:
		return &ErrRemoteCall{Msg: strings.Trim(string(msg), "\n")}
	}
	return fmt.Errorf("server returned: %v, %v", res.Status, string(msg))
}

func (h *HttpClient) PeerInfo() peer.Info {
	return h.info
}

func (h *HttpClient) HashKey() string {
	return string(h.info.NodeID())
}

// waitForConnect waits until the passed address is accepting connections.
// It will continue to attempt a connection until context is canceled.
func waitForConnect(ctx context.Context, address string, cfg *tls.Config) error {
	if address == "" {
		return fmt.Errorf("waitForConnect() requires a valid address")
	}

	var errs []string
	for {
		var d proxy.ContextDialer
		if cfg != nil {
			d = &tls.Dialer{Config: clientConfig(cfg)}
		} else {
			d = &net.Dialer{}
		}
		conn, err := d.DialContext(ctx, "tcp", address)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		errs = append(errs, err.Error())
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err().Error())
			return errors.New(strings.Join(errs, "\n"))
		}
		time.Sleep(time.Millisecond * 100)
		continue
	}
}

// clientConfig derives a config suitable for dialing our own listener. Only the
// handshake is checked, not the identity of the server.
func clientConfig(server *tls.Config) *tls.Config {
	c := server.Clone()
	c.InsecureSkipVerify = true // nolint:gosec
	return c
}
