// Package proxypool maintains the named set of outbound HTTP clients.
// Every upstream call picks a client by the bundle's proxy name, falling
// back to the designated general client.
package proxypool

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/dnscache"

	gateway "github.com/cursorgate/cursorgate/internal"
)

// Kind selects how a client reaches the network.
type Kind uint8

const (
	KindDirect Kind = iota // explicit no-proxy
	KindSystem             // honor process proxy environment
	KindURL                // fixed all-protocol proxy URL
)

// String returns the config name of the kind.
func (k Kind) String() string {
	switch k {
	case KindSystem:
		return "system"
	case KindURL:
		return "url"
	default:
		return "direct"
	}
}

// ParseKind maps a config string to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "direct", "non":
		return KindDirect, nil
	case "system", "sys":
		return KindSystem, nil
	case "url":
		return KindURL, nil
	default:
		return 0, fmt.Errorf("proxypool: unknown kind %q", s)
	}
}

// Proxy is one declared outbound route.
type Proxy struct {
	Name string   `json:"name"`
	Kind Kind     `json:"-"`
	URL  *url.URL `json:"-"`
}

// DefaultGeneral is the name seeded when no proxy is configured.
const DefaultGeneral = "direct"

// Pool maps proxy names to constructed clients. The whole client map is
// rebuilt and swapped atomically on declaration changes; the general
// client is read-often, rebuilt-rare.
type Pool struct {
	mu       sync.RWMutex
	decls    map[string]Proxy
	clients  map[string]*http.Client
	general  string
	resolver *dnscache.Resolver

	timeout   time.Duration
	keepalive time.Duration
}

// New creates a pool with a single direct client designated general.
func New(timeout, keepalive time.Duration) *Pool {
	p := &Pool{
		decls:     make(map[string]Proxy),
		clients:   make(map[string]*http.Client),
		general:   DefaultGeneral,
		resolver:  &dnscache.Resolver{},
		timeout:   timeout,
		keepalive: keepalive,
	}
	p.decls[DefaultGeneral] = Proxy{Name: DefaultGeneral, Kind: KindDirect}
	p.clients[DefaultGeneral] = p.build(p.decls[DefaultGeneral])
	return p
}

// newTransport returns the tuned transport every client shares the shape
// of. The TLS config is the seam where the fixed ClientHello fingerprint
// (cipher order, extension order, named groups) is pinned; named groups
// follow the upstream client: x25519, secp256r1, secp384r1.
func (p *Pool) newTransport() *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.X25519, tls.CurveP256, tls.CurveP384,
			},
		},
	}
	dialer := &net.Dialer{KeepAlive: p.keepalive}
	resolver := p.resolver
	t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		if ip := net.ParseIP(host); ip != nil {
			return dialer.DialContext(ctx, network, addr)
		}
		ips, err := resolver.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}
		return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
	}
	return t
}

// build constructs the client for one declaration.
func (p *Pool) build(d Proxy) *http.Client {
	t := p.newTransport()
	switch d.Kind {
	case KindSystem:
		t.Proxy = http.ProxyFromEnvironment
	case KindURL:
		t.Proxy = http.ProxyURL(d.URL)
	default:
		t.Proxy = nil
	}
	return &http.Client{Transport: t, Timeout: p.timeout}
}

// Add declares a proxy. A name that already exists is a no-op.
func (p *Pool) Add(name string, kind Kind, rawURL string) error {
	var u *url.URL
	if kind == KindURL {
		var err error
		if u, err = url.Parse(rawURL); err != nil || u.Host == "" {
			return fmt.Errorf("proxypool: bad url %q: %w", rawURL, gateway.ErrBadRequest)
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.decls[name]; exists {
		return nil
	}
	d := Proxy{Name: name, Kind: kind, URL: u}
	p.decls[name] = d
	p.clients[name] = p.build(d)
	return nil
}

// Remove deletes a declaration. Removing the general name reverts the
// designation to any remaining name.
func (p *Pool) Remove(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.decls, name)
	delete(p.clients, name)
	if p.general == name {
		p.general = DefaultGeneral
		if _, ok := p.decls[DefaultGeneral]; !ok {
			for n := range p.decls {
				p.general = n
				break
			}
		}
	}
}

// SetGeneral designates the fallback client. Unknown names are rejected.
func (p *Pool) SetGeneral(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.decls[name]; !ok {
		return fmt.Errorf("proxypool: %q: %w", name, gateway.ErrNotFound)
	}
	p.general = name
	return nil
}

// Rebuild reconstructs every client from the declared map and swaps the
// client map atomically.
func (p *Pool) Rebuild() {
	p.mu.Lock()
	defer p.mu.Unlock()
	fresh := make(map[string]*http.Client, len(p.decls))
	for name, d := range p.decls {
		fresh[name] = p.build(d)
	}
	p.clients = fresh
}

// Client returns the client for name, or the general client when the name
// is empty or unknown.
func (p *Pool) Client(name string) *http.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if name != "" {
		if c, ok := p.clients[name]; ok {
			return c
		}
	}
	return p.clients[p.general]
}

// General returns the designated fallback client.
func (p *Pool) General() *http.Client { return p.Client("") }

// GeneralName returns the designated fallback name.
func (p *Pool) GeneralName() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.general
}

// List returns the declarations in no particular order.
func (p *Pool) List() []Proxy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Proxy, 0, len(p.decls))
	for _, d := range p.decls {
		out = append(out, d)
	}
	return out
}
