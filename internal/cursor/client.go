package cursor

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	gateway "github.com/cursorgate/cursorgate/internal"
	"github.com/cursorgate/cursorgate/internal/cursor/wire"
	"github.com/cursorgate/cursorgate/internal/proxypool"
	"github.com/cursorgate/cursorgate/internal/token"
)

// chatPath is the Connect-RPC method the chat stream is POSTed to.
const chatPath = "/aiserver.v1.ChatService/StreamUnifiedChatWithTools"

// profileURL serves the account profile for a raw session JWT.
const profileURL = "https://cursor.com/api/auth/me"

// ClientConfig carries the upstream connection settings. Hosts may carry an
// explicit scheme ("http://relay:8080"); bare names default to https.
type ClientConfig struct {
	UpstreamHost     string // e.g. api2.cursor.sh
	ReverseProxyHost string // optional fronting host; "" means direct
	ProfileURL       string // control-plane profile endpoint override
	ClientVersion    string
	DefaultTimezone  string
	ServiceTimeout   time.Duration
}

// baseURL prefixes bare host names with https.
func baseURL(host string) string {
	if strings.Contains(host, "://") {
		return host
	}
	return "https://" + host
}

// Client performs the upstream Connect-RPC calls. Outbound transports come
// from the proxy pool, keyed by the bundle's proxy name.
type Client struct {
	cfg  ClientConfig
	pool *proxypool.Pool
}

// NewClient builds an upstream client over the given proxy pool.
func NewClient(cfg ClientConfig, pool *proxypool.Pool) *Client {
	if cfg.UpstreamHost == "" {
		cfg.UpstreamHost = "api2.cursor.sh"
	}
	return &Client{cfg: cfg, pool: pool}
}

// PoolClient exposes the pooled HTTP client for a proxy name, used by the
// assembler for remote image fetches.
func (c *Client) PoolClient(name string) *http.Client {
	return c.pool.Client(name)
}

// EncodeFrame wraps a payload in the length-prefixed Connect frame.
func EncodeFrame(kind byte, payload []byte) []byte {
	out := make([]byte, frameHeaderSize+len(payload))
	out[0] = kind
	binary.BigEndian.PutUint32(out[1:frameHeaderSize], uint32(len(payload)))
	copy(out[frameHeaderSize:], payload)
	return out
}

// StreamChat opens the chat stream. The returned body carries the framed
// response and must be closed by the caller. A non-200 upstream status is
// converted to an APIError before returning.
func (c *Client) StreamChat(ctx context.Context, b token.Bundle, req *wire.StreamUnifiedChatRequest) (io.ReadCloser, error) {
	body := EncodeFrame(frameProto, req.Marshal())

	host := c.cfg.UpstreamHost
	fronted := c.cfg.ReverseProxyHost != ""
	if fronted {
		host = c.cfg.ReverseProxyHost
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		baseURL(host)+chatPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	c.setHeaders(hreq, b)
	if fronted {
		hreq.Header.Set("x-co", c.cfg.UpstreamHost)
	}

	resp, err := c.pool.Client(b.ProxyName).Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrUpstream, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if apiErr := ParseChatError(raw); apiErr != nil {
			return nil, apiErr
		}
		return nil, &gateway.APIError{
			Status:  resp.StatusCode,
			Code:    "upstream_error",
			Message: fmt.Sprintf("upstream returned %d", resp.StatusCode),
			Details: string(raw),
		}
	}
	return resp.Body, nil
}

// setHeaders attaches the full client identity for this bundle.
func (c *Client) setHeaders(r *http.Request, b token.Bundle) {
	h := r.Header
	h.Set("Authorization", "Bearer "+b.Token.JWT())
	h.Set("Content-Type", "application/connect+proto")
	h.Set("connect-protocol-version", "1")
	h.Set("connect-accept-encoding", "gzip")
	h.Set("User-Agent", "Cursor/"+c.cfg.ClientVersion)
	h.Set("x-cursor-client-version", c.cfg.ClientVersion)
	h.Set("x-cursor-checksum", b.Checksum.String())
	h.Set("x-cursor-timezone", b.Location(c.cfg.DefaultTimezone).String())
	h.Set("x-ghost-mode", "true")
	h.Set("x-client-key", b.ClientKey.Hex())
	h.Set("x-session-id", b.SessionID.String())
	if b.ConfigVersion != nil {
		h.Set("x-cursor-config-version", b.ConfigVersion.String())
	}
	h.Set("x-request-id", uuid.NewString())
	h.Set("x-amzn-trace-id", "Root="+uuid.NewString())
}

// FetchProfile retrieves the account email and membership for a bundle's
// session credential from the control plane.
func (c *Client) FetchProfile(ctx context.Context, b token.Bundle) (token.UserProfile, error) {
	var p token.UserProfile

	target := c.cfg.ProfileURL
	if target == "" {
		target = profileURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return p, fmt.Errorf("profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+b.Token.JWT())
	req.Header.Set("User-Agent", "Cursor/"+c.cfg.ClientVersion)

	resp, err := c.pool.Client(b.ProxyName).Do(req)
	if err != nil {
		return p, fmt.Errorf("%w: %v", gateway.ErrUpstream, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return p, fmt.Errorf("%w: profile returned %d", gateway.ErrUpstream, resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return p, fmt.Errorf("profile read: %w", err)
	}

	doc := gjson.ParseBytes(raw)
	p.Email = doc.Get("email").String()
	p.Name = doc.Get("name").String()
	p.Sub = doc.Get("sub").String()
	p.UpdatedAt = time.Now()
	return p, nil
}
