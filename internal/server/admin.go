package server

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	gateway "github.com/cursorgate/cursorgate/internal"
	"github.com/cursorgate/cursorgate/internal/app"
	"github.com/cursorgate/cursorgate/internal/checksum"
	"github.com/cursorgate/cursorgate/internal/cursor/wire"
	"github.com/cursorgate/cursorgate/internal/proxypool"
	"github.com/cursorgate/cursorgate/internal/token"
)

// maxAdminBody is the maximum allowed admin request body size (1 MB).
const maxAdminBody = 1 << 20

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on
// error. Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeAPIError(w, r, &gateway.APIError{
			Status: http.StatusBadRequest, Code: "invalid_request",
			Message: "invalid request body",
		})
		return false
	}
	return true
}

// writeAdminError logs the full error server-side and returns a mapped
// status to the client.
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := app.APIErrorFrom(err)
	if apiErr.Status >= http.StatusInternalServerError {
		slog.LogAttrs(r.Context(), slog.LevelError, "admin error",
			slog.String("error", err.Error()),
		)
		apiErr.Message = "internal error"
	}
	writeAPIError(w, r, apiErr)
}

// urlID parses the {id} route parameter.
func urlID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeAPIError(w, r, &gateway.APIError{
			Status: http.StatusBadRequest, Code: "invalid_request",
			Message: "invalid token id",
		})
		return 0, false
	}
	return id, true
}

// --- Tokens ---

// tokenView is the admin-facing shape of one managed token.
type tokenView struct {
	ID       int                `json:"id"`
	Alias    string             `json:"alias"`
	Key      string             `json:"key"`
	Status   string             `json:"status"`
	Provider string             `json:"provider"`
	Session  bool               `json:"session"`
	Expires  int64              `json:"expires"`
	Checksum string             `json:"checksum"`
	Proxy    string             `json:"proxy,omitempty"`
	Timezone string             `json:"timezone,omitempty"`
	Region   string             `json:"region,omitempty"`
	Profile  *token.UserProfile `json:"profile,omitempty"`
	Tags     map[string]string  `json:"tags,omitempty"`
}

func viewOf(e app.Entry) tokenView {
	raw := e.Info.Bundle.Token.Raw()
	return tokenView{
		ID:       e.ID,
		Alias:    e.Alias,
		Key:      e.Info.Bundle.Token.Key().String(),
		Status:   e.Info.Status.String(),
		Provider: raw.Provider,
		Session:  raw.IsSession,
		Expires:  raw.End,
		Checksum: e.Info.Bundle.Checksum.String(),
		Proxy:    e.Info.Bundle.ProxyName,
		Timezone: e.Info.Bundle.Timezone,
		Region:   e.Info.Bundle.Region.String(),
		Profile:  e.Info.Profile,
		Tags:     e.Info.Tags,
	}
}

func (s *server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	entries := s.deps.Tokens.List()
	out := make([]tokenView, 0, len(entries))
	for _, e := range entries {
		out = append(out, viewOf(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out, "total": len(out)})
}

type addTokenRequest struct {
	Token    string            `json:"token"`
	Alias    string            `json:"alias,omitempty"`
	Checksum string            `json:"checksum,omitempty"`
	Proxy    string            `json:"proxy,omitempty"`
	Timezone string            `json:"timezone,omitempty"`
	Region   string            `json:"region,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
}

func (s *server) handleAddToken(w http.ResponseWriter, r *http.Request) {
	var req addTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	raw, jwt, trailing, err := s.deps.Parser.Parse(req.Token)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	tok := s.deps.Pool.Intern(raw, jwt)

	bundle := token.NewBundle(tok)
	switch {
	case req.Checksum != "":
		bundle.Checksum = checksum.Repair(req.Checksum)
	case trailing != "":
		bundle.Checksum = checksum.Repair(trailing)
	}
	bundle.ProxyName = req.Proxy
	bundle.Timezone = req.Timezone
	bundle.Region = token.ParseRegion(req.Region)

	info := &token.Info{Bundle: bundle, Tags: req.Tags}
	id, err := s.deps.Tokens.Add(info, req.Alias)
	if err != nil {
		tok.Release()
		writeAdminError(w, r, err)
		return
	}

	for _, e := range s.deps.Tokens.List() {
		if e.ID == id {
			writeJSON(w, http.StatusCreated, viewOf(e))
			return
		}
	}
	writeJSON(w, http.StatusCreated, viewOf(app.Entry{ID: id, Alias: req.Alias, Info: info}))
}

func (s *server) handleRemoveToken(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r)
	if !ok {
		return
	}
	info, err := s.deps.Tokens.Remove(id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	info.Bundle.Token.Release()
	writeJSON(w, http.StatusOK, map[string]any{"removed": id})
}

type updateTokenRequest struct {
	Alias    *string            `json:"alias,omitempty"`
	Status   *string            `json:"status,omitempty"`
	Tags     *map[string]string `json:"tags,omitempty"`
}

func (s *server) handleUpdateToken(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r)
	if !ok {
		return
	}
	var req updateTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Alias != nil {
		if err := s.deps.Tokens.SetAlias(id, *req.Alias); err != nil {
			writeAdminError(w, r, err)
			return
		}
	}
	if req.Status != nil {
		st := token.StatusEnabled
		if *req.Status == "disabled" {
			st = token.StatusDisabled
		}
		if err := s.deps.Tokens.SetStatus(id, st); err != nil {
			writeAdminError(w, r, err)
			return
		}
	}
	info, err := s.deps.Tokens.Get(id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if req.Tags != nil {
		info.Tags = *req.Tags
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": id})
}

// handleTokenProfile fetches and caches the control-plane profile for a
// managed token.
func (s *server) handleTokenProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r)
	if !ok {
		return
	}
	info, err := s.deps.Tokens.Get(id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	profile, err := s.deps.Upstream.FetchProfile(r.Context(), info.Bundle)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	info.Profile = &profile
	writeJSON(w, http.StatusOK, profile)
}

// --- Logs ---

func (s *server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	logs := s.deps.Logs.List(limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  logs,
		"total": s.deps.Logs.Len(),
	})
}

// --- Proxies ---

type proxyView struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	URL     string `json:"url,omitempty"`
	General bool   `json:"general"`
}

func (s *server) handleListProxies(w http.ResponseWriter, r *http.Request) {
	general := s.deps.Proxies.GeneralName()
	list := s.deps.Proxies.List()
	out := make([]proxyView, 0, len(list))
	for _, p := range list {
		v := proxyView{Name: p.Name, Kind: p.Kind.String(), General: p.Name == general}
		if p.URL != nil {
			v.URL = p.URL.String()
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

type addProxyRequest struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
	URL  string `json:"url,omitempty"`
}

func (s *server) handleAddProxy(w http.ResponseWriter, r *http.Request) {
	var req addProxyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	kind, err := proxypool.ParseKind(req.Kind)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if err := s.deps.Proxies.Add(req.Name, kind, req.URL); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"added": req.Name})
}

func (s *server) handleRemoveProxy(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s.deps.Proxies.Remove(name)
	writeJSON(w, http.StatusOK, map[string]any{"removed": name})
}

func (s *server) handleSetGeneralProxy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.deps.Proxies.SetGeneral(req.Name); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"general": req.Name})
}

// --- Config ---

// handleGetConfig reports the non-secret runtime configuration.
func (s *server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.deps.Config
	writeJSON(w, http.StatusOK, map[string]any{
		"route_prefix":   cfg.Server.RoutePrefix,
		"share_enabled":  cfg.Auth.ShareEnabled,
		"dynamic_keys":   cfg.Auth.DynamicKeys,
		"key_prefix":     cfg.Auth.KeyPrefix,
		"upstream_host":  cfg.Cursor.UpstreamHost,
		"client_version": cfg.Cursor.ClientVersion,
		"long_context":   cfg.Cursor.LongContext,
		"vision_policy":  cfg.Vision.Policy,
		"logs_limit":     cfg.Logs.Limit,
		"general_proxy":  s.deps.Proxies.GeneralName(),
	})
}

// --- Key builder ---

type buildKeyRequest struct {
	Token                string   `json:"token"`
	Checksum             string   `json:"checksum,omitempty"`
	Proxy                string   `json:"proxy,omitempty"`
	Timezone             string   `json:"timezone,omitempty"`
	Region               string   `json:"region,omitempty"`
	DisableVision        bool     `json:"disable_vision,omitempty"`
	EnableSlowPool       bool     `json:"enable_slow_pool,omitempty"`
	UsageCheckModels     []string `json:"usage_check_models,omitempty"`
	IncludeWebReferences bool     `json:"include_web_references,omitempty"`
}

// handleBuildKey packages a credential plus policy into a self-contained
// dynamic API key.
func (s *server) handleBuildKey(w http.ResponseWriter, r *http.Request) {
	var req buildKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	// validate the credential before signing it into a key
	raw, _, trailing, err := s.deps.Parser.Parse(req.Token)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}

	sum := req.Checksum
	if sum == "" && trailing != "" {
		sum = trailing
	}
	cfg := wire.KeyConfig{
		TokenInfo: &wire.KeyTokenInfo{
			Token:         raw.Render(),
			Checksum:      checksum.Repair(sum).String(),
			ClientKey:     checksum.RandomHash().Hex(),
			SessionID:     uuid.NewString(),
			ConfigVersion: uuid.NewString(),
			ProxyName:     req.Proxy,
			Timezone:      req.Timezone,
			GcppRegion:    req.Region,
		},
		DisableVision:        req.DisableVision,
		EnableSlowPool:       req.EnableSlowPool,
		UsageCheckModels:     req.UsageCheckModels,
		IncludeWebReferences: req.IncludeWebReferences,
	}

	key := s.deps.Config.Auth.KeyPrefix + base64.RawURLEncoding.EncodeToString(cfg.Marshal())
	writeJSON(w, http.StatusOK, map[string]any{"key": key})
}
