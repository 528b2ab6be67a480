package app

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/cursorgate/cursorgate/internal/checksum"
	"github.com/cursorgate/cursorgate/internal/proxypool"
	"github.com/cursorgate/cursorgate/internal/storage"
	"github.com/cursorgate/cursorgate/internal/token"
)

// Persister snapshots the in-memory state into the store and restores it
// on startup. The managers and the proxy pool stay authoritative between
// flushes.
type Persister struct {
	Store   storage.Store
	Tokens  *TokenManager
	Logs    *LogManager
	Parser  *token.Parser
	Pool    *token.Pool
	Proxies *proxypool.Pool // optional
}

// Restore loads persisted state into the managers. Records whose
// credential no longer parses (expired, malformed) are skipped with a
// warning instead of failing startup.
func (p *Persister) Restore(ctx context.Context) error {
	records, err := p.Store.LoadTokens(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		raw, jwt, _, err := p.Parser.Parse(rec.JWT)
		if err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "skipping persisted token",
				slog.Int("id", rec.ID),
				slog.String("alias", rec.Alias),
				slog.String("error", err.Error()),
			)
			continue
		}
		tok := p.Pool.Intern(raw, jwt)
		info := &token.Info{
			Bundle: bundleFromFields(tok, rec.Checksum, rec.ClientKey, rec.SessionID,
				rec.ConfigVersion, rec.Proxy, rec.Timezone, rec.Region),
			Tags: rec.Tags,
		}
		if rec.Status == "disabled" {
			info.Status = token.StatusDisabled
		}
		if len(rec.Profile) > 0 {
			var profile token.UserProfile
			if json.Unmarshal(rec.Profile, &profile) == nil {
				info.Profile = &profile
			}
		}
		if _, err := p.Tokens.Add(info, rec.Alias); err != nil {
			tok.Release()
			slog.LogAttrs(ctx, slog.LevelWarn, "skipping persisted token",
				slog.Int("id", rec.ID),
				slog.String("alias", rec.Alias),
				slog.String("error", err.Error()),
			)
		}
	}

	logs, bundleRecs, err := p.Store.LoadLogs(ctx, 0)
	if err != nil {
		return err
	}
	bundles := make(map[token.Key]token.Bundle, len(bundleRecs))
	for _, rec := range bundleRecs {
		raw, jwt, _, err := p.Parser.Parse(rec.JWT)
		if err != nil {
			continue
		}
		key, ok := token.ParseKey(rec.TokenKey)
		if !ok || key != raw.Key() {
			continue
		}
		tok := p.Pool.Intern(raw, jwt)
		bundles[key] = bundleFromFields(tok, rec.Checksum, rec.ClientKey, rec.SessionID,
			rec.ConfigVersion, rec.Proxy, rec.Timezone, rec.Region)
	}
	p.Logs.Restore(logs, bundles)

	if p.Proxies != nil {
		recs, err := p.Store.LoadProxies(ctx)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			kind, err := proxypool.ParseKind(rec.Kind)
			if err != nil {
				slog.Warn("skipping persisted proxy", "name", rec.Name, "error", err)
				continue
			}
			if err := p.Proxies.Add(rec.Name, kind, rec.URL); err != nil {
				slog.Warn("skipping persisted proxy", "name", rec.Name, "error", err)
				continue
			}
			if rec.General {
				_ = p.Proxies.SetGeneral(rec.Name)
			}
		}
	}
	return nil
}

// Save flushes the managers and the proxy declarations as full snapshots.
func (p *Persister) Save(ctx context.Context) error {
	entries := p.Tokens.List()
	records := make([]storage.TokenRecord, 0, len(entries))
	for _, e := range entries {
		b := e.Info.Bundle
		rec := storage.TokenRecord{
			ID:        e.ID,
			Alias:     e.Alias,
			JWT:       b.Token.Raw().Render(),
			Status:    e.Info.Status.String(),
			Checksum:  b.Checksum.String(),
			ClientKey: b.ClientKey.Hex(),
			SessionID: b.SessionID.String(),
			Proxy:     b.ProxyName,
			Timezone:  b.Timezone,
			Region:    b.Region.String(),
			Tags:      e.Info.Tags,
		}
		if b.ConfigVersion != nil {
			rec.ConfigVersion = b.ConfigVersion.String()
		}
		if e.Info.Profile != nil {
			rec.Profile, _ = json.Marshal(e.Info.Profile)
		}
		records = append(records, rec)
	}
	if err := p.Store.SaveTokens(ctx, records); err != nil {
		return err
	}

	logs := p.Logs.List(0)
	cached := p.Logs.Bundles()
	bundleRecs := make([]storage.BundleRecord, 0, len(cached))
	for key, b := range cached {
		rec := storage.BundleRecord{
			TokenKey:  key.String(),
			JWT:       b.Token.Raw().Render(),
			Checksum:  b.Checksum.String(),
			ClientKey: b.ClientKey.Hex(),
			SessionID: b.SessionID.String(),
			Proxy:     b.ProxyName,
			Timezone:  b.Timezone,
			Region:    b.Region.String(),
		}
		if b.ConfigVersion != nil {
			rec.ConfigVersion = b.ConfigVersion.String()
		}
		bundleRecs = append(bundleRecs, rec)
	}
	if err := p.Store.SaveLogs(ctx, logs, bundleRecs); err != nil {
		return err
	}

	if p.Proxies == nil {
		return nil
	}
	decls := p.Proxies.List()
	general := p.Proxies.GeneralName()
	proxyRecs := make([]storage.ProxyRecord, 0, len(decls))
	for _, d := range decls {
		rec := storage.ProxyRecord{
			Name:    d.Name,
			Kind:    d.Kind.String(),
			General: d.Name == general,
		}
		if d.URL != nil {
			rec.URL = d.URL.String()
		}
		proxyRecs = append(proxyRecs, rec)
	}
	return p.Store.SaveProxies(ctx, proxyRecs)
}

// bundleFromFields rebuilds a dispatch bundle from persisted strings,
// regenerating any material that fails to parse.
func bundleFromFields(tok token.Token, sum, clientKey, sessionID, configVersion, proxy, timezone, region string) token.Bundle {
	b := token.Bundle{
		Token:     tok,
		Checksum:  checksum.Repair(sum),
		ClientKey: clientKeyFromHex(clientKey),
		SessionID: sessionFromString(sessionID),
		ProxyName: proxy,
		Timezone:  timezone,
		Region:    token.ParseRegion(region),
	}
	if v, err := uuid.Parse(configVersion); err == nil {
		b.ConfigVersion = &v
	}
	return b
}

func clientKeyFromHex(s string) checksum.Hash {
	var h checksum.Hash
	if len(s) == 64 {
		if _, err := hex.Decode(h[:], []byte(s)); err == nil {
			return h
		}
	}
	return checksum.RandomHash()
}

func sessionFromString(s string) uuid.UUID {
	if v, err := uuid.Parse(s); err == nil {
		return v
	}
	return uuid.New()
}
