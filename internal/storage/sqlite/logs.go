package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	gateway "github.com/cursorgate/cursorgate/internal"
	"github.com/cursorgate/cursorgate/internal/storage"
)

// SaveLogs replaces the persisted request log ring and its bundle cache
// with a full snapshot.
func (s *Store) SaveLogs(ctx context.Context, logs []gateway.RequestLog, bundles []storage.BundleRecord) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM request_logs`); err != nil {
		return fmt.Errorf("clear logs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM log_bundles`); err != nil {
		return fmt.Errorf("clear bundles: %w", err)
	}

	for _, l := range logs {
		chain, err := marshalJSON(l.Chain)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO request_logs (id, timestamp, model, token_key, timing, stream, status, error, chain)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			l.ID, l.Timestamp.UTC().Format(time.RFC3339Nano), l.Model, l.TokenKey,
			l.Timing, boolToInt(l.Stream), l.Status.String(), nullStr(l.Error), chain,
		)
		if err != nil {
			return fmt.Errorf("insert log %d: %w", l.ID, err)
		}
	}

	for _, b := range bundles {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO log_bundles (token_key, jwt, checksum, client_key, session_id,
			 config_version, proxy, timezone, region)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			b.TokenKey, b.JWT, b.Checksum, b.ClientKey, b.SessionID,
			nullStr(b.ConfigVersion), nullStr(b.Proxy), nullStr(b.Timezone), nullStr(b.Region),
		)
		if err != nil {
			return fmt.Errorf("insert bundle %s: %w", b.TokenKey, err)
		}
	}
	return tx.Commit()
}

// LoadLogs returns the newest limit logs in append order plus the bundle
// cache. limit <= 0 loads everything.
func (s *Store) LoadLogs(ctx context.Context, limit int) ([]gateway.RequestLog, []storage.BundleRecord, error) {
	q := `SELECT id, timestamp, model, token_key, timing, stream, status, error, chain
	      FROM request_logs ORDER BY id`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		// newest N, re-sorted ascending
		q = `SELECT * FROM (
		       SELECT id, timestamp, model, token_key, timing, stream, status, error, chain
		       FROM request_logs ORDER BY id DESC LIMIT ?
		     ) ORDER BY id`
		rows, err = s.read.QueryContext(ctx, q, limit)
	} else {
		rows, err = s.read.QueryContext(ctx, q)
	}
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var logs []gateway.RequestLog
	for rows.Next() {
		var l gateway.RequestLog
		var ts, status string
		var stream int
		var errStr, chain sql.NullString
		if err := rows.Scan(&l.ID, &ts, &l.Model, &l.TokenKey, &l.Timing,
			&stream, &status, &errStr, &chain); err != nil {
			return nil, nil, err
		}
		l.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		l.Stream = stream != 0
		l.Status = parseLogStatus(status)
		l.Error = errStr.String
		if chain.Valid && chain.String != "" {
			l.Chain = new(gateway.LogChain)
			if err := json.Unmarshal([]byte(chain.String), l.Chain); err != nil {
				return nil, nil, fmt.Errorf("log %d chain: %w", l.ID, err)
			}
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	bundles, err := s.loadBundles(ctx)
	if err != nil {
		return nil, nil, err
	}
	return logs, bundles, nil
}

func (s *Store) loadBundles(ctx context.Context) ([]storage.BundleRecord, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT token_key, jwt, checksum, client_key, session_id,
		 config_version, proxy, timezone, region FROM log_bundles`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.BundleRecord
	for rows.Next() {
		var b storage.BundleRecord
		var configVersion, proxy, timezone, region sql.NullString
		if err := rows.Scan(&b.TokenKey, &b.JWT, &b.Checksum, &b.ClientKey,
			&b.SessionID, &configVersion, &proxy, &timezone, &region); err != nil {
			return nil, err
		}
		b.ConfigVersion = configVersion.String
		b.Proxy = proxy.String
		b.Timezone = timezone.String
		b.Region = region.String
		out = append(out, b)
	}
	return out, rows.Err()
}

// parseLogStatus maps the persisted status name back to the enum. A
// request still pending at save time is restored as a failure: its
// outcome can never arrive.
func parseLogStatus(s string) gateway.LogStatus {
	switch s {
	case "success":
		return gateway.LogSuccess
	case "pending":
		return gateway.LogFailure
	default:
		return gateway.LogFailure
	}
}
