// Package catalog holds the set of channels the tuner can compose into a
// layout: a name, a stream URL, and whatever group/guide metadata the
// source M3U carried. The catalog is read far more often than it is
// refreshed, so lookups never block on a refresh in progress and readers
// never observe a half-populated channel set.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// ReservedChannelName is excluded from any refreshed catalog: it is the
// tuner's own self-referential placeholder and must never be selectable
// as a layout slot.
const ReservedChannelName = "Standby"

// Channel is one selectable video source.
type Channel struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Group       string `json:"group,omitempty"`
	ChannelNum  string `json:"channel_number,omitempty"`
	StreamURL   string `json:"stream_url"`
	TVGID       string `json:"tvg_id,omitempty"`
	EPGLinked   bool   `json:"epg_linked"`
	LogoURL     string `json:"logo_url,omitempty"`
}

// Catalog is a read-mostly store of channels backed by an in-memory
// sqlite database. Nothing here is ever persisted to disk: the database
// handle is recreated and discarded with the process.
type Catalog struct {
	mu sync.RWMutex
	db *sql.DB
}

// New returns an empty catalog.
func New() *Catalog {
	c := &Catalog{}
	c.db, _ = openEmpty()
	return c
}

func openEmpty() (*sql.DB, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("catalog: open: %w", err)
	}
	// Each connection to ":memory:" is its own empty database, so the pool
	// is held to one connection for every query to see the same table.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: schema: %w", err)
	}
	return db, nil
}

const schema = `
CREATE TABLE channels (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	grp          TEXT NOT NULL DEFAULT '',
	channel_num  TEXT NOT NULL DEFAULT '',
	stream_url   TEXT NOT NULL,
	tvg_id       TEXT NOT NULL DEFAULT '',
	epg_linked   INTEGER NOT NULL DEFAULT 0,
	logo_url     TEXT NOT NULL DEFAULT ''
);
`

// Replace atomically swaps the catalog's contents. The new set is built in
// a fresh in-memory database inside one transaction, then the catalog's
// handle is swapped under the lock — so a concurrent lookup/snapshot either
// sees the entire old set or the entire new one, never a mix.
func (c *Catalog) Replace(ctx context.Context, channels []Channel) error {
	db, err := openEmpty()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		db.Close()
		return fmt.Errorf("catalog: begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO channels
		(id, name, grp, channel_num, stream_url, tvg_id, epg_linked, logo_url)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		db.Close()
		return fmt.Errorf("catalog: prepare: %w", err)
	}
	for _, ch := range channels {
		if ch.Name == ReservedChannelName {
			continue
		}
		epgLinked := 0
		if ch.EPGLinked {
			epgLinked = 1
		}
		if _, err := stmt.ExecContext(ctx, ch.ID, ch.Name, ch.Group, ch.ChannelNum,
			ch.StreamURL, ch.TVGID, epgLinked, ch.LogoURL); err != nil {
			stmt.Close()
			tx.Rollback()
			db.Close()
			return fmt.Errorf("catalog: insert %q: %w", ch.ID, err)
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		db.Close()
		return fmt.Errorf("catalog: commit: %w", err)
	}

	c.mu.Lock()
	old := c.db
	c.db = db
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// Lookup returns the channel with the given ID, or ok=false if absent.
func (c *Catalog) Lookup(ctx context.Context, id string) (Channel, bool) {
	c.mu.RLock()
	db := c.db
	c.mu.RUnlock()
	if db == nil {
		return Channel{}, false
	}
	row := db.QueryRowContext(ctx, `SELECT id, name, grp, channel_num, stream_url, tvg_id, epg_linked, logo_url
		FROM channels WHERE id = ?`, id)
	var ch Channel
	var epgLinked int
	if err := row.Scan(&ch.ID, &ch.Name, &ch.Group, &ch.ChannelNum, &ch.StreamURL, &ch.TVGID, &epgLinked, &ch.LogoURL); err != nil {
		return Channel{}, false
	}
	ch.EPGLinked = epgLinked != 0
	return ch, true
}

// Snapshot returns every channel currently in the catalog, in a stable
// order, for use by /channels and the layout compiler's validation.
func (c *Catalog) Snapshot(ctx context.Context) []Channel {
	c.mu.RLock()
	db := c.db
	c.mu.RUnlock()
	if db == nil {
		return nil
	}
	rows, err := db.QueryContext(ctx, `SELECT id, name, grp, channel_num, stream_url, tvg_id, epg_linked, logo_url
		FROM channels ORDER BY channel_num, name`)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []Channel
	for rows.Next() {
		var ch Channel
		var epgLinked int
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.Group, &ch.ChannelNum, &ch.StreamURL, &ch.TVGID, &epgLinked, &ch.LogoURL); err != nil {
			continue
		}
		ch.EPGLinked = epgLinked != 0
		out = append(out, ch)
	}
	return out
}

// Count returns the number of channels currently in the catalog.
func (c *Catalog) Count(ctx context.Context) int {
	c.mu.RLock()
	db := c.db
	c.mu.RUnlock()
	if db == nil {
		return 0
	}
	var n int
	if err := db.QueryRowContext(ctx, `SELECT count(*) FROM channels`).Scan(&n); err != nil {
		return 0
	}
	return n
}
