// Package store - Persistenter Cache fuer optimierte Graphen
//
// Dieses Modul enthaelt:
// - Cache: SQLite-Datenbank mit kodierten optimierten Graphen
// - Key: Modellname, Eingabe-Signatur und Compiler-Optionen
// - Entry: Metadaten eines Eintrags
//
// Veraltete Eintraege (andere Format-Hauptversion, falsche Pruefsumme oder
// geaenderter Quellgraph) werden beim Lesen verworfen.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/ollama/sfast/envconfig"
	"github.com/ollama/sfast/ir"
)

var ErrNotFound = errors.New("graph not cached")

// Key identifiziert einen optimierten Graphen
type Key struct {
	Model     string
	Signature string
	Options   string
}

func (k Key) String() string {
	return fmt.Sprintf("%s[%s]/%s", k.Model, k.Signature, k.Options)
}

// Entry beschreibt einen gespeicherten Graphen
type Entry struct {
	ID             string
	Key            Key
	SourceChecksum string
	Checksum       string
	Version        string
	Size           int
	CreatedAt      time.Time
	LastUsedAt     time.Time
	Hits           int
}

// Cache speichert optimierte Graphen auf der Platte
type Cache struct {
	db *database
}

// DefaultPath gibt den Pfad der Cache-Datenbank unter SFAST_CACHE_DIR zurueck
func DefaultPath() string {
	return filepath.Join(envconfig.CacheDir(), "graphs.sqlite")
}

// Open oeffnet oder erstellt den Cache unter path
func Open(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	db, err := newDatabase(path)
	if err != nil {
		return nil, err
	}

	slog.Debug("store: cache opened", "path", path)
	return &Cache{db: db}, nil
}

// Close schliesst die Datenbank
func (c *Cache) Close() error {
	return c.db.Close()
}

// Put speichert g unter key. source ist der unoptimierte Graph, aus dem g
// entstanden ist; ein Eintrag mit gleichem Schluessel wird ersetzt.
func (c *Cache) Put(ctx context.Context, key Key, source, g *ir.Graph) (Entry, error) {
	data := ir.Encode(g)
	e := Entry{
		ID:             uuid.NewString(),
		Key:            key,
		SourceChecksum: ir.Checksum(source),
		Checksum:       ir.Checksum(g),
		Version:        ir.FormatVersion,
		Size:           len(data),
	}

	_, err := c.db.conn.ExecContext(ctx, `
		INSERT INTO graphs (id, model, signature, options, source_checksum, checksum, version, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (model, signature, options) DO UPDATE SET
			id = excluded.id,
			source_checksum = excluded.source_checksum,
			checksum = excluded.checksum,
			version = excluded.version,
			data = excluded.data,
			created_at = CURRENT_TIMESTAMP,
			last_used_at = CURRENT_TIMESTAMP,
			hits = 0
	`, e.ID, key.Model, key.Signature, key.Options, e.SourceChecksum, e.Checksum, e.Version, data)
	if err != nil {
		return Entry{}, fmt.Errorf("store %s: %w", key, err)
	}

	slog.Debug("store: graph cached", "key", key, "id", e.ID, "bytes", e.Size)
	return e, nil
}

// Get laedt den Graphen fuer key. Passt der gespeicherte Quellgraph nicht
// mehr zu source oder ist der Eintrag veraltet, wird er geloescht und
// ErrNotFound zurueckgegeben. Parameter von source ersetzen die
// gespeicherten Tensoren gleicher ID.
func (c *Cache) Get(ctx context.Context, key Key, source *ir.Graph) (*ir.Graph, error) {
	var sourceChecksum string
	var data []byte
	err := c.db.conn.QueryRowContext(ctx,
		`SELECT source_checksum, data FROM graphs WHERE model = ? AND signature = ? AND options = ?`,
		key.Model, key.Signature, key.Options).Scan(&sourceChecksum, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}

	if sourceChecksum != ir.Checksum(source) {
		slog.Info("store: source graph changed, dropping cached graph", "key", key)
		return nil, c.drop(ctx, key)
	}

	g, err := ir.Decode(data)
	if errors.Is(err, ir.ErrStaleGraph) {
		slog.Info("store: dropping stale graph", "key", key, "error", err)
		return nil, c.drop(ctx, key)
	} else if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}

	for id, t := range source.Params {
		if old, ok := g.Params[id]; ok && old.SameShape(t) {
			g.Params[id] = t
		}
	}

	if _, err := c.db.conn.ExecContext(ctx,
		`UPDATE graphs SET hits = hits + 1, last_used_at = CURRENT_TIMESTAMP WHERE model = ? AND signature = ? AND options = ?`,
		key.Model, key.Signature, key.Options); err != nil {
		slog.Warn("store: update usage", "key", key, "error", err)
	}
	return g, nil
}

func (c *Cache) drop(ctx context.Context, key Key) error {
	if err := c.Delete(ctx, key); err != nil {
		return err
	}
	return ErrNotFound
}

// Delete entfernt den Eintrag fuer key
func (c *Cache) Delete(ctx context.Context, key Key) error {
	_, err := c.db.conn.ExecContext(ctx,
		`DELETE FROM graphs WHERE model = ? AND signature = ? AND options = ?`,
		key.Model, key.Signature, key.Options)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// List gibt alle Eintraege eines Modells zurueck, oder alle bei leerem model
func (c *Cache) List(ctx context.Context, model string) ([]Entry, error) {
	rows, err := c.db.conn.QueryContext(ctx, `
		SELECT id, model, signature, options, source_checksum, checksum, version, length(data), created_at, last_used_at, hits
		FROM graphs
		WHERE ? = '' OR model = ?
		ORDER BY model, signature, options
	`, model, model)
	if err != nil {
		return nil, fmt.Errorf("list graphs: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Key.Model, &e.Key.Signature, &e.Key.Options,
			&e.SourceChecksum, &e.Checksum, &e.Version, &e.Size, &e.CreatedAt, &e.LastUsedAt, &e.Hits); err != nil {
			return nil, fmt.Errorf("scan graph: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune loescht Eintraege, die laenger als maxAge nicht genutzt wurden
func (c *Cache) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).UTC().Format("2006-01-02 15:04:05")
	res, err := c.db.conn.ExecContext(ctx, `DELETE FROM graphs WHERE last_used_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune graphs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
