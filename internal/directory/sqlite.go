package directory

// SQLiteDirectory is a reference Directory implementation backed by an
// embedded SQLite database, for labs that don't bring their own persistent
// store. Migration design follows the teacher's store package: ordered SQL
// strings in migrations, applied once and tracked in schema_migrations.
import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"labmesh/internal/overlay"
)

var migrations = []string{
	// v1 — known peers
	`CREATE TABLE IF NOT EXISTS peers (
		uuid TEXT PRIMARY KEY,
		ip   TEXT NOT NULL DEFAULT '',
		mac  TEXT NOT NULL DEFAULT ''
	)`,
	// v2 — group membership
	`CREATE TABLE IF NOT EXISTS group_members (
		peer_uuid TEXT NOT NULL,
		group_id  TEXT NOT NULL,
		PRIMARY KEY (peer_uuid, group_id)
	)`,
}

// SQLiteDirectory opens (or creates) a sqlite database and applies pending
// migrations. Use ":memory:" for ephemeral in-process storage (tests).
type SQLiteDirectory struct {
	db *sql.DB

	mu        sync.Mutex
	listeners []func()
}

// Open opens path, applying any pending schema migrations.
func Open(path string) (*SQLiteDirectory, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("directory: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: serialize writers, same as the teacher's store

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("directory: create migrations table: %w", err)
	}

	var applied int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&applied); err != nil {
		db.Close()
		return nil, fmt.Errorf("directory: count migrations: %w", err)
	}
	for i := applied; i < len(migrations); i++ {
		if _, err := db.Exec(migrations[i]); err != nil {
			db.Close()
			return nil, fmt.Errorf("directory: apply migration %d: %w", i+1, err)
		}
		if _, err := db.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, i+1); err != nil {
			db.Close()
			return nil, fmt.Errorf("directory: record migration %d: %w", i+1, err)
		}
	}

	slog.Debug("directory: opened", "path", path, "migrations_applied", len(migrations)-applied)
	return &SQLiteDirectory{db: db}, nil
}

// Close releases the underlying database handle.
func (d *SQLiteDirectory) Close() error {
	return d.db.Close()
}

// GetUser implements Directory.
func (d *SQLiteDirectory) GetUser(uuid string) (overlay.PeerDescriptor, bool) {
	var pd overlay.PeerDescriptor
	pd.UUID = uuid
	err := d.db.QueryRow(`SELECT ip, mac FROM peers WHERE uuid = ?`, uuid).Scan(&pd.IP, &pd.MAC)
	if err != nil {
		return overlay.PeerDescriptor{}, false
	}
	return pd, true
}

// ListJoinGroup implements Directory.
func (d *SQLiteDirectory) ListJoinGroup(uuid string) ([]string, error) {
	rows, err := d.db.Query(`SELECT group_id FROM group_members WHERE peer_uuid = ?`, uuid)
	if err != nil {
		return nil, fmt.Errorf("directory: list groups for %s: %w", uuid, err)
	}
	defer rows.Close()

	var groups []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, fmt.Errorf("directory: scan group row: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// UpsertPeer records (or updates) a peer's transport hints.
func (d *SQLiteDirectory) UpsertPeer(pd overlay.PeerDescriptor) error {
	_, err := d.db.Exec(
		`INSERT INTO peers (uuid, ip, mac) VALUES (?, ?, ?)
		 ON CONFLICT(uuid) DO UPDATE SET ip = excluded.ip, mac = excluded.mac`,
		pd.UUID, pd.IP, pd.MAC,
	)
	return err
}

// JoinGroup adds peerUUID to groupID's membership and notifies listeners.
func (d *SQLiteDirectory) JoinGroup(peerUUID, groupID string) error {
	peerUUID, groupID = strings.TrimSpace(peerUUID), strings.TrimSpace(groupID)
	if peerUUID == "" || groupID == "" {
		return fmt.Errorf("directory: peer and group id are required")
	}
	if _, err := d.db.Exec(
		`INSERT OR IGNORE INTO group_members (peer_uuid, group_id) VALUES (?, ?)`,
		peerUUID, groupID,
	); err != nil {
		return fmt.Errorf("directory: join group: %w", err)
	}
	d.notify()
	return nil
}

// LeaveGroup removes peerUUID from groupID's membership and notifies
// listeners.
func (d *SQLiteDirectory) LeaveGroup(peerUUID, groupID string) error {
	if _, err := d.db.Exec(
		`DELETE FROM group_members WHERE peer_uuid = ? AND group_id = ?`,
		peerUUID, groupID,
	); err != nil {
		return fmt.Errorf("directory: leave group: %w", err)
	}
	d.notify()
	return nil
}

// OnGroupMembershipChange implements ChangeNotifier.
func (d *SQLiteDirectory) OnGroupMembershipChange(cb func()) {
	d.mu.Lock()
	d.listeners = append(d.listeners, cb)
	d.mu.Unlock()
}

func (d *SQLiteDirectory) notify() {
	d.mu.Lock()
	listeners := append([]func(){}, d.listeners...)
	d.mu.Unlock()
	for _, cb := range listeners {
		cb()
	}
}
