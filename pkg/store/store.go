// Package store implements M: the durable edge-local StateStore, a pair of
// SQLite tables (services, addresses) mirroring the in-flight reconciliation
// state described in spec.md §6.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/svcbridge/svcbridge/pkg/model"
)

const servicesSchema = `CREATE TABLE IF NOT EXISTS services (
	iface_name TEXT NOT NULL,
	iface_ip   INTEGER NOT NULL,
	name       TEXT NOT NULL,
	type       TEXT NOT NULL,
	hostname   TEXT,
	port       INTEGER,
	txt        BLOB,
	resolved   INTEGER NOT NULL DEFAULT 0,
	announced  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (iface_name, iface_ip, name, type)
)`

const addressesSchema = `CREATE TABLE IF NOT EXISTS addresses (
	iface_name TEXT NOT NULL,
	iface_ip   INTEGER NOT NULL,
	hostname   TEXT NOT NULL,
	ip         INTEGER NOT NULL,
	address    TEXT NOT NULL,
	PRIMARY KEY (iface_name, iface_ip, hostname, ip, address)
)`

// Store is the edge agent's durable StateStore (M). All methods are safe for
// concurrent use; callers relying on read-then-write consistency across
// calls must hold their own lock (the Reconciler's single serialized event
// loop provides this).
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if absent) the SQLite database at path and ensures
// both tables exist.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite3 serializes writers; avoid pool contention errors
	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createTables() error {
	if _, err := s.db.Exec(servicesSchema); err != nil {
		return fmt.Errorf("store: creating services table: %w", err)
	}
	if _, err := s.db.Exec(addressesSchema); err != nil {
		return fmt.Errorf("store: creating addresses table: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertService inserts a new services row for key with resolved=announced=
// false and no host/port/txt set yet. A duplicate primary key is not an
// error: it is logged by the caller and treated as a no-op, per spec.md §4.2
// ("Duplicate-key insertion errors are logged and ignored").
func (s *Store) InsertService(key model.ServiceKey) (inserted bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO services (iface_name, iface_ip, name, type, resolved, announced) VALUES (?, ?, ?, ?, 0, 0)`,
		key.IfaceName, key.IfaceIPVer, key.Name, key.Type,
	)
	if err != nil {
		return false, fmt.Errorf("store: inserting service %+v: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: checking insert result for %+v: %w", key, err)
	}
	return n > 0, nil
}

// GetService returns the row for key, or ok=false if no such row exists.
func (s *Store) GetService(key model.ServiceKey) (rec model.ServiceRecord, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var hostname sql.NullString
	var port sql.NullInt64
	var txt []byte
	var resolved, announced bool

	row := s.db.QueryRow(
		`SELECT hostname, port, txt, resolved, announced FROM services WHERE iface_name=? AND iface_ip=? AND name=? AND type=?`,
		key.IfaceName, key.IfaceIPVer, key.Name, key.Type,
	)
	switch err := row.Scan(&hostname, &port, &txt, &resolved, &announced); err {
	case sql.ErrNoRows:
		return model.ServiceRecord{}, false, nil
	case nil:
		// fallthrough
	default:
		return model.ServiceRecord{}, false, fmt.Errorf("store: reading service %+v: %w", key, err)
	}

	rec = model.ServiceRecord{
		Key:       key,
		Hostname:  hostname.String,
		Port:      int(port.Int64),
		TXT:       decodeTXT(txt),
		Resolved:  resolved,
		Announced: announced,
	}
	return rec, true, nil
}

// UpdateService persists the mutable fields of rec over its existing row.
func (s *Store) UpdateService(rec model.ServiceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE services SET hostname=?, port=?, txt=?, resolved=?, announced=? WHERE iface_name=? AND iface_ip=? AND name=? AND type=?`,
		rec.Hostname, rec.Port, encodeTXT(rec.TXT), rec.Resolved, rec.Announced,
		rec.Key.IfaceName, rec.Key.IfaceIPVer, rec.Key.Name, rec.Key.Type,
	)
	if err != nil {
		return fmt.Errorf("store: updating service %+v: %w", rec.Key, err)
	}
	return nil
}

// DeleteService removes the row for key.
func (s *Store) DeleteService(key model.ServiceKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`DELETE FROM services WHERE iface_name=? AND iface_ip=? AND name=? AND type=?`,
		key.IfaceName, key.IfaceIPVer, key.Name, key.Type,
	)
	if err != nil {
		return fmt.Errorf("store: deleting service %+v: %w", key, err)
	}
	return nil
}

// CountAnnouncedByType returns the number of announced services of the
// given type across all interfaces and IP versions (the T-count of spec.md
// §4.2/§7).
func (s *Store) CountAnnouncedByType(stype string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM services WHERE type=? AND announced=1`, stype).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: counting announced services of type %s: %w", stype, err)
	}
	return n, nil
}

// CountAnnouncedByHost returns the number of announced services bound to
// hostname (the H-count of spec.md §4.2/§7).
func (s *Store) CountAnnouncedByHost(hostname string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM services WHERE hostname=? AND announced=1`, hostname).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: counting announced services of host %s: %w", hostname, err)
	}
	return n, nil
}

// CountByHost returns the number of services (announced or not) bound to
// hostname (the A-count of spec.md §4.2/§7).
func (s *Store) CountByHost(hostname string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM services WHERE hostname=?`, hostname).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: counting services of host %s: %w", hostname, err)
	}
	return n, nil
}

// InsertAddress inserts a new addresses row. A duplicate primary key is a
// silent no-op (the same address can be re-announced by mDNS without
// changing state).
func (s *Store) InsertAddress(key model.AddressKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO addresses (iface_name, iface_ip, hostname, ip, address) VALUES (?, ?, ?, ?, ?)`,
		key.IfaceName, key.IfaceIPVer, key.Hostname, key.AddrIPVer, key.Address,
	)
	if err != nil {
		return fmt.Errorf("store: inserting address %+v: %w", key, err)
	}
	return nil
}

// DeleteAddress removes a single addresses row.
func (s *Store) DeleteAddress(key model.AddressKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`DELETE FROM addresses WHERE iface_name=? AND iface_ip=? AND hostname=? AND ip=? AND address=?`,
		key.IfaceName, key.IfaceIPVer, key.Hostname, key.AddrIPVer, key.Address,
	)
	if err != nil {
		return fmt.Errorf("store: deleting address %+v: %w", key, err)
	}
	return nil
}

// DeleteAddressesByHost removes every addresses row for hostname, used when
// the A-count for that host reaches zero.
func (s *Store) DeleteAddressesByHost(hostname string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM addresses WHERE hostname=?`, hostname)
	if err != nil {
		return fmt.Errorf("store: deleting addresses of host %s: %w", hostname, err)
	}
	return nil
}

// AddressesForHost returns every known address of hostname.
func (s *Store) AddressesForHost(hostname string) ([]model.AddressRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT iface_name, iface_ip, hostname, ip, address FROM addresses WHERE hostname=?`,
		hostname,
	)
	if err != nil {
		return nil, fmt.Errorf("store: querying addresses of host %s: %w", hostname, err)
	}
	defer rows.Close()

	var out []model.AddressRecord
	for rows.Next() {
		var k model.AddressKey
		if err := rows.Scan(&k.IfaceName, &k.IfaceIPVer, &k.Hostname, &k.AddrIPVer, &k.Address); err != nil {
			return nil, fmt.Errorf("store: scanning address row: %w", err)
		}
		out = append(out, model.AddressRecord{Key: k})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating addresses of host %s: %w", hostname, err)
	}
	return out, nil
}

// MarkResolvedByHost sets resolved=true on every services row bound to
// hostname, used by AddressAppeared (spec.md §4.2).
func (s *Store) MarkResolvedByHost(hostname string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE services SET resolved=1 WHERE hostname=?`, hostname)
	if err != nil {
		return fmt.Errorf("store: marking host %s resolved: %w", hostname, err)
	}
	return nil
}

// ServicesForHost returns every services row bound to hostname.
func (s *Store) ServicesForHost(hostname string) ([]model.ServiceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT iface_name, iface_ip, name, type, hostname, port, txt, resolved, announced FROM services WHERE hostname=?`,
		hostname,
	)
	if err != nil {
		return nil, fmt.Errorf("store: querying services of host %s: %w", hostname, err)
	}
	defer rows.Close()

	var out []model.ServiceRecord
	for rows.Next() {
		var rec model.ServiceRecord
		var hn sql.NullString
		var port sql.NullInt64
		var txt []byte
		if err := rows.Scan(&rec.Key.IfaceName, &rec.Key.IfaceIPVer, &rec.Key.Name, &rec.Key.Type, &hn, &port, &txt, &rec.Resolved, &rec.Announced); err != nil {
			return nil, fmt.Errorf("store: scanning service row: %w", err)
		}
		rec.Hostname = hn.String
		rec.Port = int(port.Int64)
		rec.TXT = decodeTXT(txt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating services of host %s: %w", hostname, err)
	}
	return out, nil
}

// encodeTXT/decodeTXT store the TXT string slice as NUL-joined bytes. TXT
// strings from RFC6763 §6 never contain NUL, so this is a safe, dependency-
// free encoding for the BLOB column spec.md §6 specifies.
func encodeTXT(txt []string) []byte {
	if len(txt) == 0 {
		return nil
	}
	out := []byte(txt[0])
	for _, s := range txt[1:] {
		out = append(out, 0)
		out = append(out, s...)
	}
	return out
}

func decodeTXT(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	var out []string
	start := 0
	for i, c := range b {
		if c == 0 {
			out = append(out, string(b[start:i]))
			start = i + 1
		}
	}
	out = append(out, string(b[start:]))
	return out
}
