package archive

import (
	"context"
	"database/sql"
	"errors"

	_ "github.com/go-sql-driver/mysql"
)

// SQLStore persists the Store interface against a MySQL-compatible
// database, grounded loosely on modules/zeta/backend/odb.go's
// functional-options constructor style. It expects the schema created by
// Migrate to already exist.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore opens a connection pool against dsn (a go-sql-driver/mysql
// data source name).
func NewSQLStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

// Migrate creates the minimal object/extid/visit tables this store needs.
func (s *SQLStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS content (id BINARY(20) PRIMARY KEY, length BIGINT, status TINYINT, reason TEXT, data LONGBLOB)`,
		`CREATE TABLE IF NOT EXISTS directory (id BINARY(20) PRIMARY KEY, entries LONGBLOB)`,
		`CREATE TABLE IF NOT EXISTS revision (id BINARY(20) PRIMARY KEY, payload LONGBLOB)`,
		`CREATE TABLE IF NOT EXISTS release (id BINARY(20) PRIMARY KEY, payload LONGBLOB)`,
		`CREATE TABLE IF NOT EXISTS snapshot (id BINARY(20) PRIMARY KEY, payload LONGBLOB)`,
		`CREATE TABLE IF NOT EXISTS extid (extid_type VARCHAR(32), extid BINARY(20), target BINARY(20), PRIMARY KEY (extid_type, extid))`,
		`CREATE TABLE IF NOT EXISTS origin_visit (origin VARCHAR(512), snapshot BINARY(20), load_status VARCHAR(16), visit_status VARCHAR(16), seq INT AUTO_INCREMENT, PRIMARY KEY (seq))`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) missingFrom(ctx context.Context, table string, ids []Hash) ([]Hash, error) {
	out := make([]Hash, 0, len(ids))
	stmt, err := s.db.PrepareContext(ctx, "SELECT 1 FROM "+table+" WHERE id = ?")
	if err != nil {
		return nil, err
	}
	defer stmt.Close()
	for _, id := range ids {
		row := stmt.QueryRowContext(ctx, id[:])
		var x int
		if err := row.Scan(&x); errors.Is(err, sql.ErrNoRows) {
			out = append(out, id)
		} else if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLStore) ContentsMissing(ctx context.Context, ids []Hash) ([]Hash, error) {
	return s.missingFrom(ctx, "content", ids)
}

func (s *SQLStore) DirectoriesMissing(ctx context.Context, ids []Hash) ([]Hash, error) {
	return s.missingFrom(ctx, "directory", ids)
}

func (s *SQLStore) RevisionsMissing(ctx context.Context, ids []Hash) ([]Hash, error) {
	return s.missingFrom(ctx, "revision", ids)
}

func (s *SQLStore) ReleasesMissing(ctx context.Context, ids []Hash) ([]Hash, error) {
	return s.missingFrom(ctx, "release", ids)
}

func (s *SQLStore) ContentAdd(ctx context.Context, c *Content) error {
	status := 0
	if c.Status == ContentAbsent {
		status = 1
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT IGNORE INTO content (id, length, status, reason, data) VALUES (?,?,?,?,?)",
		c.ID[:], c.Length, status, c.Reason, c.Data)
	return err
}

func (s *SQLStore) DirectoryAdd(ctx context.Context, d *Directory) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT IGNORE INTO directory (id, entries) VALUES (?,?)", d.ID[:], d.Encode())
	return err
}

func (s *SQLStore) RevisionAdd(ctx context.Context, r *Revision) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT IGNORE INTO revision (id, payload) VALUES (?,?)", r.ID[:], r.Encode())
	return err
}

func (s *SQLStore) ReleaseAdd(ctx context.Context, r *Release) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT IGNORE INTO release (id, payload) VALUES (?,?)", r.ID[:], r.Encode())
	return err
}

func (s *SQLStore) SnapshotAdd(ctx context.Context, snap *Snapshot) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT IGNORE INTO snapshot (id, payload) VALUES (?,?)", snap.ID[:], snap.Encode())
	return err
}

func (s *SQLStore) ExtIDGet(ctx context.Context, extidType string, extid []byte) (Hash, bool, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT target FROM extid WHERE extid_type=? AND extid=?", extidType, extid)
	var target []byte
	if err := row.Scan(&target); errors.Is(err, sql.ErrNoRows) {
		return ZeroHash, false, nil
	} else if err != nil {
		return ZeroHash, false, err
	}
	var h Hash
	copy(h[:], target)
	return h, true, nil
}

func (s *SQLStore) ExtIDAdd(ctx context.Context, e *ExtID) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT IGNORE INTO extid (extid_type, extid, target) VALUES (?,?,?)",
		e.Type, e.Extid[:], e.Target[:])
	return err
}

func (s *SQLStore) SnapshotGetLatest(ctx context.Context, origin string) (*Snapshot, bool, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT snapshot FROM origin_visit WHERE origin=? ORDER BY seq DESC LIMIT 1", origin)
	var id []byte
	if err := row.Scan(&id); errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	var h Hash
	copy(h[:], id)
	// Loading the full snapshot payload back from storage (entries, branch
	// targets) is not required by the loader: only the id is consulted to
	// recognize whether the visit is a no-op, so the in-memory Snapshot
	// value here carries just the id.
	return &Snapshot{ID: h}, true, nil
}

func (s *SQLStore) OriginVisitAdd(ctx context.Context, origin string, snapshot Hash, loadStatus, visitStatus string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO origin_visit (origin, snapshot, load_status, visit_status) VALUES (?,?,?,?)",
		origin, snapshot[:], loadStatus, visitStatus)
	return err
}
