package ecotask

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"

	"github.com/google/uuid"
	"github.com/tailscale/squibble"
	_ "modernc.org/sqlite"
)

//go:embed db/latest_schema.sql
var dbSchema string

var schema = &squibble.Schema{
	Current: dbSchema,
}

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// DB records the proposals and verdicts handed out by the service.
type DB struct {
	db *sql.DB
}

func (db *DB) Close() {
	db.db.Close()
}

func NewDB(ctx context.Context, fname string) (*DB, error) {
	// Open the DB but flip on the cleaner timestamps from Go
	sqldb, err := sql.Open("sqlite", fname+"?_time_format=sqlite")
	if err != nil {
		return nil, err
	}
	// Every connection to :memory: is a separate database
	sqldb.SetMaxOpenConns(1)
	if err := sqldb.PingContext(ctx); err != nil {
		return nil, err
	}
	if err := schema.Apply(ctx, sqldb); err != nil {
		return nil, err
	}

	return &DB{db: sqldb}, nil
}

// InsertProposal stores p, assigning it an ID when it has none.
func (db *DB) InsertProposal(ctx context.Context, p *TaskProposal) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO proposals
		(id, description, value_line, rationale, value, points, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.Description, p.ValueLine, p.Rationale, p.Value, p.Points, p.CreatedAt,
	)
	return err
}

// GetProposal retrieves the proposal with the given ID.
func (db *DB) GetProposal(ctx context.Context, id string) (*TaskProposal, error) {
	row := db.db.QueryRowContext(ctx, `
		SELECT id, description, value_line, rationale, value, points, created_at
		FROM proposals
		WHERE id=?`, id)

	p := &TaskProposal{}
	err := row.Scan(&p.ID, &p.Description, &p.ValueLine, &p.Rationale, &p.Value, &p.Points, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// RecentProposals returns up to limit proposals, newest first.
func (db *DB) RecentProposals(ctx context.Context, limit int) ([]*TaskProposal, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT id, description, value_line, rationale, value, points, created_at
		FROM proposals
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var props []*TaskProposal
	for rows.Next() {
		p := &TaskProposal{}
		if err := rows.Scan(&p.ID, &p.Description, &p.ValueLine, &p.Rationale, &p.Value, &p.Points, &p.CreatedAt); err != nil {
			return nil, err
		}
		props = append(props, p)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	return props, nil
}

// InsertVerdict stores v, assigning it an ID when it has none.
func (db *DB) InsertVerdict(ctx context.Context, v *ValidationVerdict) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}

	var completed sql.NullBool
	if v.Completed != nil {
		completed = sql.NullBool{Bool: *v.Completed, Valid: true}
	}
	var media sql.NullString
	if v.MediaDescription != "" {
		media = sql.NullString{String: v.MediaDescription, Valid: true}
	}

	_, err := db.db.ExecContext(ctx, `
		INSERT INTO verdicts
		(id, task, proof, media_description, result, completed, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		v.ID, v.Task, v.Proof, media, v.Result, completed, v.CreatedAt,
	)
	return err
}

// RecentVerdicts returns up to limit verdicts, newest first.
func (db *DB) RecentVerdicts(ctx context.Context, limit int) ([]*ValidationVerdict, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT id, task, proof, media_description, result, completed, created_at
		FROM verdicts
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var verdicts []*ValidationVerdict
	for rows.Next() {
		v := &ValidationVerdict{}

		var (
			media     sql.NullString
			completed sql.NullBool
		)
		err := rows.Scan(&v.ID, &v.Task, &v.Proof, &media, &v.Result, &completed, &v.CreatedAt)
		if err != nil {
			return nil, err
		}
		if media.Valid {
			v.MediaDescription = media.String
		}
		if completed.Valid {
			v.Completed = &completed.Bool
		}
		verdicts = append(verdicts, v)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	return verdicts, nil
}

// CountProposals returns the number of proposals in the DB
func (db *DB) CountProposals(ctx context.Context) (int, error) {
	row := db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM proposals`)

	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}

	return n, nil
}
