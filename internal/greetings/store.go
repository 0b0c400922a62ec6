package greetings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"restline/internal/data"
	"restline/internal/dispatch"
	"restline/internal/events"
)

const entityKind = "greeting"

// Audit identifies who caused a mutation.
type Audit struct {
	Actor     string
	RequestID string
}

// Store persists greetings in SQLite and logs every mutation as an event.
type Store struct {
	DB     *sql.DB
	Events events.Writer
	Now    func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{DB: db, Now: time.Now}
}

func (s *Store) now() string {
	if s.Now == nil {
		return time.Now().UTC().Format(time.RFC3339Nano)
	}
	return s.Now().UTC().Format(time.RFC3339Nano)
}

type rowScanner interface {
	Scan(dest ...any) error
}

const selectColumns = `SELECT id,message,tone,sender_id FROM greetings`

func scanGreeting(row rowScanner) (*data.Record, error) {
	var (
		id      int64
		message string
		tone    string
		sender  sql.NullString
	)
	if err := row.Scan(&id, &message, &tone, &sender); err != nil {
		return nil, err
	}
	raw := map[string]any{"id": id, "message": message, "tone": tone}
	if sender.Valid {
		raw["senderId"] = sender.String
	}
	rec, err := data.FromData(Schema, raw)
	if err != nil {
		return nil, fmt.Errorf("stored greeting %d is invalid: %w", id, err)
	}
	return rec, nil
}

func notFound(id int64) error {
	return fmt.Errorf("greeting %d: %w", id, dispatch.ErrNotFound)
}

// Get returns the greeting or nil when it does not exist.
func (s *Store) Get(ctx context.Context, id int64) (*data.Record, error) {
	rec, err := scanGreeting(s.DB.QueryRowContext(ctx, selectColumns+` WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// GetMany returns the existing greetings among ids.
func (s *Store) GetMany(ctx context.Context, ids []int64) (map[int64]*data.Record, error) {
	out := make(map[int64]*data.Record, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	marks := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		args[i] = id
	}
	rows, err := s.DB.QueryContext(ctx, selectColumns+` WHERE id IN (`+strings.Join(marks, ",")+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		rec, err := scanGreeting(rows)
		if err != nil {
			return nil, err
		}
		out[rec.GetLong("id")] = rec
	}
	return out, rows.Err()
}

// List pages through greetings ordered by id; tone "" matches all. It also
// returns the total number of matches.
func (s *Store) List(ctx context.Context, tone string, start, count int) ([]*data.Record, int, error) {
	where, args := "", []any{}
	if tone != "" {
		where, args = ` WHERE tone=?`, append(args, tone)
	}
	var total int
	if err := s.DB.QueryRowContext(ctx, `SELECT count(*) FROM greetings`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.DB.QueryContext(ctx, selectColumns+where+` ORDER BY id LIMIT ? OFFSET ?`, append(args, count, start)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*data.Record
	for rows.Next() {
		rec, err := scanGreeting(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

func sender(rec *data.Record) any {
	if v := rec.GetString("senderId"); v != "" {
		return v
	}
	return nil
}

// Create inserts rec and returns the assigned id.
func (s *Store) Create(ctx context.Context, a Audit, rec *data.Record) (int64, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	now := s.now()
	res, err := tx.ExecContext(ctx, `INSERT INTO greetings(message,tone,sender_id,created_at,updated_at) VALUES (?,?,?,?,?)`,
		rec.GetString("message"), rec.GetString("tone"), sender(rec), now, now)
	if err != nil {
		return 0, fmt.Errorf("insert greeting: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if err := s.appendEvent(ctx, tx, a, "greeting.created", id, payload(rec, id)); err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

// Update replaces the stored greeting.
func (s *Store) Update(ctx context.Context, a Audit, id int64, rec *data.Record) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.write(ctx, tx, id, rec); err != nil {
		return err
	}
	if err := s.appendEvent(ctx, tx, a, "greeting.updated", id, payload(rec, id)); err != nil {
		return err
	}
	return tx.Commit()
}

// Patch applies p to the stored greeting atomically.
func (s *Store) Patch(ctx context.Context, a Audit, id int64, p data.Patch) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	cur, err := scanGreeting(tx.QueryRowContext(ctx, selectColumns+` WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(id)
	}
	if err != nil {
		return err
	}
	next, err := data.ApplyPatch(cur, p)
	if err != nil {
		return err
	}
	if err := s.write(ctx, tx, id, next); err != nil {
		return err
	}
	if err := s.appendEvent(ctx, tx, a, "greeting.patched", id, events.Payload{"patch": map[string]any(p)}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) write(ctx context.Context, tx *sql.Tx, id int64, rec *data.Record) error {
	res, err := tx.ExecContext(ctx, `UPDATE greetings SET message=?,tone=?,sender_id=?,updated_at=? WHERE id=?`,
		rec.GetString("message"), rec.GetString("tone"), sender(rec), s.now(), id)
	if err != nil {
		return fmt.Errorf("update greeting %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(id)
	}
	return nil
}

// Delete removes a greeting.
func (s *Store) Delete(ctx context.Context, a Audit, id int64) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `DELETE FROM greetings WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete greeting %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(id)
	}
	if err := s.appendEvent(ctx, tx, a, "greeting.deleted", id, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// Purge deletes every greeting and returns how many were removed.
func (s *Store) Purge(ctx context.Context, a Audit) (int64, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `DELETE FROM greetings`)
	if err != nil {
		return 0, fmt.Errorf("purge greetings: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := s.appendEvent(ctx, tx, a, "greeting.purged", 0, events.Payload{"count": n}); err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func (s *Store) appendEvent(ctx context.Context, tx *sql.Tx, a Audit, typ string, id int64, p events.Payload) error {
	evt := events.Event{Type: typ, EntityKind: entityKind, ActorID: a.Actor, RequestID: a.RequestID, Payload: p}
	if id != 0 {
		evt.EntityID = strconv.FormatInt(id, 10)
	}
	_, err := s.Events.Append(ctx, tx, evt)
	return err
}

func payload(rec *data.Record, id int64) events.Payload {
	p := events.Payload{}
	for k, v := range rec.Data() {
		p[k] = v
	}
	p["id"] = id
	return p
}
