package booking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store persists bookings in SQLite. All methods are safe for
// concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the booking database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an open database and creates the schema if needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS bookings (
		booking_number TEXT PRIMARY KEY COLLATE NOCASE,
		first_name     TEXT NOT NULL,
		last_name      TEXT NOT NULL,
		travel_date    TEXT NOT NULL,
		status         TEXT NOT NULL,
		origin         TEXT NOT NULL,
		destination    TEXT NOT NULL,
		seat           TEXT NOT NULL,
		class          TEXT NOT NULL,
		updated_at     TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

const bookingColumns = `booking_number, first_name, last_name, travel_date, status, origin, destination, seat, class`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(r rowScanner) (Booking, error) {
	var b Booking
	var date, status, class string
	if err := r.Scan(&b.Number, &b.FirstName, &b.LastName, &date, &status, &b.From, &b.To, &b.Seat, &class); err != nil {
		return Booking{}, err
	}
	d, err := time.Parse(DateLayout, date)
	if err != nil {
		return Booking{}, fmt.Errorf("booking %s: parse date %q: %w", b.Number, date, err)
	}
	b.Date = d
	b.Status = Status(status)
	b.Class = Class(class)
	return b, nil
}

// List returns every booking ordered by booking number.
func (s *Store) List(ctx context.Context) ([]Booking, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+bookingColumns+` FROM bookings ORDER BY booking_number`)
	if err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}
	defer rows.Close()

	var out []Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Find returns the booking matching number and customer name, compared
// case-insensitively. Returns ErrNotFound when nothing matches.
func (s *Store) Find(ctx context.Context, number, firstName, lastName string) (Booking, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings
		 WHERE booking_number = ? COLLATE NOCASE
		   AND first_name = ? COLLATE NOCASE
		   AND last_name = ? COLLATE NOCASE`,
		number, firstName, lastName,
	)
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Booking{}, ErrNotFound
	}
	if err != nil {
		return Booking{}, fmt.Errorf("find booking %s: %w", number, err)
	}
	return b, nil
}

// Save inserts b or overwrites the booking with the same number.
func (s *Store) Save(ctx context.Context, b Booking) error {
	return save(ctx, s.db, b)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func save(ctx context.Context, db execer, b Booking) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO bookings (`+bookingColumns+`, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (booking_number) DO UPDATE SET
		   first_name = excluded.first_name,
		   last_name = excluded.last_name,
		   travel_date = excluded.travel_date,
		   status = excluded.status,
		   origin = excluded.origin,
		   destination = excluded.destination,
		   seat = excluded.seat,
		   class = excluded.class,
		   updated_at = excluded.updated_at`,
		b.Number, b.FirstName, b.LastName, b.Date.Format(DateLayout), string(b.Status),
		b.From, b.To, b.Seat, string(b.Class), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save booking %s: %w", b.Number, err)
	}
	return nil
}

// Replace atomically swaps the whole table for bookings.
func (s *Store) Replace(ctx context.Context, bookings []Booking) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM bookings`); err != nil {
		return fmt.Errorf("clear bookings: %w", err)
	}
	for _, b := range bookings {
		if err := save(ctx, tx, b); err != nil {
			return err
		}
	}
	return tx.Commit()
}
