package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a project or scene row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a compare-and-set write finds the stored
	// status no longer matches the expected prior value. The caller lost the
	// race and must re-read before deciding anything.
	ErrConflict = errors.New("status conflict")

	// ErrInvalidTransition is returned when a requested transition is not in
	// the state machine's transition table. This is a programming error at
	// the call site, not a race.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store is the document-store handle. All status mutations go through
// conditional compare-and-set writes so concurrent workers can never
// clobber each other's transitions.
type Store struct {
	*sql.DB
}

func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{DB: db}, nil
}
