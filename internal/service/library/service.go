package library

import "database/sql"

// Service is the keyed record store for audio files and their owners.
type Service struct {
	db *sql.DB
}

// NewService builds a new library service.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}
