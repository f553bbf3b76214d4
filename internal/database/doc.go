// Package database manages the PostgreSQL connection pool used by the
// lifecycle journal.
package database
