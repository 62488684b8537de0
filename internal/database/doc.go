// Package database manages the PostgreSQL pool and schema of the message
// archive.
package database
