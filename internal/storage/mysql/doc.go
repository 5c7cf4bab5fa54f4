// Package mysql persists the chain event history in MySQL or PostgreSQL.
// Schema migrations ship embedded from deploy/migrations; a JSON-lines file
// repository stands in when no database is configured.
package mysql
