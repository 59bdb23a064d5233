package sqlqueue

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Dialect captures what differs between the SQL backends of the queue.
type Dialect struct {
	Name   string
	Driver string

	// prefix qualifies table names, for example "flowrunner.".
	prefix string
	// numbered switches ? placeholders to $1, $2, ...
	numbered bool
	// lockClause is appended to the row selection in Poll.
	lockClause string
	schema     func(prefix string) []string
}

// SQLite is the dialect for mattn/go-sqlite3.
func SQLite() Dialect {
	return Dialect{
		Name:   "sqlite",
		Driver: "sqlite3",
		schema: func(p string) []string {
			return []string{
				fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %smessages (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					uuid TEXT NOT NULL UNIQUE,
					topic TEXT NOT NULL,
					payload BLOB NOT NULL,
					metadata TEXT,
					created_at TIMESTAMP,
					available_at TIMESTAMP,
					locked_until TIMESTAMP,
					retry_count INTEGER DEFAULT 0,
					status TEXT DEFAULT 'pending'
				)`, p),
				fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_messages_topic_status ON %smessages(topic, status, available_at)`, p),
				fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %sdead_letter_queue (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					uuid TEXT NOT NULL,
					original_topic TEXT NOT NULL,
					payload BLOB NOT NULL,
					metadata TEXT,
					error_message TEXT,
					failed_at TIMESTAMP,
					retry_count INTEGER DEFAULT 0
				)`, p),
				fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_dlq_topic ON %sdead_letter_queue(original_topic)`, p),
			}
		},
	}
}

var schemaName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Postgres is the dialect for lib/pq. Tables live in schema, which defaults
// to "flowrunner".
func Postgres(schema string) (Dialect, error) {
	if schema == "" {
		schema = "flowrunner"
	}
	if !schemaName.MatchString(schema) {
		return Dialect{}, fmt.Errorf("postgres: invalid schema name %q", schema)
	}
	return Dialect{
		Name:       "postgres",
		Driver:     "postgres",
		prefix:     schema + ".",
		numbered:   true,
		lockClause: "FOR UPDATE SKIP LOCKED",
		schema: func(p string) []string {
			return []string{
				fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, strings.TrimSuffix(p, ".")),
				fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %smessages (
					id BIGSERIAL PRIMARY KEY,
					uuid TEXT NOT NULL UNIQUE,
					topic TEXT NOT NULL,
					payload BYTEA NOT NULL,
					metadata JSONB DEFAULT '{}',
					created_at TIMESTAMPTZ DEFAULT NOW(),
					available_at TIMESTAMPTZ DEFAULT NOW(),
					locked_until TIMESTAMPTZ,
					retry_count INTEGER DEFAULT 0,
					status TEXT DEFAULT 'pending'
				)`, p),
				fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_messages_topic_status_available
					ON %smessages(topic, status, available_at) WHERE status = 'pending'`, p),
				fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %sdead_letter_queue (
					id BIGSERIAL PRIMARY KEY,
					uuid TEXT NOT NULL,
					original_topic TEXT NOT NULL,
					payload BYTEA NOT NULL,
					metadata JSONB DEFAULT '{}',
					error_message TEXT,
					failed_at TIMESTAMPTZ DEFAULT NOW(),
					retry_count INTEGER DEFAULT 0
				)`, p),
				fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_dlq_topic ON %sdead_letter_queue(original_topic)`, p),
			}
		},
	}, nil
}

// q expands {p} to the table prefix and rebinds placeholders.
func (d Dialect) q(query string) string {
	query = strings.ReplaceAll(query, "{p}", d.prefix)
	query = strings.ReplaceAll(query, "{lock}", d.lockClause)
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
