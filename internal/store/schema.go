package store

import "fmt"

// sqliteSchema uses AUTOINCREMENT so sqlite never reuses the id of a deleted row.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS user_profiles (
	id     INTEGER PRIMARY KEY AUTOINCREMENT,
	email  TEXT    NOT NULL DEFAULT '',
	active BOOLEAN NOT NULL DEFAULT FALSE
)`

// postgresSchema returns the DDL for the given schema. Identity columns are
// backed by a sequence, which never hands out a value twice.
func postgresSchema(schema string) []string {
	return []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, schema),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s.user_profiles (
	id     BIGINT  GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
	email  TEXT    NOT NULL DEFAULT '',
	active BOOLEAN NOT NULL DEFAULT FALSE
)`, schema),
	}
}
