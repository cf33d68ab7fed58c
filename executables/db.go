package executables

import (
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
)

const executableSchema = `
CREATE TABLE IF NOT EXISTS executable_v1 (
	content_hash STRING PRIMARY KEY NOT NULL,
	trigger_hash STRING NOT NULL,
	storage_path STRING NOT NULL,
	digest STRING NOT NULL,
	size INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executable_v1_trigger ON executable_v1(trigger_hash);
`

const listExecutablesV1Sql = `
SELECT content_hash, trigger_hash, storage_path, digest, size, created_at FROM executable_v1 ORDER BY created_at DESC;
`

const getExecutableV1Sql = `
SELECT content_hash, trigger_hash, storage_path, digest, size, created_at FROM executable_v1 WHERE content_hash = $1;
`

const insertExecutableV1Sql = `
INSERT INTO executable_v1 (content_hash, trigger_hash, storage_path, digest, size, created_at)
VALUES ($1, $2, $3, $4, $5, $6);
`

const deleteExecutableV1Sql = `
DELETE FROM executable_v1 WHERE content_hash = $1;
`

func ExecutableDBInit(db *sqlx.DB) error {
	_, err := db.Exec(executableSchema)
	return err
}

func ExecutableDBList(db *sqlx.DB) ([]Executable, error) {
	var list []Executable
	err := db.Select(&list, listExecutablesV1Sql)
	return list, err
}

func ExecutableDBGet(db *sqlx.DB, contentHash string) (*Executable, error) {
	var exe Executable
	err := db.Get(&exe, getExecutableV1Sql, contentHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &exe, nil
}

func ExecutableDBInsert(db *sqlx.DB, exe *Executable) error {
	_, err := db.Exec(insertExecutableV1Sql,
		exe.ContentHash, exe.TriggerHash, exe.StoragePath, exe.Digest, exe.Size, exe.CreatedAt)
	return err
}

func ExecutableDBDelete(db *sqlx.DB, contentHash string) error {
	_, err := db.Exec(deleteExecutableV1Sql, contentHash)
	return err
}
