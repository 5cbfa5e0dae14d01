// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlitestore is a RecordStore backed by SQLite via the SQLCipher
// driver, giving the engine a concrete, encryption-capable default storage
// adapter.
package sqlitestore

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/mutecomm/go-sqlcipher/v4" // auto-registers as "sqlite3"
)

// DBConfig holds database configuration including optional encryption.
type DBConfig struct {
	// Path to the SQLite database file.
	Path string

	// EncryptDatabase enables SQLCipher encryption at rest. When true,
	// requires EncryptionKey (or OM_DB_KEY) to be set.
	EncryptDatabase bool

	// EncryptionKey is the encryption key for SQLCipher. Can be provided
	// directly or via the OM_DB_KEY environment variable.
	EncryptionKey string
}

// OpenDB opens a SQLite database with optional encryption support, and
// enables WAL mode for concurrent reads during background buffering.
func OpenDB(config DBConfig) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", config.Path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open database: %w", err)
	}

	if config.EncryptDatabase {
		key := config.EncryptionKey
		if key == "" {
			key = os.Getenv("OM_DB_KEY")
		}
		if key == "" {
			db.Close()
			return nil, fmt.Errorf("sqlitestore: encryption enabled but no key provided (set EncryptionKey or OM_DB_KEY)")
		}
		if _, err := db.Exec(fmt.Sprintf("PRAGMA key = '%s'", key)); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlitestore: set encryption key: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		if config.EncryptDatabase {
			return nil, fmt.Errorf("sqlitestore: verify encryption key (wrong key or corrupted database): %w", err)
		}
		return nil, fmt.Errorf("sqlitestore: open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: enable WAL mode: %w", err)
	}

	return db, nil
}
