package db

import (
	"fmt"
	"log"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Connect opens the postgres database and runs migrations.
func Connect(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

// Migrate applies the chat schema. Statements are idempotent.
func Migrate(db *sqlx.DB) error {
	migrations := []string{
		// Owned by the family service; created here so a fresh database can
		// answer membership lookups.
		`CREATE TABLE IF NOT EXISTS family_members (
            user_id UUID NOT NULL,
            family_id UUID NOT NULL,
            role VARCHAR(50) NOT NULL DEFAULT 'MEMBER',
            status VARCHAR(50) NOT NULL DEFAULT 'PENDING',
            joined_at TIMESTAMPTZ,
            PRIMARY KEY (user_id, family_id)
        );`,
		`CREATE TABLE IF NOT EXISTS conversations (
            id UUID PRIMARY KEY,
            family_id UUID NOT NULL,
            type VARCHAR(32) NOT NULL CHECK (type IN ('GROUP', 'DIRECT', 'CONFIDENTIAL_THREAD')),
            created_by_user_id UUID NOT NULL,
            last_seq BIGINT NOT NULL DEFAULT 0,
            last_message_at TIMESTAMPTZ,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
		`CREATE TABLE IF NOT EXISTS conversation_participants (
            conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            user_id UUID NOT NULL,
            joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            PRIMARY KEY (conversation_id, user_id)
        );`,
		`CREATE INDEX IF NOT EXISTS conversation_participants_user_idx ON conversation_participants (user_id);`,
		`CREATE TABLE IF NOT EXISTS messages (
            id UUID PRIMARY KEY,
            conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            seq BIGINT NOT NULL,
            sender_id UUID NOT NULL,
            content_type VARCHAR(32) NOT NULL,
            content TEXT NOT NULL,
            client_message_id VARCHAR(128),
            created_at TIMESTAMPTZ NOT NULL,
            UNIQUE (conversation_id, seq)
        );`,
		`CREATE UNIQUE INDEX IF NOT EXISTS messages_client_message_idx
            ON messages (conversation_id, sender_id, client_message_id)
            WHERE client_message_id IS NOT NULL;`,
		`CREATE TABLE IF NOT EXISTS message_read_receipts (
            message_id UUID NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
            user_id UUID NOT NULL,
            read_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            PRIMARY KEY (message_id, user_id)
        );`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}
	log.Println("database migrations applied")
	return nil
}
