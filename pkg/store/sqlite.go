package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLitePersister mirrors MemStore mutations into a SQLite database so local
// state survives restarts. Documents and local records are stored as JSON
// bodies keyed by collection.
type SQLitePersister struct {
	conn *sql.DB
	path string
}

// OpenSQLite opens or creates the database at path, creating parent
// directories as needed.
func OpenSQLite(path string) (*SQLitePersister, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	p := &SQLitePersister{conn: conn, path: path}
	if err := p.initSchema(); err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

// Path returns the database file path.
func (p *SQLitePersister) Path() string {
	return p.path
}

// Close closes the database connection.
func (p *SQLitePersister) Close() error {
	return p.conn.Close()
}

func (p *SQLitePersister) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		uuid TEXT NOT NULL,
		body TEXT NOT NULL,
		PRIMARY KEY (collection, uuid)
	);

	CREATE TABLE IF NOT EXISTS local_docs (
		collection TEXT NOT NULL,
		key TEXT NOT NULL,
		body TEXT NOT NULL,
		PRIMARY KEY (collection, key)
	);

	CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection);
	`

	if _, err := p.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// SaveDoc inserts or replaces a document body.
func (p *SQLitePersister) SaveDoc(collection string, doc Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}
	_, err = p.conn.Exec(
		`INSERT OR REPLACE INTO documents (collection, uuid, body) VALUES (?, ?, ?)`,
		collection, doc.UUID(), string(body),
	)
	if err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}
	return nil
}

// DeleteDoc removes a document row.
func (p *SQLitePersister) DeleteDoc(collection, uuid string) error {
	if _, err := p.conn.Exec(
		`DELETE FROM documents WHERE collection = ? AND uuid = ?`,
		collection, uuid,
	); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

// SaveLocal inserts or replaces a local-only record.
func (p *SQLitePersister) SaveLocal(collection, key string, value map[string]any) error {
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal local doc: %w", err)
	}
	_, err = p.conn.Exec(
		`INSERT OR REPLACE INTO local_docs (collection, key, body) VALUES (?, ?, ?)`,
		collection, key, string(body),
	)
	if err != nil {
		return fmt.Errorf("failed to save local doc: %w", err)
	}
	return nil
}

// LoadAll reads every persisted document and local record back out, keyed by
// collection.
func (p *SQLitePersister) LoadAll() (map[string][]Document, map[string]map[string]map[string]any, error) {
	docs := make(map[string][]Document)
	rows, err := p.conn.Query(`SELECT collection, body FROM documents`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var collection, body string
		if err := rows.Scan(&collection, &body); err != nil {
			return nil, nil, fmt.Errorf("failed to scan document row: %w", err)
		}
		var doc Document
		if err := json.Unmarshal([]byte(body), &doc); err != nil {
			return nil, nil, fmt.Errorf("failed to parse document body: %w", err)
		}
		docs[collection] = append(docs[collection], doc)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to iterate documents: %w", err)
	}

	locals := make(map[string]map[string]map[string]any)
	localRows, err := p.conn.Query(`SELECT collection, key, body FROM local_docs`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query local docs: %w", err)
	}
	defer localRows.Close()
	for localRows.Next() {
		var collection, key, body string
		if err := localRows.Scan(&collection, &key, &body); err != nil {
			return nil, nil, fmt.Errorf("failed to scan local doc row: %w", err)
		}
		var value map[string]any
		if err := json.Unmarshal([]byte(body), &value); err != nil {
			return nil, nil, fmt.Errorf("failed to parse local doc body: %w", err)
		}
		if locals[collection] == nil {
			locals[collection] = make(map[string]map[string]any)
		}
		locals[collection][key] = value
	}
	if err := localRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to iterate local docs: %w", err)
	}

	return docs, locals, nil
}
