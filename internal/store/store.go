// Package store persists swap records in SQLite so interrupted swaps
// can be resumed after a restart.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tidewallet-labs/tidewallet/internal/swap"
)

var (
	ErrSwapNotFound = errors.New("swap not found")
)

// DBFileName is the sqlite database file inside the data directory.
const DBFileName = "tidewallet.db"

// Swap direction values as stored.
const (
	DirectionSubmarine = "submarine"
	DirectionReverse   = "reverse"
)

// SwapRecord is one persisted swap, either direction.
type SwapRecord struct {
	// ID is the swap service's identifier.
	ID string `json:"id"`

	// Direction is "submarine" or "reverse".
	Direction string `json:"direction"`

	// State mirrors the controller lifecycle state.
	State string `json:"state"`

	// Invoice is the bolt11 invoice string.
	Invoice string `json:"invoice"`

	// PreimageHash is hex.
	PreimageHash string `json:"preimage_hash"`

	// AmountSat is the on-chain amount.
	AmountSat uint64 `json:"amount_sat"`

	// TimeoutHeight is the refund timeout of the lockup script.
	TimeoutHeight uint32 `json:"timeout_height"`

	// LockupAddress is the confidential lockup address.
	LockupAddress string `json:"lockup_address"`

	// KeyIndex is the wallet swap key index, for re-derivation.
	KeyIndex uint32 `json:"key_index"`

	// ContractData is the serialized service contract needed to
	// rebuild the swap on resume.
	ContractData json.RawMessage `json:"contract_data,omitempty"`

	// ClaimTxID is set once a claim or refund broadcast succeeds.
	ClaimTxID string `json:"claim_txid,omitempty"`

	// FailureReason is set on failed swaps.
	FailureReason string `json:"failure_reason,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Store is a sqlite-backed swap record store.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New opens (creating if needed) the database in dataDir.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, DBFileName)

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// SQLite supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS swaps (
		id TEXT PRIMARY KEY,
		direction TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'created',
		invoice TEXT NOT NULL,
		preimage_hash TEXT NOT NULL,
		amount_sat INTEGER NOT NULL,
		timeout_height INTEGER NOT NULL,
		lockup_address TEXT,
		key_index INTEGER NOT NULL DEFAULT 0,
		contract_data TEXT,
		claim_txid TEXT,
		failure_reason TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		completed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_swaps_state ON swaps(state);
	CREATE INDEX IF NOT EXISTS idx_swaps_direction ON swaps(direction);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveSwap inserts or updates a swap record.
func (s *Store) SaveSwap(record *SwapRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	query := `
	INSERT INTO swaps (
		id, direction, state, invoice, preimage_hash, amount_sat,
		timeout_height, lockup_address, key_index, contract_data,
		claim_txid, failure_reason, created_at, updated_at, completed_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		state = excluded.state,
		lockup_address = excluded.lockup_address,
		contract_data = excluded.contract_data,
		claim_txid = excluded.claim_txid,
		failure_reason = excluded.failure_reason,
		updated_at = excluded.updated_at,
		completed_at = excluded.completed_at
	`
	_, err := s.db.Exec(query,
		record.ID,
		record.Direction,
		record.State,
		record.Invoice,
		record.PreimageHash,
		record.AmountSat,
		record.TimeoutHeight,
		record.LockupAddress,
		record.KeyIndex,
		string(record.ContractData),
		record.ClaimTxID,
		record.FailureReason,
		record.CreatedAt.Unix(),
		record.UpdatedAt.Unix(),
		timeToUnixOrZero(record.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("save swap %s: %w", record.ID, err)
	}
	return nil
}

// GetSwap loads one swap record by id.
func (s *Store) GetSwap(id string) (*SwapRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`
	SELECT id, direction, state, invoice, preimage_hash, amount_sat,
		timeout_height, lockup_address, key_index, contract_data,
		claim_txid, failure_reason, created_at, updated_at, completed_at
	FROM swaps WHERE id = ?`, id)

	record, err := scanSwap(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSwapNotFound, id)
	}
	return record, err
}

// ListPending returns swaps that have not reached a terminal state,
// oldest first. These are the swaps to resume after a restart.
func (s *Store) ListPending() ([]*SwapRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
	SELECT id, direction, state, invoice, preimage_hash, amount_sat,
		timeout_height, lockup_address, key_index, contract_data,
		claim_txid, failure_reason, created_at, updated_at, completed_at
	FROM swaps
	WHERE state NOT IN (?, ?)
	ORDER BY created_at ASC`,
		swap.StateDone.String(), swap.StateFailed.String())
	if err != nil {
		return nil, fmt.Errorf("list pending swaps: %w", err)
	}
	defer rows.Close()

	var records []*SwapRecord
	for rows.Next() {
		record, err := scanSwap(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// UpdateSwapState records a lifecycle transition. Satisfies the
// controller's record store interface.
func (s *Store) UpdateSwapState(id string, state swap.State, claimTxID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	completedAt := int64(0)
	if state.Terminal() {
		completedAt = now
	}

	result, err := s.db.Exec(`
	UPDATE swaps SET
		state = ?,
		claim_txid = CASE WHEN ? != '' THEN ? ELSE claim_txid END,
		updated_at = ?,
		completed_at = CASE WHEN ? != 0 THEN ? ELSE completed_at END
	WHERE id = ?`,
		state.String(), claimTxID, claimTxID, now, completedAt, completedAt, id)
	if err != nil {
		return fmt.Errorf("update swap %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrSwapNotFound, id)
	}
	return nil
}

// SetFailureReason records why a swap failed.
func (s *Store) SetFailureReason(id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE swaps SET failure_reason = ?, updated_at = ? WHERE id = ?`,
		reason, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("set failure reason for %s: %w", id, err)
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSwap(row scanner) (*SwapRecord, error) {
	var (
		record        SwapRecord
		contractData  sql.NullString
		lockupAddress sql.NullString
		claimTxID     sql.NullString
		failureReason sql.NullString
		createdAt     int64
		updatedAt     int64
		completedAt   sql.NullInt64
	)

	err := row.Scan(
		&record.ID,
		&record.Direction,
		&record.State,
		&record.Invoice,
		&record.PreimageHash,
		&record.AmountSat,
		&record.TimeoutHeight,
		&lockupAddress,
		&record.KeyIndex,
		&contractData,
		&claimTxID,
		&failureReason,
		&createdAt,
		&updatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	record.LockupAddress = lockupAddress.String
	record.ClaimTxID = claimTxID.String
	record.FailureReason = failureReason.String
	if contractData.String != "" {
		record.ContractData = json.RawMessage(contractData.String)
	}
	record.CreatedAt = time.Unix(createdAt, 0)
	record.UpdatedAt = time.Unix(updatedAt, 0)
	if completedAt.Valid && completedAt.Int64 > 0 {
		record.CompletedAt = time.Unix(completedAt.Int64, 0)
	}
	return &record, nil
}

func timeToUnixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
