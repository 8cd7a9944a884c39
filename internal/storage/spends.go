// Package storage - spend journal.
// Every spend attempt is recorded with its prevout, chosen path and the
// transaction it produced, and every state change is appended to
// spend_events so a rejected or stuck spend can be inspected later.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Spend persistence errors
var (
	ErrSpendNotFound     = errors.New("spend not found")
	ErrInvalidTransition = errors.New("invalid spend state transition")
	ErrInvalidSpendState = errors.New("invalid spend state")
)

// SpendState is the lifecycle state of a spend attempt.
type SpendState string

const (
	SpendStatePlanned   SpendState = "planned"
	SpendStateSigned    SpendState = "signed"
	SpendStateBroadcast SpendState = "broadcast"
	SpendStateConfirmed SpendState = "confirmed"
	SpendStateRejected  SpendState = "rejected"
)

// transitions lists the states reachable from each state.
var transitions = map[SpendState][]SpendState{
	SpendStatePlanned:   {SpendStateSigned},
	SpendStateSigned:    {SpendStateBroadcast, SpendStateRejected},
	SpendStateBroadcast: {SpendStateConfirmed, SpendStateRejected},
}

// Valid reports whether s is a known state.
func (s SpendState) Valid() bool {
	switch s {
	case SpendStatePlanned, SpendStateSigned, SpendStateBroadcast, SpendStateConfirmed, SpendStateRejected:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s SpendState) IsTerminal() bool {
	return s == SpendStateConfirmed || s == SpendStateRejected
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to SpendState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SpendRecord is a persisted spend attempt.
type SpendRecord struct {
	ID         string `json:"id"`
	Descriptor string `json:"descriptor"`
	Path       string `json:"path"`
	Network    string `json:"network"`

	PrevTxID  string `json:"prev_txid"`
	PrevVout  uint32 `json:"prev_vout"`
	PrevValue int64  `json:"prev_value"`

	Destination string `json:"destination"`
	FeeSats     int64  `json:"fee_sats"`

	State SpendState `json:"state"`

	RawTx string `json:"raw_tx,omitempty"`
	TxID  string `json:"txid,omitempty"`

	ErrorCode    int    `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	LockTime uint32 `json:"lock_time"`
	Sequence uint32 `json:"sequence"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SpendUpdate carries the fields set alongside a state change. Empty values
// leave the stored column untouched.
type SpendUpdate struct {
	RawTx        string
	TxID         string
	ErrorCode    int
	ErrorMessage string
}

// SpendFilter narrows ListSpends. Zero fields match everything.
type SpendFilter struct {
	State    SpendState
	Network  string
	PrevTxID string
	Limit    int
}

// SpendEvent is one row of the transition log.
type SpendEvent struct {
	SpendID   string
	From      SpendState
	To        SpendState
	Detail    string
	CreatedAt time.Time
}

const spendColumns = `
	id, descriptor, path, network,
	prev_txid, prev_vout, prev_value,
	destination, fee_sats, state,
	raw_tx, txid, error_code, error_message,
	lock_time, sequence, created_at, updated_at`

// SaveSpend saves or updates a spend record.
// Uses UPSERT pattern - creates if not exists, updates if exists. The state
// column is only written on insert; use UpdateSpendState to move it.
func (s *Storage) SaveSpend(rec *SpendRecord) error {
	if rec.ID == "" {
		return errors.New("spend id is required")
	}
	if rec.State == "" {
		rec.State = SpendStatePlanned
	}
	if !rec.State.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidSpendState, rec.State)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	query := `
		INSERT INTO spends (` + spendColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			descriptor = excluded.descriptor,
			path = excluded.path,
			destination = excluded.destination,
			fee_sats = excluded.fee_sats,
			raw_tx = excluded.raw_tx,
			txid = excluded.txid,
			lock_time = excluded.lock_time,
			sequence = excluded.sequence,
			updated_at = excluded.updated_at
	`

	_, err := s.db.Exec(query,
		rec.ID,
		rec.Descriptor,
		rec.Path,
		rec.Network,
		rec.PrevTxID,
		rec.PrevVout,
		rec.PrevValue,
		rec.Destination,
		rec.FeeSats,
		string(rec.State),
		nullString(rec.RawTx),
		nullString(rec.TxID),
		rec.ErrorCode,
		nullString(rec.ErrorMessage),
		rec.LockTime,
		rec.Sequence,
		rec.CreatedAt.Unix(),
		rec.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save spend: %w", err)
	}
	return nil
}

// GetSpend retrieves a spend by ID.
func (s *Storage) GetSpend(id string) (*SpendRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+spendColumns+` FROM spends WHERE id = ?`, id)
	return scanSpend(row)
}

// GetSpendByTxID retrieves the spend that produced txid.
func (s *Storage) GetSpendByTxID(txid string) (*SpendRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+spendColumns+` FROM spends WHERE txid = ? ORDER BY created_at DESC LIMIT 1`, txid)
	return scanSpend(row)
}

// ListSpends returns spends matching filter, newest first.
func (s *Storage) ListSpends(filter SpendFilter) ([]*SpendRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []interface{}
	)
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(filter.State))
	}
	if filter.Network != "" {
		where = append(where, "network = ?")
		args = append(args, filter.Network)
	}
	if filter.PrevTxID != "" {
		where = append(where, "prev_txid = ?")
		args = append(args, filter.PrevTxID)
	}

	query := `SELECT ` + spendColumns + ` FROM spends`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var spends []*SpendRecord
	for rows.Next() {
		rec, err := scanSpend(rows)
		if err != nil {
			return nil, err
		}
		spends = append(spends, rec)
	}
	return spends, rows.Err()
}

// ListSpendsByState returns every spend in state.
func (s *Storage) ListSpendsByState(state SpendState) ([]*SpendRecord, error) {
	if !state.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSpendState, state)
	}
	return s.ListSpends(SpendFilter{State: state})
}

// UpdateSpendState moves a spend to state, applying upd, and logs the
// transition. Transitions not allowed by the lifecycle are refused with
// ErrInvalidTransition and leave the record unchanged.
func (s *Storage) UpdateSpendState(id string, state SpendState, upd SpendUpdate) error {
	if !state.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidSpendState, state)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current SpendState
	if err := tx.QueryRow(`SELECT state FROM spends WHERE id = ?`, id).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrSpendNotFound
		}
		return err
	}
	if !CanTransition(current, state) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, state)
	}

	now := time.Now().Unix()
	_, err = tx.Exec(`
		UPDATE spends SET
			state = ?,
			raw_tx = COALESCE(?, raw_tx),
			txid = COALESCE(?, txid),
			error_code = CASE WHEN ? != 0 THEN ? ELSE error_code END,
			error_message = COALESCE(?, error_message),
			updated_at = ?
		WHERE id = ?`,
		string(state),
		nullString(upd.RawTx),
		nullString(upd.TxID),
		upd.ErrorCode, upd.ErrorCode,
		nullString(upd.ErrorMessage),
		now,
		id,
	)
	if err != nil {
		return err
	}

	detail := upd.TxID
	if upd.ErrorMessage != "" {
		detail = upd.ErrorMessage
	}
	_, err = tx.Exec(`
		INSERT INTO spend_events (spend_id, from_state, to_state, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, string(current), string(state), nullString(detail), now,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// ListSpendEvents returns the transition log of a spend, oldest first.
func (s *Storage) ListSpendEvents(id string) ([]*SpendEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT spend_id, from_state, to_state, detail, created_at
		FROM spend_events WHERE spend_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*SpendEvent
	for rows.Next() {
		var (
			ev        SpendEvent
			from, det sql.NullString
			to        string
			createdAt int64
		)
		if err := rows.Scan(&ev.SpendID, &from, &to, &det, &createdAt); err != nil {
			return nil, err
		}
		ev.From = SpendState(from.String)
		ev.To = SpendState(to)
		ev.Detail = det.String
		ev.CreatedAt = time.Unix(createdAt, 0)
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// SpendCount returns the number of open and finished spends.
func (s *Storage) SpendCount() (open, finished int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	err = s.db.QueryRow(
		"SELECT COUNT(*) FROM spends WHERE state NOT IN ('confirmed', 'rejected')",
	).Scan(&open)
	if err != nil {
		return
	}
	err = s.db.QueryRow(
		"SELECT COUNT(*) FROM spends WHERE state IN ('confirmed', 'rejected')",
	).Scan(&finished)
	return
}

// DeleteSpend removes a spend and its events.
func (s *Storage) DeleteSpend(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM spend_events WHERE spend_id = ?", id); err != nil {
		return err
	}
	_, err := s.db.Exec("DELETE FROM spends WHERE id = ?", id)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSpend(row rowScanner) (*SpendRecord, error) {
	var (
		rec                  SpendRecord
		rawTx, txid, errMsg  sql.NullString
		createdAt, updatedAt int64
	)

	err := row.Scan(
		&rec.ID,
		&rec.Descriptor,
		&rec.Path,
		&rec.Network,
		&rec.PrevTxID,
		&rec.PrevVout,
		&rec.PrevValue,
		&rec.Destination,
		&rec.FeeSats,
		&rec.State,
		&rawTx,
		&txid,
		&rec.ErrorCode,
		&errMsg,
		&rec.LockTime,
		&rec.Sequence,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSpendNotFound
		}
		return nil, err
	}

	rec.RawTx = rawTx.String
	rec.TxID = txid.String
	rec.ErrorMessage = errMsg.String
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	return &rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
