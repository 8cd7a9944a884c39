package planner

import (
	"fmt"

	"github.com/Klingon-tech/spendplanner/internal/storage"
	"github.com/Klingon-tech/spendplanner/pkg/logging"
)

// Tracker journals spend attempts and their state changes to storage.
type Tracker struct {
	store *storage.Storage
	log   *logging.Logger
}

// NewTracker creates a tracker writing to store.
func NewTracker(store *storage.Storage) *Tracker {
	return &Tracker{
		store: store,
		log:   logging.GetDefault().Component("tracker"),
	}
}

// Record saves a freshly signed spend: it is inserted as planned and moved
// to signed with its raw transaction, so the journal holds both steps.
func (t *Tracker) Record(s *Spend) error {
	rec := s.record()
	rec.State = storage.SpendStatePlanned
	if err := t.store.SaveSpend(rec); err != nil {
		return fmt.Errorf("failed to save spend: %w", err)
	}
	if err := t.store.UpdateSpendState(s.ID, storage.SpendStateSigned, storage.SpendUpdate{
		RawTx: s.Hex(),
		TxID:  s.TxID(),
	}); err != nil {
		return fmt.Errorf("failed to mark spend signed: %w", err)
	}
	t.log.Debug("Spend recorded", "spend_id", s.ID, "txid", s.TxID())
	return nil
}

// Transition moves a recorded spend to state.
func (t *Tracker) Transition(id string, state storage.SpendState, upd storage.SpendUpdate) error {
	if err := t.store.UpdateSpendState(id, state, upd); err != nil {
		return fmt.Errorf("failed to move spend %s to %s: %w", id, state, err)
	}
	t.log.Debug("Spend state changed", "spend_id", id, "state", state)
	return nil
}

// Get returns the journal entry for id.
func (t *Tracker) Get(id string) (*storage.SpendRecord, error) {
	return t.store.GetSpend(id)
}

// Pending returns spends that were broadcast but not yet confirmed.
func (t *Tracker) Pending() ([]*storage.SpendRecord, error) {
	return t.store.ListSpendsByState(storage.SpendStateBroadcast)
}
