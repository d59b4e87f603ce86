// Package journal persists the active transaction of each connector so a
// restart can resume or reconcile it.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/voltgrid/chargepointd/internal/domain"
	"github.com/voltgrid/chargepointd/internal/storage"
)

// Journal stores at most one TransactionRecord per connector in the KV
// store. Every Save is a full-record overwrite; there are no partial-field
// updates, so a loaded record is always internally consistent.
type Journal struct {
	kv  *storage.KV
	log *zap.Logger
}

func New(kv *storage.KV, log *zap.Logger) *Journal {
	return &Journal{kv: kv, log: log}
}

func key(connectorID int) string {
	return fmt.Sprintf("txn-%d", connectorID)
}

// Save durably records the transaction for a connector. A failure here must
// abort the state transition that triggered it; the engine never proceeds
// with an unrecorded transaction.
func (j *Journal) Save(connectorID int, rec *domain.TransactionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("journal: marshal record for connector %d: %w", connectorID, err)
	}
	if err := j.kv.Put(key(connectorID), data); err != nil {
		return fmt.Errorf("journal: save connector %d: %w", connectorID, err)
	}
	j.log.Debug("Journal record saved",
		zap.Int("connector_id", connectorID),
		zap.Bool("confirmed", rec.Confirmed),
		zap.Bool("stop_requested", rec.StopRequested),
	)
	return nil
}

// Load returns the journaled transaction for a connector, or nil when none
// is recorded.
func (j *Journal) Load(connectorID int) (*domain.TransactionRecord, error) {
	data, err := j.kv.Get(key(connectorID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("journal: load connector %d: %w", connectorID, err)
	}
	var rec domain.TransactionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("journal: decode record for connector %d: %w", connectorID, err)
	}
	return &rec, nil
}

// Clear removes the journal entry for a connector. Called only after the
// stop is durably confirmed or the operator was notified of a pending stop.
func (j *Journal) Clear(connectorID int) {
	j.kv.Delete(key(connectorID))
	j.log.Debug("Journal record cleared", zap.Int("connector_id", connectorID))
}
