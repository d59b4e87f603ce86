package domain

import "testing"

func TestTransactionActive(t *testing.T) {
	var nilRec *TransactionRecord
	if nilRec.Active() {
		t.Error("nil record reported active")
	}

	rec := &TransactionRecord{TransactionID: 42, Confirmed: true}
	if !rec.Active() {
		t.Error("live record not active")
	}

	rec.StopPending = true
	if rec.Active() {
		t.Error("stop-pending record reported active; it is reconciliation-only")
	}
}

func TestConnectorStatusCharging(t *testing.T) {
	charging := []ConnectorStatus{
		ConnectorStatusCharging,
		ConnectorStatusSuspendedEVSE,
		ConnectorStatusSuspendedEV,
		ConnectorStatusFinishing,
	}
	for _, s := range charging {
		if !s.Charging() {
			t.Errorf("%s should count as a charging-phase status", s)
		}
	}

	idle := []ConnectorStatus{
		ConnectorStatusAvailable,
		ConnectorStatusPreparing,
		ConnectorStatusReserved,
		ConnectorStatusUnavailable,
		ConnectorStatusFaulted,
	}
	for _, s := range idle {
		if s.Charging() {
			t.Errorf("%s should not count as a charging-phase status", s)
		}
	}
}
