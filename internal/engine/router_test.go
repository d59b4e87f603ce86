package engine

import (
	"encoding/json"
	"testing"

	"go.uber.org/zap"

	"github.com/voltgrid/chargepointd/internal/ocpp"
)

func TestRouterDuplicateRegistration(t *testing.T) {
	r := NewRouter(zap.NewNop())
	h := func(json.RawMessage) (interface{}, *ocpp.Error) { return nil, nil }

	if err := r.Register(ocpp.ActionReset, h); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if err := r.Register(ocpp.ActionReset, h); err == nil {
		t.Error("duplicate registration did not error")
	}
}

func TestRouterUnknownAction(t *testing.T) {
	r := NewRouter(zap.NewNop())

	_, herr := r.Handle("NoSuchAction", json.RawMessage(`{}`))
	if herr == nil {
		t.Fatal("expected an error")
	}
	if herr.Code != ocpp.ErrNotSupported {
		t.Errorf("expected NotSupported, got %s", herr.Code)
	}
}

func TestRouterHandlerError(t *testing.T) {
	r := NewRouter(zap.NewNop())
	if err := r.Register(ocpp.ActionReset, func(json.RawMessage) (interface{}, *ocpp.Error) {
		return nil, ocpp.NewError(ocpp.ErrFormationViolation, "bad payload")
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	_, herr := r.Handle(ocpp.ActionReset, json.RawMessage(`{}`))
	if herr == nil || herr.Code != ocpp.ErrFormationViolation {
		t.Errorf("expected FormationViolation, got %+v", herr)
	}
}

func TestRouterSerializesResult(t *testing.T) {
	r := NewRouter(zap.NewNop())
	if err := r.Register(ocpp.ActionRemoteStartTransaction, func(json.RawMessage) (interface{}, *ocpp.Error) {
		return ocpp.RemoteStartTransactionConfirmation{Status: ocpp.StatusAccepted}, nil
	}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	data, herr := r.Handle(ocpp.ActionRemoteStartTransaction, json.RawMessage(`{"idTag":"T"}`))
	if herr != nil {
		t.Fatalf("unexpected error: %+v", herr)
	}
	if string(data) != `{"status":"Accepted"}` {
		t.Errorf("unexpected result payload: %s", data)
	}
}
