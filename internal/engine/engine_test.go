package engine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/voltgrid/chargepointd/internal/domain"
	"github.com/voltgrid/chargepointd/internal/events"
	"github.com/voltgrid/chargepointd/internal/hardware"
	"github.com/voltgrid/chargepointd/internal/journal"
	"github.com/voltgrid/chargepointd/internal/mocks"
	"github.com/voltgrid/chargepointd/internal/observability/telemetry"
	"github.com/voltgrid/chargepointd/internal/ocpp"
	"github.com/voltgrid/chargepointd/internal/storage"
	"github.com/voltgrid/chargepointd/internal/transport"
)

// harness wires an engine against in-memory collaborators and drives it with
// manual ticks and a fake clock.
type harness struct {
	t    *testing.T
	eng  *Engine
	pipe *transport.Pipe
	hw   *hardware.SimDriver
	fs   *storage.MemFilesystem
	jnl  *journal.Journal
	pub  *mocks.MockPublisher
	now  time.Time
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithFS(t, storage.NewMemFilesystem())
}

func newHarnessWithFS(t *testing.T, fs *storage.MemFilesystem) *harness {
	t.Helper()
	log := zap.NewNop()
	kv := storage.NewKV(fs, log)
	jnl := journal.New(kv, log)
	reg := NewConfigRegistry(kv, 2, log)
	pipe := transport.NewPipe()
	hw := hardware.NewSimDriver(log)
	pub := mocks.NewMockPublisher()

	cfg := Config{
		ChargePointVendor: "VoltGrid",
		ChargePointModel:  "VG-AC22",
		ConnectorCount:    2,
		StatusPolicy:      RetryPolicy{MaxAttempts: 3, Timeout: 10 * time.Second, Backoff: BackoffFixed},
		TransactionPolicy: RetryPolicy{MaxAttempts: 3, Timeout: 10 * time.Second, Backoff: BackoffFixed},
		BootPolicy:        RetryPolicy{MaxAttempts: 0, Timeout: 30 * time.Second, Backoff: BackoffFixed},
	}
	eng, err := New(cfg, pipe, jnl, reg, hw, pub, log)
	if err != nil {
		t.Fatalf("engine construction failed: %v", err)
	}
	return &harness{
		t:    t,
		eng:  eng,
		pipe: pipe,
		hw:   hw,
		fs:   fs,
		jnl:  jnl,
		pub:  pub,
		now:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

// tick advances the fake clock by d and runs one engine tick, returning
// everything that left the transport during it.
func (h *harness) tick(d time.Duration) []ocpp.Message {
	h.t.Helper()
	h.now = h.now.Add(d)
	h.eng.Tick(h.now)

	var msgs []ocpp.Message
	for _, frame := range h.pipe.TakeSent() {
		msg, err := ocpp.Parse(frame)
		if err != nil {
			h.t.Fatalf("sent frame did not parse: %v", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func findCall(msgs []ocpp.Message, action string) *ocpp.Message {
	for i := range msgs {
		if msgs[i].Kind == ocpp.KindCall && msgs[i].Action == action {
			return &msgs[i]
		}
	}
	return nil
}

func findReply(msgs []ocpp.Message, uniqueID string) *ocpp.Message {
	for i := range msgs {
		if msgs[i].Kind != ocpp.KindCall && msgs[i].UniqueID == uniqueID {
			return &msgs[i]
		}
	}
	return nil
}

// reply injects a CallResult for an outstanding call.
func (h *harness) reply(uniqueID, payload string) {
	h.t.Helper()
	frame, err := ocpp.Marshal(ocpp.Message{
		Kind:     ocpp.KindCallResult,
		UniqueID: uniqueID,
		Payload:  json.RawMessage(payload),
	})
	if err != nil {
		h.t.Fatalf("building reply frame: %v", err)
	}
	h.pipe.Push(frame)
}

// request injects a backend-initiated Call.
func (h *harness) request(uniqueID, action, payload string) {
	h.t.Helper()
	frame, err := ocpp.Marshal(ocpp.Message{
		Kind:     ocpp.KindCall,
		UniqueID: uniqueID,
		Action:   action,
		Payload:  json.RawMessage(payload),
	})
	if err != nil {
		h.t.Fatalf("building request frame: %v", err)
	}
	h.pipe.Push(frame)
}

// boot runs the registration handshake.
func (h *harness) boot() {
	h.t.Helper()
	h.eng.Start(h.now)
	msgs := h.tick(0)
	call := findCall(msgs, ocpp.ActionBootNotification)
	if call == nil {
		h.t.Fatal("no BootNotification sent on start")
	}
	h.reply(call.UniqueID, `{"status":"Accepted","currentTime":"2024-05-01T12:00:00Z","interval":300}`)
	h.tick(0)
	if !h.eng.Registered() {
		h.t.Fatal("engine not registered after accepted boot")
	}
}

// charge drives connector 1 to a confirmed Charging session with backend
// transaction id 42.
func (h *harness) charge() {
	h.t.Helper()
	h.hw.SetMeterWh(1, 1000)
	h.hw.Inject(hardware.Event{ConnectorID: 1, Kind: hardware.EventPlugIn})
	h.hw.Inject(hardware.Event{ConnectorID: 1, Kind: hardware.EventAuthorize, IDTag: "TAG-A"})
	msgs := h.tick(time.Second)

	auth := findCall(msgs, ocpp.ActionAuthorize)
	if auth == nil {
		h.t.Fatal("no Authorize sent after token presentation")
	}
	h.reply(auth.UniqueID, `{"idTagInfo":{"status":"Accepted"}}`)
	msgs = h.tick(time.Second)

	start := findCall(msgs, ocpp.ActionStartTransaction)
	if start == nil {
		h.t.Fatal("no StartTransaction sent after accepted authorization")
	}
	h.reply(start.UniqueID, `{"transactionId":42,"idTagInfo":{"status":"Accepted"}}`)
	h.tick(time.Second)

	if got := h.eng.Connector(1).Status(); got != domain.ConnectorStatusCharging {
		h.t.Fatalf("expected Charging, got %s", got)
	}
}

func statusOf(t *testing.T, msg *ocpp.Message) string {
	t.Helper()
	var req ocpp.StatusNotificationRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		t.Fatalf("status notification payload: %v", err)
	}
	return req.Status
}

func TestBootRegistrationAndHeartbeat(t *testing.T) {
	h := newHarness(t)
	h.boot()

	msgs := h.tick(301 * time.Second)
	if findCall(msgs, ocpp.ActionHeartbeat) == nil {
		t.Error("no Heartbeat after the accepted interval elapsed")
	}
}

func TestBootRejectedIsRetried(t *testing.T) {
	h := newHarness(t)
	h.eng.Start(h.now)

	msgs := h.tick(0)
	call := findCall(msgs, ocpp.ActionBootNotification)
	if call == nil {
		t.Fatal("no BootNotification sent")
	}
	h.reply(call.UniqueID, `{"status":"Rejected","currentTime":"2024-05-01T12:00:00Z","interval":5}`)
	h.tick(0)
	if h.eng.Registered() {
		t.Fatal("registered despite rejection")
	}

	msgs = h.tick(6 * time.Second)
	if findCall(msgs, ocpp.ActionBootNotification) == nil {
		t.Error("no boot retry after the granted interval")
	}
}

func TestStartTransactionLifecycle(t *testing.T) {
	h := newHarness(t)
	h.boot()
	h.hw.SetMeterWh(1, 1000)

	h.hw.Inject(hardware.Event{ConnectorID: 1, Kind: hardware.EventPlugIn})
	msgs := h.tick(time.Second)
	st := findCall(msgs, ocpp.ActionStatusNotification)
	if st == nil || statusOf(t, st) != "Preparing" {
		t.Fatalf("expected Preparing status notification, got %+v", st)
	}

	h.hw.Inject(hardware.Event{ConnectorID: 1, Kind: hardware.EventAuthorize, IDTag: "TAG-A"})
	msgs = h.tick(time.Second)
	auth := findCall(msgs, ocpp.ActionAuthorize)
	if auth == nil {
		t.Fatal("no Authorize sent")
	}

	h.reply(auth.UniqueID, `{"idTagInfo":{"status":"Accepted"}}`)
	msgs = h.tick(time.Second)
	start := findCall(msgs, ocpp.ActionStartTransaction)
	if start == nil {
		t.Fatal("no StartTransaction sent")
	}
	var req ocpp.StartTransactionRequest
	if err := json.Unmarshal(start.Payload, &req); err != nil {
		t.Fatalf("start payload: %v", err)
	}
	if req.ConnectorID != 1 || req.IDTag != "TAG-A" || req.MeterStart != 1000 {
		t.Errorf("unexpected start request: %+v", req)
	}

	// The intent is journaled before the call leaves.
	rec, err := h.jnl.Load(1)
	if err != nil || rec == nil {
		t.Fatalf("no journal record while start outstanding: %v", err)
	}
	if rec.Confirmed {
		t.Error("journal record confirmed before the backend answered")
	}

	h.reply(start.UniqueID, `{"transactionId":42,"idTagInfo":{"status":"Accepted"}}`)
	msgs = h.tick(time.Second)
	st = findCall(msgs, ocpp.ActionStatusNotification)
	if st == nil || statusOf(t, st) != "Charging" {
		t.Fatalf("expected Charging status notification, got %+v", st)
	}
	if !h.hw.ContactorClosed(1) {
		t.Error("contactor not closed after confirmation")
	}

	rec, err = h.jnl.Load(1)
	if err != nil || rec == nil {
		t.Fatalf("journal record missing after confirmation: %v", err)
	}
	if !rec.Confirmed || rec.TransactionID != 42 {
		t.Errorf("journal not updated with confirmation: %+v", rec)
	}
	if len(h.pub.GetPublishedMessages(events.SubjectTransactionStarted)) != 1 {
		t.Error("tx.started not published")
	}
}

func TestStartRetryExhaustionReverts(t *testing.T) {
	h := newHarness(t)
	h.boot()

	h.hw.Inject(hardware.Event{ConnectorID: 1, Kind: hardware.EventPlugIn})
	h.hw.Inject(hardware.Event{ConnectorID: 1, Kind: hardware.EventAuthorize, IDTag: "TAG-A"})
	msgs := h.tick(time.Second)
	auth := findCall(msgs, ocpp.ActionAuthorize)
	h.reply(auth.UniqueID, `{"idTagInfo":{"status":"Accepted"}}`)
	msgs = h.tick(time.Second)
	if findCall(msgs, ocpp.ActionStartTransaction) == nil {
		t.Fatal("no StartTransaction sent")
	}

	// Never answer; the transaction policy allows 3 attempts at 10s each.
	var available bool
	for i := 0; i < 5; i++ {
		msgs = h.tick(10 * time.Second)
		if st := findCall(msgs, ocpp.ActionStatusNotification); st != nil && statusOf(t, st) == "Available" {
			available = true
		}
	}
	if !available {
		t.Error("connector did not revert to Available after retry exhaustion")
	}
	if h.eng.Connector(1).Transaction() != nil {
		t.Error("transaction still present after abandoned start")
	}
	rec, err := h.jnl.Load(1)
	if err != nil {
		t.Fatalf("journal load: %v", err)
	}
	if rec != nil {
		t.Errorf("journal record survived an abandoned start: %+v", rec)
	}
}

func TestPlugOutCancelsUnconfirmedStart(t *testing.T) {
	h := newHarness(t)
	h.boot()

	h.hw.Inject(hardware.Event{ConnectorID: 1, Kind: hardware.EventPlugIn})
	h.hw.Inject(hardware.Event{ConnectorID: 1, Kind: hardware.EventAuthorize, IDTag: "TAG-A"})
	msgs := h.tick(time.Second)
	auth := findCall(msgs, ocpp.ActionAuthorize)
	h.reply(auth.UniqueID, `{"idTagInfo":{"status":"Accepted"}}`)
	msgs = h.tick(time.Second)
	if findCall(msgs, ocpp.ActionStartTransaction) == nil {
		t.Fatal("no StartTransaction sent")
	}

	h.hw.Inject(hardware.Event{ConnectorID: 1, Kind: hardware.EventPlugOut})
	h.tick(time.Second)

	if got := h.eng.Connector(1).Status(); got != domain.ConnectorStatusAvailable {
		t.Errorf("expected Available after plug-out, got %s", got)
	}
	rec, _ := h.jnl.Load(1)
	if rec != nil {
		t.Errorf("journal record survived a withdrawn start: %+v", rec)
	}

	// The withdrawn call must not retransmit.
	for i := 0; i < 4; i++ {
		if msgs = h.tick(10 * time.Second); findCall(msgs, ocpp.ActionStartTransaction) != nil {
			t.Fatal("cancelled StartTransaction retransmitted")
		}
	}
}

func TestLocalStopConfirmed(t *testing.T) {
	h := newHarness(t)
	h.boot()
	h.charge()
	h.hw.SetMeterWh(1, 5500)

	h.hw.Inject(hardware.Event{ConnectorID: 1, Kind: hardware.EventLocalStop})
	msgs := h.tick(time.Second)
	stop := findCall(msgs, ocpp.ActionStopTransaction)
	if stop == nil {
		t.Fatal("no StopTransaction sent")
	}
	var req ocpp.StopTransactionRequest
	if err := json.Unmarshal(stop.Payload, &req); err != nil {
		t.Fatalf("stop payload: %v", err)
	}
	if req.TransactionID != 42 || req.MeterStop != 5500 || req.Reason != domain.StopReasonLocal {
		t.Errorf("unexpected stop request: %+v", req)
	}
	if h.hw.ContactorClosed(1) {
		t.Error("contactor still closed after stop")
	}
	if got := h.eng.Connector(1).Status(); got != domain.ConnectorStatusFinishing {
		t.Errorf("expected Finishing, got %s", got)
	}

	h.reply(stop.UniqueID, `{"idTagInfo":{"status":"Accepted"}}`)
	h.tick(time.Second)

	rec, _ := h.jnl.Load(1)
	if rec != nil {
		t.Errorf("journal not cleared after confirmed stop: %+v", rec)
	}
	if len(h.pub.GetPublishedMessages(events.SubjectTransactionStopped)) != 1 {
		t.Error("tx.stopped not published")
	}

	h.hw.Inject(hardware.Event{ConnectorID: 1, Kind: hardware.EventPlugOut})
	h.tick(time.Second)
	if got := h.eng.Connector(1).Status(); got != domain.ConnectorStatusAvailable {
		t.Errorf("expected Available after unplug, got %s", got)
	}
}

func TestUnconfirmedStopFlagsPending(t *testing.T) {
	h := newHarness(t)
	h.boot()
	h.charge()

	h.hw.Inject(hardware.Event{ConnectorID: 1, Kind: hardware.EventLocalStop})
	msgs := h.tick(time.Second)
	if findCall(msgs, ocpp.ActionStopTransaction) == nil {
		t.Fatal("no StopTransaction sent")
	}

	// Exhaust the retry budget without answering. The stop is never
	// silently dropped: the journal keeps the record flagged and an
	// operator event goes out.
	for i := 0; i < 5; i++ {
		h.tick(10 * time.Second)
	}

	rec, err := h.jnl.Load(1)
	if err != nil || rec == nil {
		t.Fatalf("journal record gone after lost stop: %v", err)
	}
	if !rec.StopPending {
		t.Errorf("record not flagged stop-pending: %+v", rec)
	}
	if len(h.pub.GetPublishedMessages(events.SubjectStopPending)) != 1 {
		t.Error("tx.stop_pending not published")
	}
}

func TestFaultDuringChargingKeepsStopOutstanding(t *testing.T) {
	h := newHarness(t)
	h.boot()
	h.charge()

	h.hw.Inject(hardware.Event{ConnectorID: 1, Kind: hardware.EventFault, Info: "relay weld detected"})
	msgs := h.tick(time.Second)

	if got := h.eng.Connector(1).Status(); got != domain.ConnectorStatusFaulted {
		t.Fatalf("expected Faulted, got %s", got)
	}
	stop := findCall(msgs, ocpp.ActionStopTransaction)
	if stop == nil {
		t.Fatal("fault did not initiate StopTransaction")
	}
	if len(h.pub.GetPublishedMessages(events.SubjectConnectorFaulted)) != 1 {
		t.Error("connector.faulted not published")
	}

	// The in-flight stop carries billing data and must survive the fault.
	h.reply(stop.UniqueID, `{"idTagInfo":{"status":"Accepted"}}`)
	h.tick(time.Second)
	rec, _ := h.jnl.Load(1)
	if rec != nil {
		t.Errorf("journal not cleared after stop confirmed during fault: %+v", rec)
	}
	if got := h.eng.Connector(1).Status(); got != domain.ConnectorStatusFaulted {
		t.Errorf("fault cleared by stop confirmation, got %s", got)
	}
}

func TestFaultedResetRequiresClearedCondition(t *testing.T) {
	h := newHarness(t)
	h.boot()

	h.hw.Inject(hardware.Event{ConnectorID: 1, Kind: hardware.EventFault, Info: "over temperature"})
	h.tick(time.Second)
	if got := h.eng.Connector(1).Status(); got != domain.ConnectorStatusFaulted {
		t.Fatalf("expected Faulted, got %s", got)
	}

	// Reset with the condition still present is ignored.
	h.eng.Connector(1).Reset()
	if got := h.eng.Connector(1).Status(); got != domain.ConnectorStatusFaulted {
		t.Fatalf("reset cleared an active fault, got %s", got)
	}

	h.hw.Inject(hardware.Event{ConnectorID: 1, Kind: hardware.EventFaultCleared})
	h.tick(time.Second)
	// Condition cleared alone is not enough either.
	if got := h.eng.Connector(1).Status(); got != domain.ConnectorStatusFaulted {
		t.Fatalf("fault auto-cleared without reset, got %s", got)
	}

	h.eng.Connector(1).Reset()
	if got := h.eng.Connector(1).Status(); got != domain.ConnectorStatusAvailable {
		t.Errorf("expected Available after reset, got %s", got)
	}
}

func TestRestartResendsUnconfirmedStop(t *testing.T) {
	h := newHarness(t)
	h.boot()
	h.charge()
	h.hw.SetMeterWh(1, 7000)

	h.hw.Inject(hardware.Event{ConnectorID: 1, Kind: hardware.EventLocalStop})
	msgs := h.tick(time.Second)
	if findCall(msgs, ocpp.ActionStopTransaction) == nil {
		t.Fatal("no StopTransaction sent")
	}

	// Simulated power cycle: a fresh engine over the persisted files.
	fs2 := storage.NewMemFilesystem()
	fs2.Restore(h.fs.Snapshot())
	h2 := newHarnessWithFS(t, fs2)
	h2.eng.Start(h2.now)
	msgs = h2.tick(0)

	if len(msgs) == 0 || msgs[0].Action != ocpp.ActionStopTransaction {
		t.Fatalf("first frame after restart is not the recovered StopTransaction: %+v", msgs)
	}
	var req ocpp.StopTransactionRequest
	if err := json.Unmarshal(msgs[0].Payload, &req); err != nil {
		t.Fatalf("stop payload: %v", err)
	}
	if req.TransactionID != 42 || req.MeterStop != 7000 {
		t.Errorf("recovered stop lost its data: %+v", req)
	}
	if got := h2.eng.Connector(1).Status(); got != domain.ConnectorStatusFinishing {
		t.Errorf("expected Finishing during recovered stop, got %s", got)
	}

	h2.reply(msgs[0].UniqueID, `{"idTagInfo":{"status":"Accepted"}}`)
	h2.tick(time.Second)
	rec, _ := h2.jnl.Load(1)
	if rec != nil {
		t.Errorf("journal not cleared after recovered stop confirmed: %+v", rec)
	}
}

func TestRestartResendsUnconfirmedStart(t *testing.T) {
	h := newHarness(t)
	h.boot()

	h.hw.Inject(hardware.Event{ConnectorID: 1, Kind: hardware.EventPlugIn})
	h.hw.Inject(hardware.Event{ConnectorID: 1, Kind: hardware.EventAuthorize, IDTag: "TAG-A"})
	msgs := h.tick(time.Second)
	auth := findCall(msgs, ocpp.ActionAuthorize)
	h.reply(auth.UniqueID, `{"idTagInfo":{"status":"Accepted"}}`)
	msgs = h.tick(time.Second)
	if findCall(msgs, ocpp.ActionStartTransaction) == nil {
		t.Fatal("no StartTransaction sent")
	}

	fs2 := storage.NewMemFilesystem()
	fs2.Restore(h.fs.Snapshot())
	h2 := newHarnessWithFS(t, fs2)
	h2.eng.Start(h2.now)
	msgs = h2.tick(0)

	start := findCall(msgs, ocpp.ActionStartTransaction)
	if start == nil {
		t.Fatal("unconfirmed start not re-sent after restart")
	}
	var req ocpp.StartTransactionRequest
	if err := json.Unmarshal(start.Payload, &req); err != nil {
		t.Fatalf("start payload: %v", err)
	}
	if req.ConnectorID != 1 || req.IDTag != "TAG-A" {
		t.Errorf("recovered start lost its data: %+v", req)
	}
	if got := h2.eng.Connector(1).Status(); got != domain.ConnectorStatusPreparing {
		t.Errorf("expected Preparing during recovered start, got %s", got)
	}
}

func TestRestartClosesInterruptedSession(t *testing.T) {
	h := newHarness(t)
	h.boot()
	h.charge()
	h.hw.SetMeterWh(1, 6200)

	fs2 := storage.NewMemFilesystem()
	fs2.Restore(h.fs.Snapshot())
	h2 := newHarnessWithFS(t, fs2)
	h2.hw.SetMeterWh(1, 6200)
	h2.eng.Start(h2.now)
	msgs := h2.tick(0)

	stop := findCall(msgs, ocpp.ActionStopTransaction)
	if stop == nil {
		t.Fatal("interrupted session not stopped after restart")
	}
	var req ocpp.StopTransactionRequest
	if err := json.Unmarshal(stop.Payload, &req); err != nil {
		t.Fatalf("stop payload: %v", err)
	}
	if req.TransactionID != 42 || req.Reason != domain.StopReasonPowerLoss {
		t.Errorf("unexpected recovery stop: %+v", req)
	}
}

func TestRestartResurfacesPendingStop(t *testing.T) {
	h := newHarness(t)
	h.boot()
	h.charge()
	h.hw.Inject(hardware.Event{ConnectorID: 1, Kind: hardware.EventLocalStop})
	h.tick(time.Second)
	for i := 0; i < 5; i++ {
		h.tick(10 * time.Second)
	}
	rec, _ := h.jnl.Load(1)
	if rec == nil || !rec.StopPending {
		t.Fatal("precondition failed: no stop-pending record")
	}

	fs2 := storage.NewMemFilesystem()
	fs2.Restore(h.fs.Snapshot())
	h2 := newHarnessWithFS(t, fs2)
	h2.eng.Start(h2.now)
	h2.tick(0)

	if len(h2.pub.GetPublishedMessages(events.SubjectStopPending)) != 1 {
		t.Error("stop-pending record not re-surfaced after restart")
	}
	// The record is kept for reconciliation, not re-sent.
	if h2.eng.Connector(1).Transaction() != nil {
		t.Error("engine took ownership of a reconciliation-only record")
	}
}

func TestRemoteStartAppliedAfterHardware(t *testing.T) {
	h := newHarness(t)
	h.boot()

	h.hw.Inject(hardware.Event{ConnectorID: 1, Kind: hardware.EventPlugIn})
	h.tick(time.Second)

	// The fault arrives in the same tick as the remote start. The command
	// is acknowledged from pre-hardware state but the effect is applied
	// after the fault and dropped.
	h.request("csms-1", ocpp.ActionRemoteStartTransaction, `{"connectorId":1,"idTag":"TAG-R"}`)
	h.hw.Inject(hardware.Event{ConnectorID: 1, Kind: hardware.EventFault, Info: "ground fault"})
	msgs := h.tick(time.Second)

	reply := findReply(msgs, "csms-1")
	if reply == nil || reply.Kind != ocpp.KindCallResult {
		t.Fatalf("no CallResult for the remote start: %+v", reply)
	}
	var conf ocpp.RemoteStartTransactionConfirmation
	if err := json.Unmarshal(reply.Payload, &conf); err != nil {
		t.Fatalf("reply payload: %v", err)
	}
	if conf.Status != ocpp.StatusAccepted {
		t.Errorf("expected Accepted, got %s", conf.Status)
	}

	if got := h.eng.Connector(1).Status(); got != domain.ConnectorStatusFaulted {
		t.Fatalf("expected Faulted, got %s", got)
	}
	for i := 0; i < 3; i++ {
		if msgs = h.tick(time.Second); findCall(msgs, ocpp.ActionStartTransaction) != nil {
			t.Fatal("dropped remote start still produced a StartTransaction")
		}
	}
}

func TestRemoteStopStopsSession(t *testing.T) {
	h := newHarness(t)
	h.boot()
	h.charge()

	h.request("csms-2", ocpp.ActionRemoteStopTransaction, `{"transactionId":42}`)
	msgs := h.tick(time.Second)

	reply := findReply(msgs, "csms-2")
	if reply == nil || reply.Kind != ocpp.KindCallResult {
		t.Fatalf("no CallResult for the remote stop: %+v", reply)
	}
	stop := findCall(msgs, ocpp.ActionStopTransaction)
	if stop == nil {
		t.Fatal("no StopTransaction after remote stop")
	}
	var req ocpp.StopTransactionRequest
	if err := json.Unmarshal(stop.Payload, &req); err != nil {
		t.Fatalf("stop payload: %v", err)
	}
	if req.Reason != domain.StopReasonRemote {
		t.Errorf("expected Remote reason, got %q", req.Reason)
	}
}

func TestRemoteStopUnknownTransactionRejected(t *testing.T) {
	h := newHarness(t)
	h.boot()
	h.charge()

	h.request("csms-3", ocpp.ActionRemoteStopTransaction, `{"transactionId":999}`)
	msgs := h.tick(time.Second)

	reply := findReply(msgs, "csms-3")
	if reply == nil {
		t.Fatal("no reply for the remote stop")
	}
	var conf ocpp.RemoteStopTransactionConfirmation
	if err := json.Unmarshal(reply.Payload, &conf); err != nil {
		t.Fatalf("reply payload: %v", err)
	}
	if conf.Status != ocpp.StatusRejected {
		t.Errorf("expected Rejected, got %s", conf.Status)
	}
}

func TestReservationLifecycle(t *testing.T) {
	h := newHarness(t)
	h.boot()

	expiry := h.now.Add(10 * time.Minute).Format(time.RFC3339)
	h.request("csms-4", ocpp.ActionReserveNow, `{"connectorId":1,"expiryDate":"`+expiry+`","idTag":"TAG-R","reservationId":7}`)
	msgs := h.tick(time.Second)

	reply := findReply(msgs, "csms-4")
	if reply == nil {
		t.Fatal("no reply for ReserveNow")
	}
	var conf ocpp.ReserveNowConfirmation
	if err := json.Unmarshal(reply.Payload, &conf); err != nil {
		t.Fatalf("reply payload: %v", err)
	}
	if conf.Status != ocpp.StatusAccepted {
		t.Fatalf("expected Accepted, got %s", conf.Status)
	}
	if got := h.eng.Connector(1).Status(); got != domain.ConnectorStatusReserved {
		t.Fatalf("expected Reserved, got %s", got)
	}

	// A foreign token cannot start on a reserved connector.
	h.request("csms-5", ocpp.ActionRemoteStartTransaction, `{"connectorId":1,"idTag":"OTHER"}`)
	msgs = h.tick(time.Second)
	reply = findReply(msgs, "csms-5")
	var startConf ocpp.RemoteStartTransactionConfirmation
	if err := json.Unmarshal(reply.Payload, &startConf); err != nil {
		t.Fatalf("reply payload: %v", err)
	}
	if startConf.Status != ocpp.StatusRejected {
		t.Errorf("foreign token accepted on reserved connector")
	}

	h.tick(11 * time.Minute)
	if got := h.eng.Connector(1).Status(); got != domain.ConnectorStatusAvailable {
		t.Errorf("reservation did not expire, status %s", got)
	}
}

func TestChangeAvailabilityDeferredBySession(t *testing.T) {
	h := newHarness(t)
	h.boot()
	h.charge()

	h.request("csms-6", ocpp.ActionChangeAvailability, `{"connectorId":1,"type":"Inoperative"}`)
	msgs := h.tick(time.Second)

	reply := findReply(msgs, "csms-6")
	var conf ocpp.ChangeAvailabilityConfirmation
	if err := json.Unmarshal(reply.Payload, &conf); err != nil {
		t.Fatalf("reply payload: %v", err)
	}
	if conf.Status != "Scheduled" {
		t.Fatalf("expected Scheduled, got %s", conf.Status)
	}

	h.hw.Inject(hardware.Event{ConnectorID: 1, Kind: hardware.EventLocalStop})
	msgs = h.tick(time.Second)
	stop := findCall(msgs, ocpp.ActionStopTransaction)
	h.reply(stop.UniqueID, `{"idTagInfo":{"status":"Accepted"}}`)
	h.tick(time.Second)

	if got := h.eng.Connector(1).Status(); got != domain.ConnectorStatusUnavailable {
		t.Errorf("deferred inoperative not applied after stop, got %s", got)
	}
}

func TestSuspendAndResumeByVehicle(t *testing.T) {
	h := newHarness(t)
	h.boot()
	h.charge()

	h.hw.Inject(hardware.Event{ConnectorID: 1, Kind: hardware.EventEVSuspend})
	h.tick(time.Second)
	if got := h.eng.Connector(1).Status(); got != domain.ConnectorStatusSuspendedEV {
		t.Fatalf("expected SuspendedEV, got %s", got)
	}

	h.hw.Inject(hardware.Event{ConnectorID: 1, Kind: hardware.EventEVResume})
	h.tick(time.Second)
	if got := h.eng.Connector(1).Status(); got != domain.ConnectorStatusCharging {
		t.Errorf("expected Charging after resume, got %s", got)
	}
}

func TestChangeConfigurationAdjustsHeartbeat(t *testing.T) {
	h := newHarness(t)
	h.boot()

	h.request("csms-7", ocpp.ActionChangeConfiguration, `{"key":"HeartbeatInterval","value":"30"}`)
	msgs := h.tick(time.Second)
	reply := findReply(msgs, "csms-7")
	var conf ocpp.ChangeConfigurationConfirmation
	if err := json.Unmarshal(reply.Payload, &conf); err != nil {
		t.Fatalf("reply payload: %v", err)
	}
	if conf.Status != ocpp.StatusAccepted {
		t.Fatalf("expected Accepted, got %s", conf.Status)
	}

	msgs = h.tick(31 * time.Second)
	if findCall(msgs, ocpp.ActionHeartbeat) == nil {
		t.Error("heartbeat did not follow the new interval")
	}
}

func TestTriggerMessageStatusNotification(t *testing.T) {
	h := newHarness(t)
	h.boot()

	h.request("csms-8", ocpp.ActionTriggerMessage, `{"requestedMessage":"StatusNotification","connectorId":1}`)
	msgs := h.tick(time.Second)

	st := findCall(msgs, ocpp.ActionStatusNotification)
	if st == nil || statusOf(t, st) != "Available" {
		t.Errorf("triggered status notification missing or wrong: %+v", st)
	}
}

func TestSecondStartTriggerRejectedWhileCharging(t *testing.T) {
	h := newHarness(t)
	h.boot()
	h.charge()

	// A remote start and a fresh local token both arrive against the
	// active session. Neither may produce a second transaction record.
	h.request("csms-9", ocpp.ActionRemoteStartTransaction, `{"connectorId":1,"idTag":"TAG-B"}`)
	h.hw.Inject(hardware.Event{ConnectorID: 1, Kind: hardware.EventAuthorize, IDTag: "TAG-B"})
	msgs := h.tick(time.Second)

	reply := findReply(msgs, "csms-9")
	if reply == nil {
		t.Fatal("no reply for the remote start")
	}
	var conf ocpp.RemoteStartTransactionConfirmation
	if err := json.Unmarshal(reply.Payload, &conf); err != nil {
		t.Fatalf("reply payload: %v", err)
	}
	if conf.Status != ocpp.StatusRejected {
		t.Errorf("remote start on a busy connector: expected Rejected, got %s", conf.Status)
	}
	if findCall(msgs, ocpp.ActionStartTransaction) != nil {
		t.Error("second StartTransaction sent for a busy connector")
	}
	if findCall(msgs, ocpp.ActionAuthorize) != nil {
		t.Error("Authorize sent for a foreign token during an active session")
	}

	txn := h.eng.Connector(1).Transaction()
	if txn == nil || txn.TransactionID != 42 || txn.IDTag != "TAG-A" {
		t.Fatalf("active transaction disturbed: %+v", txn)
	}
	rec, err := h.jnl.Load(1)
	if err != nil || rec == nil {
		t.Fatalf("journal record gone: %v", err)
	}
	if rec.TransactionID != 42 || rec.IDTag != "TAG-A" || !rec.Confirmed {
		t.Errorf("journal record disturbed: %+v", rec)
	}

	for i := 0; i < 3; i++ {
		if msgs = h.tick(time.Second); findCall(msgs, ocpp.ActionStartTransaction) != nil {
			t.Fatal("deferred second StartTransaction appeared")
		}
	}
}

func TestRecoveredStopBalancesSessionGauge(t *testing.T) {
	h := newHarness(t)
	h.boot()
	h.charge()
	h.hw.Inject(hardware.Event{ConnectorID: 1, Kind: hardware.EventLocalStop})
	msgs := h.tick(time.Second)
	if findCall(msgs, ocpp.ActionStopTransaction) == nil {
		t.Fatal("no StopTransaction sent")
	}

	fs2 := storage.NewMemFilesystem()
	fs2.Restore(h.fs.Snapshot())
	h2 := newHarnessWithFS(t, fs2)

	before := testutil.ToFloat64(telemetry.ActiveSessions)
	h2.eng.Start(h2.now)
	msgs = h2.tick(0)
	if got := testutil.ToFloat64(telemetry.ActiveSessions); got != before+1 {
		t.Errorf("recovered session not counted: gauge %v, want %v", got, before+1)
	}

	stop := findCall(msgs, ocpp.ActionStopTransaction)
	if stop == nil {
		t.Fatal("recovered stop not re-sent")
	}
	h2.reply(stop.UniqueID, `{"idTagInfo":{"status":"Accepted"}}`)
	h2.tick(time.Second)

	// The outcome decrement must land on the recovery increment, never
	// below the pre-recovery level.
	if got := testutil.ToFloat64(telemetry.ActiveSessions); got != before {
		t.Errorf("gauge drifted after recovered stop: %v, want %v", got, before)
	}
}

func TestMalformedFrameIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.boot()

	h.pipe.Push([]byte(`{"not":"a frame"}`))
	h.pipe.Push([]byte(`[9,"x",{}]`))
	h.tick(time.Second)

	if !h.eng.Registered() {
		t.Error("malformed frames disturbed the engine")
	}
}
