package engine

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/voltgrid/chargepointd/internal/events"
	"github.com/voltgrid/chargepointd/internal/hardware"
	"github.com/voltgrid/chargepointd/internal/journal"
	"github.com/voltgrid/chargepointd/internal/observability/telemetry"
	"github.com/voltgrid/chargepointd/internal/ocpp"
	"github.com/voltgrid/chargepointd/internal/transport"
)

// Config carries the engine's identity and timing parameters.
type Config struct {
	ChargePointVendor string
	ChargePointModel  string
	SerialNumber      string
	FirmwareVersion   string
	ConnectorCount    int

	TickInterval       time.Duration
	MeterValueInterval time.Duration

	StatusPolicy      RetryPolicy
	TransactionPolicy RetryPolicy
	BootPolicy        RetryPolicy
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ConnectorCount <= 0 {
		out.ConnectorCount = 1
	}
	if out.TickInterval <= 0 {
		out.TickInterval = 100 * time.Millisecond
	}
	if out.MeterValueInterval <= 0 {
		out.MeterValueInterval = time.Minute
	}
	if out.StatusPolicy == (RetryPolicy{}) {
		out.StatusPolicy = DefaultStatusPolicy()
	}
	if out.TransactionPolicy == (RetryPolicy{}) {
		out.TransactionPolicy = DefaultTransactionPolicy()
	}
	if out.BootPolicy == (RetryPolicy{}) {
		out.BootPolicy = DefaultBootPolicy()
	}
	return out
}

// Engine owns every component and advances them with cooperative,
// non-blocking ticks on a single goroutine. One tick drains the transport,
// advances retry timers, applies hardware events, applies queued remote
// commands, advances each connector, and flushes the send queue, in that
// order, so a just-arrived response cancels a retransmit due in the same
// tick and hardware events always win races against remote commands.
type Engine struct {
	cfg     Config
	log     *zap.Logger
	tr      transport.Transport
	tracker *CallTracker
	router  *Router
	jnl     *journal.Journal
	hw      hardware.Driver
	pub     events.Publisher
	cfgKeys *ConfigRegistry

	connectors []*Connector

	tickNow        time.Time
	registered     bool
	bootCallID     string
	retryBootAt    time.Time
	heartbeatEvery time.Duration
	nextHeartbeat  time.Time

	// pendingCommands are remote start/stop effects deferred until after
	// this tick's hardware events; each re-checks consistency when applied.
	pendingCommands []func()

	resetRequested string
	// OnReset, when set, is invoked for an accepted Reset after all
	// sessions closed; receives true for a hard reset. Without a hook a
	// soft re-registration is performed in place.
	OnReset func(hard bool)
}

// New wires the engine from its collaborators. The returned engine has not
// booted yet; call Run (or Start plus manual Ticks in tests).
func New(cfg Config, tr transport.Transport, jnl *journal.Journal, cfgKeys *ConfigRegistry, hw hardware.Driver, pub events.Publisher, log *zap.Logger) (*Engine, error) {
	e := &Engine{
		cfg:     cfg.withDefaults(),
		log:     log,
		tr:      tr,
		jnl:     jnl,
		hw:      hw,
		pub:     pub,
		cfgKeys: cfgKeys,
	}
	e.router = NewRouter(log)
	e.tracker = NewCallTracker(tr, e.router, log)

	meterInterval := time.Duration(cfgKeys.GetInt(KeyMeterValueSampleInterval, int(e.cfg.MeterValueInterval.Seconds()))) * time.Second
	for i := 1; i <= e.cfg.ConnectorCount; i++ {
		e.connectors = append(e.connectors, NewConnector(i, e, jnl, hw, meterInterval, log))
	}

	if err := e.registerHandlers(); err != nil {
		return nil, err
	}
	return e, nil
}

// Connector returns the connector with the given 1-based id, or nil.
func (e *Engine) Connector(id int) *Connector {
	if id < 1 || id > len(e.connectors) {
		return nil
	}
	return e.connectors[id-1]
}

// Tracker exposes the call tracker for tests and embedding diagnostics.
func (e *Engine) Tracker() *CallTracker { return e.tracker }

// Registered reports whether the backend accepted the boot notification.
func (e *Engine) Registered() bool { return e.registered }

// --- connectorOps ---

func (e *Engine) SendCall(action string, payload interface{}, policy RetryPolicy, done Continuation) (string, error) {
	return e.tracker.Enqueue(action, payload, policy, done)
}

func (e *Engine) CancelCall(id string) { e.tracker.Cancel(id) }

func (e *Engine) Now() time.Time {
	if e.tickNow.IsZero() {
		return time.Now()
	}
	return e.tickNow
}

func (e *Engine) StatusPolicy() RetryPolicy      { return e.cfg.StatusPolicy }
func (e *Engine) TransactionPolicy() RetryPolicy { return e.cfg.TransactionPolicy }

func (e *Engine) Publish(subject string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		e.log.Error("Failed to marshal event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := e.pub.Publish(subject, data); err != nil {
		e.log.Warn("Event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// --- lifecycle ---

// Start replays the journal for every connector and issues the boot
// notification. Recovery runs first so an unconfirmed stop is re-sent
// before any new session trigger is processed.
func (e *Engine) Start(now time.Time) {
	e.tickNow = now
	e.heartbeatEvery = time.Duration(e.cfgKeys.GetInt(KeyHeartbeatInterval, 300)) * time.Second

	for _, c := range e.connectors {
		rec, err := e.jnl.Load(c.ID())
		if err != nil {
			e.log.Error("Journal load failed",
				zap.Int("connector_id", c.ID()),
				zap.Error(err),
			)
			continue
		}
		c.Recover(rec)
	}

	e.sendBootNotification()
}

// Run drives the tick loop until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.Start(time.Now())

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-ticker.C:
			e.Tick(t)
		}
	}
}

// Tick advances the whole engine by one cooperative step.
func (e *Engine) Tick(now time.Time) {
	started := time.Now()
	e.tickNow = now

	// 1. Drain inbound frames; responses complete outstanding calls before
	// the timer pass below can retransmit them.
	for {
		frame, err := e.tr.Receive()
		if err != nil {
			e.log.Warn("Transport receive failed", zap.Error(err))
			break
		}
		if frame == nil {
			break
		}
		msg, err := ocpp.Parse(frame)
		if err != nil {
			e.log.Warn("Discarding malformed frame", zap.Error(err))
			continue
		}
		e.tracker.OnIncoming(msg)
	}

	// 2. Retry timers.
	e.tracker.Tick(now)

	// 3. Registration and heartbeat upkeep.
	if !e.registered && e.bootCallID == "" && !now.Before(e.retryBootAt) {
		e.sendBootNotification()
	}
	if e.registered && e.heartbeatEvery > 0 && !now.Before(e.nextHeartbeat) {
		e.sendHeartbeat()
		e.nextHeartbeat = now.Add(e.heartbeatEvery)
	}

	// 4. Hardware events, then the remote commands they may invalidate.
	for _, ev := range e.hw.Poll() {
		c := e.Connector(ev.ConnectorID)
		if c == nil {
			e.log.Warn("Hardware event for unknown connector",
				zap.Int("connector_id", ev.ConnectorID),
				zap.String("kind", ev.Kind.String()),
			)
			continue
		}
		c.HandleHardware(ev)
	}
	cmds := e.pendingCommands
	e.pendingCommands = nil
	for _, apply := range cmds {
		apply()
	}

	// 5. Per-connector periodic work.
	for _, c := range e.connectors {
		c.Advance(now)
	}

	e.advanceReset()

	// 6. Flush after all state changes of this tick.
	e.tracker.Flush(now)

	telemetry.TickDuration.Observe(time.Since(started).Seconds())
}

func (e *Engine) sendBootNotification() {
	req := ocpp.BootNotificationRequest{
		ChargePointVendor:       e.cfg.ChargePointVendor,
		ChargePointModel:        e.cfg.ChargePointModel,
		ChargePointSerialNumber: e.cfg.SerialNumber,
		FirmwareVersion:         e.cfg.FirmwareVersion,
	}
	id, err := e.tracker.Enqueue(ocpp.ActionBootNotification, req, e.cfg.BootPolicy, e.onBootOutcome)
	if err != nil {
		e.log.Error("Failed to enqueue BootNotification", zap.Error(err))
		return
	}
	e.bootCallID = id
}

func (e *Engine) onBootOutcome(o Outcome) {
	e.bootCallID = ""

	if o.Kind != OutcomeResult {
		e.retryBootAt = e.Now().Add(e.cfg.BootPolicy.Timeout)
		return
	}

	var conf ocpp.BootNotificationConfirmation
	if err := json.Unmarshal(o.Payload, &conf); err != nil {
		e.log.Error("Invalid BootNotification confirmation", zap.Error(err))
		e.retryBootAt = e.Now().Add(e.cfg.BootPolicy.Timeout)
		return
	}

	interval := time.Duration(conf.Interval) * time.Second
	switch conf.Status {
	case ocpp.StatusAccepted:
		e.registered = true
		if conf.Interval > 0 {
			e.heartbeatEvery = interval
		}
		e.nextHeartbeat = e.Now().Add(e.heartbeatEvery)
		e.log.Info("Registered with backend",
			zap.Duration("heartbeat_interval", e.heartbeatEvery),
			zap.String("backend_time", conf.CurrentTime),
		)
	default:
		// Pending or Rejected: retry at the interval the backend granted.
		if conf.Interval <= 0 {
			interval = e.cfg.BootPolicy.Timeout
		}
		e.retryBootAt = e.Now().Add(interval)
		e.log.Warn("Boot notification not accepted",
			zap.String("status", conf.Status),
			zap.Duration("retry_in", interval),
		)
	}
}

func (e *Engine) sendHeartbeat() {
	_, err := e.tracker.Enqueue(ocpp.ActionHeartbeat, ocpp.HeartbeatRequest{}, e.cfg.StatusPolicy, func(o Outcome) {
		if o.Kind != OutcomeResult {
			e.log.Warn("Heartbeat unanswered")
			return
		}
		var conf ocpp.HeartbeatConfirmation
		if err := json.Unmarshal(o.Payload, &conf); err == nil {
			e.log.Debug("Heartbeat acknowledged", zap.String("backend_time", conf.CurrentTime))
		}
	})
	if err != nil {
		e.log.Error("Failed to enqueue Heartbeat", zap.Error(err))
	}
}

func (e *Engine) advanceReset() {
	if e.resetRequested == "" {
		return
	}
	for _, c := range e.connectors {
		if c.Transaction().Active() || c.transactionCallOutstanding() {
			return
		}
	}

	hard := e.resetRequested == "Hard"
	e.resetRequested = ""
	e.log.Info("Performing reset", zap.Bool("hard", hard))

	if e.OnReset != nil {
		e.OnReset(hard)
		return
	}
	// Soft reset in place: re-register with the backend.
	e.registered = false
	e.retryBootAt = time.Time{}
	for _, c := range e.connectors {
		c.Reset()
	}
	e.sendBootNotification()
}
