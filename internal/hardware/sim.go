package hardware

import (
	"sync"

	"go.uber.org/zap"
)

// SimDriver is a scriptable Driver for tests and the demo binary. Events are
// injected with Inject and delivered on the next Poll; contactor commands
// and meter registers are tracked per connector.
type SimDriver struct {
	mu        sync.Mutex
	log       *zap.Logger
	queue     []Event
	meterWh   map[int]int
	contactor map[int]bool
	// ContactorErr, when set, is returned by both contactor commands.
	ContactorErr error
}

func NewSimDriver(log *zap.Logger) *SimDriver {
	return &SimDriver{
		log:       log,
		meterWh:   make(map[int]int),
		contactor: make(map[int]bool),
	}
}

// Inject queues an event for the next Poll.
func (d *SimDriver) Inject(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, ev)
}

// SetMeterWh sets the simulated energy register of a connector.
func (d *SimDriver) SetMeterWh(connectorID, wh int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.meterWh[connectorID] = wh
}

// ContactorClosed reports the last commanded contactor state.
func (d *SimDriver) ContactorClosed(connectorID int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.contactor[connectorID]
}

func (d *SimDriver) Poll() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	events := d.queue
	d.queue = nil
	return events
}

func (d *SimDriver) MeterWh(connectorID int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.meterWh[connectorID]
}

func (d *SimDriver) CloseContactor(connectorID int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ContactorErr != nil {
		return d.ContactorErr
	}
	d.contactor[connectorID] = true
	d.log.Debug("Contactor closed", zap.Int("connector_id", connectorID))
	return nil
}

func (d *SimDriver) OpenContactor(connectorID int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ContactorErr != nil {
		return d.ContactorErr
	}
	d.contactor[connectorID] = false
	d.log.Debug("Contactor opened", zap.Int("connector_id", connectorID))
	return nil
}
