package transport

import "sync"

// Pipe is an in-process Transport for tests and the simulator: inbound
// frames are injected with Push, outbound frames accumulate for inspection
// via TakeSent.
type Pipe struct {
	mu        sync.Mutex
	connected bool
	inbound   [][]byte
	sent      [][]byte
	// SendErr, when set, is returned by every Send.
	SendErr error
}

func NewPipe() *Pipe {
	return &Pipe{connected: true}
}

func (p *Pipe) SetConnected(up bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = up
}

func (p *Pipe) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Push queues an inbound frame for the next Receive.
func (p *Pipe) Push(frame []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inbound = append(p.inbound, frame)
}

func (p *Pipe) Receive() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.inbound) == 0 {
		return nil, nil
	}
	frame := p.inbound[0]
	p.inbound = p.inbound[1:]
	return frame, nil
}

func (p *Pipe) Send(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.SendErr != nil {
		return p.SendErr
	}
	if !p.connected {
		return ErrNotConnected
	}
	p.sent = append(p.sent, append([]byte(nil), frame...))
	return nil
}

// TakeSent returns and clears all frames sent so far.
func (p *Pipe) TakeSent() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.sent
	p.sent = nil
	return out
}

func (p *Pipe) Close() error { return nil }
