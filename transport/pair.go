package transport

import (
	"sync"

	"chanrpc/message"
	"chanrpc/protocol"
)

type packet struct {
	bytes   []byte
	handles []message.HandleInfo
}

// pairState is shared by both ends of a Pair.
type pairState struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queues [2][]packet
	closed [2]bool
}

// PairEnd is one end of an in-process channel created by NewPair.
type PairEnd struct {
	state  *pairState
	side   int
	table  *HandleTable
	limits protocol.Limits
}

// NewPair returns two connected channel ends sharing table.
func NewPair(table *HandleTable) (*PairEnd, *PairEnd) {
	s := &pairState{}
	s.cond = sync.NewCond(&s.mu)
	limits := protocol.DefaultLimits()
	return &PairEnd{state: s, side: 0, table: table, limits: limits},
		&PairEnd{state: s, side: 1, table: table, limits: limits}
}

func (p *PairEnd) Table() *HandleTable { return p.table }

// Write queues b for the peer. Handles are validated and moved out of the
// table atomically; on any failure all of them are closed.
func (p *PairEnd) Write(b []byte, handles []message.HandleDisposition) error {
	if err := checkLimits("write", len(b), len(handles), p.limits); err != nil {
		p.closeDispositions(handles)
		return err
	}
	infos, err := p.table.transfer(handles)
	if err != nil {
		return writeError(err)
	}

	s := p.state
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed[p.side]:
		p.table.closeAll(infos)
		return writeError(ErrClosed)
	case s.closed[1-p.side]:
		p.table.closeAll(infos)
		return writeError(ErrPeerClosed)
	}
	s.queues[1-p.side] = append(s.queues[1-p.side], packet{bytes: append([]byte(nil), b...), handles: infos})
	s.cond.Broadcast()
	return nil
}

func (p *PairEnd) closeDispositions(handles []message.HandleDisposition) {
	for _, d := range handles {
		_ = p.table.Close(d.Handle)
	}
}

// Read blocks until a message is queued. An oversized message stays queued.
func (p *PairEnd) Read(maxBytes, maxHandles uint32) (*message.Incoming, error) {
	s := p.state
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.closed[p.side] {
			return nil, readError(ErrClosed)
		}
		if q := s.queues[p.side]; len(q) > 0 {
			pkt := q[0]
			if err := checkCapacity("read", len(pkt.bytes), len(pkt.handles), maxBytes, maxHandles); err != nil {
				return nil, err
			}
			s.queues[p.side] = q[1:]
			return incoming(pkt.bytes, pkt.handles, p.table), nil
		}
		if s.closed[1-p.side] {
			return nil, readError(ErrPeerClosed)
		}
		s.cond.Wait()
	}
}

// Close closes this end. Unread messages and their handles are discarded.
func (p *PairEnd) Close() error {
	s := p.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed[p.side] {
		return ErrClosed
	}
	s.closed[p.side] = true
	for _, pkt := range s.queues[p.side] {
		p.table.closeAll(pkt.handles)
	}
	s.queues[p.side] = nil
	s.cond.Broadcast()
	return nil
}
