package pglogrepl

import (
	"sync/atomic"

	"github.com/jackc/pglogrepl"
)

// Progress collects the positions of transactions the consumer has
// published. Pass it to Stream with WithProgress; the slot then never
// confirms past the highest acknowledged transaction. Safe for concurrent
// use.
type Progress struct {
	acked atomic.Uint64
}

// Ack records that the transaction ending at position was published.
// Acks must follow the order transactions were received in.
func (p *Progress) Ack(position uint64) {
	for {
		cur := p.acked.Load()
		if position <= cur || p.acked.CompareAndSwap(cur, position) {
			return
		}
	}
}

// Acked returns the highest acknowledged position
func (p *Progress) Acked() pglogrepl.LSN {
	return pglogrepl.LSN(p.acked.Load())
}

// position decides the flush position reported to the server. A
// transaction handed to the consumer counts once acknowledged. Positions
// with nothing to publish (empty commits, idle keepalives) count once
// every transaction handed before them is acknowledged.
type position struct {
	progress  *Progress // nil confirms on handoff
	start     pglogrepl.LSN
	confirmed pglogrepl.LSN
	handed    pglogrepl.LSN
	idle      pglogrepl.LSN
	inTx      bool
}

func newPosition(start pglogrepl.LSN, progress *Progress) *position {
	return &position{progress: progress, start: start, confirmed: start, handed: start, idle: start}
}

func (p *position) begin() { p.inTx = true }

// handoff records a transaction sent to the consumer
func (p *position) handoff(end pglogrepl.LSN) {
	p.inTx = false
	p.handed = max(p.handed, end)
}

// skip records a commit that produced nothing to publish
func (p *position) skip(end pglogrepl.LSN) {
	p.inTx = false
	p.idle = max(p.idle, end)
}

// keepalive records the server's WAL end while no transaction is open
func (p *position) keepalive(serverEnd pglogrepl.LSN) {
	if !p.inTx {
		p.idle = max(p.idle, serverEnd)
	}
}

// flush returns the position that is safe to confirm
func (p *position) flush() pglogrepl.LSN {
	acked := p.handed
	if p.progress != nil {
		acked = min(max(p.progress.Acked(), p.start), p.handed)
	}
	p.confirmed = max(p.confirmed, acked)
	if acked >= p.handed && !p.inTx {
		p.confirmed = max(p.confirmed, p.idle)
	}
	return p.confirmed
}
