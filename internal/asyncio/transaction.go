package asyncio

import "sync/atomic"

// Transaction tracks completion of a multi-sub-request swap move. It is
// initialized to len(subRequests)+1: the scheduler holds the "+1" share
// until every sub-request has been enqueued, so a fast-completing
// sub-request cannot race the terminal action ahead of submission
// finishing, per the design's ordering guarantee.
type Transaction struct {
	remaining int32
	firstErr  atomic.Value // error
	onDone    func(err error)
}

// NewTransaction creates a transaction for n sub-requests with the
// scheduler's extra share already accounted for.
func NewTransaction(n int, onDone func(err error)) *Transaction {
	return &Transaction{remaining: int32(n) + 1, onDone: onDone}
}

// done is called once per sub-request completion (with its error, nil on
// success). Whichever of done and SubmissionComplete brings the counter to
// zero triggers onDone, exactly once.
func (t *Transaction) done(err error) {
	if err != nil {
		t.firstErr.CompareAndSwap(nil, errBox{err})
	}

	if atomic.AddInt32(&t.remaining, -1) == 0 {
		t.onDone(t.err())
	}
}

func (t *Transaction) err() error {
	if b, ok := t.firstErr.Load().(errBox); ok {
		return b.err
	}

	return nil
}

// SubmissionComplete releases the scheduler's own share once all
// sub-requests for this transaction have been enqueued. The scheduler
// usually holds the manager's lock here, so if every sub-request has
// already completed, onDone runs on a new goroutine rather than the
// caller's.
func (t *Transaction) SubmissionComplete() {
	if atomic.AddInt32(&t.remaining, -1) == 0 {
		go t.onDone(t.err())
	}
}

type errBox struct{ err error }
