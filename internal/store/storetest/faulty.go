// Package storetest injects store failures between workflow phases.
package storetest

import (
	"context"
	"sync"

	"github.com/punchamoorthee/starledger/internal/domain"
	"github.com/punchamoorthee/starledger/internal/store"
)

// Operation names accepted by FailOn and FailWhen.
const (
	OpInsertTransaction = "InsertTransaction"
	OpInsertBooking     = "InsertBooking"
	OpUpdateBooking     = "UpdateBooking"
	OpGetFundable       = "GetFundable"
	OpUpdateFundable    = "UpdateFundable"
	OpInsertPoolCredit  = "InsertPoolCredit"
	OpPutUserRating     = "PutUserRating"
)

type fault struct {
	err   error
	left  int
	match func(arg any) bool
}

// Faulty wraps a Store and fails selected Tx operations.
type Faulty struct {
	store.Store

	mu     sync.Mutex
	faults map[string]*fault
	calls  map[string]int
}

func NewFaulty(s store.Store) *Faulty {
	return &Faulty{Store: s, faults: make(map[string]*fault), calls: make(map[string]int)}
}

// FailOn makes the next times calls of op fail with err. times <= 0 fails every call.
func (f *Faulty) FailOn(op string, err error, times int) {
	f.FailWhen(op, err, times, nil)
}

// FailWhen is FailOn restricted to calls whose argument satisfies match.
// The argument is the document passed to the operation, or the id for reads.
func (f *Faulty) FailWhen(op string, err error, times int, match func(arg any) bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[op] = &fault{err: err, left: times, match: match}
}

// Reset removes every configured fault.
func (f *Faulty) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = make(map[string]*fault)
}

// Calls returns how often op was invoked.
func (f *Faulty) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Faulty) check(op string, arg any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	ft, ok := f.faults[op]
	if !ok || (ft.match != nil && !ft.match(arg)) {
		return nil
	}
	if ft.left > 0 {
		ft.left--
		if ft.left == 0 {
			delete(f.faults, op)
		}
	}
	return ft.err
}

func (f *Faulty) RunInTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return f.Store.RunInTx(ctx, func(tx store.Tx) error {
		return fn(&faultyTx{Tx: tx, f: f})
	})
}

type faultyTx struct {
	store.Tx
	f *Faulty
}

func (t *faultyTx) InsertTransaction(ctx context.Context, tr *domain.Transaction) error {
	if err := t.f.check(OpInsertTransaction, tr); err != nil {
		return err
	}
	return t.Tx.InsertTransaction(ctx, tr)
}

func (t *faultyTx) InsertBooking(ctx context.Context, b *domain.Booking) error {
	if err := t.f.check(OpInsertBooking, b); err != nil {
		return err
	}
	return t.Tx.InsertBooking(ctx, b)
}

func (t *faultyTx) UpdateBooking(ctx context.Context, b domain.Booking) error {
	if err := t.f.check(OpUpdateBooking, b); err != nil {
		return err
	}
	return t.Tx.UpdateBooking(ctx, b)
}

func (t *faultyTx) GetFundable(ctx context.Context, kind domain.FundableKind, id string) (domain.Fundable, error) {
	if err := t.f.check(OpGetFundable, id); err != nil {
		return domain.Fundable{}, err
	}
	return t.Tx.GetFundable(ctx, kind, id)
}

func (t *faultyTx) UpdateFundable(ctx context.Context, fd domain.Fundable) error {
	if err := t.f.check(OpUpdateFundable, fd); err != nil {
		return err
	}
	return t.Tx.UpdateFundable(ctx, fd)
}

func (t *faultyTx) InsertPoolCredit(ctx context.Context, c domain.PoolCredit) error {
	if err := t.f.check(OpInsertPoolCredit, c); err != nil {
		return err
	}
	return t.Tx.InsertPoolCredit(ctx, c)
}

func (t *faultyTx) PutUserRating(ctx context.Context, r domain.UserRating) error {
	if err := t.f.check(OpPutUserRating, r); err != nil {
		return err
	}
	return t.Tx.PutUserRating(ctx, r)
}

// OfType matches InsertTransaction calls writing an entry of type tt.
func OfType(tt domain.TransactionType) func(any) bool {
	return func(arg any) bool {
		tr, ok := arg.(*domain.Transaction)
		return ok && tr.Type == tt
	}
}
