package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/starledger/internal/domain"
	"github.com/punchamoorthee/starledger/internal/store"
	"github.com/punchamoorthee/starledger/internal/store/storetest"
)

func (f *fixture) fundable(t *testing.T, kind domain.FundableKind, target int64, status domain.FundableStatus) string {
	t.Helper()
	fd := domain.Fundable{Kind: kind, Title: "Community garden", OwnerID: "owner", TargetAmount: target, Status: status}
	require.NoError(t, f.store.RunInTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertFundable(context.Background(), &fd)
	}))
	return fd.ID
}

func (f *fixture) target(t *testing.T, kind domain.FundableKind, id string) domain.Fundable {
	t.Helper()
	var fd domain.Fundable
	require.NoError(t, f.store.RunInTx(context.Background(), func(tx store.Tx) error {
		var err error
		fd, err = tx.GetFundable(context.Background(), kind, id)
		return err
	}))
	return fd
}

func (f *fixture) orphans(t *testing.T) []domain.Transaction {
	t.Helper()
	var out []domain.Transaction
	require.NoError(t, f.store.RunInTx(context.Background(), func(tx store.Tx) error {
		var err error
		out, err = tx.OrphanedSpends(context.Background(), time.Now().Add(time.Hour))
		return err
	}))
	return out
}

func TestContribute_InsufficientBalanceLeavesNoTrace(t *testing.T) {
	// GIVEN: a resident with 50 tokens and an active project
	// WHEN: contributing 100
	// THEN: nothing moves and no ledger entry is written
	f := newFixture(t)
	ctx := context.Background()
	f.wallet(t, "resident", 50)
	projectID := f.fundable(t, domain.KindProject, 1000, domain.FundableActive)

	_, err := f.funding.Contribute(ctx, resident, projectID, 100)
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	p := f.target(t, domain.KindProject, projectID)
	assert.Equal(t, int64(0), p.CurrentAmount)
	assert.Empty(t, p.Contributors)

	page, err := f.engine.Transactions(ctx, "resident", 0, "")
	require.NoError(t, err)
	require.Len(t, page.Transactions, 1)
	assert.Equal(t, domain.TxPurchase, page.Transactions[0].Type)
	assert.Zero(t, f.store.Calls(storetest.OpGetFundable))
}

func TestContribute_ReachingTargetFundsProject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.wallet(t, "resident", 200)
	projectID := f.fundable(t, domain.KindProject, 100, domain.FundableActive)

	res, err := f.funding.Contribute(ctx, resident, projectID, 60)
	require.NoError(t, err)
	assert.Equal(t, domain.FundableActive, res.Target.Status)

	res, err = f.funding.Contribute(ctx, resident, projectID, 60)
	require.NoError(t, err)
	assert.Equal(t, domain.FundableFunded, res.Target.Status)
	assert.Equal(t, int64(120), res.Target.CurrentAmount)
	assert.Equal(t, map[string]int64{"resident": 120}, res.Target.Contributors)

	// Funded projects keep accepting.
	_, err = f.funding.Contribute(ctx, resident, projectID, 10)
	require.NoError(t, err)

	bal, _ := f.balances(t, "resident")
	assert.Equal(t, int64(70), bal)
	assert.Empty(t, f.orphans(t))
}

func TestContribute_NotAcceptingIsRefunded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.wallet(t, "resident", 100)
	projectID := f.fundable(t, domain.KindProject, 100, domain.FundableDraft)

	_, err := f.funding.Contribute(ctx, resident, projectID, 40)
	require.ErrorIs(t, err, domain.ErrTargetNotAccepting)
	assert.True(t, IsRefunded(err))

	bal, _ := f.balances(t, "resident")
	assert.Equal(t, int64(100), bal)
	assert.Equal(t, int64(0), f.target(t, domain.KindProject, projectID).CurrentAmount)
	assert.Empty(t, f.orphans(t))

	v, err := f.engine.Verify(ctx, "resident")
	require.NoError(t, err)
	assert.True(t, v.Consistent)
	assert.Len(t, v.Entries, 3)
}

func TestDonate_TargetGoneBetweenPhasesIsRefunded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.wallet(t, "resident", 100)
	causeID := f.fundable(t, domain.KindCause, 500, domain.FundableActive)

	f.store.FailWhen(storetest.OpGetFundable, domain.ErrTargetNotFound, 1, func(arg any) bool { return arg == causeID })
	_, err := f.funding.Donate(ctx, resident, causeID, 30, "")
	require.ErrorIs(t, err, domain.ErrTargetNotFound)

	var refunded *domain.RefundedError
	require.True(t, errors.As(err, &refunded))

	refund, err := f.engine.Lookup(ctx, "resident", compensateKey(refunded.TransactionID))
	require.NoError(t, err)
	assert.Equal(t, refunded.RefundTransactionID, refund.ID)
	assert.Equal(t, refunded.TransactionID, refund.Metadata.Compensates)

	bal, _ := f.balances(t, "resident")
	assert.Equal(t, int64(100), bal)
	assert.Empty(t, f.orphans(t))
}

func TestContribute_FailedRefundNeedsReconciliation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.wallet(t, "resident", 100)
	projectID := f.fundable(t, domain.KindProject, 500, domain.FundableActive)

	f.store.FailOn(storetest.OpInsertPoolCredit, errors.New("disk full"), 0)
	f.store.FailWhen(storetest.OpInsertTransaction, errors.New("store down"), 0, storetest.OfType(domain.TxRefundEscrow))

	_, err := f.funding.Contribute(ctx, resident, projectID, 25)
	require.ErrorIs(t, err, domain.ErrCompensationFailed)
	var cerr *domain.CompensationError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, int64(25), cerr.Amount)
	assert.Equal(t, projectID, cerr.TargetID)

	bal, _ := f.balances(t, "resident")
	assert.Equal(t, int64(75), bal)
	assert.Equal(t, int64(0), f.target(t, domain.KindProject, projectID).CurrentAmount)

	orphans := f.orphans(t)
	require.Len(t, orphans, 1)
	assert.Equal(t, cerr.TransactionID, orphans[0].ID)

	var logged bool
	for _, e := range f.logs.AllEntries() {
		if e.Level == logrus.ErrorLevel && e.Data["tx_id"] == cerr.TransactionID {
			logged = true
		}
	}
	assert.True(t, logged, "compensation failure must be logged at error level")
}

func TestContribute_ValidatesInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.wallet(t, "resident", 100)

	_, err := f.funding.Contribute(ctx, resident, "", 10)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = f.funding.Contribute(ctx, resident, "p", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = f.funding.Contribute(ctx, domain.Actor{UserID: "ghost"}, "p", 10)
	assert.ErrorIs(t, err, domain.ErrWalletNotFound)
}

func TestContribute_ConcurrentContributionsAllLand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	projectID := f.fundable(t, domain.KindProject, 100, domain.FundableActive)

	const n = 10
	for i := 0; i < n; i++ {
		f.wallet(t, fmt.Sprintf("r%d", i), 10)
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.funding.Contribute(ctx, domain.Actor{UserID: fmt.Sprintf("r%d", i)}, projectID, 10)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	p := f.target(t, domain.KindProject, projectID)
	assert.Equal(t, int64(100), p.CurrentAmount)
	assert.Equal(t, domain.FundableFunded, p.Status)
	assert.Len(t, p.Contributors, n)
}

func TestDonations_MessageVisibleToOwnerOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.wallet(t, "resident", 100)
	causeID := f.fundable(t, domain.KindCause, 500, domain.FundableActive)

	res, err := f.funding.Donate(ctx, resident, causeID, 15, "for the shelter")
	require.NoError(t, err)

	owner := domain.Actor{UserID: "owner", Role: domain.RoleResident}
	list, err := f.funding.Donations(ctx, owner, causeID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, res.TransactionID, list[0].TransactionID)
	assert.Equal(t, "for the shelter", list[0].Message)

	list, err = f.funding.Donations(ctx, admin, causeID)
	require.NoError(t, err)
	assert.Equal(t, "for the shelter", list[0].Message)

	list, err = f.funding.Donations(ctx, stranger, causeID)
	require.NoError(t, err)
	assert.Empty(t, list[0].Message)
	assert.Equal(t, int64(15), list[0].Amount)
}
