package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/starledger/internal/domain"
)

func seedWallet(t *testing.T, m *Memory, userID string, balance int64) {
	t.Helper()
	err := m.RunInTx(context.Background(), func(tx Tx) error {
		return tx.InsertWallet(context.Background(), domain.Wallet{UserID: userID, Balance: balance, Active: true})
	})
	require.NoError(t, err)
}

func TestMemory_WritesInvisibleUntilCommit(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.RunInTx(ctx, func(tx Tx) error {
		require.NoError(t, tx.InsertWallet(ctx, domain.Wallet{UserID: "u1", Active: true}))
		_, err := tx.GetWallet(ctx, "u1")
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = m.RunInTx(ctx, func(tx Tx) error {
		_, err := tx.GetWallet(ctx, "u1")
		return err
	})
	assert.ErrorIs(t, err, domain.ErrWalletNotFound)
}

func TestMemory_ConcurrentUpdateConflicts(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedWallet(t, m, "u1", 100)

	err := m.RunInTx(ctx, func(tx Tx) error {
		w, err := tx.GetWallet(ctx, "u1")
		require.NoError(t, err)

		// Another transaction commits first.
		require.NoError(t, m.RunInTx(ctx, func(other Tx) error {
			w2, err := other.GetWallet(ctx, "u1")
			require.NoError(t, err)
			w2.Balance = 50
			return other.UpdateWallet(ctx, w2)
		}))

		w.Balance = 10
		return tx.UpdateWallet(ctx, w)
	})
	require.ErrorIs(t, err, domain.ErrStoreConflict)

	_ = m.RunInTx(ctx, func(tx Tx) error {
		w, err := tx.GetWallet(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(50), w.Balance)
		assert.Equal(t, int64(2), w.Version)
		return nil
	})
}

func TestMemory_StaleVersionRejected(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedWallet(t, m, "u1", 0)

	err := m.RunInTx(ctx, func(tx Tx) error {
		w, err := tx.GetWallet(ctx, "u1")
		require.NoError(t, err)
		w.Version--
		return tx.UpdateWallet(ctx, w)
	})
	assert.ErrorIs(t, err, domain.ErrStoreConflict)
}

func TestMemory_IdempotencyKeyUniquePerUser(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedWallet(t, m, "u1", 0)
	seedWallet(t, m, "u2", 0)

	insert := func(user string) error {
		return m.RunInTx(ctx, func(tx Tx) error {
			return tx.InsertTransaction(ctx, &domain.Transaction{UserID: user, Type: domain.TxPurchase, IdempotencyKey: "k"})
		})
	}
	require.NoError(t, insert("u1"))
	require.NoError(t, insert("u2"))
	assert.ErrorIs(t, insert("u1"), domain.ErrStoreConflict)
}

func TestMemory_ListTransactionsNewestFirst(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedWallet(t, m, "u1", 0)

	var seqs []int64
	for i := 0; i < 5; i++ {
		require.NoError(t, m.RunInTx(ctx, func(tx Tx) error {
			tr := &domain.Transaction{UserID: "u1", Type: domain.TxPurchase, Amount: int64(i)}
			if err := tx.InsertTransaction(ctx, tr); err != nil {
				return err
			}
			seqs = append(seqs, tr.Seq)
			return nil
		}))
	}

	_ = m.RunInTx(ctx, func(tx Tx) error {
		page, err := tx.ListTransactions(ctx, "u1", 0, 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, seqs[4], page[0].Seq)
		assert.Equal(t, seqs[3], page[1].Seq)

		rest, err := tx.ListTransactions(ctx, "u1", page[1].Seq, 10)
		require.NoError(t, err)
		require.Len(t, rest, 3)
		assert.Equal(t, seqs[0], rest[2].Seq)

		all, err := tx.ReplayTransactions(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, seqs[0], all[0].Seq)
		return nil
	})
}

func TestMemory_OrphanedSpends(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedWallet(t, m, "u1", 0)
	old := time.Now().Add(-time.Hour)

	require.NoError(t, m.RunInTx(ctx, func(tx Tx) error {
		credited := &domain.Transaction{ID: "credited", UserID: "u1", Type: domain.TxSpendProjectContribution, CreatedAt: old}
		refunded := &domain.Transaction{ID: "refunded", UserID: "u1", Type: domain.TxSpendCauseDonation, CreatedAt: old}
		orphan := &domain.Transaction{ID: "orphan", UserID: "u1", Type: domain.TxSpendCauseDonation, CreatedAt: old}
		fresh := &domain.Transaction{ID: "fresh", UserID: "u1", Type: domain.TxSpendCauseDonation, CreatedAt: time.Now()}
		refund := &domain.Transaction{ID: "refund", UserID: "u1", Type: domain.TxRefundEscrow, CreatedAt: old,
			Metadata: domain.TransactionMetadata{Compensates: "refunded"}}
		for _, tr := range []*domain.Transaction{credited, refunded, orphan, fresh, refund} {
			if err := tx.InsertTransaction(ctx, tr); err != nil {
				return err
			}
		}
		return tx.InsertPoolCredit(ctx, domain.PoolCredit{TransactionID: "credited", Kind: domain.KindProject, TargetID: "p1"})
	}))

	_ = m.RunInTx(ctx, func(tx Tx) error {
		orphans, err := tx.OrphanedSpends(ctx, time.Now().Add(-time.Minute))
		require.NoError(t, err)
		require.Len(t, orphans, 1)
		assert.Equal(t, "orphan", orphans[0].ID)
		return nil
	})
}

func TestMemory_FundableIsolation(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	f := &domain.Fundable{Kind: domain.KindProject, TargetAmount: 100, Status: domain.FundableActive}
	require.NoError(t, m.RunInTx(ctx, func(tx Tx) error { return tx.InsertFundable(ctx, f) }))

	_ = m.RunInTx(ctx, func(tx Tx) error {
		got, err := tx.GetFundable(ctx, domain.KindProject, f.ID)
		require.NoError(t, err)
		got.Contributors["u1"] = 10
		return nil
	})

	_ = m.RunInTx(ctx, func(tx Tx) error {
		got, err := tx.GetFundable(ctx, domain.KindProject, f.ID)
		require.NoError(t, err)
		assert.Empty(t, got.Contributors)

		_, err = tx.GetFundable(ctx, domain.KindCause, f.ID)
		assert.ErrorIs(t, err, domain.ErrTargetNotFound)
		return nil
	})
}

func TestMemory_DuplicateReviewRejected(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	insert := func() error {
		return m.RunInTx(ctx, func(tx Tx) error {
			return tx.InsertReview(ctx, &domain.Review{BookingID: "b1", ReviewerID: "u1", RevieweeID: "u2", Rating: 5})
		})
	}
	require.NoError(t, insert())
	assert.ErrorIs(t, insert(), domain.ErrInvalidInput)
}
