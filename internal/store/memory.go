package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/starledger/internal/domain"
)

// Memory is an in-memory Store with optimistic concurrency. Transactions
// buffer their writes and record the version of every document they read;
// commit fails with domain.ErrStoreConflict if any of those documents changed.
type Memory struct {
	mu   sync.Mutex
	docs map[string]doc
	seq  int64
}

type doc struct {
	version int64
	value   any
}

func NewMemory() *Memory {
	return &Memory{docs: make(map[string]doc)}
}

func (m *Memory) Close() {}

func (m *Memory) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{m: m, reads: make(map[string]int64), writes: make(map[string]*doc)}
	if err := fn(tx); err != nil {
		return err
	}
	return m.commit(tx)
}

func (m *Memory) commit(tx *memTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, seen := range tx.reads {
		if m.docs[key].version != seen {
			return domain.ErrStoreConflict
		}
	}
	for key, d := range tx.writes {
		if d.value == nil {
			delete(m.docs, key)
			continue
		}
		m.docs[key] = *d
	}
	return nil
}

func (m *Memory) nextSeq() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return m.seq
}

type memTx struct {
	m      *Memory
	reads  map[string]int64
	writes map[string]*doc
}

// get returns the document visible to the transaction and its version.
func (t *memTx) get(key string) (any, int64, bool) {
	if d, ok := t.writes[key]; ok {
		return d.value, d.version, d.value != nil
	}
	t.m.mu.Lock()
	d, ok := t.m.docs[key]
	t.m.mu.Unlock()
	if _, seen := t.reads[key]; !seen {
		t.reads[key] = d.version
	}
	return d.value, d.version, ok
}

func (t *memTx) put(key string, version int64, value any) {
	t.writes[key] = &doc{version: version, value: value}
}

// scan returns every visible document under prefix. Range reads are not
// tracked for conflicts.
func (t *memTx) scan(prefix string) []any {
	visible := make(map[string]any)
	t.m.mu.Lock()
	for k, d := range t.m.docs {
		if strings.HasPrefix(k, prefix) {
			visible[k] = d.value
		}
	}
	t.m.mu.Unlock()
	for k, d := range t.writes {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if d.value == nil {
			delete(visible, k)
		} else {
			visible[k] = d.value
		}
	}
	out := make([]any, 0, len(visible))
	for _, v := range visible {
		out = append(out, v)
	}
	return out
}

func walletKey(userID string) string { return "wallet/" + userID }
func txnKey(id string) string { return "txn/" + id }
func txnIdemKey(userID, key string) string { return "txkey/" + userID + "/" + key }
func serviceKey(id string) string { return "service/" + id }
func bookingKey(id string) string { return "booking/" + id }
func creditKey(txID string) string { return "credit/" + txID }
func reviewKey(id string) string { return "review/" + id }
func reviewerKey(bookingID, reviewerID string) string { return "reviewer/" + bookingID + "/" + reviewerID }
func ratingKey(userID string) string { return "rating/" + userID }
func fundableKey(k domain.FundableKind, id string) string { return "fundable/" + string(k) + "/" + id }

func (t *memTx) GetWallet(_ context.Context, userID string) (domain.Wallet, error) {
	v, ver, ok := t.get(walletKey(userID))
	if !ok {
		return domain.Wallet{}, domain.ErrWalletNotFound
	}
	w := v.(domain.Wallet)
	w.Version = ver
	return w, nil
}

func (t *memTx) InsertWallet(_ context.Context, w domain.Wallet) error {
	key := walletKey(w.UserID)
	if _, _, ok := t.get(key); ok {
		return domain.ErrWalletExists
	}
	w.Version = 1
	t.put(key, 1, w)
	return nil
}

func (t *memTx) UpdateWallet(_ context.Context, w domain.Wallet) error {
	key := walletKey(w.UserID)
	_, ver, ok := t.get(key)
	if !ok {
		return domain.ErrWalletNotFound
	}
	if ver != w.Version {
		return domain.ErrStoreConflict
	}
	w.Version = ver + 1
	t.put(key, w.Version, w)
	return nil
}

func (t *memTx) ListWalletIDs(_ context.Context) ([]string, error) {
	var ids []string
	for _, v := range t.scan("wallet/") {
		ids = append(ids, v.(domain.Wallet).UserID)
	}
	sort.Strings(ids)
	return ids, nil
}

func (t *memTx) InsertTransaction(_ context.Context, tr *domain.Transaction) error {
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	if tr.IdempotencyKey != "" {
		ik := txnIdemKey(tr.UserID, tr.IdempotencyKey)
		if _, _, ok := t.get(ik); ok {
			return domain.ErrStoreConflict
		}
		t.put(ik, 1, tr.ID)
	}
	key := txnKey(tr.ID)
	if _, _, ok := t.get(key); ok {
		return domain.ErrStoreConflict
	}
	tr.Seq = t.m.nextSeq()
	t.put(key, 1, *tr)
	return nil
}

func (t *memTx) GetTransaction(_ context.Context, id string) (domain.Transaction, error) {
	v, _, ok := t.get(txnKey(id))
	if !ok {
		return domain.Transaction{}, domain.ErrNotFound
	}
	return v.(domain.Transaction), nil
}

func (t *memTx) FindTransactionByKey(ctx context.Context, userID, key string) (domain.Transaction, error) {
	v, _, ok := t.get(txnIdemKey(userID, key))
	if !ok {
		return domain.Transaction{}, domain.ErrNotFound
	}
	return t.GetTransaction(ctx, v.(string))
}

func (t *memTx) SetTransactionReference(_ context.Context, id, referenceID string) error {
	key := txnKey(id)
	v, ver, ok := t.get(key)
	if !ok {
		return domain.ErrNotFound
	}
	tr := v.(domain.Transaction)
	tr.ReferenceID = referenceID
	t.put(key, ver+1, tr)
	return nil
}

func (t *memTx) userTransactions(userID string) []domain.Transaction {
	var out []domain.Transaction
	for _, v := range t.scan("txn/") {
		tr := v.(domain.Transaction)
		if tr.UserID == userID {
			out = append(out, tr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (t *memTx) ListTransactions(_ context.Context, userID string, beforeSeq int64, limit int) ([]domain.Transaction, error) {
	all := t.userTransactions(userID)
	var out []domain.Transaction
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if beforeSeq > 0 && all[i].Seq >= beforeSeq {
			continue
		}
		out = append(out, all[i])
	}
	return out, nil
}

func (t *memTx) ReplayTransactions(_ context.Context, userID string) ([]domain.Transaction, error) {
	return t.userTransactions(userID), nil
}

func (t *memTx) OrphanedSpends(_ context.Context, before time.Time) ([]domain.Transaction, error) {
	all := t.scan("txn/")
	compensated := make(map[string]bool)
	for _, v := range all {
		if c := v.(domain.Transaction).Metadata.Compensates; c != "" {
			compensated[c] = true
		}
	}
	credited := make(map[string]bool)
	for _, v := range t.scan("credit/") {
		credited[v.(domain.PoolCredit).TransactionID] = true
	}

	var out []domain.Transaction
	for _, v := range all {
		tr := v.(domain.Transaction)
		if !tr.Type.IsSpend() || !tr.CreatedAt.Before(before) {
			continue
		}
		if credited[tr.ID] || compensated[tr.ID] {
			continue
		}
		out = append(out, tr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (t *memTx) GetService(_ context.Context, id string) (domain.Service, error) {
	v, _, ok := t.get(serviceKey(id))
	if !ok {
		return domain.Service{}, domain.ErrNotFound
	}
	return v.(domain.Service), nil
}

func (t *memTx) InsertService(_ context.Context, s domain.Service) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	t.put(serviceKey(s.ID), 1, s)
	return nil
}

func (t *memTx) InsertBooking(_ context.Context, b *domain.Booking) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	key := bookingKey(b.ID)
	if _, _, ok := t.get(key); ok {
		return domain.ErrStoreConflict
	}
	b.Version = 1
	t.put(key, 1, *b)
	return nil
}

func (t *memTx) GetBooking(_ context.Context, id string) (domain.Booking, error) {
	v, ver, ok := t.get(bookingKey(id))
	if !ok {
		return domain.Booking{}, domain.ErrNotFound
	}
	b := v.(domain.Booking)
	b.Version = ver
	return b, nil
}

func (t *memTx) UpdateBooking(_ context.Context, b domain.Booking) error {
	key := bookingKey(b.ID)
	_, ver, ok := t.get(key)
	if !ok {
		return domain.ErrNotFound
	}
	if ver != b.Version {
		return domain.ErrStoreConflict
	}
	b.Version = ver + 1
	t.put(key, b.Version, b)
	return nil
}

func (t *memTx) GetFundable(_ context.Context, kind domain.FundableKind, id string) (domain.Fundable, error) {
	v, ver, ok := t.get(fundableKey(kind, id))
	if !ok {
		return domain.Fundable{}, domain.ErrTargetNotFound
	}
	f := v.(domain.Fundable).Clone()
	f.Version = ver
	return f, nil
}

func (t *memTx) InsertFundable(_ context.Context, f *domain.Fundable) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Contributors == nil {
		f.Contributors = make(map[string]int64)
	}
	f.Version = 1
	t.put(fundableKey(f.Kind, f.ID), 1, f.Clone())
	return nil
}

func (t *memTx) UpdateFundable(_ context.Context, f domain.Fundable) error {
	key := fundableKey(f.Kind, f.ID)
	_, ver, ok := t.get(key)
	if !ok {
		return domain.ErrTargetNotFound
	}
	if ver != f.Version {
		return domain.ErrStoreConflict
	}
	f = f.Clone()
	f.Version = ver + 1
	t.put(key, f.Version, f)
	return nil
}

func (t *memTx) DeleteFundable(_ context.Context, kind domain.FundableKind, id string) error {
	key := fundableKey(kind, id)
	_, ver, ok := t.get(key)
	if !ok {
		return domain.ErrTargetNotFound
	}
	t.put(key, ver+1, nil)
	return nil
}

func (t *memTx) InsertPoolCredit(_ context.Context, c domain.PoolCredit) error {
	key := creditKey(c.TransactionID)
	if _, _, ok := t.get(key); ok {
		return domain.ErrStoreConflict
	}
	t.put(key, 1, c)
	return nil
}

func (t *memTx) ListPoolCredits(_ context.Context, kind domain.FundableKind, targetID string) ([]domain.PoolCredit, error) {
	var out []domain.PoolCredit
	for _, v := range t.scan("credit/") {
		c := v.(domain.PoolCredit)
		if c.Kind == kind && c.TargetID == targetID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (t *memTx) InsertReview(_ context.Context, r *domain.Review) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	rk := reviewerKey(r.BookingID, r.ReviewerID)
	if _, _, ok := t.get(rk); ok {
		return fmt.Errorf("%w: booking already reviewed", domain.ErrInvalidInput)
	}
	t.put(rk, 1, r.ID)
	t.put(reviewKey(r.ID), 1, *r)
	return nil
}

func (t *memTx) GetUserRating(_ context.Context, userID string) (domain.UserRating, error) {
	v, ver, ok := t.get(ratingKey(userID))
	if !ok {
		return domain.UserRating{UserID: userID}, nil
	}
	r := v.(domain.UserRating)
	r.Version = ver
	return r, nil
}

func (t *memTx) PutUserRating(_ context.Context, r domain.UserRating) error {
	key := ratingKey(r.UserID)
	_, ver, _ := t.get(key)
	if ver != r.Version {
		return domain.ErrStoreConflict
	}
	r.Version = ver + 1
	t.put(key, r.Version, r)
	return nil
}
