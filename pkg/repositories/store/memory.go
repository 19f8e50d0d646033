package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fadedpez/tradevault/pkg/entities"
	"github.com/fadedpez/tradevault/pkg/repositories/escrow"
	"github.com/fadedpez/tradevault/pkg/repositories/wallet"
	"github.com/google/uuid"
)

type walletKey struct {
	userID   string
	currency entities.Currency
}

// MemoryStore implements Store using in-memory storage. Units are serialized by a
// single mutex; writes are staged and only applied when the unit succeeds.
type MemoryStore struct {
	mu sync.Mutex

	wallets      map[string]*entities.Wallet // by wallet id
	walletIndex  map[walletKey]string
	transactions []*entities.Transaction
	escrows      map[string]*entities.Escrow
	milestones   []*entities.EscrowMilestone
	disputes     map[string]*entities.Dispute
	messages     []*entities.DisputeMessage
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:     make(map[string]*entities.Wallet),
		walletIndex: make(map[walletKey]string),
		escrows:     make(map[string]*entities.Escrow),
		disputes:    make(map[string]*entities.Dispute),
	}
}

// Atomic implements Store
func (s *MemoryStore) Atomic(ctx context.Context, fn func(ctx context.Context, repos Repos) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryTx{
		store:       s,
		wallets:     make(map[string]*entities.Wallet),
		walletIndex: make(map[walletKey]string),
		escrows:     make(map[string]*entities.Escrow),
		disputes:    make(map[string]*entities.Dispute),
	}

	if err := fn(ctx, Repos{Wallets: &memoryWalletRepo{tx}, Escrows: &memoryEscrowRepo{tx}}); err != nil {
		return err
	}

	tx.commit()
	return nil
}

// Close implements Store
func (s *MemoryStore) Close() error {
	return nil
}

// memoryTx holds the writes of one unit until commit
type memoryTx struct {
	store *MemoryStore

	wallets      map[string]*entities.Wallet
	walletIndex  map[walletKey]string
	transactions []*entities.Transaction
	escrows      map[string]*entities.Escrow
	milestones   []*entities.EscrowMilestone
	disputes     map[string]*entities.Dispute
	messages     []*entities.DisputeMessage
}

func (tx *memoryTx) commit() {
	s := tx.store
	for id, w := range tx.wallets {
		s.wallets[id] = w
	}
	for key, id := range tx.walletIndex {
		s.walletIndex[key] = id
	}
	s.transactions = append(s.transactions, tx.transactions...)
	for id, e := range tx.escrows {
		s.escrows[id] = e
	}
	s.milestones = append(s.milestones, tx.milestones...)
	for id, d := range tx.disputes {
		s.disputes[id] = d
	}
	s.messages = append(s.messages, tx.messages...)
}

func (tx *memoryTx) wallet(id string) (*entities.Wallet, bool) {
	if w, ok := tx.wallets[id]; ok {
		return w, true
	}
	w, ok := tx.store.wallets[id]
	return w, ok
}

func (tx *memoryTx) walletID(key walletKey) (string, bool) {
	if id, ok := tx.walletIndex[key]; ok {
		return id, true
	}
	id, ok := tx.store.walletIndex[key]
	return id, ok
}

func (tx *memoryTx) escrow(id string) (*entities.Escrow, bool) {
	if e, ok := tx.escrows[id]; ok {
		return e, true
	}
	e, ok := tx.store.escrows[id]
	return e, ok
}

// allEscrows returns the committed escrows overlaid with the staged ones
func (tx *memoryTx) allEscrows() []*entities.Escrow {
	out := make([]*entities.Escrow, 0, len(tx.store.escrows)+len(tx.escrows))
	for id, e := range tx.store.escrows {
		if _, staged := tx.escrows[id]; !staged {
			out = append(out, e)
		}
	}
	for _, e := range tx.escrows {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (tx *memoryTx) dispute(id string) (*entities.Dispute, bool) {
	if d, ok := tx.disputes[id]; ok {
		return d, true
	}
	d, ok := tx.store.disputes[id]
	return d, ok
}

func (tx *memoryTx) allDisputes() []*entities.Dispute {
	out := make([]*entities.Dispute, 0, len(tx.store.disputes)+len(tx.disputes))
	for id, d := range tx.store.disputes {
		if _, staged := tx.disputes[id]; !staged {
			out = append(out, d)
		}
	}
	for _, d := range tx.disputes {
		out = append(out, d)
	}
	return out
}

// memoryWalletRepo implements wallet.Repository on a memoryTx
type memoryWalletRepo struct {
	tx *memoryTx
}

// GetWallet retrieves a wallet by owner and currency
func (r *memoryWalletRepo) GetWallet(ctx context.Context, userID string, currency entities.Currency) (*entities.Wallet, error) {
	id, ok := r.tx.walletID(walletKey{userID, currency})
	if !ok {
		return nil, wallet.ErrWalletNotFound
	}
	w, _ := r.tx.wallet(id)

	// Return a copy to prevent concurrent modification
	walletCopy := *w
	return &walletCopy, nil
}

// GetWalletForUpdate is GetWallet; the store mutex already serializes units
func (r *memoryWalletRepo) GetWalletForUpdate(ctx context.Context, userID string, currency entities.Currency) (*entities.Wallet, error) {
	return r.GetWallet(ctx, userID, currency)
}

// CreateWallet inserts a new wallet
func (r *memoryWalletRepo) CreateWallet(ctx context.Context, w *entities.Wallet) error {
	key := walletKey{w.UserID, w.Currency}
	if _, exists := r.tx.walletID(key); exists {
		return conflictError("wallet already exists for "+w.UserID, nil)
	}
	if w.ID == "" {
		w.ID = uuid.New().String()
	}

	walletCopy := *w
	r.tx.wallets[w.ID] = &walletCopy
	r.tx.walletIndex[key] = w.ID
	return nil
}

// UpdateWallet writes a wallet guarded by its version
func (r *memoryWalletRepo) UpdateWallet(ctx context.Context, w *entities.Wallet) error {
	current, ok := r.tx.wallet(w.ID)
	if !ok {
		return wallet.ErrWalletNotFound
	}
	if current.Version != w.Version {
		return conflictError("wallet "+w.ID+" was modified concurrently", nil)
	}

	w.Version++
	walletCopy := *w
	r.tx.wallets[w.ID] = &walletCopy
	return nil
}

// AddTransaction appends a ledger row
func (r *memoryWalletRepo) AddTransaction(ctx context.Context, transaction *entities.Transaction) error {
	// Generate a UUID if not provided
	if transaction.ID == "" {
		transaction.ID = uuid.New().String()
	}

	// Set timestamp if not provided
	if transaction.CreatedAt.IsZero() {
		transaction.CreatedAt = time.Now().UTC()
	}

	txCopy := *transaction
	r.tx.transactions = append(r.tx.transactions, &txCopy)
	return nil
}

// walletTransactions returns a wallet's rows in append order, committed first
func (r *memoryWalletRepo) walletTransactions(walletID string) []*entities.Transaction {
	var out []*entities.Transaction
	for _, set := range [][]*entities.Transaction{r.tx.store.transactions, r.tx.transactions} {
		for _, t := range set {
			if t.WalletID == walletID {
				txCopy := *t
				out = append(out, &txCopy)
			}
		}
	}
	return out
}

// GetTransactions retrieves recent transactions, newest first
func (r *memoryWalletRepo) GetTransactions(ctx context.Context, walletID string, limit int) ([]*entities.Transaction, error) {
	all := r.walletTransactions(walletID)

	result := make([]*entities.Transaction, 0, limit)
	for i := len(all) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, all[i])
	}
	return result, nil
}

// GetAllTransactions retrieves every transaction in append order
func (r *memoryWalletRepo) GetAllTransactions(ctx context.Context, walletID string) ([]*entities.Transaction, error) {
	return r.walletTransactions(walletID), nil
}

// FindTransactionByType returns the newest matching transaction or nil
func (r *memoryWalletRepo) FindTransactionByType(ctx context.Context, walletID string, transactionType entities.TransactionType, relatedID string, since time.Time) (*entities.Transaction, error) {
	all := r.walletTransactions(walletID)
	for i := len(all) - 1; i >= 0; i-- {
		if relatedID != "" && all[i].Related.ID != relatedID {
			continue
		}
		if all[i].Type == transactionType && !all[i].CreatedAt.Before(since) {
			return all[i], nil
		}
	}
	return nil, nil
}

// memoryEscrowRepo implements escrow.Repository on a memoryTx
type memoryEscrowRepo struct {
	tx *memoryTx
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func copyEscrow(e *entities.Escrow) *entities.Escrow {
	c := *e
	c.FundedAt = copyTime(e.FundedAt)
	c.DeliveredAt = copyTime(e.DeliveredAt)
	c.InspectionEndsAt = copyTime(e.InspectionEndsAt)
	c.ReleasedAt = copyTime(e.ReleasedAt)
	c.RefundedAt = copyTime(e.RefundedAt)
	c.CancelledAt = copyTime(e.CancelledAt)
	c.ExpiresAt = copyTime(e.ExpiresAt)
	return &c
}

func copyDispute(d *entities.Dispute) *entities.Dispute {
	c := *d
	c.ResolvedAt = copyTime(d.ResolvedAt)
	return &c
}

func copyMessage(m *entities.DisputeMessage) *entities.DisputeMessage {
	c := *m
	c.Attachments = append([]string(nil), m.Attachments...)
	return &c
}

// CreateEscrow inserts a new escrow
func (r *memoryEscrowRepo) CreateEscrow(ctx context.Context, e *entities.Escrow) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if _, exists := r.tx.escrow(e.ID); exists {
		return conflictError("escrow "+e.ID+" already exists", nil)
	}
	r.tx.escrows[e.ID] = copyEscrow(e)
	return nil
}

// GetEscrow retrieves an escrow by id
func (r *memoryEscrowRepo) GetEscrow(ctx context.Context, id string) (*entities.Escrow, error) {
	e, ok := r.tx.escrow(id)
	if !ok {
		return nil, escrow.ErrEscrowNotFound
	}
	return copyEscrow(e), nil
}

// GetEscrowForUpdate is GetEscrow; the store mutex already serializes units
func (r *memoryEscrowRepo) GetEscrowForUpdate(ctx context.Context, id string) (*entities.Escrow, error) {
	return r.GetEscrow(ctx, id)
}

// UpdateEscrow writes an escrow guarded by its version
func (r *memoryEscrowRepo) UpdateEscrow(ctx context.Context, e *entities.Escrow) error {
	current, ok := r.tx.escrow(e.ID)
	if !ok {
		return escrow.ErrEscrowNotFound
	}
	if current.Version != e.Version {
		return conflictError("escrow "+e.ID+" was modified concurrently", nil)
	}

	e.Version++
	r.tx.escrows[e.ID] = copyEscrow(e)
	return nil
}

func (r *memoryEscrowRepo) listWhere(limit int, match func(e *entities.Escrow) bool) []*entities.Escrow {
	var out []*entities.Escrow
	for _, e := range r.tx.allEscrows() {
		if limit > 0 && len(out) >= limit {
			break
		}
		if match(e) {
			out = append(out, copyEscrow(e))
		}
	}
	return out
}

// ListExpired returns pre-delivery escrows past their expiry
func (r *memoryEscrowRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]*entities.Escrow, error) {
	return r.listWhere(limit, func(e *entities.Escrow) bool {
		switch e.Status {
		case entities.EscrowStatusCreated, entities.EscrowStatusFunded, entities.EscrowStatusPendingDelivery:
			return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
		}
		return false
	}), nil
}

// ListByStatus returns escrows in a status
func (r *memoryEscrowRepo) ListByStatus(ctx context.Context, status entities.EscrowStatus, limit int) ([]*entities.Escrow, error) {
	return r.listWhere(limit, func(e *entities.Escrow) bool {
		return e.Status == status
	}), nil
}

// ListInspectionElapsed returns auto-releasable escrows whose inspection window ended
func (r *memoryEscrowRepo) ListInspectionElapsed(ctx context.Context, now time.Time, limit int) ([]*entities.Escrow, error) {
	return r.listWhere(limit, func(e *entities.Escrow) bool {
		return e.Status == entities.EscrowStatusInspection && e.AutoRelease &&
			e.InspectionEndsAt != nil && !e.InspectionEndsAt.After(now)
	}), nil
}

// AppendMilestone appends to an escrow's audit log
func (r *memoryEscrowRepo) AppendMilestone(ctx context.Context, m *entities.EscrowMilestone) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	c := *m
	r.tx.milestones = append(r.tx.milestones, &c)
	return nil
}

// ListMilestones returns an escrow's audit log in append order
func (r *memoryEscrowRepo) ListMilestones(ctx context.Context, escrowID string) ([]*entities.EscrowMilestone, error) {
	var out []*entities.EscrowMilestone
	for _, set := range [][]*entities.EscrowMilestone{r.tx.store.milestones, r.tx.milestones} {
		for _, m := range set {
			if m.EscrowID == escrowID {
				c := *m
				out = append(out, &c)
			}
		}
	}
	return out, nil
}

// CreateDispute inserts a dispute, refusing a second open one for the same escrow
func (r *memoryEscrowRepo) CreateDispute(ctx context.Context, d *entities.Dispute) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Status == entities.DisputeStatusOpen {
		if open, _ := r.GetOpenDispute(ctx, d.EscrowID); open != nil {
			return conflictError("escrow "+d.EscrowID+" already has an open dispute", nil)
		}
	}
	r.tx.disputes[d.ID] = copyDispute(d)
	return nil
}

// GetDispute retrieves a dispute by id
func (r *memoryEscrowRepo) GetDispute(ctx context.Context, id string) (*entities.Dispute, error) {
	d, ok := r.tx.dispute(id)
	if !ok {
		return nil, escrow.ErrDisputeNotFound
	}
	return copyDispute(d), nil
}

// GetOpenDispute returns the open dispute of an escrow
func (r *memoryEscrowRepo) GetOpenDispute(ctx context.Context, escrowID string) (*entities.Dispute, error) {
	for _, d := range r.tx.allDisputes() {
		if d.EscrowID == escrowID && d.Status == entities.DisputeStatusOpen {
			return copyDispute(d), nil
		}
	}
	return nil, escrow.ErrDisputeNotFound
}

// UpdateDispute writes a dispute
func (r *memoryEscrowRepo) UpdateDispute(ctx context.Context, d *entities.Dispute) error {
	if _, ok := r.tx.dispute(d.ID); !ok {
		return escrow.ErrDisputeNotFound
	}
	r.tx.disputes[d.ID] = copyDispute(d)
	return nil
}

// AddDisputeMessage appends to a dispute thread
func (r *memoryEscrowRepo) AddDisputeMessage(ctx context.Context, m *entities.DisputeMessage) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	r.tx.messages = append(r.tx.messages, copyMessage(m))
	return nil
}

// ListDisputeMessages returns a dispute thread in append order
func (r *memoryEscrowRepo) ListDisputeMessages(ctx context.Context, disputeID string) ([]*entities.DisputeMessage, error) {
	var out []*entities.DisputeMessage
	for _, set := range [][]*entities.DisputeMessage{r.tx.store.messages, r.tx.messages} {
		for _, m := range set {
			if m.DisputeID == disputeID {
				out = append(out, copyMessage(m))
			}
		}
	}
	return out, nil
}
