package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fredLoan/pkg/models"
)

// Ensure MemoryStore implements Storage.
var _ Storage = (*MemoryStore)(nil)

type memData struct {
	loans        map[uuid.UUID]*models.Loan
	loanOrder    []uuid.UUID
	installments map[uuid.UUID]*models.Installment
	transactions []*models.Transaction
	prepayments  []*models.Prepayment
	restructures map[uuid.UUID]*models.RestructureRequest
	foreclosures map[uuid.UUID]*models.Foreclosure
	overdue      map[uuid.UUID]*models.OverdueTracking // keyed by installment
}

func newMemData() *memData {
	return &memData{
		loans:        make(map[uuid.UUID]*models.Loan),
		installments: make(map[uuid.UUID]*models.Installment),
		restructures: make(map[uuid.UUID]*models.RestructureRequest),
		foreclosures: make(map[uuid.UUID]*models.Foreclosure),
		overdue:      make(map[uuid.UUID]*models.OverdueTracking),
	}
}

func (d *memData) clone() *memData {
	c := newMemData()
	for k, v := range d.loans {
		c.loans[k] = v
	}
	c.loanOrder = append([]uuid.UUID(nil), d.loanOrder...)
	for k, v := range d.installments {
		c.installments[k] = v
	}
	c.transactions = append([]*models.Transaction(nil), d.transactions...)
	c.prepayments = append([]*models.Prepayment(nil), d.prepayments...)
	for k, v := range d.restructures {
		c.restructures[k] = v
	}
	for k, v := range d.foreclosures {
		c.foreclosures[k] = v
	}
	for k, v := range d.overdue {
		c.overdue[k] = v
	}
	return c
}

// MemoryStore is an in-memory implementation of the Storage interface. Records
// are copied on the way in and out so callers never share state with the store.
// Atomic serializes writers and restores a snapshot when fn fails.
type MemoryStore struct {
	mu   *sync.Mutex
	txMu *sync.Mutex
	d    *memData
	inTx bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{mu: &sync.Mutex{}, txMu: &sync.Mutex{}, d: newMemData()}
}

// Atomic runs fn against the store and rolls every write back if fn fails.
func (m *MemoryStore) Atomic(ctx context.Context, fn func(Storage) error) error {
	if m.inTx {
		return fn(m)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	snapshot := m.d.clone()
	m.mu.Unlock()

	if err := fn(&MemoryStore{mu: m.mu, txMu: m.txMu, d: m.d, inTx: true}); err != nil {
		m.mu.Lock()
		*m.d = *snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

// --- loans ---

func (m *MemoryStore) CreateLoan(ctx context.Context, loan *models.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.d.loans[loan.ID]; ok {
		return fmt.Errorf("loan %s already exists", loan.ID)
	}
	c := *loan
	m.d.loans[loan.ID] = &c
	m.d.loanOrder = append(m.d.loanOrder, loan.ID)
	return nil
}

func (m *MemoryStore) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loan, ok := m.d.loans[id]
	if !ok {
		return nil, notFound("loan", id)
	}
	c := *loan
	return &c, nil
}

func (m *MemoryStore) UpdateLoan(ctx context.Context, loan *models.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.d.loans[loan.ID]
	if !ok {
		return notFound("loan", loan.ID)
	}
	if current.Version != loan.Version {
		return fmt.Errorf("loan %s: %w", loan.ID, ErrVersionConflict)
	}
	loan.Version++
	c := *loan
	m.d.loans[loan.ID] = &c
	return nil
}

func (m *MemoryStore) GetAllLoans(ctx context.Context) ([]*models.Loan, error) {
	return m.loansWhere(func(*models.Loan) bool { return true }), nil
}

func (m *MemoryStore) GetAllActiveLoans(ctx context.Context) ([]*models.Loan, error) {
	return m.loansWhere(func(l *models.Loan) bool { return l.Status == models.LoanStatusActive }), nil
}

func (m *MemoryStore) loansWhere(keep func(*models.Loan) bool) []*models.Loan {
	m.mu.Lock()
	defer m.mu.Unlock()
	loans := []*models.Loan{}
	for _, id := range m.d.loanOrder {
		if l := m.d.loans[id]; keep(l) {
			c := *l
			loans = append(loans, &c)
		}
	}
	return loans
}

// --- installments ---

func (m *MemoryStore) CreateInstallments(ctx context.Context, installments []*models.Installment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range installments {
		if err := m.checkSequenceFree(inst); err != nil {
			return err
		}
	}
	for _, inst := range installments {
		c := *inst
		m.d.installments[inst.ID] = &c
	}
	return nil
}

func (m *MemoryStore) checkSequenceFree(inst *models.Installment) error {
	for _, existing := range m.d.installments {
		if existing.LoanID == inst.LoanID && existing.Sequence == inst.Sequence {
			return fmt.Errorf("installment %d of loan %s already exists", inst.Sequence, inst.LoanID)
		}
	}
	return nil
}

func (m *MemoryStore) GetInstallment(ctx context.Context, id uuid.UUID) (*models.Installment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.d.installments[id]
	if !ok {
		return nil, notFound("installment", id)
	}
	c := *inst
	return &c, nil
}

func (m *MemoryStore) GetInstallmentsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Installment, error) {
	return m.installmentsWhere(func(i *models.Installment) bool { return i.LoanID == loanID }), nil
}

func (m *MemoryStore) installmentsWhere(keep func(*models.Installment) bool) []*models.Installment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.Installment{}
	for _, inst := range m.d.installments {
		if keep(inst) {
			c := *inst
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].DueDate.Before(out[j].DueDate)
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out
}

func (m *MemoryStore) UpdateInstallment(ctx context.Context, inst *models.Installment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.d.installments[inst.ID]; !ok {
		return notFound("installment", inst.ID)
	}
	c := *inst
	m.d.installments[inst.ID] = &c
	return nil
}

func (m *MemoryStore) ReplaceScheduleTail(ctx context.Context, loanID uuid.UUID, fromSequence int, tail []*models.Installment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, inst := range m.d.installments {
		if inst.LoanID == loanID && inst.Sequence >= fromSequence && !inst.IsPaid {
			delete(m.d.installments, id)
		}
	}
	for _, inst := range tail {
		if err := m.checkSequenceFree(inst); err != nil {
			return err
		}
		c := *inst
		m.d.installments[inst.ID] = &c
	}
	return nil
}

func (m *MemoryStore) GetDueUnpaidInstallments(ctx context.Context, asOf time.Time) ([]*models.Installment, error) {
	m.mu.Lock()
	active := make(map[uuid.UUID]bool, len(m.d.loans))
	for id, l := range m.d.loans {
		active[id] = l.Status == models.LoanStatusActive
	}
	m.mu.Unlock()

	return m.installmentsWhere(func(i *models.Installment) bool {
		return !i.IsPaid && !i.Superseded && active[i.LoanID] && i.DueDate.Before(asOf)
	}), nil
}

// --- transactions ---

func (m *MemoryStore) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *tx
	m.d.transactions = append(m.d.transactions, &c)
	return nil
}

func (m *MemoryStore) GetTransactionsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txs := []*models.Transaction{}
	for _, tx := range m.d.transactions {
		if tx.LoanID == loanID {
			c := *tx
			txs = append(txs, &c)
		}
	}
	return txs, nil
}

// --- prepayments ---

func (m *MemoryStore) CreatePrepayment(ctx context.Context, p *models.Prepayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *p
	m.d.prepayments = append(m.d.prepayments, &c)
	return nil
}

func (m *MemoryStore) GetPrepaymentsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Prepayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.Prepayment{}
	for _, p := range m.d.prepayments {
		if p.LoanID == loanID {
			c := *p
			out = append(out, &c)
		}
	}
	return out, nil
}

// --- restructures ---

func (m *MemoryStore) CreateRestructure(ctx context.Context, r *models.RestructureRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *r
	m.d.restructures[r.ID] = &c
	return nil
}

func (m *MemoryStore) GetRestructure(ctx context.Context, id uuid.UUID) (*models.RestructureRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.d.restructures[id]
	if !ok {
		return nil, notFound("restructure", id)
	}
	c := *r
	return &c, nil
}

func (m *MemoryStore) UpdateRestructure(ctx context.Context, r *models.RestructureRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.d.restructures[r.ID]; !ok {
		return notFound("restructure", r.ID)
	}
	c := *r
	m.d.restructures[r.ID] = &c
	return nil
}

func (m *MemoryStore) GetRestructuresForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.RestructureRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.RestructureRequest{}
	for _, r := range m.d.restructures {
		if r.LoanID == loanID {
			c := *r
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

// --- foreclosures ---

func (m *MemoryStore) CreateForeclosure(ctx context.Context, f *models.Foreclosure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *f
	m.d.foreclosures[f.ID] = &c
	return nil
}

func (m *MemoryStore) GetForeclosure(ctx context.Context, id uuid.UUID) (*models.Foreclosure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.d.foreclosures[id]
	if !ok {
		return nil, notFound("foreclosure", id)
	}
	c := *f
	return &c, nil
}

func (m *MemoryStore) UpdateForeclosure(ctx context.Context, f *models.Foreclosure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.d.foreclosures[f.ID]; !ok {
		return notFound("foreclosure", f.ID)
	}
	c := *f
	m.d.foreclosures[f.ID] = &c
	return nil
}

func (m *MemoryStore) GetForeclosuresForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Foreclosure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.Foreclosure{}
	for _, f := range m.d.foreclosures {
		if f.LoanID == loanID {
			c := *f
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

// --- overdue tracking ---

func (m *MemoryStore) UpsertOverdue(ctx context.Context, o *models.OverdueTracking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *o
	if existing, ok := m.d.overdue[o.InstallmentID]; ok {
		c.ID = existing.ID
		c.CreatedAt = existing.CreatedAt
	}
	m.d.overdue[o.InstallmentID] = &c
	return nil
}

func (m *MemoryStore) GetOverdueByInstallment(ctx context.Context, installmentID uuid.UUID) (*models.OverdueTracking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.d.overdue[installmentID]
	if !ok {
		return nil, notFound("overdue tracking for installment", installmentID)
	}
	c := *o
	return &c, nil
}

func (m *MemoryStore) GetOverdueForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.OverdueTracking, error) {
	out := m.overdueWhere(func(o *models.OverdueTracking) bool { return o.LoanID == loanID })
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) GetOpenOverdue(ctx context.Context) ([]*models.OverdueTracking, error) {
	out := m.overdueWhere(func(o *models.OverdueTracking) bool { return !o.IsResolved })
	sort.Slice(out, func(i, j int) bool { return out[i].DaysOverdue > out[j].DaysOverdue })
	return out, nil
}

func (m *MemoryStore) overdueWhere(keep func(*models.OverdueTracking) bool) []*models.OverdueTracking {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.OverdueTracking{}
	for _, o := range m.d.overdue {
		if keep(o) {
			c := *o
			out = append(out, &c)
		}
	}
	return out
}
