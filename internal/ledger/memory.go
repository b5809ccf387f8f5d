package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type allowanceKey struct {
	studentID string
	date      time.Time
}

// MemoryRepository is an in-process ledger. Each student has its own lock;
// the map lock is only held for reads and writes of the maps themselves.
type MemoryRepository struct {
	mu         sync.Mutex
	students   map[string]bool
	allowances map[allowanceKey]Allowance
	txs        map[allowanceKey][]Transaction
	byToken    map[string]Transaction
	locks      map[string]*sync.Mutex
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		students:   make(map[string]bool),
		allowances: make(map[allowanceKey]Allowance),
		txs:        make(map[allowanceKey][]Transaction),
		byToken:    make(map[string]Transaction),
		locks:      make(map[string]*sync.Mutex),
	}
}

// AddStudent makes studentID known to the ledger.
func (r *MemoryRepository) AddStudent(studentID string) {
	r.mu.Lock()
	r.students[studentID] = true
	r.mu.Unlock()
}

func (r *MemoryRepository) studentLock(studentID string) (*sync.Mutex, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.students[studentID] {
		return nil, ErrUnknownStudent
	}
	l, ok := r.locks[studentID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[studentID] = l
	}
	return l, nil
}

func (r *MemoryRepository) Reset(_ context.Context, a Allowance) (Allowance, error) {
	l, err := r.studentLock(a.StudentID)
	if err != nil {
		return Allowance{}, err
	}
	l.Lock()
	defer l.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	key := allowanceKey{a.StudentID, a.Date}
	if existing, ok := r.allowances[key]; ok {
		a.ID = existing.ID
	}
	r.allowances[key] = a
	return a, nil
}

func (r *MemoryRepository) Bump(_ context.Context, studentID string, date time.Time, delta decimal.Decimal) (Allowance, error) {
	l, err := r.studentLock(studentID)
	if err != nil {
		return Allowance{}, err
	}
	l.Lock()
	defer l.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	key := allowanceKey{studentID, date}
	a, ok := r.allowances[key]
	if !ok {
		return Allowance{}, ErrNotFound
	}
	a.Bonus = a.Bonus.Add(delta)
	a.Total = a.Base.Add(a.Bonus)
	r.allowances[key] = a
	return a, nil
}

func (r *MemoryRepository) Debit(_ context.Context, studentID string, date time.Time, tokenID string, fn DebitFunc) (Transaction, error) {
	l, err := r.studentLock(studentID)
	if err != nil {
		return Transaction{}, err
	}
	l.Lock()
	defer l.Unlock()

	if tokenID != "" {
		r.mu.Lock()
		prior, ok := r.byToken[tokenID]
		r.mu.Unlock()
		if ok {
			return prior, nil
		}
	}

	bal, err := r.balance(studentID, date)
	if err != nil {
		return Transaction{}, err
	}
	tx, err := fn(bal)
	if err != nil {
		return Transaction{}, err
	}
	r.mu.Lock()
	key := allowanceKey{studentID, date}
	r.txs[key] = append(r.txs[key], tx)
	if tokenID != "" {
		r.byToken[tokenID] = tx
	}
	r.mu.Unlock()
	return tx, nil
}

func (r *MemoryRepository) Balance(_ context.Context, studentID string, date time.Time) (Balance, error) {
	return r.balance(studentID, date)
}

func (r *MemoryRepository) balance(studentID string, date time.Time) (Balance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := allowanceKey{studentID, date}
	a, ok := r.allowances[key]
	if !ok {
		return Balance{}, ErrNotFound
	}
	spent := decimal.Zero
	for _, tx := range r.txs[key] {
		spent = spent.Add(tx.Amount)
	}
	return newBalance(a, spent), nil
}

func (r *MemoryRepository) Transactions(_ context.Context, studentID string, date time.Time) ([]Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src := r.txs[allowanceKey{studentID, date}]
	out := make([]Transaction, len(src))
	copy(out, src)
	return out, nil
}
