package bank

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cyberbank/corebank/bank/models"
	"github.com/cyberbank/corebank/internal/cardgen"
)

// MemStore keeps everything in process memory. A unit of work stages its writes
// and applies them under one lock at commit, so readers never observe half of it.
// Row locking is left to the caller's keylock: two units of work updating the
// same entity concurrently are last-writer-wins here.
type MemStore struct {
	mu           sync.RWMutex
	accounts     map[string]*models.Account
	balances     map[string]*models.Balance
	cards        map[string]*models.Card
	users        map[string]*models.User
	transactions []*models.Transaction
	seq          int64
}

func NewMemStore() *MemStore {
	return &MemStore{
		accounts: make(map[string]*models.Account),
		balances: make(map[string]*models.Balance),
		cards:    make(map[string]*models.Card),
		users:    make(map[string]*models.User),
	}
}

func (s *MemStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := s.begin()
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *MemStore) View(ctx context.Context, fn func(tx Tx) error) error {
	return fn(s.begin())
}

func (s *MemStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemStore) History(ctx context.Context, filter HistoryFilter) (TransactionIterator, error) {
	s.mu.RLock()
	snapshot := s.transactions[:len(s.transactions):len(s.transactions)]
	s.mu.RUnlock()
	return &sliceIterator{items: snapshot, match: filter.Match}, nil
}

func (s *MemStore) PurgeExpiredOTPs(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, a := range s.accounts {
		if a.OTP.ExpiredAt(now) {
			a.OTP.Clear()
			n++
		}
	}
	for _, c := range s.cards {
		if c.OTP.ExpiredAt(now) {
			c.OTP.Clear()
			n++
		}
	}
	for _, u := range s.users {
		if u.OTP.ExpiredAt(now) {
			u.OTP.Clear()
			n++
		}
		if u.ResetToken.ExpiredAt(now) {
			u.ResetToken.Clear()
			n++
		}
	}
	return n, nil
}

func (s *MemStore) begin() *memTx {
	return &memTx{
		s:        s,
		accounts: make(map[string]*models.Account),
		balances: make(map[string]*models.Balance),
		cards:    make(map[string]*models.Card),
		users:    make(map[string]*models.User),
	}
}

func (s *MemStore) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range tx.accounts {
		if err := s.checkAccountUnique(a); err != nil {
			return err
		}
	}
	for _, c := range tx.cards {
		if err := s.checkCardUnique(c); err != nil {
			return err
		}
	}
	for _, u := range tx.users {
		if err := s.checkUserUnique(u); err != nil {
			return err
		}
	}

	for id, a := range tx.accounts {
		s.accounts[id] = a
	}
	for id, b := range tx.balances {
		s.balances[id] = b
	}
	for id, c := range tx.cards {
		s.cards[id] = c
	}
	for id, u := range tx.users {
		s.users[id] = u
	}
	for _, t := range tx.transactions {
		s.seq++
		t.Seq = s.seq
		s.transactions = append(s.transactions, t)
	}
	return nil
}

func (s *MemStore) checkAccountUnique(a *models.Account) error {
	for _, other := range s.accounts {
		if other.ID == a.ID {
			continue
		}
		switch {
		case other.Email == a.Email:
			return models.ErrEmailTaken
		case other.Phone == a.Phone:
			return models.ErrPhoneTaken
		case other.AccountNumber == a.AccountNumber:
			return models.ErrAccountNumberTaken
		}
	}
	return nil
}

func (s *MemStore) checkCardUnique(c *models.Card) error {
	for _, other := range s.cards {
		if other.ID != c.ID && other.Number == c.Number {
			return models.ErrCardNumberTaken
		}
	}
	return nil
}

func (s *MemStore) checkUserUnique(u *models.User) error {
	for _, other := range s.users {
		if other.ID != u.ID && (other.Email == u.Email || other.Username == u.Username) {
			return models.ErrUserExists
		}
	}
	return nil
}

// memTx holds the writes of one unit of work. Reads see staged writes first.
type memTx struct {
	s            *MemStore
	accounts     map[string]*models.Account
	balances     map[string]*models.Balance
	cards        map[string]*models.Card
	users        map[string]*models.User
	transactions []*models.Transaction
}

func (t *memTx) Accounts() AccountRepository         { return memAccounts{t} }
func (t *memTx) Balances() BalanceRepository         { return memBalances{t} }
func (t *memTx) Cards() CardRepository               { return memCards{t} }
func (t *memTx) Transactions() TransactionRepository { return memTransactions{t} }
func (t *memTx) Users() UserRepository               { return memUsers{t} }

func copyAccount(a *models.Account) *models.Account {
	cp := *a
	return &cp
}

func copyBalance(b *models.Balance) *models.Balance {
	cp := *b
	return &cp
}

func copyCard(c *models.Card) *models.Card {
	cp := *c
	cp.CVV = ""
	return &cp
}

func copyUser(u *models.User) *models.User {
	cp := *u
	if u.LastLogin != nil {
		ts := *u.LastLogin
		cp.LastLogin = &ts
	}
	return &cp
}

type memAccounts struct{ t *memTx }

func (r memAccounts) find(match func(*models.Account) bool) *models.Account {
	for _, a := range r.t.accounts {
		if match(a) {
			return copyAccount(a)
		}
	}
	r.t.s.mu.RLock()
	defer r.t.s.mu.RUnlock()
	for id, a := range r.t.s.accounts {
		if _, staged := r.t.accounts[id]; staged {
			continue
		}
		if match(a) {
			return copyAccount(a)
		}
	}
	return nil
}

func (r memAccounts) Create(ctx context.Context, account *models.Account) error {
	if r.find(func(a *models.Account) bool { return a.Email == account.Email }) != nil {
		return models.ErrEmailTaken
	}
	if r.find(func(a *models.Account) bool { return a.Phone == account.Phone }) != nil {
		return models.ErrPhoneTaken
	}
	if r.find(func(a *models.Account) bool { return a.AccountNumber == account.AccountNumber }) != nil {
		return models.ErrAccountNumberTaken
	}
	r.t.accounts[account.ID] = copyAccount(account)
	return nil
}

func (r memAccounts) get(match func(*models.Account) bool) (*models.Account, error) {
	if a := r.find(match); a != nil {
		return a, nil
	}
	return nil, models.ErrAccountNotFound
}

func (r memAccounts) Get(ctx context.Context, id string) (*models.Account, error) {
	return r.get(func(a *models.Account) bool { return a.ID == id })
}

func (r memAccounts) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	return r.get(func(a *models.Account) bool { return a.Email == email })
}

func (r memAccounts) GetByPhone(ctx context.Context, phone string) (*models.Account, error) {
	return r.get(func(a *models.Account) bool { return a.Phone == phone })
}

func (r memAccounts) GetByNumber(ctx context.Context, number string) (*models.Account, error) {
	return r.get(func(a *models.Account) bool { return a.AccountNumber == number })
}

func (r memAccounts) Update(ctx context.Context, account *models.Account) error {
	if _, err := r.Get(ctx, account.ID); err != nil {
		return err
	}
	r.t.accounts[account.ID] = copyAccount(account)
	return nil
}

type memBalances struct{ t *memTx }

func (r memBalances) Create(ctx context.Context, balance *models.Balance) error {
	if _, err := r.Get(ctx, balance.AccountID); err == nil {
		return models.ErrBalanceExists
	}
	r.t.balances[balance.AccountID] = copyBalance(balance)
	return nil
}

func (r memBalances) Get(ctx context.Context, accountID string) (*models.Balance, error) {
	if b, ok := r.t.balances[accountID]; ok {
		return copyBalance(b), nil
	}
	r.t.s.mu.RLock()
	defer r.t.s.mu.RUnlock()
	if b, ok := r.t.s.balances[accountID]; ok {
		return copyBalance(b), nil
	}
	return nil, models.ErrBalanceNotFound
}

func (r memBalances) LockAll(ctx context.Context, accountIDs []string) error {
	return nil
}

func (r memBalances) Update(ctx context.Context, balance *models.Balance) error {
	if _, err := r.Get(ctx, balance.AccountID); err != nil {
		return err
	}
	r.t.balances[balance.AccountID] = copyBalance(balance)
	return nil
}

type memCards struct{ t *memTx }

func (r memCards) find(match func(*models.Card) bool) []*models.Card {
	var out []*models.Card
	for _, c := range r.t.cards {
		if match(c) {
			out = append(out, copyCard(c))
		}
	}
	r.t.s.mu.RLock()
	defer r.t.s.mu.RUnlock()
	for id, c := range r.t.s.cards {
		if _, staged := r.t.cards[id]; staged {
			continue
		}
		if match(c) {
			out = append(out, copyCard(c))
		}
	}
	return out
}

func (r memCards) Create(ctx context.Context, card *models.Card) error {
	if found := r.find(func(c *models.Card) bool { return c.Number == card.Number || c.ID == card.ID }); len(found) > 0 {
		return models.ErrCardNumberTaken
	}
	r.t.cards[card.ID] = copyCard(card)
	return nil
}

func (r memCards) GetByNumber(ctx context.Context, pan string) (*models.Card, error) {
	pan = cardgen.NormalizePAN(pan)
	found := r.find(func(c *models.Card) bool { return c.Number == pan })
	if len(found) == 0 {
		return nil, models.ErrCardNotFound
	}
	return found[0], nil
}

func (r memCards) ExistsNumber(ctx context.Context, pan string) (bool, error) {
	_, err := r.GetByNumber(ctx, pan)
	if errors.Is(err, models.ErrCardNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (r memCards) ListByAccount(ctx context.Context, accountID string) ([]*models.Card, error) {
	found := r.find(func(c *models.Card) bool { return c.AccountID == accountID })
	sort.Slice(found, func(i, j int) bool { return found[i].CreatedAt.Before(found[j].CreatedAt) })
	return found, nil
}

func (r memCards) Update(ctx context.Context, card *models.Card) error {
	if found := r.find(func(c *models.Card) bool { return c.ID == card.ID }); len(found) == 0 {
		return models.ErrCardNotFound
	}
	r.t.cards[card.ID] = copyCard(card)
	return nil
}

type memTransactions struct{ t *memTx }

func (r memTransactions) Create(ctx context.Context, t *models.Transaction) error {
	cp := *t
	r.t.transactions = append(r.t.transactions, &cp)
	return nil
}

func (r memTransactions) SumWithdrawals(ctx context.Context, cardID string, since time.Time) (int64, error) {
	var sum int64
	add := func(t *models.Transaction) {
		if t.CardID == cardID &&
			t.Type == models.TransactionTypeWithdrawal &&
			t.Status == models.TransactionStatusCompleted &&
			!t.CreatedAt.Before(since) {
			sum += t.Amount
		}
	}
	for _, t := range r.t.transactions {
		add(t)
	}
	r.t.s.mu.RLock()
	defer r.t.s.mu.RUnlock()
	for _, t := range r.t.s.transactions {
		add(t)
	}
	return sum, nil
}

type memUsers struct{ t *memTx }

func (r memUsers) find(match func(*models.User) bool) *models.User {
	for _, u := range r.t.users {
		if match(u) {
			return copyUser(u)
		}
	}
	r.t.s.mu.RLock()
	defer r.t.s.mu.RUnlock()
	for id, u := range r.t.s.users {
		if _, staged := r.t.users[id]; staged {
			continue
		}
		if match(u) {
			return copyUser(u)
		}
	}
	return nil
}

func (r memUsers) Create(ctx context.Context, user *models.User) error {
	if r.find(func(u *models.User) bool {
		return u.ID == user.ID || u.Email == user.Email || u.Username == user.Username
	}) != nil {
		return models.ErrUserExists
	}
	r.t.users[user.ID] = copyUser(user)
	return nil
}

func (r memUsers) Get(ctx context.Context, id string) (*models.User, error) {
	if u := r.find(func(u *models.User) bool { return u.ID == id }); u != nil {
		return u, nil
	}
	return nil, models.ErrUserNotFound
}

func (r memUsers) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	if u := r.find(func(u *models.User) bool { return u.Email == email }); u != nil {
		return u, nil
	}
	return nil, models.ErrUserNotFound
}

func (r memUsers) Update(ctx context.Context, user *models.User) error {
	if _, err := r.Get(ctx, user.ID); err != nil {
		return err
	}
	r.t.users[user.ID] = copyUser(user)
	return nil
}

type sliceIterator struct {
	items []*models.Transaction
	match func(*models.Transaction) bool
	cur   *models.Transaction
}

func (it *sliceIterator) Next() bool {
	for len(it.items) > 0 {
		t := it.items[0]
		it.items = it.items[1:]
		if it.match == nil || it.match(t) {
			cp := *t
			it.cur = &cp
			return true
		}
	}
	it.cur = nil
	return false
}

func (it *sliceIterator) Transaction() *models.Transaction { return it.cur }
func (it *sliceIterator) Err() error                       { return nil }

func (it *sliceIterator) Close() error {
	it.items = nil
	return nil
}
