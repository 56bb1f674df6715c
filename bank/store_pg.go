package bank

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/cyberbank/corebank/bank/models"
	"github.com/cyberbank/corebank/internal/cardgen"
	"github.com/cyberbank/corebank/internal/otp"
	"github.com/jackc/pgconn"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

// PGStore runs every unit of work in one Postgres transaction. Reads inside InTx
// take row locks with FOR UPDATE.
type PGStore struct {
	db      *sql.DB
	hashKey []byte
}

// NewPGStore constructs a db-backed store. hashKey is the HMAC key cards are indexed by.
func NewPGStore(db *sql.DB, hashKey []byte) *PGStore {
	return &PGStore{db: db, hashKey: hashKey}
}

// Migrate applies the embedded schema. It is idempotent.
func (s *PGStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

func (s *PGStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.run(ctx, false, fn)
}

func (s *PGStore) View(ctx context.Context, fn func(tx Tx) error) error {
	return s.run(ctx, true, fn)
}

func (s *PGStore) run(ctx context.Context, readOnly bool, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: readOnly})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// set per-transaction statement timeout to avoid long hangs on row locks
	if _, err := tx.ExecContext(ctx, `set local statement_timeout = '3s'`); err != nil {
		return err
	}
	if err := fn(&pgTx{tx: tx, hashKey: s.hashKey, lock: !readOnly}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PGStore) History(ctx context.Context, filter HistoryFilter) (TransactionIterator, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		  FROM bank.transactions
		 WHERE (($1 <> '' AND initiator_id = $1) OR ($2 <> '' AND (sender_id = $2 OR receiver_id = $2)))
		   AND ($3 = '' OR ($2 <> '' AND (
		            (sender_id = $2 AND receiver_id = $3) OR
		            (sender_id <> $2 AND receiver_id = $2 AND sender_id = $3))))
		 ORDER BY seq
	`, filter.InitiatorID, filter.AccountID, filter.CounterpartyID)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	return &rowsIterator{rows: rows}, nil
}

func (s *PGStore) PurgeExpiredOTPs(ctx context.Context, now time.Time) (int64, error) {
	statements := []string{
		`UPDATE bank.accounts SET otp_purpose = '', otp_code = '', otp_expires_at = NULL WHERE otp_code <> '' AND otp_expires_at < $1`,
		`UPDATE bank.cards SET otp_purpose = '', otp_code = '', otp_expires_at = NULL WHERE otp_code <> '' AND otp_expires_at < $1`,
		`UPDATE bank.users SET otp_purpose = '', otp_code = '', otp_expires_at = NULL WHERE otp_code <> '' AND otp_expires_at < $1`,
		`UPDATE bank.users SET reset_purpose = '', reset_code = '', reset_expires_at = NULL WHERE reset_code <> '' AND reset_expires_at < $1`,
	}
	var total int64
	err := s.run(ctx, false, func(t Tx) error {
		tx := t.(*pgTx).tx
		for _, stmt := range statements {
			res, err := tx.ExecContext(ctx, stmt, now)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("purging expired otps: %w", err)
	}
	return total, nil
}

type pgTx struct {
	tx      *sql.Tx
	hashKey []byte
	lock    bool
}

func (t *pgTx) Accounts() AccountRepository         { return pgAccounts{t} }
func (t *pgTx) Balances() BalanceRepository         { return pgBalances{t} }
func (t *pgTx) Cards() CardRepository               { return pgCards{t} }
func (t *pgTx) Transactions() TransactionRepository { return pgTransactions{t} }
func (t *pgTx) Users() UserRepository               { return pgUsers{t} }

// forUpdate appends the locking clause to single-row reads of writable units of work.
func (t *pgTx) forUpdate(query string) string {
	if t.lock {
		return query + " FOR UPDATE"
	}
	return query
}

// otpColumns maps an otp.Subject onto its three columns.
type otpColumns struct {
	purpose   string
	code      string
	expiresAt sql.NullTime
}

func (c otpColumns) subject() otp.Subject {
	if c.code == "" {
		return otp.Subject{}
	}
	return otp.Subject{Purpose: otp.Purpose(c.purpose), Code: c.code, ExpiresAt: c.expiresAt.Time}
}

func otpArgs(s otp.Subject) (string, string, sql.NullTime) {
	if !s.Pending() {
		return "", "", sql.NullTime{}
	}
	return string(s.Purpose), s.Code, sql.NullTime{Time: s.ExpiresAt, Valid: true}
}

type pgAccounts struct{ t *pgTx }

const accountColumns = `account_id, name, email, phone, account_number, account_title, verified, role,
	otp_purpose, otp_code, otp_expires_at, created_at`

func (r pgAccounts) Create(ctx context.Context, a *models.Account) error {
	purpose, code, exp := otpArgs(a.OTP)
	_, err := r.t.tx.ExecContext(ctx, `
		INSERT INTO bank.accounts(`+accountColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, a.ID, a.Name, a.Email, a.Phone, a.AccountNumber, a.AccountTitle, a.Verified, a.Role,
		purpose, code, exp, a.CreatedAt)
	return mapUniqueViolation(err)
}

func (r pgAccounts) getBy(ctx context.Context, column, value string) (*models.Account, error) {
	row := r.t.tx.QueryRowContext(ctx,
		r.t.forUpdate(`SELECT `+accountColumns+` FROM bank.accounts WHERE `+column+` = $1`), value)
	var a models.Account
	var oc otpColumns
	err := row.Scan(&a.ID, &a.Name, &a.Email, &a.Phone, &a.AccountNumber, &a.AccountTitle, &a.Verified, &a.Role,
		&oc.purpose, &oc.code, &oc.expiresAt, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	a.OTP = oc.subject()
	return &a, nil
}

func (r pgAccounts) Get(ctx context.Context, id string) (*models.Account, error) {
	return r.getBy(ctx, "account_id", id)
}

func (r pgAccounts) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	return r.getBy(ctx, "email", email)
}

func (r pgAccounts) GetByPhone(ctx context.Context, phone string) (*models.Account, error) {
	return r.getBy(ctx, "phone", phone)
}

func (r pgAccounts) GetByNumber(ctx context.Context, number string) (*models.Account, error) {
	return r.getBy(ctx, "account_number", number)
}

// Update writes the mutable columns. Email, phone and number never change.
func (r pgAccounts) Update(ctx context.Context, a *models.Account) error {
	purpose, code, exp := otpArgs(a.OTP)
	res, err := r.t.tx.ExecContext(ctx, `
		UPDATE bank.accounts
		   SET name = $2, verified = $3, role = $4, otp_purpose = $5, otp_code = $6, otp_expires_at = $7
		 WHERE account_id = $1
	`, a.ID, a.Name, a.Verified, a.Role, purpose, code, exp)
	return affectedOne(res, err, models.ErrAccountNotFound)
}

type pgBalances struct{ t *pgTx }

func (r pgBalances) Create(ctx context.Context, b *models.Balance) error {
	_, err := r.t.tx.ExecContext(ctx, `
		INSERT INTO bank.balances(account_id, account_number, amount, currency, frozen, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, b.AccountID, b.AccountNumber, b.Amount, b.Currency, b.Frozen, b.UpdatedAt)
	return mapUniqueViolation(err)
}

func (r pgBalances) Get(ctx context.Context, accountID string) (*models.Balance, error) {
	row := r.t.tx.QueryRowContext(ctx, r.t.forUpdate(`
		SELECT account_id, account_number, amount, currency, frozen, updated_at
		  FROM bank.balances WHERE account_id = $1`), accountID)
	var b models.Balance
	err := row.Scan(&b.AccountID, &b.AccountNumber, &b.Amount, &b.Currency, &b.Frozen, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrBalanceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r pgBalances) LockAll(ctx context.Context, accountIDs []string) error {
	if !r.t.lock || len(accountIDs) == 0 {
		return nil
	}
	rows, err := r.t.tx.QueryContext(ctx, `
		SELECT account_id FROM bank.balances
		 WHERE account_id = ANY($1)
		 ORDER BY account_id
		   FOR UPDATE
	`, pq.Array(accountIDs))
	if err != nil {
		return fmt.Errorf("locking balances: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
	}
	return rows.Err()
}

func (r pgBalances) Update(ctx context.Context, b *models.Balance) error {
	res, err := r.t.tx.ExecContext(ctx, `
		UPDATE bank.balances SET amount = $2, frozen = $3, updated_at = $4 WHERE account_id = $1
	`, b.AccountID, b.Amount, b.Frozen, b.UpdatedAt)
	return affectedOne(res, err, models.ErrBalanceNotFound)
}

type pgCards struct{ t *pgTx }

const cardColumns = `card_id, account_id, bin, last4, expiry_yymm, pin_hash, status, contactless, daily_limit,
	otp_purpose, otp_code, otp_expires_at, created_at`

func (r pgCards) Create(ctx context.Context, c *models.Card) error {
	pan := cardgen.NormalizePAN(c.Number)
	bin := pan
	if len(bin) > 6 {
		bin = bin[:6]
	}
	purpose, code, exp := otpArgs(c.OTP)
	_, err := r.t.tx.ExecContext(ctx, `
		INSERT INTO bank.cards(card_id, account_id, bin, last4, expiry_yymm, pin_hash, status, contactless,
		                       daily_limit, otp_purpose, otp_code, otp_expires_at, created_at, pan_hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, c.ID, c.AccountID, bin, cardgen.LastN(pan, 4), c.ExpirationDate, c.PINHash, string(c.Status), c.Contactless,
		c.DailyLimit, purpose, code, exp, c.CreatedAt, cardgen.PANHashHex(pan, r.t.hashKey))
	return mapUniqueViolation(err)
}

func scanCard(row interface{ Scan(...any) error }) (*models.Card, error) {
	var c models.Card
	var bin, last4, status string
	var oc otpColumns
	err := row.Scan(&c.ID, &c.AccountID, &bin, &last4, &c.ExpirationDate, &c.PINHash, &status, &c.Contactless,
		&c.DailyLimit, &oc.purpose, &oc.code, &oc.expiresAt, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.Number = bin + "******" + last4
	c.Status = models.CardStatus(status)
	c.OTP = oc.subject()
	return &c, nil
}

func (r pgCards) GetByNumber(ctx context.Context, pan string) (*models.Card, error) {
	hash := cardgen.PANHashHex(pan, r.t.hashKey)
	row := r.t.tx.QueryRowContext(ctx,
		r.t.forUpdate(`SELECT `+cardColumns+` FROM bank.cards WHERE pan_hash = $1`), hash)
	c, err := scanCard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrCardNotFound
	}
	return c, err
}

func (r pgCards) ExistsNumber(ctx context.Context, pan string) (bool, error) {
	var exists bool
	err := r.t.tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM bank.cards WHERE pan_hash = $1)`,
		cardgen.PANHashHex(pan, r.t.hashKey)).Scan(&exists)
	return exists, err
}

func (r pgCards) ListByAccount(ctx context.Context, accountID string) ([]*models.Card, error) {
	rows, err := r.t.tx.QueryContext(ctx,
		`SELECT `+cardColumns+` FROM bank.cards WHERE account_id = $1 ORDER BY created_at`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.Card, 0)
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r pgCards) Update(ctx context.Context, c *models.Card) error {
	purpose, code, exp := otpArgs(c.OTP)
	res, err := r.t.tx.ExecContext(ctx, `
		UPDATE bank.cards
		   SET pin_hash = $2, status = $3, contactless = $4, daily_limit = $5,
		       otp_purpose = $6, otp_code = $7, otp_expires_at = $8
		 WHERE card_id = $1
	`, c.ID, c.PINHash, string(c.Status), c.Contactless, c.DailyLimit, purpose, code, exp)
	return affectedOne(res, err, models.ErrCardNotFound)
}

type pgTransactions struct{ t *pgTx }

const transactionColumns = `seq, tx_id, type, status, sender_id, receiver_id, sender_account_number,
	receiver_account_number, initiator_id, card_id, amount, currency, description, created_at`

func (r pgTransactions) Create(ctx context.Context, t *models.Transaction) error {
	err := r.t.tx.QueryRowContext(ctx, `
		INSERT INTO bank.transactions(tx_id, type, status, sender_id, receiver_id, sender_account_number,
		                              receiver_account_number, initiator_id, card_id, amount, currency,
		                              description, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING seq
	`, t.ID, string(t.Type), string(t.Status), t.SenderID, t.ReceiverID, t.SenderAccountNumber,
		t.ReceiverAccountNumber, t.InitiatorID, t.CardID, t.Amount, t.Currency, t.Description, t.CreatedAt,
	).Scan(&t.Seq)
	return err
}

func (r pgTransactions) SumWithdrawals(ctx context.Context, cardID string, since time.Time) (int64, error) {
	var sum int64
	err := r.t.tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM bank.transactions
		 WHERE card_id = $1 AND type = $2 AND status = $3 AND created_at >= $4
	`, cardID, string(models.TransactionTypeWithdrawal), string(models.TransactionStatusCompleted), since).Scan(&sum)
	return sum, err
}

type pgUsers struct{ t *pgTx }

const userColumns = `user_id, username, email, password_hash, verified, account_id, role, last_login,
	otp_purpose, otp_code, otp_expires_at, reset_purpose, reset_code, reset_expires_at, created_at`

func (r pgUsers) Create(ctx context.Context, u *models.User) error {
	purpose, code, exp := otpArgs(u.OTP)
	rPurpose, rCode, rExp := otpArgs(u.ResetToken)
	_, err := r.t.tx.ExecContext(ctx, `
		INSERT INTO bank.users(`+userColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, u.ID, u.Username, u.Email, u.PasswordHash, u.Verified, u.AccountID, u.Role, u.LastLogin,
		purpose, code, exp, rPurpose, rCode, rExp, u.CreatedAt)
	return mapUniqueViolation(err)
}

func (r pgUsers) getBy(ctx context.Context, column, value string) (*models.User, error) {
	row := r.t.tx.QueryRowContext(ctx,
		r.t.forUpdate(`SELECT `+userColumns+` FROM bank.users WHERE `+column+` = $1`), value)
	var u models.User
	var lastLogin sql.NullTime
	var oc, rc otpColumns
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Verified, &u.AccountID, &u.Role, &lastLogin,
		&oc.purpose, &oc.code, &oc.expiresAt, &rc.purpose, &rc.code, &rc.expiresAt, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastLogin.Valid {
		u.LastLogin = &lastLogin.Time
	}
	u.OTP = oc.subject()
	u.ResetToken = rc.subject()
	return &u, nil
}

func (r pgUsers) Get(ctx context.Context, id string) (*models.User, error) {
	return r.getBy(ctx, "user_id", id)
}

func (r pgUsers) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.getBy(ctx, "email", email)
}

func (r pgUsers) Update(ctx context.Context, u *models.User) error {
	purpose, code, exp := otpArgs(u.OTP)
	rPurpose, rCode, rExp := otpArgs(u.ResetToken)
	res, err := r.t.tx.ExecContext(ctx, `
		UPDATE bank.users
		   SET password_hash = $2, verified = $3, role = $4, last_login = $5,
		       otp_purpose = $6, otp_code = $7, otp_expires_at = $8,
		       reset_purpose = $9, reset_code = $10, reset_expires_at = $11
		 WHERE user_id = $1
	`, u.ID, u.PasswordHash, u.Verified, u.Role, u.LastLogin, purpose, code, exp, rPurpose, rCode, rExp)
	return affectedOne(res, err, models.ErrUserNotFound)
}

// rowsIterator streams transaction rows; it owns rows until Close.
type rowsIterator struct {
	rows *sql.Rows
	cur  *models.Transaction
	err  error
}

func (it *rowsIterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		it.cur = nil
		return false
	}
	var t models.Transaction
	var typ, status string
	it.err = it.rows.Scan(&t.Seq, &t.ID, &typ, &status, &t.SenderID, &t.ReceiverID, &t.SenderAccountNumber,
		&t.ReceiverAccountNumber, &t.InitiatorID, &t.CardID, &t.Amount, &t.Currency, &t.Description, &t.CreatedAt)
	if it.err != nil {
		it.cur = nil
		return false
	}
	t.Type = models.TransactionType(typ)
	t.Status = models.TransactionStatus(status)
	it.cur = &t
	return true
}

func (it *rowsIterator) Transaction() *models.Transaction { return it.cur }

func (it *rowsIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

func (it *rowsIterator) Close() error {
	return it.rows.Close()
}

func affectedOne(res sql.Result, err error, notFound error) error {
	if err != nil {
		return mapUniqueViolation(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound
	}
	return nil
}

var constraintErrors = map[string]error{
	"accounts_email_key":          models.ErrEmailTaken,
	"accounts_phone_key":          models.ErrPhoneTaken,
	"accounts_account_number_key": models.ErrAccountNumberTaken,
	"balances_pkey":               models.ErrBalanceExists,
	"cards_pan_hash_key":          models.ErrCardNumberTaken,
	"users_email_key":             models.ErrUserExists,
	"users_username_key":          models.ErrUserExists,
	"users_pkey":                  models.ErrUserExists,
}

// mapUniqueViolation turns unique violations on known constraints into domain errors.
func mapUniqueViolation(err error) error {
	name, ok := uniqueViolation(err)
	if !ok {
		return err
	}
	if domainErr, found := constraintErrors[name]; found {
		return domainErr
	}
	return fmt.Errorf("unique violation on %s: %w", name, err)
}

func uniqueViolation(err error) (string, bool) {
	var pe *pq.Error
	if errors.As(err, &pe) && pe.Code == "23505" {
		return pe.Constraint, true
	}
	var pgerr *pgconn.PgError
	if errors.As(err, &pgerr) && pgerr.Code == "23505" {
		return pgerr.ConstraintName, true
	}
	return "", false
}
