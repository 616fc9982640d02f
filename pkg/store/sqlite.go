package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fredLoan/pkg/models"
	"github.com/shopspring/decimal"

	_ "github.com/mattn/go-sqlite3"
)

// ErrVersionConflict is returned when a loan changed since it was read.
var ErrVersionConflict = errors.New("loan was modified concurrently")

// Ensure SQLiteStore implements Storage.
var _ Storage = (*SQLiteStore)(nil)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	db   *sql.DB
	q    querier
	inTx bool
}

// NewSQLiteStore creates a new SQLiteStore and initializes the database.
func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	// A single connection serializes writers; Atomic holds it for the whole unit.
	db.SetMaxOpenConns(1)

	// Manually enable foreign keys and WAL mode
	if _, err = db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err = db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{db: db, q: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates the database tables if they don't already exist.
// Decimal fields are TEXT so no precision is lost.
func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		customer_key TEXT NOT NULL,
		principal TEXT NOT NULL,
		annual_rate_percent TEXT NOT NULL,
		tenure_months INTEGER NOT NULL,
		frequency TEXT NOT NULL,
		disbursement_date DATETIME NOT NULL,
		status TEXT NOT NULL,
		outstanding_principal TEXT NOT NULL,
		installment_amount TEXT NOT NULL DEFAULT '0',
		collateral_released INTEGER NOT NULL DEFAULT 0,
		closed_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		version INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS installments (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		due_date DATETIME NOT NULL,
		installment_amount TEXT NOT NULL,
		principal_component TEXT NOT NULL,
		interest_component TEXT NOT NULL,
		outstanding_after TEXT NOT NULL,
		is_paid INTEGER NOT NULL DEFAULT 0,
		paid_date DATETIME,
		paid_amount TEXT NOT NULL DEFAULT '0',
		days_overdue INTEGER NOT NULL DEFAULT 0,
		penalty_amount TEXT NOT NULL DEFAULT '0',
		superseded INTEGER NOT NULL DEFAULT 0,
		remarks TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE(loan_id, sequence),
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE INDEX IF NOT EXISTS idx_installments_due ON installments(is_paid, due_date);
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		installment_id TEXT,
		amount TEXT NOT NULL,
		type TEXT NOT NULL,
		reference TEXT NOT NULL DEFAULT '',
		timestamp DATETIME NOT NULL,
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE TABLE IF NOT EXISTS prepayments (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		date DATETIME NOT NULL,
		amount TEXT NOT NULL,
		charges TEXT NOT NULL,
		outstanding_before TEXT NOT NULL,
		outstanding_after TEXT NOT NULL,
		policy TEXT NOT NULL,
		interest_saved TEXT NOT NULL,
		tenure_reduction INTEGER NOT NULL,
		emi_reduction TEXT NOT NULL,
		old_installment_amount TEXT NOT NULL,
		new_installment_amount TEXT NOT NULL,
		reference TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE TABLE IF NOT EXISTS restructures (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		reason TEXT NOT NULL,
		status TEXT NOT NULL,
		proposed_tenure_months INTEGER NOT NULL,
		proposed_rate_percent TEXT,
		proposed_installment_amount TEXT,
		original_installment_amount TEXT NOT NULL,
		original_tenure_months INTEGER NOT NULL,
		original_rate_percent TEXT NOT NULL,
		original_outstanding TEXT NOT NULL,
		new_installment_amount TEXT NOT NULL DEFAULT '0',
		is_approved INTEGER NOT NULL DEFAULT 0,
		is_implemented INTEGER NOT NULL DEFAULT 0,
		remarks TEXT NOT NULL DEFAULT '',
		requested_at DATETIME NOT NULL,
		approved_at DATETIME,
		effective_at DATETIME,
		rejected_at DATETIME,
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE TABLE IF NOT EXISTS foreclosures (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		status TEXT NOT NULL,
		outstanding_principal TEXT NOT NULL,
		pending_interest TEXT NOT NULL,
		charges TEXT NOT NULL,
		waiver TEXT NOT NULL,
		penalty TEXT NOT NULL,
		total_amount_due TEXT NOT NULL,
		amount_paid TEXT NOT NULL DEFAULT '0',
		reference TEXT NOT NULL DEFAULT '',
		remaining_installments INTEGER NOT NULL,
		interest_saved TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		remarks TEXT NOT NULL DEFAULT '',
		requested_at DATETIME NOT NULL,
		approved_at DATETIME,
		completed_at DATETIME,
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE TABLE IF NOT EXISTS overdue_tracking (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		installment_id TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		days_overdue INTEGER NOT NULL,
		overdue_amount TEXT NOT NULL,
		penalty_amount TEXT NOT NULL,
		total_overdue_amount TEXT NOT NULL,
		notification_count INTEGER NOT NULL DEFAULT 0,
		last_notification_date DATETIME,
		collection_status TEXT NOT NULL,
		is_resolved INTEGER NOT NULL DEFAULT 0,
		resolved_date DATETIME,
		resolution_amount TEXT NOT NULL DEFAULT '0',
		remarks TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY(loan_id) REFERENCES loans(id),
		FOREIGN KEY(installment_id) REFERENCES installments(id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Atomic runs fn inside a single database transaction. Nested calls reuse the
// enclosing transaction.
func (s *SQLiteStore) Atomic(ctx context.Context, fn func(Storage) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&SQLiteStore{db: s.db, q: tx, inTx: true}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func notFound(entity string, id uuid.UUID) error {
	return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
}

// --- loans ---

const loanColumns = `id, customer_key, principal, annual_rate_percent, tenure_months, frequency, disbursement_date, status, outstanding_principal, installment_amount, collateral_released, closed_at, created_at, updated_at, version`

func scanLoan(row scanner) (*models.Loan, error) {
	var loan models.Loan
	var closedAt sql.NullTime
	err := row.Scan(&loan.ID, &loan.CustomerKey, &loan.Principal, &loan.AnnualRatePercent, &loan.TenureMonths, &loan.Frequency,
		&loan.DisbursementDate, &loan.Status, &loan.OutstandingPrincipal, &loan.InstallmentAmount, &loan.CollateralReleased,
		&closedAt, &loan.CreatedAt, &loan.UpdatedAt, &loan.Version)
	if err != nil {
		return nil, err
	}
	loan.ClosedAt = nullTime(closedAt)
	return &loan, nil
}

// CreateLoan inserts a new loan into the database.
func (s *SQLiteStore) CreateLoan(ctx context.Context, loan *models.Loan) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO loans (`+loanColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID.String(), loan.CustomerKey, loan.Principal, loan.AnnualRatePercent, loan.TenureMonths, loan.Frequency,
		loan.DisbursementDate, loan.Status, loan.OutstandingPrincipal, loan.InstallmentAmount, loan.CollateralReleased,
		loan.ClosedAt, loan.CreatedAt, loan.UpdatedAt, loan.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to create loan: %w", err)
	}
	return nil
}

// GetLoan retrieves a loan by its ID.
func (s *SQLiteStore) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	loan, err := scanLoan(s.q.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("loan", id)
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return loan, nil
}

// UpdateLoan updates an existing loan, guarded by its version.
func (s *SQLiteStore) UpdateLoan(ctx context.Context, loan *models.Loan) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE loans SET customer_key = ?, principal = ?, annual_rate_percent = ?, tenure_months = ?, frequency = ?, disbursement_date = ?,
		status = ?, outstanding_principal = ?, installment_amount = ?, collateral_released = ?, closed_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		loan.CustomerKey, loan.Principal, loan.AnnualRatePercent, loan.TenureMonths, loan.Frequency, loan.DisbursementDate,
		loan.Status, loan.OutstandingPrincipal, loan.InstallmentAmount, loan.CollateralReleased, loan.ClosedAt, loan.UpdatedAt,
		loan.ID.String(), loan.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, err := s.GetLoan(ctx, loan.ID); err != nil {
			return err
		}
		return fmt.Errorf("loan %s: %w", loan.ID, ErrVersionConflict)
	}
	loan.Version++
	return nil
}

// GetAllLoans retrieves all loans.
func (s *SQLiteStore) GetAllLoans(ctx context.Context) ([]*models.Loan, error) {
	return s.queryLoans(ctx, `SELECT `+loanColumns+` FROM loans ORDER BY created_at, rowid`)
}

// GetAllActiveLoans retrieves all active loans.
func (s *SQLiteStore) GetAllActiveLoans(ctx context.Context) ([]*models.Loan, error) {
	return s.queryLoans(ctx, `SELECT `+loanColumns+` FROM loans WHERE status = ? ORDER BY created_at, rowid`, models.LoanStatusActive)
}

func (s *SQLiteStore) queryLoans(ctx context.Context, query string, args ...any) ([]*models.Loan, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query loans: %w", err)
	}
	defer rows.Close()

	var loans []*models.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan row: %w", err)
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return loans, nil
}

// --- installments ---

const installmentColumns = `id, loan_id, sequence, due_date, installment_amount, principal_component, interest_component, outstanding_after, is_paid, paid_date, paid_amount, days_overdue, penalty_amount, superseded, remarks, created_at, updated_at`

func scanInstallment(row scanner) (*models.Installment, error) {
	var inst models.Installment
	var paidDate sql.NullTime
	err := row.Scan(&inst.ID, &inst.LoanID, &inst.Sequence, &inst.DueDate, &inst.InstallmentAmount, &inst.PrincipalComponent,
		&inst.InterestComponent, &inst.OutstandingAfter, &inst.IsPaid, &paidDate, &inst.PaidAmount, &inst.DaysOverdue,
		&inst.PenaltyAmount, &inst.Superseded, &inst.Remarks, &inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		return nil, err
	}
	inst.PaidDate = nullTime(paidDate)
	return &inst, nil
}

func (s *SQLiteStore) insertInstallment(ctx context.Context, inst *models.Installment) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO installments (`+installmentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID.String(), inst.LoanID.String(), inst.Sequence, inst.DueDate, inst.InstallmentAmount, inst.PrincipalComponent,
		inst.InterestComponent, inst.OutstandingAfter, inst.IsPaid, inst.PaidDate, inst.PaidAmount, inst.DaysOverdue,
		inst.PenaltyAmount, inst.Superseded, inst.Remarks, inst.CreatedAt, inst.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert installment %d: %w", inst.Sequence, err)
	}
	return nil
}

// CreateInstallments inserts a batch of schedule rows.
func (s *SQLiteStore) CreateInstallments(ctx context.Context, installments []*models.Installment) error {
	return s.Atomic(ctx, func(st Storage) error {
		tx := st.(*SQLiteStore)
		for _, inst := range installments {
			if err := tx.insertInstallment(ctx, inst); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetInstallment retrieves a schedule row by its ID.
func (s *SQLiteStore) GetInstallment(ctx context.Context, id uuid.UUID) (*models.Installment, error) {
	inst, err := scanInstallment(s.q.QueryRowContext(ctx, `SELECT `+installmentColumns+` FROM installments WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("installment", id)
		}
		return nil, fmt.Errorf("failed to get installment: %w", err)
	}
	return inst, nil
}

// GetInstallmentsForLoan retrieves a loan's schedule ordered by sequence.
func (s *SQLiteStore) GetInstallmentsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Installment, error) {
	return s.queryInstallments(ctx, `SELECT `+installmentColumns+` FROM installments WHERE loan_id = ? ORDER BY sequence ASC`, loanID.String())
}

// UpdateInstallment updates an existing schedule row.
func (s *SQLiteStore) UpdateInstallment(ctx context.Context, inst *models.Installment) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE installments SET due_date = ?, installment_amount = ?, principal_component = ?, interest_component = ?, outstanding_after = ?,
		is_paid = ?, paid_date = ?, paid_amount = ?, days_overdue = ?, penalty_amount = ?, superseded = ?, remarks = ?, updated_at = ?
		WHERE id = ?`,
		inst.DueDate, inst.InstallmentAmount, inst.PrincipalComponent, inst.InterestComponent, inst.OutstandingAfter,
		inst.IsPaid, inst.PaidDate, inst.PaidAmount, inst.DaysOverdue, inst.PenaltyAmount, inst.Superseded, inst.Remarks, inst.UpdatedAt,
		inst.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update installment: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return notFound("installment", inst.ID)
	}
	return nil
}

// ReplaceScheduleTail swaps the unpaid tail of a loan's schedule in one transaction.
func (s *SQLiteStore) ReplaceScheduleTail(ctx context.Context, loanID uuid.UUID, fromSequence int, tail []*models.Installment) error {
	return s.Atomic(ctx, func(st Storage) error {
		tx := st.(*SQLiteStore)
		_, err := tx.q.ExecContext(ctx,
			`DELETE FROM installments WHERE loan_id = ? AND sequence >= ? AND is_paid = 0`,
			loanID.String(), fromSequence,
		)
		if err != nil {
			return fmt.Errorf("failed to discard schedule tail: %w", err)
		}
		for _, inst := range tail {
			if err := tx.insertInstallment(ctx, inst); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetDueUnpaidInstallments retrieves unpaid rows of active loans due before asOf.
func (s *SQLiteStore) GetDueUnpaidInstallments(ctx context.Context, asOf time.Time) ([]*models.Installment, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT i.id FROM installments i JOIN loans l ON l.id = i.loan_id
		WHERE i.is_paid = 0 AND i.superseded = 0 AND l.status = ? ORDER BY i.due_date ASC, i.sequence ASC`,
		models.LoanStatusActive,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query due installments: %w", err)
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan installment id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}

	// Due dates are compared in Go; SQLite stores them as text with zone offsets.
	var due []*models.Installment
	for _, id := range ids {
		inst, err := s.GetInstallment(ctx, id)
		if err != nil {
			return nil, err
		}
		if inst.DueDate.Before(asOf) {
			due = append(due, inst)
		}
	}
	return due, nil
}

func (s *SQLiteStore) queryInstallments(ctx context.Context, query string, args ...any) ([]*models.Installment, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query installments: %w", err)
	}
	defer rows.Close()

	var installments []*models.Installment
	for rows.Next() {
		inst, err := scanInstallment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan installment row: %w", err)
		}
		installments = append(installments, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return installments, nil
}

// --- transactions ---

// CreateTransaction inserts a new transaction into the database.
func (s *SQLiteStore) CreateTransaction(ctx context.Context, transaction *models.Transaction) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO transactions (id, loan_id, installment_id, amount, type, reference, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		transaction.ID.String(), transaction.LoanID.String(), transaction.InstallmentID, transaction.Amount, transaction.Type,
		transaction.Reference, transaction.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// GetTransactionsForLoan retrieves all transactions for a given loan ID.
func (s *SQLiteStore) GetTransactionsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Transaction, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, loan_id, installment_id, amount, type, reference, timestamp FROM transactions WHERE loan_id = ? ORDER BY timestamp ASC, rowid ASC`,
		loanID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	var transactions []*models.Transaction
	for rows.Next() {
		var transaction models.Transaction
		var installmentID uuid.NullUUID
		if err := rows.Scan(&transaction.ID, &transaction.LoanID, &installmentID, &transaction.Amount, &transaction.Type,
			&transaction.Reference, &transaction.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan transaction row: %w", err)
		}
		if installmentID.Valid {
			id := installmentID.UUID
			transaction.InstallmentID = &id
		}
		transactions = append(transactions, &transaction)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for loan transactions: %w", err)
	}
	return transactions, nil
}

// --- prepayments ---

// CreatePrepayment appends an immutable prepayment record.
func (s *SQLiteStore) CreatePrepayment(ctx context.Context, p *models.Prepayment) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO prepayments (id, loan_id, date, amount, charges, outstanding_before, outstanding_after, policy, interest_saved,
		tenure_reduction, emi_reduction, old_installment_amount, new_installment_amount, reference, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.LoanID.String(), p.Date, p.Amount, p.Charges, p.OutstandingBefore, p.OutstandingAfter, p.Policy, p.InterestSaved,
		p.TenureReduction, p.EMIReduction, p.OldInstallmentAmount, p.NewInstallmentAmount, p.Reference, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create prepayment: %w", err)
	}
	return nil
}

// GetPrepaymentsForLoan retrieves a loan's prepayments, oldest first.
func (s *SQLiteStore) GetPrepaymentsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Prepayment, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, loan_id, date, amount, charges, outstanding_before, outstanding_after, policy, interest_saved,
		tenure_reduction, emi_reduction, old_installment_amount, new_installment_amount, reference, created_at
		FROM prepayments WHERE loan_id = ? ORDER BY created_at ASC, rowid ASC`,
		loanID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get prepayments for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	var prepayments []*models.Prepayment
	for rows.Next() {
		var p models.Prepayment
		if err := rows.Scan(&p.ID, &p.LoanID, &p.Date, &p.Amount, &p.Charges, &p.OutstandingBefore, &p.OutstandingAfter, &p.Policy,
			&p.InterestSaved, &p.TenureReduction, &p.EMIReduction, &p.OldInstallmentAmount, &p.NewInstallmentAmount,
			&p.Reference, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan prepayment row: %w", err)
		}
		prepayments = append(prepayments, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return prepayments, nil
}

// --- restructures ---

const restructureColumns = `id, loan_id, reason, status, proposed_tenure_months, proposed_rate_percent, proposed_installment_amount,
	original_installment_amount, original_tenure_months, original_rate_percent, original_outstanding, new_installment_amount,
	is_approved, is_implemented, remarks, requested_at, approved_at, effective_at, rejected_at`

func scanRestructure(row scanner) (*models.RestructureRequest, error) {
	var r models.RestructureRequest
	var proposedRate, proposedEMI decimal.NullDecimal
	var approvedAt, effectiveAt, rejectedAt sql.NullTime
	err := row.Scan(&r.ID, &r.LoanID, &r.Reason, &r.Status, &r.Proposed.RemainingTenureMonths, &proposedRate,
		&proposedEMI, &r.OriginalInstallmentAmount, &r.OriginalTenureMonths, &r.OriginalAnnualRatePercent,
		&r.OriginalOutstandingPrincipal, &r.NewInstallmentAmount, &r.IsApproved, &r.IsImplemented, &r.Remarks,
		&r.RequestedAt, &approvedAt, &effectiveAt, &rejectedAt)
	if err != nil {
		return nil, err
	}
	r.Proposed.AnnualRatePercent = nullDecimalPtr(proposedRate)
	r.Proposed.InstallmentAmount = nullDecimalPtr(proposedEMI)
	r.ApprovedAt = nullTime(approvedAt)
	r.EffectiveAt = nullTime(effectiveAt)
	r.RejectedAt = nullTime(rejectedAt)
	return &r, nil
}

func nullDecimalPtr(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

func ptrNullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

// CreateRestructure inserts a new restructure request.
func (s *SQLiteStore) CreateRestructure(ctx context.Context, r *models.RestructureRequest) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO restructures (`+restructureColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.LoanID.String(), r.Reason, r.Status, r.Proposed.RemainingTenureMonths, ptrNullDecimal(r.Proposed.AnnualRatePercent),
		ptrNullDecimal(r.Proposed.InstallmentAmount), r.OriginalInstallmentAmount, r.OriginalTenureMonths, r.OriginalAnnualRatePercent,
		r.OriginalOutstandingPrincipal, r.NewInstallmentAmount, r.IsApproved, r.IsImplemented, r.Remarks,
		r.RequestedAt, r.ApprovedAt, r.EffectiveAt, r.RejectedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create restructure: %w", err)
	}
	return nil
}

// GetRestructure retrieves a restructure request by its ID.
func (s *SQLiteStore) GetRestructure(ctx context.Context, id uuid.UUID) (*models.RestructureRequest, error) {
	r, err := scanRestructure(s.q.QueryRowContext(ctx, `SELECT `+restructureColumns+` FROM restructures WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("restructure", id)
		}
		return nil, fmt.Errorf("failed to get restructure: %w", err)
	}
	return r, nil
}

// UpdateRestructure updates the workflow fields of a restructure request.
func (s *SQLiteStore) UpdateRestructure(ctx context.Context, r *models.RestructureRequest) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE restructures SET status = ?, new_installment_amount = ?, is_approved = ?, is_implemented = ?, remarks = ?,
		approved_at = ?, effective_at = ?, rejected_at = ? WHERE id = ?`,
		r.Status, r.NewInstallmentAmount, r.IsApproved, r.IsImplemented, r.Remarks, r.ApprovedAt, r.EffectiveAt, r.RejectedAt,
		r.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update restructure: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return notFound("restructure", r.ID)
	}
	return nil
}

// GetRestructuresForLoan retrieves a loan's restructure requests, oldest first.
func (s *SQLiteStore) GetRestructuresForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.RestructureRequest, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+restructureColumns+` FROM restructures WHERE loan_id = ? ORDER BY requested_at ASC, rowid ASC`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get restructures for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	var out []*models.RestructureRequest
	for rows.Next() {
		r, err := scanRestructure(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan restructure row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return out, nil
}

// --- foreclosures ---

const foreclosureColumns = `id, loan_id, status, outstanding_principal, pending_interest, charges, waiver, penalty, total_amount_due,
	amount_paid, reference, remaining_installments, interest_saved, reason, remarks, requested_at, approved_at, completed_at`

func scanForeclosure(row scanner) (*models.Foreclosure, error) {
	var f models.Foreclosure
	var approvedAt, completedAt sql.NullTime
	err := row.Scan(&f.ID, &f.LoanID, &f.Status, &f.OutstandingPrincipal, &f.PendingInterest, &f.Charges, &f.Waiver, &f.Penalty,
		&f.TotalAmountDue, &f.AmountPaid, &f.Reference, &f.RemainingInstallments, &f.InterestSaved, &f.Reason, &f.Remarks,
		&f.RequestedAt, &approvedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	f.ApprovedAt = nullTime(approvedAt)
	f.CompletedAt = nullTime(completedAt)
	return &f, nil
}

// CreateForeclosure inserts a new foreclosure record.
func (s *SQLiteStore) CreateForeclosure(ctx context.Context, f *models.Foreclosure) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO foreclosures (`+foreclosureColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID.String(), f.LoanID.String(), f.Status, f.OutstandingPrincipal, f.PendingInterest, f.Charges, f.Waiver, f.Penalty,
		f.TotalAmountDue, f.AmountPaid, f.Reference, f.RemainingInstallments, f.InterestSaved, f.Reason, f.Remarks,
		f.RequestedAt, f.ApprovedAt, f.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create foreclosure: %w", err)
	}
	return nil
}

// GetForeclosure retrieves a foreclosure record by its ID.
func (s *SQLiteStore) GetForeclosure(ctx context.Context, id uuid.UUID) (*models.Foreclosure, error) {
	f, err := scanForeclosure(s.q.QueryRowContext(ctx, `SELECT `+foreclosureColumns+` FROM foreclosures WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("foreclosure", id)
		}
		return nil, fmt.Errorf("failed to get foreclosure: %w", err)
	}
	return f, nil
}

// UpdateForeclosure updates an existing foreclosure record.
func (s *SQLiteStore) UpdateForeclosure(ctx context.Context, f *models.Foreclosure) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE foreclosures SET status = ?, outstanding_principal = ?, pending_interest = ?, charges = ?, waiver = ?, penalty = ?,
		total_amount_due = ?, amount_paid = ?, reference = ?, remaining_installments = ?, interest_saved = ?, remarks = ?,
		approved_at = ?, completed_at = ? WHERE id = ?`,
		f.Status, f.OutstandingPrincipal, f.PendingInterest, f.Charges, f.Waiver, f.Penalty, f.TotalAmountDue, f.AmountPaid,
		f.Reference, f.RemainingInstallments, f.InterestSaved, f.Remarks, f.ApprovedAt, f.CompletedAt, f.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update foreclosure: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return notFound("foreclosure", f.ID)
	}
	return nil
}

// GetForeclosuresForLoan retrieves a loan's foreclosure records, oldest first.
func (s *SQLiteStore) GetForeclosuresForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Foreclosure, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+foreclosureColumns+` FROM foreclosures WHERE loan_id = ? ORDER BY requested_at ASC, rowid ASC`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get foreclosures for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	var out []*models.Foreclosure
	for rows.Next() {
		f, err := scanForeclosure(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan foreclosure row: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return out, nil
}

// --- overdue tracking ---

const overdueColumns = `id, loan_id, installment_id, status, days_overdue, overdue_amount, penalty_amount, total_overdue_amount,
	notification_count, last_notification_date, collection_status, is_resolved, resolved_date, resolution_amount, remarks,
	created_at, updated_at`

func scanOverdue(row scanner) (*models.OverdueTracking, error) {
	var o models.OverdueTracking
	var notifiedAt, resolvedAt sql.NullTime
	err := row.Scan(&o.ID, &o.LoanID, &o.InstallmentID, &o.Status, &o.DaysOverdue, &o.OverdueAmount, &o.PenaltyAmount,
		&o.TotalOverdueAmount, &o.NotificationCount, &notifiedAt, &o.CollectionStatus, &o.IsResolved, &resolvedAt,
		&o.ResolutionAmount, &o.Remarks, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.LastNotificationDate = nullTime(notifiedAt)
	o.ResolvedDate = nullTime(resolvedAt)
	return &o, nil
}

// UpsertOverdue inserts the tracking row or updates the one already held for
// the same installment. The row keeps its original ID and CreatedAt.
func (s *SQLiteStore) UpsertOverdue(ctx context.Context, o *models.OverdueTracking) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO overdue_tracking (`+overdueColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(installment_id) DO UPDATE SET
			status = excluded.status,
			days_overdue = excluded.days_overdue,
			overdue_amount = excluded.overdue_amount,
			penalty_amount = excluded.penalty_amount,
			total_overdue_amount = excluded.total_overdue_amount,
			notification_count = excluded.notification_count,
			last_notification_date = excluded.last_notification_date,
			collection_status = excluded.collection_status,
			is_resolved = excluded.is_resolved,
			resolved_date = excluded.resolved_date,
			resolution_amount = excluded.resolution_amount,
			remarks = excluded.remarks,
			updated_at = excluded.updated_at`,
		o.ID.String(), o.LoanID.String(), o.InstallmentID.String(), o.Status, o.DaysOverdue, o.OverdueAmount, o.PenaltyAmount,
		o.TotalOverdueAmount, o.NotificationCount, o.LastNotificationDate, o.CollectionStatus, o.IsResolved, o.ResolvedDate,
		o.ResolutionAmount, o.Remarks, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert overdue tracking: %w", err)
	}
	return nil
}

// GetOverdueByInstallment retrieves the tracking row of an installment.
func (s *SQLiteStore) GetOverdueByInstallment(ctx context.Context, installmentID uuid.UUID) (*models.OverdueTracking, error) {
	o, err := scanOverdue(s.q.QueryRowContext(ctx,
		`SELECT `+overdueColumns+` FROM overdue_tracking WHERE installment_id = ?`, installmentID.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("overdue tracking for installment", installmentID)
		}
		return nil, fmt.Errorf("failed to get overdue tracking: %w", err)
	}
	return o, nil
}

// GetOverdueForLoan retrieves every tracking row of a loan.
func (s *SQLiteStore) GetOverdueForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.OverdueTracking, error) {
	return s.queryOverdue(ctx, `SELECT `+overdueColumns+` FROM overdue_tracking WHERE loan_id = ? ORDER BY created_at ASC, rowid ASC`, loanID.String())
}

// GetOpenOverdue retrieves every unresolved tracking row.
func (s *SQLiteStore) GetOpenOverdue(ctx context.Context) ([]*models.OverdueTracking, error) {
	return s.queryOverdue(ctx, `SELECT `+overdueColumns+` FROM overdue_tracking WHERE is_resolved = 0 ORDER BY days_overdue DESC`)
}

func (s *SQLiteStore) queryOverdue(ctx context.Context, query string, args ...any) ([]*models.OverdueTracking, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query overdue tracking: %w", err)
	}
	defer rows.Close()

	var out []*models.OverdueTracking
	for rows.Next() {
		o, err := scanOverdue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan overdue row: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return out, nil
}
