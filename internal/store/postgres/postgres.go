package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"chaitrack/backend/internal/domain"
	"chaitrack/backend/internal/store"
	"chaitrack/backend/internal/xid"
)

//go:embed schema.sql
var schema string

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Migrate creates the tables and the change-notification triggers. It is
// safe to run on every start.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

const customerColumns = `id, user_id, name, phone, address, qr_code, join_date::text, created_at`

func (s *Store) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+customerColumns+`
		FROM customers
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := make([]domain.Customer, 0, 64)
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		customers = append(customers, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return customers, nil
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	c, err := scanCustomer(s.db.QueryRowContext(ctx, `
		SELECT `+customerColumns+`
		FROM customers
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if strings.TrimSpace(customer.Name) == "" || strings.TrimSpace(customer.Phone) == "" {
		return nil, store.ErrInvalidInput
	}
	if customer.ID == "" {
		customer.ID = xid.New()
	}
	if customer.QRCode == "" {
		customer.QRCode = xid.QRCode()
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}
	if customer.JoinDate == "" {
		customer.JoinDate = customer.CreatedAt.Format(domain.DateLayout)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, user_id, name, phone, address, qr_code, join_date, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, customer.ID, nullString(customer.UserID), customer.Name, customer.Phone, customer.Address,
		customer.QRCode, customer.JoinDate, customer.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		if isForeignKeyViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}
	created := customer
	return &created, nil
}

const saleColumns = `id, customer_id, customer_name, quantity, price_per_cup, total_amount,
	is_paid, paid_amount, delivered_by, delivered_by_name, sale_date::text, to_char(sale_time, 'HH24:MI:SS'), created_at`

func (s *Store) ListSales(ctx context.Context) ([]domain.Sale, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 256)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sales, nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.CustomerID == "" || sale.Quantity < 1 || !sale.PricePerCup.IsPositive() {
		return nil, store.ErrInvalidInput
	}
	if sale.ID == "" {
		sale.ID = xid.New()
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	sale.IsPaid = false
	sale.PaidAmount = nil

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sales (
			id, customer_id, customer_name, quantity, price_per_cup, total_amount,
			is_paid, paid_amount, delivered_by, delivered_by_name, sale_date, sale_time, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,false,NULL,$7,$8,$9,$10,$11)
	`, sale.ID, sale.CustomerID, sale.CustomerName, sale.Quantity, sale.PricePerCup, sale.TotalAmount,
		nullString(sale.DeliveredBy), nullString(sale.DeliveredByName), sale.SaleDate, sale.SaleTime, sale.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrUnknownCustomer
		}
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	created := sale
	return &created, nil
}

func (s *Store) MarkSalePaid(ctx context.Context, id string, paidAmount decimal.Decimal) (*domain.Sale, error) {
	if !paidAmount.IsPositive() {
		return nil, store.ErrInvalidInput
	}

	sale, err := scanSale(s.db.QueryRowContext(ctx, `
		UPDATE sales
		SET is_paid = true, paid_amount = $2
		WHERE id = $1 AND is_paid = false
		RETURNING `+saleColumns, id, paidAmount))
	if err == nil {
		return &sale, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	var paid bool
	if err := s.db.QueryRowContext(ctx, `SELECT is_paid FROM sales WHERE id = $1`, id).Scan(&paid); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return nil, store.ErrAlreadyPaid
}

func (s *Store) ListDeliveries(ctx context.Context) ([]domain.DeliveryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, customer_name, quantity, delivered_by,
			delivery_date::text, to_char(delivery_time, 'HH24:MI:SS'), created_at
		FROM delivery_records
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deliveries := make([]domain.DeliveryRecord, 0, 256)
	for rows.Next() {
		var d domain.DeliveryRecord
		if err := rows.Scan(&d.ID, &d.CustomerID, &d.CustomerName, &d.Quantity, &d.DeliveredBy,
			&d.DeliveryDate, &d.DeliveryTime, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.CreatedAt = d.CreatedAt.UTC()
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return deliveries, nil
}

func (s *Store) CreateDelivery(ctx context.Context, delivery domain.DeliveryRecord) (*domain.DeliveryRecord, error) {
	if delivery.CustomerID == "" || delivery.DeliveredBy == "" || delivery.Quantity < 1 {
		return nil, store.ErrInvalidInput
	}
	if delivery.ID == "" {
		delivery.ID = xid.New()
	}
	if delivery.CreatedAt.IsZero() {
		delivery.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_records (
			id, customer_id, customer_name, quantity, delivered_by, delivery_date, delivery_time, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, delivery.ID, delivery.CustomerID, delivery.CustomerName, delivery.Quantity, delivery.DeliveredBy,
		delivery.DeliveryDate, delivery.DeliveryTime, delivery.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrUnknownCustomer
		}
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	created := delivery
	return &created, nil
}

func (s *Store) GetProfile(ctx context.Context, id string) (*domain.Profile, error) {
	var profile domain.Profile
	var address sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, phone, address, role, created_at
		FROM profiles
		WHERE id = $1
	`, id).Scan(&profile.ID, &profile.Name, &profile.Phone, &address, &profile.Role, &profile.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	profile.Address = fromNullString(address)
	profile.CreatedAt = profile.CreatedAt.UTC()
	return &profile, nil
}

func (s *Store) CreateProfile(ctx context.Context, profile domain.Profile) (*domain.Profile, error) {
	if profile.ID == "" || !profile.Role.Valid() {
		return nil, store.ErrInvalidInput
	}
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, name, phone, address, role, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, profile.ID, profile.Name, profile.Phone, nullString(profile.Address), profile.Role, profile.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	created := profile
	return &created, nil
}

func (s *Store) UpdateProfile(ctx context.Context, profile domain.Profile) (*domain.Profile, error) {
	var updated domain.Profile
	var address sql.NullString
	err := s.db.QueryRowContext(ctx, `
		UPDATE profiles
		SET name = $2, phone = $3, address = $4
		WHERE id = $1
		RETURNING id, name, phone, address, role, created_at
	`, profile.ID, profile.Name, profile.Phone, nullString(profile.Address)).Scan(
		&updated.ID, &updated.Name, &updated.Phone, &address, &updated.Role, &updated.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	updated.Address = fromNullString(address)
	updated.CreatedAt = updated.CreatedAt.UTC()
	return &updated, nil
}

func (s *Store) CreateAccount(ctx context.Context, account domain.Account) (*domain.Account, error) {
	account.Email = strings.ToLower(strings.TrimSpace(account.Email))
	if account.Email == "" || account.PasswordHash == "" {
		return nil, store.ErrInvalidInput
	}
	if account.ID == "" {
		account.ID = xid.New()
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}
	metadata, err := json.Marshal(account.Metadata)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, email, password_hash, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, account.ID, account.Email, account.PasswordHash, string(metadata), account.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	created := account
	return &created, nil
}

func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error) {
	return s.findAccount(ctx, "email", strings.ToLower(strings.TrimSpace(email)))
}

func (s *Store) GetAccountByID(ctx context.Context, id string) (*domain.Account, error) {
	return s.findAccount(ctx, "id", id)
}

func (s *Store) findAccount(ctx context.Context, column string, value string) (*domain.Account, error) {
	var account domain.Account
	var metadata []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, metadata, created_at
		FROM accounts
		WHERE `+column+` = $1
	`, value).Scan(&account.ID, &account.Email, &account.PasswordHash, &metadata, &account.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &account.Metadata); err != nil {
			return nil, err
		}
	}
	account.CreatedAt = account.CreatedAt.UTC()
	return &account, nil
}

func (s *Store) UpdateAccountPassword(ctx context.Context, id string, passwordHash string) error {
	if passwordHash == "" {
		return store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET password_hash = $2, updated_at = now()
		WHERE id = $1
	`, id, passwordHash)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCustomer(row rowScanner) (domain.Customer, error) {
	var c domain.Customer
	var userID sql.NullString
	if err := row.Scan(&c.ID, &userID, &c.Name, &c.Phone, &c.Address, &c.QRCode, &c.JoinDate, &c.CreatedAt); err != nil {
		return domain.Customer{}, err
	}
	c.UserID = fromNullString(userID)
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

func scanSale(row rowScanner) (domain.Sale, error) {
	var sale domain.Sale
	var paidAmount decimal.NullDecimal
	var deliveredBy, deliveredByName sql.NullString
	if err := row.Scan(
		&sale.ID,
		&sale.CustomerID,
		&sale.CustomerName,
		&sale.Quantity,
		&sale.PricePerCup,
		&sale.TotalAmount,
		&sale.IsPaid,
		&paidAmount,
		&deliveredBy,
		&deliveredByName,
		&sale.SaleDate,
		&sale.SaleTime,
		&sale.CreatedAt,
	); err != nil {
		return domain.Sale{}, err
	}
	if paidAmount.Valid {
		amount := paidAmount.Decimal
		sale.PaidAmount = &amount
	}
	sale.DeliveredBy = fromNullString(deliveredBy)
	sale.DeliveredByName = fromNullString(deliveredByName)
	sale.CreatedAt = sale.CreatedAt.UTC()
	return sale, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func nullString(val *string) any {
	if val == nil || *val == "" {
		return nil
	}
	return *val
}

func fromNullString(val sql.NullString) *string {
	if !val.Valid {
		return nil
	}
	s := val.String
	return &s
}
