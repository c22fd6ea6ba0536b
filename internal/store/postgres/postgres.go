package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"shakerin/backend/internal/domain"
	"shakerin/backend/internal/store"
)

//go:embed schema.sql
var schema string

type Store struct {
	db *sqlx.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sqlx.Open("pgx", databaseURL)
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

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ListCategories(ctx context.Context) ([]domain.Category, error) {
	categories := make([]domain.Category, 0, 16)
	err := s.db.SelectContext(ctx, &categories, `SELECT id, name FROM categories ORDER BY name`)
	return categories, err
}

func (s *Store) GetCategory(ctx context.Context, id string) (*domain.Category, error) {
	var c domain.Category
	if err := s.db.GetContext(ctx, &c, `SELECT id, name FROM categories WHERE id = $1`, id); err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (s *Store) CreateCategory(ctx context.Context, category domain.Category) (*domain.Category, error) {
	if category.ID == "" || strings.TrimSpace(category.Name) == "" {
		return nil, store.ErrInvalidInput
	}
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO categories (id, name) VALUES (:id, :name)`, category)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return &category, nil
}

func (s *Store) UpdateCategory(ctx context.Context, category domain.Category) (*domain.Category, error) {
	res, err := s.db.NamedExecContext(ctx, `UPDATE categories SET name = :name WHERE id = :id`, category)
	if err := requireAffected(res, err); err != nil {
		return nil, err
	}
	return &category, nil
}

// DeleteCategory refuses while products still reference the category.
// The products.category_id foreign key catches a product committed between
// the NOT EXISTS check and the delete.
func (s *Store) DeleteCategory(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM categories
		WHERE id = $1
		  AND NOT EXISTS (SELECT 1 FROM products WHERE category_id = $1)
	`, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return store.ErrCategoryInUse
		}
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var exists bool
	if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM categories WHERE id = $1)`, id); err != nil {
		return err
	}
	if exists {
		return store.ErrCategoryInUse
	}
	return store.ErrNotFound
}

const productColumns = `id, barcode, name, category_id, cost_price, price, quantity`

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	products := make([]domain.Product, 0, 128)
	err := s.db.SelectContext(ctx, &products, `SELECT `+productColumns+` FROM products ORDER BY name`)
	return products, err
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var p domain.Product
	if err := s.db.GetContext(ctx, &p, `SELECT `+productColumns+` FROM products WHERE id = $1`, id); err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || product.Quantity < 0 {
		return nil, store.ErrInvalidInput
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO products (id, barcode, name, category_id, cost_price, price, quantity, updated_at)
		VALUES (:id, :barcode, :name, :category_id, :cost_price, :price, :quantity, now())
	`, product)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		if isForeignKeyViolation(err) {
			return nil, fmt.Errorf("%w: unknown category %q", store.ErrInvalidInput, product.CategoryID)
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.Quantity < 0 {
		return nil, store.ErrInvalidInput
	}
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE products
		SET barcode = :barcode, name = :name, category_id = :category_id,
		    cost_price = :cost_price, price = :price, quantity = :quantity, updated_at = now()
		WHERE id = :id
	`, product)
	if err != nil && isForeignKeyViolation(err) {
		return nil, fmt.Errorf("%w: unknown category %q", store.ErrInvalidInput, product.CategoryID)
	}
	if err := requireAffected(res, err); err != nil {
		return nil, err
	}
	return &product, nil
}

func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	return requireAffected(res, err)
}

type saleRow struct {
	ID            string          `db:"id"`
	SoldAt        time.Time       `db:"sold_at"`
	TotalAmount   decimal.Decimal `db:"total_amount"`
	SellerID      string          `db:"seller_id"`
	CustomerName  string          `db:"customer_name"`
	CustomerPhone string          `db:"customer_phone"`
	Status        string          `db:"status"`
}

type saleItemRow struct {
	SaleID           string          `db:"sale_id"`
	LineNo           int             `db:"line_no"`
	ProductID        string          `db:"product_id"`
	ProductName      string          `db:"product_name"`
	Price            decimal.Decimal `db:"price"`
	CostPrice        decimal.Decimal `db:"cost_price"`
	Quantity         int             `db:"quantity"`
	ReturnedQuantity int             `db:"returned_quantity"`
	Total            decimal.Decimal `db:"total"`
}

const saleColumns = `id, sold_at, total_amount, seller_id, customer_name, customer_phone, status`
const saleItemColumns = `sale_id, line_no, product_id, product_name, price, cost_price, quantity, returned_quantity, total`

func (s *Store) ListSales(ctx context.Context) ([]domain.Sale, error) {
	rows := make([]saleRow, 0, 64)
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+saleColumns+` FROM sales ORDER BY sold_at, id`); err != nil {
		return nil, err
	}
	items := make([]saleItemRow, 0, 256)
	if err := s.db.SelectContext(ctx, &items, `SELECT `+saleItemColumns+` FROM sale_items ORDER BY sale_id, line_no`); err != nil {
		return nil, err
	}

	itemsBySale := make(map[string][]domain.SaleItem, len(rows))
	for _, item := range items {
		itemsBySale[item.SaleID] = append(itemsBySale[item.SaleID], item.toDomain())
	}

	sales := make([]domain.Sale, 0, len(rows))
	for _, row := range rows {
		sales = append(sales, row.toDomain(itemsBySale[row.ID]))
	}
	return sales, nil
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	return getSale(ctx, s.db, id, false)
}

const userColumns = `id, username, password_hash, role, created_at`

func (s *Store) ListUsers(ctx context.Context) ([]domain.User, error) {
	users := make([]domain.User, 0, 16)
	err := s.db.SelectContext(ctx, &users, `SELECT `+userColumns+` FROM users ORDER BY created_at, username`)
	return users, err
}

func (s *Store) GetUser(ctx context.Context, id string) (*domain.User, error) {
	var u domain.User
	if err := s.db.GetContext(ctx, &u, `SELECT `+userColumns+` FROM users WHERE id = $1`, id); err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	var u domain.User
	if err := s.db.GetContext(ctx, &u, `SELECT `+userColumns+` FROM users WHERE lower(username) = lower($1)`, username); err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.User) (*domain.User, error) {
	if user.ID == "" || user.Username == "" || user.PasswordHash == "" {
		return nil, store.ErrInvalidInput
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, role, created_at)
		VALUES (:id, :username, :password_hash, :role, :created_at)
	`, user)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) UpdateUser(ctx context.Context, user domain.User) (*domain.User, error) {
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE users SET username = :username, password_hash = :password_hash, role = :role
		WHERE id = :id
	`, user)
	if err != nil && isUniqueViolation(err) {
		return nil, store.ErrConflict
	}
	if err := requireAffected(res, err); err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	return requireAffected(res, err)
}

// Atomic runs fn in one transaction. Product and sale reads made through
// the Tx take row locks, so concurrent checkouts and returns on the same
// rows serialize instead of racing. A transaction postgres aborts as a
// deadlock victim or serialization failure comes back as store.ErrBusy.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(ctx, &pgTx{tx: sqlTx}); err != nil {
		return retryable(err)
	}
	return retryable(sqlTx.Commit())
}

type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var p domain.Product
	if err := t.tx.GetContext(ctx, &p, `SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`, id); err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (t *pgTx) SetProductQuantity(ctx context.Context, id string, quantity int) error {
	if quantity < 0 {
		return store.ErrInsufficientStock
	}
	res, err := t.tx.ExecContext(ctx, `UPDATE products SET quantity = $2, updated_at = now() WHERE id = $1`, id, quantity)
	return requireAffected(res, err)
}

func (t *pgTx) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	return getSale(ctx, t.tx, id, true)
}

func (t *pgTx) CreateSale(ctx context.Context, sale domain.Sale) error {
	if sale.ID == "" || len(sale.Items) == 0 {
		return store.ErrInvalidInput
	}
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO sales (id, sold_at, total_amount, seller_id, customer_name, customer_phone, status)
		VALUES (:id, :sold_at, :total_amount, :seller_id, :customer_name, :customer_phone, :status)
	`, fromSale(sale))
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}

	for i, item := range sale.Items {
		_, err := t.tx.NamedExecContext(ctx, `
			INSERT INTO sale_items (sale_id, line_no, product_id, product_name, price, cost_price, quantity, returned_quantity, total)
			VALUES (:sale_id, :line_no, :product_id, :product_name, :price, :cost_price, :quantity, :returned_quantity, :total)
		`, fromSaleItem(sale.ID, i, item))
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) UpdateSale(ctx context.Context, sale domain.Sale) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE sales SET total_amount = $2, status = $3 WHERE id = $1
	`, sale.ID, sale.TotalAmount, sale.Status)
	if err := requireAffected(res, err); err != nil {
		return err
	}

	for i, item := range sale.Items {
		_, err := t.tx.ExecContext(ctx, `
			UPDATE sale_items SET returned_quantity = $3 WHERE sale_id = $1 AND line_no = $2
		`, sale.ID, i, item.ReturnedQuantity)
		if err != nil {
			return err
		}
	}
	return nil
}

func getSale(ctx context.Context, q sqlx.QueryerContext, id string, lock bool) (*domain.Sale, error) {
	query := `SELECT ` + saleColumns + ` FROM sales WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}

	var row saleRow
	if err := sqlx.GetContext(ctx, q, &row, query, id); err != nil {
		return nil, notFound(err)
	}

	items := make([]saleItemRow, 0, 8)
	if err := sqlx.SelectContext(ctx, q, &items, `SELECT `+saleItemColumns+` FROM sale_items WHERE sale_id = $1 ORDER BY line_no`, id); err != nil {
		return nil, err
	}
	saleItems := make([]domain.SaleItem, 0, len(items))
	for _, item := range items {
		saleItems = append(saleItems, item.toDomain())
	}

	sale := row.toDomain(saleItems)
	return &sale, nil
}

func fromSale(sale domain.Sale) saleRow {
	return saleRow{
		ID:            sale.ID,
		SoldAt:        sale.Date,
		TotalAmount:   sale.TotalAmount,
		SellerID:      sale.SellerID,
		CustomerName:  sale.CustomerName,
		CustomerPhone: sale.CustomerPhone,
		Status:        sale.Status,
	}
}

func (r saleRow) toDomain(items []domain.SaleItem) domain.Sale {
	if items == nil {
		items = []domain.SaleItem{}
	}
	return domain.Sale{
		ID:            r.ID,
		Date:          r.SoldAt.UTC(),
		Items:         items,
		TotalAmount:   r.TotalAmount,
		SellerID:      r.SellerID,
		CustomerName:  r.CustomerName,
		CustomerPhone: r.CustomerPhone,
		Status:        r.Status,
	}
}

func fromSaleItem(saleID string, lineNo int, item domain.SaleItem) saleItemRow {
	return saleItemRow{
		SaleID:           saleID,
		LineNo:           lineNo,
		ProductID:        item.ProductID,
		ProductName:      item.ProductName,
		Price:            item.Price,
		CostPrice:        item.CostPrice,
		Quantity:         item.Quantity,
		ReturnedQuantity: item.ReturnedQuantity,
		Total:            item.Total,
	}
}

func (r saleItemRow) toDomain() domain.SaleItem {
	return domain.SaleItem{
		ProductID:        r.ProductID,
		ProductName:      r.ProductName,
		Price:            r.Price,
		CostPrice:        r.CostPrice,
		Quantity:         r.Quantity,
		ReturnedQuantity: r.ReturnedQuantity,
		Total:            r.Total,
	}
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func requireAffected(res sql.Result, err error) error {
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

// retryable wraps deadlock (40P01) and serialization (40001) aborts in
// store.ErrBusy. Other errors pass through untouched.
func retryable(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40P01" || pgErr.Code == "40001") {
		return fmt.Errorf("transaction aborted (%s): %w", pgErr.Code, store.ErrBusy)
	}
	return err
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
