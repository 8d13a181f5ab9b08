package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // driver 100% Go
)

type Repository struct {
	db *sql.DB
}

func NewRepository(dbPath string) (*Repository, error) {
	// WAL + busy_timeout para no toparnos con "database is locked" cuando
	// el conciliador y los handlers HTTP escriben a la vez
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout=5000&_pragma=foreign_keys(ON)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxIdleTime(2 * time.Minute)
	db.SetMaxOpenConns(1)

	r := &Repository{db: db}
	if err := r.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repository) migrate(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS members(
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  email TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL,
  created_unix INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS products(
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  name TEXT NOT NULL,
  category TEXT NOT NULL DEFAULT '',
  stock_quantity INTEGER NOT NULL CHECK(stock_quantity >= 0),
  hot INTEGER NOT NULL DEFAULT 0,
  created_unix INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS orders(
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  member_id INTEGER NOT NULL,
  status INTEGER NOT NULL,
  created_unix INTEGER NOT NULL,
  updated_unix INTEGER NOT NULL,
  FOREIGN KEY(member_id) REFERENCES members(id)
);
CREATE TABLE IF NOT EXISTS order_lines(
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  order_id INTEGER NOT NULL,
  product_id INTEGER NOT NULL,
  quantity INTEGER NOT NULL,
  FOREIGN KEY(order_id) REFERENCES orders(id) ON DELETE CASCADE,
  FOREIGN KEY(product_id) REFERENCES products(id)
);
CREATE TABLE IF NOT EXISTS applied_events(
  event_id TEXT PRIMARY KEY,
  product_id INTEGER NOT NULL,
  quantity INTEGER NOT NULL,
  applied_unix INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS parked_events(
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  event_id TEXT NOT NULL,
  product_id INTEGER NOT NULL,
  quantity INTEGER NOT NULL,
  reason TEXT NOT NULL,
  parked_unix INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_member ON orders(member_id);
CREATE INDEX IF NOT EXISTS idx_lines_order ON order_lines(order_id);
`
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

func (r *Repository) Close() error { return r.db.Close() }

// ---- members ----

func (r *Repository) CreateMember(ctx context.Context, email, name string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO members(email, name, created_unix) VALUES(?,?,?)`,
		email, name, nowUnix())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r *Repository) MemberByEmail(ctx context.Context, email string) (*Member, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, email, name, created_unix FROM members WHERE email=?`, email)
	var m Member
	if err := row.Scan(&m.ID, &m.Email, &m.Name, &m.CreatedUnix); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMemberNotFound
		}
		return nil, err
	}
	return &m, nil
}

// ---- products ----

func (r *Repository) CreateProduct(ctx context.Context, p *Product) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO products(name, category, stock_quantity, hot, created_unix) VALUES(?,?,?,?,?)`,
		p.Name, p.Category, p.StockQuantity, boolToInt(p.Hot), nowUnix())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r *Repository) ProductByID(ctx context.Context, id int64) (*Product, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, name, category, stock_quantity, hot, created_unix FROM products WHERE id=?`, id)
	return scanProduct(row)
}

func (r *Repository) ListProducts(ctx context.Context) ([]Product, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, category, stock_quantity, hot, created_unix FROM products ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Product
	for rows.Next() {
		var p Product
		var hot int
		if err := rows.Scan(&p.ID, &p.Name, &p.Category, &p.StockQuantity, &hot, &p.CreatedUnix); err != nil {
			return nil, err
		}
		p.Hot = hot != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

// StockQuantity lee solo el stock durable; es la fuente de siembra del
// contador rapido.
func (r *Repository) StockQuantity(ctx context.Context, productID int64) (int64, error) {
	var qty int64
	err := r.db.QueryRowContext(ctx,
		`SELECT stock_quantity FROM products WHERE id=?`, productID).Scan(&qty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrProductNotFound
	}
	return qty, err
}

// Replenish suma stock durable y devuelve el producto actualizado.
func (r *Repository) Replenish(ctx context.Context, productID int64, qty int32) (*Product, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE products SET stock_quantity = stock_quantity + ? WHERE id=?`, qty, productID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrProductNotFound
	}
	return r.ProductByID(ctx, productID)
}

// ---- orders ----

// CreateOrder persiste el agregado completo en una sola transaccion: pedido,
// lineas y los decrementos frios. Para cada linea fria se relee el stock y se
// valida dentro de la misma transaccion (read-then-check-then-write); dos
// transacciones frias concurrentes sobre el mismo producto pueden pasar ambas
// la validacion con el aislamiento por defecto. Riesgo aceptado para items de
// bajo trafico, no lo escondemos. Los decrementos calientes NO pasan por aqui.
func (r *Repository) CreateOrder(ctx context.Context, o *Order, cold []OrderLine) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	for _, ln := range cold {
		var stock int32
		err := tx.QueryRowContext(ctx,
			`SELECT stock_quantity FROM products WHERE id=?`, ln.ProductID).Scan(&stock)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrProductNotFound
		}
		if err != nil {
			return 0, err
		}
		if stock < ln.Quantity {
			return 0, ErrInsufficientStock{ProductID: ln.ProductID, Requested: ln.Quantity, Available: stock}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE products SET stock_quantity = stock_quantity - ? WHERE id=?`,
			ln.Quantity, ln.ProductID); err != nil {
			return 0, err
		}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO orders(member_id, status, created_unix, updated_unix) VALUES(?,?,?,?)`,
		o.MemberID, o.Status, o.CreatedUnix, o.UpdatedUnix)
	if err != nil {
		return 0, err
	}
	oid, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO order_lines(order_id, product_id, quantity) VALUES(?,?,?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()
	for _, ln := range o.Lines {
		if _, err := stmt.ExecContext(ctx, oid, ln.ProductID, ln.Quantity); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return oid, nil
}

// CancelOrder: PLACED -> CANCELED. Cancelar un pedido ya cancelado no hace
// nada y devuelve el pedido tal cual. No restaura inventario.
func (r *Repository) CancelOrder(ctx context.Context, orderID int64) (*Order, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var status int32
	err = tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE id=?`, orderID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	if status != OrderStatusCanceled {
		if _, err := tx.ExecContext(ctx,
			`UPDATE orders SET status=?, updated_unix=? WHERE id=?`,
			OrderStatusCanceled, nowUnix(), orderID); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return r.GetOrder(ctx, orderID)
}

func (r *Repository) GetOrder(ctx context.Context, orderID int64) (*Order, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, member_id, status, created_unix, updated_unix FROM orders WHERE id=?`, orderID)
	var o Order
	if err := row.Scan(&o.ID, &o.MemberID, &o.Status, &o.CreatedUnix, &o.UpdatedUnix); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	lines, err := r.listLines(ctx, orderID)
	if err != nil {
		return nil, err
	}
	o.Lines = lines
	return &o, nil
}

func (r *Repository) ListOrders(ctx context.Context) ([]Order, error) {
	return r.listOrdersWhere(ctx, ``)
}

func (r *Repository) ListOrdersByMember(ctx context.Context, memberID int64) ([]Order, error) {
	return r.listOrdersWhere(ctx, `WHERE member_id=?`, memberID)
}

func (r *Repository) listOrdersWhere(ctx context.Context, where string, args ...any) ([]Order, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, member_id, status, created_unix, updated_unix FROM orders `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.MemberID, &o.Status, &o.CreatedUnix, &o.UpdatedUnix); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		lines, err := r.listLines(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Lines = lines
	}
	return out, nil
}

// El orden de insercion de las lineas se conserva (id autoincremental):
// importa para mostrar, no para la correctitud.
func (r *Repository) listLines(ctx context.Context, orderID int64) ([]OrderLine, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, order_id, product_id, quantity FROM order_lines WHERE order_id=? ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []OrderLine
	for rows.Next() {
		var ln OrderLine
		if err := rows.Scan(&ln.ID, &ln.OrderID, &ln.ProductID, &ln.Quantity); err != nil {
			return nil, err
		}
		out = append(out, ln)
	}
	return out, rows.Err()
}

// ---- conciliacion ----

// ApplyStockDecrease aplica un StockDecreaseEvent a la fila durable del
// producto. Idempotente: el event_id se anota en applied_events dentro de la
// misma transaccion, una segunda entrega del mismo evento no decrementa de
// nuevo (devuelve applied=false). El stock durable nunca baja de cero: para
// items calientes la autoridad es el contador, aqui solo lo alcanzamos.
func (r *Repository) ApplyStockDecrease(ctx context.Context, ev StockDecreaseEvent) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO applied_events(event_id, product_id, quantity, applied_unix)
		 VALUES(?,?,?,?) ON CONFLICT(event_id) DO NOTHING`,
		ev.EventID, ev.ProductID, ev.Quantity, nowUnix())
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// entrega duplicada, ya aplicado
		return false, nil
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE products SET stock_quantity = MAX(stock_quantity - ?, 0) WHERE id=?`,
		ev.Quantity, ev.ProductID)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, ErrProductNotFound
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// ParkEvent guarda un evento cuyos reintentos se agotaron, para revision
// manual. Perder el evento no es una opcion.
func (r *Repository) ParkEvent(ctx context.Context, ev StockDecreaseEvent, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO parked_events(event_id, product_id, quantity, reason, parked_unix)
		 VALUES(?,?,?,?,?)`,
		ev.EventID, ev.ProductID, ev.Quantity, reason, nowUnix())
	return err
}

type ParkedEvent struct {
	ID         int64
	EventID    string
	ProductID  int64
	Quantity   int32
	Reason     string
	ParkedUnix int64
}

func (r *Repository) ListParkedEvents(ctx context.Context) ([]ParkedEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, event_id, product_id, quantity, reason, parked_unix FROM parked_events ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ParkedEvent
	for rows.Next() {
		var p ParkedEvent
		if err := rows.Scan(&p.ID, &p.EventID, &p.ProductID, &p.Quantity, &p.Reason, &p.ParkedUnix); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ---- seed ----

// Seed inicial opcional (para pruebas locales)
func (r *Repository) Seed(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO members(email, name, created_unix) VALUES(?,?,?)
		 ON CONFLICT(email) DO NOTHING`,
		"admin@test.com", "admin", nowUnix()); err != nil {
		return err
	}
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM products`).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	products := []Product{
		{Name: "teclado mecanico (sale)", Category: "periferico", StockQuantity: 100, Hot: true},
		{Name: "mouse inalambrico", Category: "periferico", StockQuantity: 50},
		{Name: "monitor 27 (sale)", Category: "pantalla", StockQuantity: 30, Hot: true},
		{Name: "cable hdmi", Category: "cable", StockQuantity: 200},
	}
	for i := range products {
		if _, err := r.CreateProduct(ctx, &products[i]); err != nil {
			return err
		}
	}
	return nil
}

// helpers

func scanProduct(row *sql.Row) (*Product, error) {
	var p Product
	var hot int
	if err := row.Scan(&p.ID, &p.Name, &p.Category, &p.StockQuantity, &hot, &p.CreatedUnix); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, err
	}
	p.Hot = hot != 0
	return &p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
