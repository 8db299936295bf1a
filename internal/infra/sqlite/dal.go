package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var (
	identPattern   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	orderByPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*( (?i:ASC|DESC))?$`)

	errInvalidIdentifier = errors.New("invalid identifier")
	errEmptyFilter       = errors.New("empty where clause")
)

// SelectOptions narrows a Select call.
type SelectOptions struct {
	Columns []string
	OrderBy string
	Limit   int
	Offset  int
}

// DAL is a small CRUD layer over a database/sql handle. Every call is a
// single statement; storage errors are logged and reported as false or an
// empty result, never returned.
type DAL struct {
	db     *sql.DB
	logger *zap.Logger

	mu    sync.RWMutex
	stmts map[string]*sql.Stmt
}

// NewDAL wraps db. The statement cache lives until Close.
func NewDAL(db *sql.DB, logger *zap.Logger) *DAL {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DAL{
		db:     db,
		logger: logger,
		stmts:  make(map[string]*sql.Stmt),
	}
}

// Select returns the rows of table matching every where pair.
func (d *DAL) Select(ctx context.Context, table string, where Row, opts SelectOptions) []Row {
	whereCols := where.sortedColumns()
	projection := "*"
	if len(opts.Columns) > 0 {
		if !validIdents(opts.Columns...) {
			d.fault("select", table, errInvalidIdentifier)
			return nil
		}
		projection = strings.Join(opts.Columns, ", ")
	}
	if !validIdents(table) || !validIdents(whereCols...) {
		d.fault("select", table, errInvalidIdentifier)
		return nil
	}
	if opts.OrderBy != "" && !validOrderBy(opts.OrderBy) {
		d.fault("select", table, errInvalidIdentifier)
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", projection, table)
	args := where.values(whereCols)
	if len(whereCols) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(equalsClause(whereCols, " AND "))
	}
	if opts.OrderBy != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(joinOrderBy(opts.OrderBy))
	}
	paged := opts.Limit > 0 || opts.Offset > 0
	if paged {
		limit := opts.Limit
		if limit <= 0 {
			limit = -1
		}
		b.WriteString(" LIMIT ? OFFSET ?")
		args = append(args, limit, opts.Offset)
	}

	key := cacheKey("select", table, whereCols,
		"cols:"+projection, "order:"+opts.OrderBy, fmt.Sprintf("paged:%t", paged))
	stmt, err := d.statement(ctx, key, b.String())
	if err != nil {
		d.fault("select", table, err)
		return nil
	}

	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		d.fault("select", table, err)
		return nil
	}
	defer rows.Close()

	out, err := scanRows(rows)
	if err != nil {
		d.fault("select", table, err)
		return nil
	}
	return out
}

// FindOne returns the first row matching where.
func (d *DAL) FindOne(ctx context.Context, table string, where Row) (Row, bool) {
	rows := d.Select(ctx, table, where, SelectOptions{Limit: 1})
	if len(rows) == 0 {
		return nil, false
	}
	return rows[0], true
}

// Insert adds row to table. False covers constraint violations as well as
// driver failures.
func (d *DAL) Insert(ctx context.Context, table string, row Row) bool {
	cols := row.sortedColumns()
	if len(cols) == 0 || !validIdents(table) || !validIdents(cols...) {
		d.fault("insert", table, errInvalidIdentifier)
		return false
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), placeholders(len(cols)))
	return d.exec(ctx, "insert", table, cacheKey("insert", table, cols), query, row.values(cols)...)
}

// Update applies patch to the rows matching where and stamps updated_at.
func (d *DAL) Update(ctx context.Context, table string, patch, where Row) bool {
	setCols := patch.sortedColumns()
	whereCols := where.sortedColumns()
	if len(whereCols) == 0 {
		d.fault("update", table, errEmptyFilter)
		return false
	}
	if !validIdents(table) || !validIdents(setCols...) || !validIdents(whereCols...) {
		d.fault("update", table, errInvalidIdentifier)
		return false
	}

	assignments := "updated_at = CURRENT_TIMESTAMP"
	if len(setCols) > 0 {
		assignments = equalsClause(setCols, ", ") + ", " + assignments
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", table, assignments, equalsClause(whereCols, " AND "))
	args := append(patch.values(setCols), where.values(whereCols)...)
	key := cacheKey("update", table, setCols, "where:"+strings.Join(whereCols, "_"))
	return d.exec(ctx, "update", table, key, query, args...)
}

// Upsert inserts row or, when conflictColumns already exist, overwrites every
// other column and stamps updated_at.
func (d *DAL) Upsert(ctx context.Context, table string, row Row, conflictColumns []string) bool {
	cols := row.sortedColumns()
	if len(cols) == 0 || len(conflictColumns) == 0 {
		d.fault("upsert", table, errInvalidIdentifier)
		return false
	}
	if !validIdents(table) || !validIdents(cols...) || !validIdents(conflictColumns...) {
		d.fault("upsert", table, errInvalidIdentifier)
		return false
	}

	conflict := make(map[string]struct{}, len(conflictColumns))
	for _, c := range conflictColumns {
		conflict[c] = struct{}{}
	}
	var updates []string
	for _, c := range cols {
		if _, ok := conflict[c]; !ok {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s)",
		table, strings.Join(cols, ", "), placeholders(len(cols)), strings.Join(conflictColumns, ", "))
	if len(updates) == 0 {
		query += " DO NOTHING"
	} else {
		query += " DO UPDATE SET " + strings.Join(updates, ", ") + ", updated_at = CURRENT_TIMESTAMP"
	}

	key := cacheKey("upsert", table, cols, "conflict:"+strings.Join(conflictColumns, "_"))
	return d.exec(ctx, "upsert", table, key, query, row.values(cols)...)
}

// Delete physically removes the rows matching where.
func (d *DAL) Delete(ctx context.Context, table string, where Row) bool {
	whereCols := where.sortedColumns()
	if len(whereCols) == 0 {
		d.fault("delete", table, errEmptyFilter)
		return false
	}
	if !validIdents(table) || !validIdents(whereCols...) {
		d.fault("delete", table, errInvalidIdentifier)
		return false
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE %s", table, equalsClause(whereCols, " AND "))
	return d.exec(ctx, "delete", table, cacheKey("delete", table, whereCols), query, where.values(whereCols)...)
}

// Count returns the number of rows matching where, or 0 on failure.
func (d *DAL) Count(ctx context.Context, table string, where Row) int {
	whereCols := where.sortedColumns()
	if !validIdents(table) || !validIdents(whereCols...) {
		d.fault("count", table, errInvalidIdentifier)
		return 0
	}

	query := "SELECT COUNT(*) AS count FROM " + table
	if len(whereCols) > 0 {
		query += " WHERE " + equalsClause(whereCols, " AND ")
	}
	stmt, err := d.statement(ctx, cacheKey("count", table, whereCols), query)
	if err != nil {
		d.fault("count", table, err)
		return 0
	}

	var n int
	if err := stmt.QueryRowContext(ctx, where.values(whereCols)...).Scan(&n); err != nil {
		d.fault("count", table, err)
		return 0
	}
	return n
}

// Query runs a raw parameterized statement and returns its rows.
func (d *DAL) Query(ctx context.Context, query string, args ...any) []Row {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		d.fault("query", "", err)
		return nil
	}
	defer rows.Close()

	out, err := scanRows(rows)
	if err != nil {
		d.fault("query", "", err)
		return nil
	}
	return out
}

// Exec runs a raw parameterized statement and reports the affected row count.
func (d *DAL) Exec(ctx context.Context, query string, args ...any) (int64, bool) {
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		d.fault("exec", "", err)
		return 0, false
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, true
	}
	return n, true
}

// Tx is the statement surface available inside Transaction.
type Tx struct {
	tx *sql.Tx
}

// Exec runs query inside the transaction.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Transaction runs fn in a single transaction, rolling back when fn fails.
func (d *DAL) Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		d.fault("begin", "", err)
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	if err := fn(&Tx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			d.logger.Warn("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		d.fault("commit", "", err)
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (d *DAL) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// CachedStatements reports how many query shapes have been compiled.
func (d *DAL) CachedStatements() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.stmts)
}

// Close releases every cached statement. The underlying *sql.DB is left open.
func (d *DAL) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	for key, stmt := range d.stmts {
		if err := stmt.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(d.stmts, key)
	}
	return errors.Join(errs...)
}

func (d *DAL) exec(ctx context.Context, op, table, key, query string, args ...any) bool {
	stmt, err := d.statement(ctx, key, query)
	if err != nil {
		d.fault(op, table, err)
		return false
	}
	if _, err := stmt.ExecContext(ctx, args...); err != nil {
		d.fault(op, table, err)
		return false
	}
	return true
}

func (d *DAL) statement(ctx context.Context, key, query string) (*sql.Stmt, error) {
	d.mu.RLock()
	stmt, ok := d.stmts[key]
	d.mu.RUnlock()
	if ok {
		return stmt, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if stmt, ok := d.stmts[key]; ok {
		return stmt, nil
	}
	stmt, err := d.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	d.stmts[key] = stmt
	return stmt, nil
}

func (d *DAL) fault(op, table string, err error) {
	fields := []zap.Field{zap.String("op", op), zap.Error(err)}
	if table != "" {
		fields = append(fields, zap.String("table", table))
	}
	if IsConstraintViolation(err) {
		d.logger.Warn("constraint violation", fields...)
		return
	}
	d.logger.Error("database operation failed", fields...)
}

// IsConstraintViolation reports whether err is a SQLite constraint failure.
func IsConstraintViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

func cacheKey(op, table string, cols []string, extra ...string) string {
	parts := append([]string{op, table}, cols...)
	parts = append(parts, extra...)
	return strings.Join(parts, "_")
}

func equalsClause(cols []string, sep string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = c + " = ?"
	}
	return strings.Join(parts, sep)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func validIdents(names ...string) bool {
	for _, n := range names {
		if !identPattern.MatchString(n) {
			return false
		}
	}
	return true
}

func validOrderBy(orderBy string) bool {
	for _, part := range strings.Split(orderBy, ",") {
		if !orderByPattern.MatchString(strings.TrimSpace(part)) {
			return false
		}
	}
	return true
}

func joinOrderBy(orderBy string) string {
	parts := strings.Split(orderBy, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return strings.Join(parts, ", ")
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(Row, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
