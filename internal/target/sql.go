// Package target implements the connector the applier writes through.
package target

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/mkarslan/pgshift/internal/apply"
	"github.com/mkarslan/pgshift/internal/cursor"
)

// DefaultPositionQuery reads the cluster's logical timestamp on a
// CockroachDB-class target. Override per engine via config.
const DefaultPositionQuery = "SELECT cluster_logical_timestamp()"

// SQL is an apply.Target over a SQL database speaking the Postgres wire
// protocol. Upserts go through INSERT .. ON CONFLICT on the configured key
// columns, which is what makes replayed batches idempotent.
type SQL struct {
	pool          *pgxpool.Pool
	keyColumns    map[string][]string // schema-qualified table -> primary key columns
	positionQuery string
	logger        *zap.Logger
}

func NewSQL(ctx context.Context, dsn string, keyColumns map[string][]string, positionQuery string, logger *zap.Logger) (*SQL, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("target: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("target: ping: %w", err)
	}
	if positionQuery == "" {
		positionQuery = DefaultPositionQuery
	}
	logger.Info("target connector ready", zap.Int("tables", len(keyColumns)))
	return &SQL{pool: pool, keyColumns: keyColumns, positionQuery: positionQuery, logger: logger}, nil
}

func (s *SQL) Close() { s.pool.Close() }

func (s *SQL) Upsert(ctx context.Context, table string, key []string, row map[string]any) error {
	keyCols, ok := s.keyColumns[table]
	if !ok {
		return fmt.Errorf("target: no key columns configured for table %s", table)
	}
	if row == nil {
		return fmt.Errorf("target: upsert without row image for table %s", table)
	}

	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	var (
		colList      []string
		placeholders []string
		updates      []string
		args         []any
	)
	keySet := make(map[string]bool, len(keyCols))
	for _, k := range keyCols {
		keySet[k] = true
	}
	for i, c := range cols {
		colList = append(colList, quoteIdent(c))
		placeholders = append(placeholders, "$"+strconv.Itoa(i+1))
		args = append(args, row[c])
		if !keySet[c] {
			updates = append(updates, quoteIdent(c)+" = EXCLUDED."+quoteIdent(c))
		}
	}
	conflict := make([]string, len(keyCols))
	for i, k := range keyCols {
		conflict[i] = quoteIdent(k)
	}

	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO ",
		quoteTable(table), strings.Join(colList, ", "),
		strings.Join(placeholders, ", "), strings.Join(conflict, ", "))
	if len(updates) == 0 {
		q += "NOTHING"
	} else {
		q += "UPDATE SET " + strings.Join(updates, ", ")
	}

	if _, err := s.pool.Exec(ctx, q, args...); err != nil {
		return classify(err)
	}
	return nil
}

func (s *SQL) Delete(ctx context.Context, table string, key []string) error {
	keyCols, ok := s.keyColumns[table]
	if !ok {
		return fmt.Errorf("target: no key columns configured for table %s", table)
	}
	if len(key) != len(keyCols) {
		return fmt.Errorf("target: key arity %d != configured %d for table %s", len(key), len(keyCols), table)
	}
	preds := make([]string, len(keyCols))
	args := make([]any, len(keyCols))
	for i, k := range keyCols {
		preds[i] = fmt.Sprintf("%s = $%d", quoteIdent(k), i+1)
		args[i] = key[i]
	}
	q := fmt.Sprintf("DELETE FROM %s WHERE %s", quoteTable(table), strings.Join(preds, " AND "))
	if _, err := s.pool.Exec(ctx, q, args...); err != nil {
		return classify(err)
	}
	return nil
}

// Position reads the target's current logical timestamp. CockroachDB
// returns a DECIMAL HLC; the fractional logical component is dropped, which
// is safe because the reverse stream re-seeds at-or-before this point and
// apply is idempotent.
func (s *SQL) Position(ctx context.Context) (cursor.Cursor, error) {
	var raw string
	if err := s.pool.QueryRow(ctx, s.positionQuery).Scan(&raw); err != nil {
		return cursor.Cursor{}, classify(fmt.Errorf("target: position query: %w", err))
	}
	whole, _, _ := strings.Cut(raw, ".")
	ts, err := strconv.ParseUint(strings.TrimSpace(whole), 10, 64)
	if err != nil {
		return cursor.Cursor{}, fmt.Errorf("target: unparseable position %q: %w", raw, err)
	}
	return cursor.FromClock(ts), nil
}

// classify wraps retryable target errors as transient: connection failures
// and serialization/deadlock conflicts. Constraint violations stay
// non-transient, they imply a real divergence.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "40001" || pgErr.Code == "40P01" || strings.HasPrefix(pgErr.Code, "08") {
			return apply.Transient(err)
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) || pgconn.SafeToRetry(err) {
		return apply.Transient(err)
	}
	return err
}

func quoteIdent(s string) string {
	return pgx.Identifier{s}.Sanitize()
}

func quoteTable(table string) string {
	parts := strings.Split(table, ".")
	return pgx.Identifier(parts).Sanitize()
}
