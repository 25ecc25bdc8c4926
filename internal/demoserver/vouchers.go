package demoserver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const voucherSchema = `
CREATE TABLE IF NOT EXISTS vouchers (
	code TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS vouchers_multi (
	code  TEXT PRIMARY KEY,
	count INTEGER NOT NULL
);`

// Safety selects how a redeem checks and updates a voucher.
type Safety string

const (
	// Secure checks and updates inside one transaction.
	Secure Safety = "secure"
	// Insecure checks and updates in two separate statements.
	Insecure Safety = "insecure"
	// VeryInsecure is Insecure with a sleep between check and update.
	VeryInsecure Safety = "very_insecure"
)

func parseSafety(s string) (Safety, bool) {
	switch Safety(s) {
	case Secure, Insecure, VeryInsecure:
		return Safety(s), true
	}
	return "", false
}

var errNoVoucher = errors.New("voucher not available")

// voucherDB is the voucher state. A single connection is used so that an open
// transaction excludes every other statement.
type voucherDB struct {
	db    *sql.DB
	cfg   Config
	sleep func(context.Context, time.Duration)
}

func openVoucherDB(cfg Config) (*voucherDB, error) {
	dsn := cfg.DBPath
	if dsn == "" {
		dsn = "file::memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open voucher db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(voucherSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("voucher schema: %w", err)
	}
	return &voucherDB{db: db, cfg: cfg, sleep: sleepCtx}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (v *voucherDB) Close() error { return v.db.Close() }

// reset restores the configured vouchers.
func (v *voucherDB) reset(ctx context.Context) error {
	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM vouchers; DELETE FROM vouchers_multi;`); err != nil {
		return fmt.Errorf("truncate: %w", err)
	}
	for _, code := range v.cfg.SingleVouchers {
		if _, err := tx.ExecContext(ctx, `INSERT INTO vouchers (code) VALUES (?)`, code); err != nil {
			return fmt.Errorf("insert %s: %w", code, err)
		}
	}
	for code, n := range v.cfg.MultiVouchers {
		if _, err := tx.ExecContext(ctx, `INSERT INTO vouchers_multi (code, count) VALUES (?, ?)`, code, n); err != nil {
			return fmt.Errorf("insert %s: %w", code, err)
		}
	}
	return tx.Commit()
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// redeem consumes one use of code. For single-use vouchers count is 1 on
// success; for multi-use vouchers it is the count seen before the update.
func (v *voucherDB) redeem(ctx context.Context, code string, multi bool, safety Safety) (int, error) {
	var sleep time.Duration
	if safety != Insecure {
		sleep = v.cfg.RaceSleep
	}
	if safety != Secure {
		return v.redeemWith(ctx, v.db, code, multi, sleep)
	}

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	count, err := v.redeemWith(ctx, tx, code, multi, sleep)
	if err != nil && !errors.Is(err, errNoVoucher) {
		return 0, err
	}
	if cerr := tx.Commit(); cerr != nil {
		return 0, fmt.Errorf("commit: %w", cerr)
	}
	return count, err
}

func (v *voucherDB) redeemWith(ctx context.Context, q querier, code string, multi bool, sleep time.Duration) (int, error) {
	count := 1
	var err error
	if multi {
		err = q.QueryRowContext(ctx, `SELECT count FROM vouchers_multi WHERE code = ?`, code).Scan(&count)
	} else {
		var found string
		err = q.QueryRowContext(ctx, `SELECT code FROM vouchers WHERE code = ?`, code).Scan(&found)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errNoVoucher
	}
	if err != nil {
		return 0, fmt.Errorf("check %s: %w", code, err)
	}

	v.sleep(ctx, sleep)

	if multi {
		if count <= 0 {
			return 0, errNoVoucher
		}
		_, err = q.ExecContext(ctx, `UPDATE vouchers_multi SET count = ? WHERE code = ?`, count-1, code)
	} else {
		_, err = q.ExecContext(ctx, `DELETE FROM vouchers WHERE code = ?`, code)
	}
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", code, err)
	}
	return count, nil
}

// VoucherState is a snapshot of the remaining vouchers.
type VoucherState struct {
	Single []string       `json:"single"`
	Multi  map[string]int `json:"multi"`
}

func (v *voucherDB) state(ctx context.Context) (VoucherState, error) {
	st := VoucherState{Single: []string{}, Multi: map[string]int{}}
	rows, err := v.db.QueryContext(ctx, `SELECT code FROM vouchers ORDER BY code`)
	if err != nil {
		return st, fmt.Errorf("list vouchers: %w", err)
	}
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			_ = rows.Close()
			return st, err
		}
		st.Single = append(st.Single, code)
	}
	_ = rows.Close()

	rows, err = v.db.QueryContext(ctx, `SELECT code, count FROM vouchers_multi ORDER BY code`)
	if err != nil {
		return st, fmt.Errorf("list multi vouchers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var code string
		var n int
		if err := rows.Scan(&code, &n); err != nil {
			return st, err
		}
		st.Multi[code] = n
	}
	return st, rows.Err()
}
