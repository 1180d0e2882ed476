// Package dbtest provides hand-rolled pgx fakes for service unit tests.
package dbtest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Call records a statement issued against a FakeTx.
type Call struct {
	SQL  string
	Args []any
}

// FakePool hands out FakeTx values and records each one.
type FakePool struct {
	mu       sync.Mutex
	BeginErr error
	// NewTx customises each transaction before it is returned.
	NewTx func(*FakeTx)
	Txs   []*FakeTx
}

func (p *FakePool) Begin(context.Context) (pgx.Tx, error) {
	if p.BeginErr != nil {
		return nil, p.BeginErr
	}
	tx := &FakeTx{}
	if p.NewTx != nil {
		p.NewTx(tx)
	}
	p.mu.Lock()
	p.Txs = append(p.Txs, tx)
	p.mu.Unlock()
	return tx, nil
}

func (p *FakePool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return p.last().Exec(ctx, sql, args...)
}

func (p *FakePool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return p.last().Query(ctx, sql, args...)
}

func (p *FakePool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return p.last().QueryRow(ctx, sql, args...)
}

func (p *FakePool) last() *FakeTx {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Txs) == 0 {
		tx := &FakeTx{}
		if p.NewTx != nil {
			p.NewTx(tx)
		}
		p.Txs = append(p.Txs, tx)
	}
	return p.Txs[len(p.Txs)-1]
}

// Last returns the most recent transaction or nil.
func (p *FakePool) Last() *FakeTx {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Txs) == 0 {
		return nil
	}
	return p.Txs[len(p.Txs)-1]
}

// FakeTx implements pgx.Tx. Statements are routed to the optional hooks and
// recorded in Calls.
type FakeTx struct {
	Committed  bool
	RolledBack bool
	CommitErr  error

	ExecFn     func(sql string, args ...any) (pgconn.CommandTag, error)
	QueryRowFn func(sql string, args ...any) pgx.Row
	QueryFn    func(sql string, args ...any) (pgx.Rows, error)

	Calls []Call
}

func (f *FakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("dbtest: nested transactions not supported")
}

func (f *FakeTx) Commit(context.Context) error {
	if f.CommitErr != nil {
		return f.CommitErr
	}
	f.Committed = true
	return nil
}

func (f *FakeTx) Rollback(context.Context) error {
	if !f.Committed {
		f.RolledBack = true
	}
	return nil
}

func (f *FakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *FakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *FakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *FakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *FakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.Calls = append(f.Calls, Call{SQL: sql, Args: args})
	if f.ExecFn == nil {
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	return f.ExecFn(sql, args...)
}

func (f *FakeTx) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.Calls = append(f.Calls, Call{SQL: sql, Args: args})
	if f.QueryFn == nil {
		panic("dbtest: unexpected Query: " + sql)
	}
	return f.QueryFn(sql, args...)
}

func (f *FakeTx) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.Calls = append(f.Calls, Call{SQL: sql, Args: args})
	if f.QueryRowFn == nil {
		panic("dbtest: unexpected QueryRow: " + sql)
	}
	return f.QueryRowFn(sql, args...)
}

func (f *FakeTx) Conn() *pgx.Conn {
	return nil
}

// Row is a scripted pgx.Row.
type Row struct {
	Values []any
	Err    error
}

// Scan copies Values into dest by assignment or conversion.
func (r Row) Scan(dest ...any) error {
	if r.Err != nil {
		return r.Err
	}
	if len(dest) != len(r.Values) {
		return fmt.Errorf("dbtest: scan %d values into %d targets", len(r.Values), len(dest))
	}
	for i, d := range dest {
		if err := assign(d, r.Values[i]); err != nil {
			return fmt.Errorf("dbtest: column %d: %w", i, err)
		}
	}
	return nil
}

func assign(dest, value any) error {
	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Pointer || dv.IsNil() {
		return errors.New("destination must be a non-nil pointer")
	}
	target := dv.Elem()
	if value == nil {
		target.Set(reflect.Zero(target.Type()))
		return nil
	}
	v := reflect.ValueOf(value)
	switch {
	case v.Type().AssignableTo(target.Type()):
		target.Set(v)
	case v.Type().ConvertibleTo(target.Type()):
		target.Set(v.Convert(target.Type()))
	case target.Kind() == reflect.Pointer && v.Type().AssignableTo(target.Type().Elem()):
		ptr := reflect.New(target.Type().Elem())
		ptr.Elem().Set(v)
		target.Set(ptr)
	case target.Kind() == reflect.Pointer && v.Type().ConvertibleTo(target.Type().Elem()):
		ptr := reflect.New(target.Type().Elem())
		ptr.Elem().Set(v.Convert(target.Type().Elem()))
		target.Set(ptr)
	default:
		return fmt.Errorf("cannot assign %T to %s", value, target.Type())
	}
	return nil
}
