// Package pgxstub provides in-memory pgx.Tx, pgx.Rows and pgx.Row doubles for
// repository tests.
package pgxstub

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type Tx struct {
	QueryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	ExecFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CommitErr    error
	// BatchExecErr fails every Exec on the results of SendBatch.
	BatchExecErr error

	mu         sync.Mutex
	Execs      []string
	ExecArgs   [][]any
	Batches    []*pgx.Batch
	Committed  bool
	RolledBack bool
}

var _ pgx.Tx = (*Tx)(nil)

func (s *Tx) Begin(ctx context.Context) (pgx.Tx, error) { return s, nil }

func (s *Tx) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CommitErr != nil {
		return s.CommitErr
	}
	s.Committed = true
	return nil
}

func (s *Tx) Rollback(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Committed {
		return pgx.ErrTxClosed
	}
	s.RolledBack = true
	return nil
}

func (s *Tx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("copy not implemented")
}

func (s *Tx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	s.mu.Lock()
	s.Batches = append(s.Batches, b)
	s.mu.Unlock()
	return &batchResults{n: b.Len(), err: s.BatchExecErr}
}

func (s *Tx) LargeObjects() pgx.LargeObjects { return pgx.LargeObjects{} }

func (s *Tx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("prepare not implemented")
}

func (s *Tx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	s.mu.Lock()
	s.Execs = append(s.Execs, sql)
	s.ExecArgs = append(s.ExecArgs, arguments)
	s.mu.Unlock()
	if s.ExecFunc != nil {
		return s.ExecFunc(ctx, sql, arguments...)
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (s *Tx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if s.QueryFunc == nil {
		return nil, errors.New("query not implemented")
	}
	return s.QueryFunc(ctx, sql, args...)
}

func (s *Tx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if s.QueryRowFunc == nil {
		return Row{ScanFunc: func(dest ...any) error { return errors.New("query row not implemented") }}
	}
	return s.QueryRowFunc(ctx, sql, args...)
}

func (s *Tx) Conn() *pgx.Conn { return nil }

type batchResults struct {
	n   int
	i   int
	err error
}

func (b *batchResults) Exec() (pgconn.CommandTag, error) {
	if b.i >= b.n {
		return pgconn.CommandTag{}, errors.New("no more results")
	}
	b.i++
	if b.err != nil {
		return pgconn.CommandTag{}, b.err
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (b *batchResults) Query() (pgx.Rows, error) { return nil, errors.New("not implemented") }
func (b *batchResults) QueryRow() pgx.Row {
	return Row{ScanFunc: func(dest ...any) error { return errors.New("not implemented") }}
}
func (b *batchResults) Close() error { return nil }

// Rows iterates over Data. Scan assigns each value to the matching pointer,
// converting where reflect allows; nil leaves the zero value.
type Rows struct {
	Data    [][]any
	ScanErr error

	idx int
}

func (r *Rows) Next() bool {
	if r.idx >= len(r.Data) {
		return false
	}
	r.idx++
	return true
}

func (r *Rows) Scan(dest ...any) error {
	if r.idx == 0 || r.idx > len(r.Data) {
		return errors.New("no current row to scan")
	}
	return assign(r.Data[r.idx-1], dest)
}

func (r *Rows) Values() ([]any, error) {
	if r.idx == 0 || r.idx > len(r.Data) {
		return nil, errors.New("no current row")
	}
	return r.Data[r.idx-1], nil
}

func (r *Rows) RawValues() [][]byte                          { return nil }
func (r *Rows) Err() error                                   { return r.ScanErr }
func (r *Rows) Close()                                       {}
func (r *Rows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *Rows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *Rows) Conn() *pgx.Conn                              { return nil }

type Row struct {
	ScanFunc func(dest ...any) error
}

func (r Row) Scan(dest ...any) error {
	if r.ScanFunc == nil {
		return errors.New("scan not implemented")
	}
	return r.ScanFunc(dest...)
}

// ValuesRow returns a Row that scans values the same way Rows does.
func ValuesRow(values ...any) Row {
	return Row{ScanFunc: func(dest ...any) error { return assign(values, dest) }}
}

// ErrRow returns a Row whose Scan fails with err.
func ErrRow(err error) Row {
	return Row{ScanFunc: func(dest ...any) error { return err }}
}

func assign(row []any, dest []any) error {
	if len(dest) != len(row) {
		return fmt.Errorf("destination length %d does not match row length %d", len(dest), len(row))
	}
	for i, target := range dest {
		dv := reflect.ValueOf(target)
		if dv.Kind() != reflect.Pointer || dv.IsNil() {
			return fmt.Errorf("unsupported scan target %T", target)
		}
		elem := dv.Elem()
		if row[i] == nil {
			elem.Set(reflect.Zero(elem.Type()))
			continue
		}
		sv := reflect.ValueOf(row[i])
		switch {
		case sv.Type().AssignableTo(elem.Type()):
		case elem.Kind() == reflect.Pointer && sv.Type().AssignableTo(elem.Type().Elem()):
			p := reflect.New(elem.Type().Elem())
			p.Elem().Set(sv)
			sv = p
		case sv.Type().ConvertibleTo(elem.Type()):
			sv = sv.Convert(elem.Type())
		default:
			return fmt.Errorf("cannot scan %T into %T", row[i], target)
		}
		elem.Set(sv)
	}
	return nil
}
