// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/beego/beego/v2/client/orm"
	"github.com/eframework-org/GO.UTIL/XCollect"
	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
)

// BeegoStorage 是基于 beego orm 原生 SQL 的存储层，使用已注册的数据库别名。
type BeegoStorage struct {
	alias string
	quote func(string) string
	once  sync.Once
	ormer orm.Ormer
}

// NewBeegoStorage 创建存储层，driver 用于选择标识符的转义方式（mysql 使用反引号，其余使用双引号）。
func NewBeegoStorage(alias, driver string) *BeegoStorage {
	return &BeegoStorage{alias: alias, quote: quoteFor(driver)}
}

func (bs *BeegoStorage) db() orm.Ormer {
	bs.once.Do(func() { bs.ormer = orm.NewOrmUsingDB(bs.alias) })
	return bs.ormer
}

func (bs *BeegoStorage) Select(ctx context.Context, spec *FetchSpec) ([]Snapshot, error) {
	query, args := buildSelectSQL(spec, bs.quote)
	rows := make([]orm.Params, 0)
	if _, err := bs.db().Raw(query, args...).Values(&rows); err != nil {
		return nil, classifyStorageError(err)
	}
	ret := make([]Snapshot, 0, len(rows))
	for _, row := range rows {
		if len(spec.Columns) == 0 {
			ret = append(ret, SnapshotOf(row))
		} else {
			ret = append(ret, NewSnapshot(spec.Columns, row))
		}
	}
	return ret, nil
}

func (bs *BeegoStorage) Count(ctx context.Context, spec *FetchSpec) (int, error) {
	query, args := buildCountSQL(spec, bs.quote)
	var count int
	if err := bs.db().Raw(query, args...).QueryRow(&count); err != nil {
		return 0, classifyStorageError(err)
	}
	return count, nil
}

func (bs *BeegoStorage) Begin(ctx context.Context) (Transaction, error) {
	tx, err := bs.db().BeginWithCtx(ctx)
	if err != nil {
		return nil, classifyStorageError(err)
	}
	return &beegoTransaction{tx: tx, quote: bs.quote}, nil
}

// MaxKey 返回指定列的最大值，空表返回 0。
func (bs *BeegoStorage) MaxKey(ctx context.Context, table, column string) (int64, error) {
	var value sql.NullInt64
	query := "SELECT MAX(" + bs.quote(column) + ") FROM " + bs.quote(table)
	if err := bs.db().Raw(query).QueryRow(&value); err != nil {
		return 0, classifyStorageError(err)
	}
	return value.Int64, nil
}

type beegoTransaction struct {
	tx    orm.TxOrmer
	quote func(string) string
}

func (bt *beegoTransaction) ExecuteBatch(ctx context.Context, ops []*Operation) ([]OperationResult, error) {
	results := make([]OperationResult, 0, len(ops))
	for _, op := range ops {
		query, args := buildOperationSQL(op, bt.quote)
		res, err := bt.tx.Raw(query, args...).Exec()
		if err != nil {
			return results, classifyStorageError(err)
		}
		result := OperationResult{}
		if result.Rows, err = res.RowsAffected(); err != nil {
			return results, classifyStorageError(err)
		}
		if op.Type == OperationInsert && len(op.Generated) == 1 && op.Values.Value(op.Generated[0]) == nil {
			id, err := res.LastInsertId()
			if err != nil {
				return results, classifyStorageError(err)
			}
			result.Generated = map[string]any{op.Generated[0]: id}
		}
		results = append(results, result)
	}
	return results, nil
}

func (bt *beegoTransaction) Commit() error { return classifyStorageError(bt.tx.Commit()) }

func (bt *beegoTransaction) Rollback() error { return classifyStorageError(bt.tx.Rollback()) }

// classifyStorageError 将驱动错误归类为 ErrTransientStorage 或 ErrConstraintViolation。
func classifyStorageError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return errors.Wrapf(ErrTransientStorage, "%v", err)
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1040, 1205, 1213: // too many connections, lock wait timeout, deadlock
			return errors.Wrapf(ErrTransientStorage, "%v", err)
		case 1048, 1062, 1451, 1452: // not null, duplicate entry, foreign key
			return errors.Wrapf(ErrConstraintViolation, "%v", err)
		}
	}
	return err
}

func quoteFor(driver string) func(string) string {
	switch strings.ToLower(driver) {
	case "mysql", "tidb", "":
		return func(name string) string { return "`" + strings.ReplaceAll(name, "`", "``") + "`" }
	default:
		return func(name string) string { return `"` + strings.ReplaceAll(name, `"`, `""`) + `"` }
	}
}

func buildSelectSQL(spec *FetchSpec, quote func(string) string) (string, []any) {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	if len(spec.Columns) == 0 {
		sb.WriteString("*")
	} else {
		for i, col := range spec.Columns {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(quote(col))
		}
	}
	sb.WriteString(" FROM ")
	sb.WriteString(quote(spec.Table))
	where, args := spec.Where.ToSQL(quote)
	if where != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(where)
	}
	if len(spec.Orderings) > 0 {
		sb.WriteString(" ORDER BY ")
		for i, ordering := range spec.Orderings {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(quote(ordering.Column))
			if ordering.Descending {
				sb.WriteString(" DESC")
			} else {
				sb.WriteString(" ASC")
			}
		}
	}
	if spec.Limit > 0 {
		sb.WriteString(" LIMIT ")
		sb.WriteString(strconv.Itoa(spec.Limit))
	} else if spec.Offset > 0 {
		sb.WriteString(" LIMIT 18446744073709551615")
	}
	if spec.Offset > 0 {
		sb.WriteString(" OFFSET ")
		sb.WriteString(strconv.Itoa(spec.Offset))
	}
	return sb.String(), args
}

func buildCountSQL(spec *FetchSpec, quote func(string) string) (string, []any) {
	query := "SELECT COUNT(*) FROM " + quote(spec.Table)
	where, args := spec.Where.ToSQL(quote)
	if where != "" {
		query += " WHERE " + where
	}
	return query, args
}

func buildOperationSQL(op *Operation, quote func(string) string) (string, []any) {
	args := make([]any, 0, op.Values.Len()+op.Where.Len())
	switch op.Type {
	case OperationInsert:
		cols := make([]string, 0, op.Values.Len())
		marks := make([]string, 0, op.Values.Len())
		for _, col := range op.Values.columns {
			v := op.Values.values[col]
			if v == nil && XCollect.Contains(op.Generated, col) {
				continue
			}
			cols = append(cols, quote(col))
			marks = append(marks, "?")
			args = append(args, v)
		}
		return "INSERT INTO " + quote(op.Table) + " (" + strings.Join(cols, ", ") + ") VALUES (" + strings.Join(marks, ", ") + ")", args
	case OperationUpdate:
		sets := make([]string, 0, op.Values.Len())
		for _, col := range sortedColumns(op.Values) {
			sets = append(sets, quote(col)+" = ?")
			args = append(args, op.Values.values[col])
		}
		where, wargs := whereSQL(op.Where, quote)
		return "UPDATE " + quote(op.Table) + " SET " + strings.Join(sets, ", ") + " WHERE " + where, append(args, wargs...)
	default:
		where, wargs := whereSQL(op.Where, quote)
		return "DELETE FROM " + quote(op.Table) + " WHERE " + where, append(args, wargs...)
	}
}

func whereSQL(where Snapshot, quote func(string) string) (string, []any) {
	parts := make([]string, 0, where.Len())
	args := make([]any, 0, where.Len())
	for _, col := range where.columns {
		v := where.values[col]
		if v == nil {
			parts = append(parts, quote(col)+" IS NULL")
			continue
		}
		parts = append(parts, quote(col)+" = ?")
		args = append(args, v)
	}
	return strings.Join(parts, " AND "), args
}

func sortedColumns(snap Snapshot) []string {
	cols := snap.Columns()
	sort.Strings(cols)
	return cols
}
