// Package mysqladapter implements a MySQL-like Source Adapter (§4.1) using
// sqlx over database/sql with the go-sql-driver/mysql driver. The
// connection lifecycle and state handling are grounded on the teacher's
// pkg/streams/mysql_stream.go, reworked from binlog streaming (replication
// package) to plain batched SELECTs, since the spec's Non-goals exclude CDC.
package mysqladapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	_ "github.com/go-sql-driver/mysql"

	"github.com/cohenjo/migrator/pkg/models"
	"github.com/cohenjo/migrator/pkg/source"
)

const SourceType = "mysql"

// Adapter is a MySQL-like Source Adapter.
type Adapter struct {
	dsn      string
	database string

	mu sync.Mutex
	db *sqlx.DB
}

// New constructs an Adapter. Expected config keys: "dsn" (required, in
// go-sql-driver/mysql DSN form), "database" (required, the schema to scan).
func New(cfg map[string]interface{}) (source.Adapter, error) {
	dsn, _ := cfg["dsn"].(string)
	database, _ := cfg["database"].(string)
	if dsn == "" || database == "" {
		return nil, models.NewAdapterError(models.ErrKindConnection, SourceType, "connect", "", "dsn and database are required", nil)
	}
	return &Adapter{dsn: dsn, database: database}, nil
}

func (a *Adapter) SourceKey() string { return SourceType }

func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db != nil {
		return nil
	}
	db, err := sqlx.Open("mysql", a.dsn)
	if err != nil {
		return models.NewAdapterError(models.ErrKindConnection, SourceType, "connect", "", "open failed", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return models.NewAdapterError(models.ErrKindConnection, SourceType, "connect", "", "ping failed", err)
	}
	a.db = db
	log.Info().Str("adapter", SourceType).Str("database", a.database).Msg("connected")
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db != nil {
		err := a.db.Close()
		a.db = nil
		return err
	}
	return nil
}

func (a *Adapter) ListTables(ctx context.Context) ([]string, error) {
	var tables []string
	err := a.db.SelectContext(ctx, &tables, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = ? AND table_type = 'BASE TABLE'
		ORDER BY table_name`, a.database)
	if err != nil {
		return nil, models.NewAdapterError(models.ErrKindRead, SourceType, "listTables", "", "query failed", err)
	}
	return tables, nil
}

type columnRow struct {
	Name     string  `db:"COLUMN_NAME"`
	DataType string  `db:"DATA_TYPE"`
	Nullable string  `db:"IS_NULLABLE"`
	Default  *string `db:"COLUMN_DEFAULT"`
}

func (a *Adapter) GetSchema(ctx context.Context, table string) (models.TableDescriptor, error) {
	desc := models.TableDescriptor{Name: table}
	var cols []columnRow
	err := a.db.SelectContext(ctx, &cols, `
		SELECT COLUMN_NAME, DATA_TYPE, IS_NULLABLE, COLUMN_DEFAULT
		FROM information_schema.columns
		WHERE table_schema = ? AND table_name = ?
		ORDER BY ORDINAL_POSITION`, a.database, table)
	if err != nil {
		return desc, models.NewAdapterError(models.ErrKindSchema, SourceType, "getSchema", table, "query columns failed", err)
	}
	for _, c := range cols {
		col := models.Column{Name: c.Name, SourceType: c.DataType, Nullable: c.Nullable == "YES"}
		if c.Default != nil {
			col.Default = *c.Default
		}
		desc.Columns = append(desc.Columns, col)
	}

	if pk, err := a.getPrimaryKey(ctx, table); err != nil {
		log.Warn().Err(err).Str("table", table).Msg("getPrimaryKey failed, continuing with empty result")
	} else {
		desc.PrimaryKey = pk
	}
	if fks, err := a.GetForeignKeys(ctx, table); err == nil {
		desc.ForeignKeys = fks
	}
	if ucs, err := a.GetUniqueConstraints(ctx, table); err == nil {
		desc.UniqueConstraints = ucs
	}
	if idx, err := a.GetIndexes(ctx, table); err == nil {
		desc.Indexes = idx
	}
	return desc, nil
}

func (a *Adapter) getPrimaryKey(ctx context.Context, table string) ([]string, error) {
	var cols []string
	err := a.db.SelectContext(ctx, &cols, `
		SELECT COLUMN_NAME FROM information_schema.key_column_usage
		WHERE table_schema = ? AND table_name = ? AND constraint_name = 'PRIMARY'
		ORDER BY ORDINAL_POSITION`, a.database, table)
	return cols, err
}

type keyColRow struct {
	ConstraintName string `db:"CONSTRAINT_NAME"`
	ColumnName     string `db:"COLUMN_NAME"`
	RefTable       *string `db:"REFERENCED_TABLE_NAME"`
	RefColumn      *string `db:"REFERENCED_COLUMN_NAME"`
}

func (a *Adapter) GetForeignKeys(ctx context.Context, table string) ([]models.ForeignKey, error) {
	var rows []keyColRow
	err := a.db.SelectContext(ctx, &rows, `
		SELECT CONSTRAINT_NAME, COLUMN_NAME, REFERENCED_TABLE_NAME, REFERENCED_COLUMN_NAME
		FROM information_schema.key_column_usage
		WHERE table_schema = ? AND table_name = ? AND referenced_table_name IS NOT NULL
		ORDER BY CONSTRAINT_NAME, ORDINAL_POSITION`, a.database, table)
	if err != nil {
		log.Warn().Err(err).Str("table", table).Msg("getForeignKeys failed, returning empty")
		return nil, nil
	}
	byName := map[string]*models.ForeignKey{}
	var order []string
	for _, r := range rows {
		fk, ok := byName[r.ConstraintName]
		if !ok {
			refTable := ""
			if r.RefTable != nil {
				refTable = *r.RefTable
			}
			fk = &models.ForeignKey{Name: r.ConstraintName, RefTable: refTable}
			byName[r.ConstraintName] = fk
			order = append(order, r.ConstraintName)
		}
		fk.Columns = append(fk.Columns, r.ColumnName)
		if r.RefColumn != nil {
			fk.RefColumns = append(fk.RefColumns, *r.RefColumn)
		}
	}
	result := make([]models.ForeignKey, 0, len(order))
	for _, n := range order {
		result = append(result, *byName[n])
	}
	return result, nil
}

func (a *Adapter) GetUniqueConstraints(ctx context.Context, table string) ([]models.UniqueConstraint, error) {
	type row struct {
		ConstraintName string `db:"CONSTRAINT_NAME"`
		ColumnName     string `db:"COLUMN_NAME"`
	}
	var rows []row
	err := a.db.SelectContext(ctx, &rows, `
		SELECT tc.CONSTRAINT_NAME, kcu.COLUMN_NAME
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.CONSTRAINT_NAME = kcu.CONSTRAINT_NAME AND tc.table_schema = kcu.table_schema
		WHERE tc.table_schema = ? AND tc.table_name = ? AND tc.constraint_type = 'UNIQUE'
		ORDER BY tc.CONSTRAINT_NAME, kcu.ORDINAL_POSITION`, a.database, table)
	if err != nil {
		log.Warn().Err(err).Str("table", table).Msg("getUniqueConstraints failed, returning empty")
		return nil, nil
	}
	byName := map[string]*models.UniqueConstraint{}
	var order []string
	for _, r := range rows {
		uc, ok := byName[r.ConstraintName]
		if !ok {
			uc = &models.UniqueConstraint{Name: r.ConstraintName}
			byName[r.ConstraintName] = uc
			order = append(order, r.ConstraintName)
		}
		uc.Columns = append(uc.Columns, r.ColumnName)
	}
	result := make([]models.UniqueConstraint, 0, len(order))
	for _, n := range order {
		result = append(result, *byName[n])
	}
	return result, nil
}

func (a *Adapter) GetIndexes(ctx context.Context, table string) ([]models.Index, error) {
	type row struct {
		IndexName  string `db:"INDEX_NAME"`
		ColumnName string `db:"COLUMN_NAME"`
		NonUnique  int    `db:"NON_UNIQUE"`
	}
	var rows []row
	err := a.db.SelectContext(ctx, &rows, `
		SELECT INDEX_NAME, COLUMN_NAME, NON_UNIQUE
		FROM information_schema.statistics
		WHERE table_schema = ? AND table_name = ? AND INDEX_NAME != 'PRIMARY'
		ORDER BY INDEX_NAME, SEQ_IN_INDEX`, a.database, table)
	if err != nil {
		log.Warn().Err(err).Str("table", table).Msg("getIndexes failed, returning empty")
		return nil, nil
	}
	byName := map[string]*models.Index{}
	var order []string
	for _, r := range rows {
		idx, ok := byName[r.IndexName]
		if !ok {
			idx = &models.Index{Name: r.IndexName, Unique: r.NonUnique == 0}
			byName[r.IndexName] = idx
			order = append(order, r.IndexName)
		}
		idx.Columns = append(idx.Columns, r.ColumnName)
	}
	result := make([]models.Index, 0, len(order))
	for _, n := range order {
		result = append(result, *byName[n])
	}
	return result, nil
}

func (a *Adapter) ReadData(ctx context.Context, table string, batchSize int) (source.BatchStream, error) {
	pk, err := a.getPrimaryKey(ctx, table)
	if err != nil || len(pk) == 0 {
		pk = nil
	}
	return newOffsetStream(a.db, table, pk, batchSize, nil), nil
}

func (a *Adapter) ReadIncremental(ctx context.Context, table string, since time.Time, batchSize int) (source.BatchStream, error) {
	pk, err := a.getPrimaryKey(ctx, table)
	if err != nil || len(pk) == 0 {
		pk = nil
	}
	return newOffsetStream(a.db, table, pk, batchSize, &since), nil
}

// offsetStream pages a MySQL table using LIMIT/OFFSET. MySQL lacks a
// universal row identifier analogous to Postgres ctid, so plain offset
// paging is used; tables without a stable order may see skew under
// concurrent writes, acceptable per the spec's best-effort consistency (P5).
type offsetStream struct {
	db        *sqlx.DB
	table     string
	pk        []string
	batchSize int
	since     *time.Time
	offset    int
	done      bool
}

func newOffsetStream(db *sqlx.DB, table string, pk []string, batchSize int, since *time.Time) *offsetStream {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &offsetStream{db: db, table: table, pk: pk, batchSize: batchSize, since: since}
}

func (s *offsetStream) Next(ctx context.Context) (models.RowBatch, bool, error) {
	if s.done {
		return models.RowBatch{}, false, nil
	}
	orderBy := "1"
	if len(s.pk) > 0 {
		orderBy = s.pk[0]
	}
	query := fmt.Sprintf("SELECT * FROM `%s` WHERE 1=1 ", s.table)
	args := []interface{}{}
	if s.since != nil {
		query += "AND COALESCE(updated_at, created_at, NOW()) > ? "
		args = append(args, *s.since)
	}
	query += "ORDER BY " + orderBy + " LIMIT ? OFFSET ?"
	args = append(args, s.batchSize, s.offset)

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return models.RowBatch{}, false, models.NewAdapterError(models.ErrKindRead, SourceType, "readData", s.table, "query failed", err)
	}
	defer rows.Close()

	var batch models.RowBatch
	for rows.Next() {
		m := map[string]interface{}{}
		if err := rows.MapScan(m); err != nil {
			return models.RowBatch{}, false, models.NewAdapterError(models.ErrKindRead, SourceType, "readData", s.table, "scan failed", err)
		}
		batch.Rows = append(batch.Rows, models.Row(m))
	}
	if err := rows.Err(); err != nil {
		return models.RowBatch{}, false, models.NewAdapterError(models.ErrKindRead, SourceType, "readData", s.table, "row iteration failed", err)
	}

	if len(batch.Rows) == 0 {
		s.done = true
		return models.RowBatch{}, false, nil
	}
	s.offset += len(batch.Rows)
	if len(batch.Rows) < s.batchSize {
		s.done = true
	}
	return batch, true, nil
}

func (s *offsetStream) Close() error { return nil }
