// Package mysqladapter implements a MySQL-like Destination Adapter (§4.1).
// The upsert idiom (ON DUPLICATE KEY UPDATE via a NamedExec-style statement)
// is grounded on the teacher's pkg/estuary/mysql.go WriteEvent, generalized
// from a single-record CDC write to a batched upsert.
package mysqladapter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	_ "github.com/go-sql-driver/mysql"

	"github.com/cohenjo/migrator/pkg/destination"
	"github.com/cohenjo/migrator/pkg/models"
)

const DestType = "mysql"

type Adapter struct {
	dsn      string
	database string

	mu sync.Mutex
	db *sqlx.DB
}

// New constructs an Adapter. Expected config keys: "dsn" (required),
// "database" (required).
func New(cfg map[string]interface{}) (destination.Adapter, error) {
	dsn, _ := cfg["dsn"].(string)
	database, _ := cfg["database"].(string)
	if dsn == "" || database == "" {
		return nil, models.NewAdapterError(models.ErrKindConnection, DestType, "connect", "", "dsn and database are required", nil)
	}
	return &Adapter{dsn: dsn, database: database}, nil
}

func (a *Adapter) DestinationKey() string { return DestType }

func (a *Adapter) Connect(ctx context.Context, sourceType string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db != nil {
		return nil
	}
	db, err := sqlx.Open("mysql", a.dsn)
	if err != nil {
		return models.NewAdapterError(models.ErrKindConnection, DestType, "connect", "", "open failed", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return models.NewAdapterError(models.ErrKindConnection, DestType, "connect", "", "ping failed", err)
	}
	if _, err := db.ExecContext(pingCtx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", a.database)); err != nil {
		db.Close()
		return models.NewAdapterError(models.ErrKindConnection, DestType, "connect", "", "create database failed", err)
	}
	a.db = db
	log.Info().Str("adapter", DestType).Str("source_type", sourceType).Msg("connected")
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

func (a *Adapter) MapTypes(columns []models.Column, sourceType string) []models.DestColumn {
	out := make([]models.DestColumn, 0, len(columns))
	for _, c := range columns {
		out = append(out, models.DestColumn{
			Name:     c.Name,
			Type:     mapOne(c.SourceType, sourceType),
			Nullable: c.Nullable,
		})
	}
	return out
}

func mapOne(srcType, sourceFamily string) string {
	t := strings.ToLower(srcType)
	switch {
	case strings.Contains(t, "numeric") || strings.Contains(t, "decimal"):
		return "decimal(38,10)"
	case strings.Contains(t, "uuid"):
		return "char(36)"
	case t == "json" || t == "jsonb" || t == "array":
		return "json"
	case strings.Contains(t, "bigint") || strings.Contains(t, "int8"):
		return "bigint"
	case t == "int" || t == "integer" || strings.Contains(t, "int4"):
		return "int"
	case strings.Contains(t, "smallint") || t == "int2":
		return "smallint"
	case strings.Contains(t, "bool"):
		return "tinyint(1)"
	case strings.Contains(t, "timestamp"):
		return "datetime"
	case strings.Contains(t, "date"):
		return "date"
	case strings.Contains(t, "float") || strings.Contains(t, "double") || strings.Contains(t, "real"):
		return "double"
	case strings.Contains(t, "text"):
		return "text"
	case strings.Contains(t, "varchar") || strings.Contains(t, "char"):
		return "varchar(255)"
	case sourceFamily == "crm_api" || sourceFamily == "devops_api":
		switch t {
		case "number":
			return "double"
		case "boolean":
			return "tinyint(1)"
		case "json":
			return "json"
		default:
			return "text"
		}
	default:
		return "text"
	}
}

func (a *Adapter) WidestStringType() string { return "text" }

func (a *Adapter) CreateTable(ctx context.Context, name string, columns []models.DestColumn, primaryKey []string) error {
	var count int
	err := a.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM information_schema.tables WHERE table_schema=? AND table_name=?`, a.database, name)
	if err != nil {
		return models.NewAdapterError(models.ErrKindSchema, DestType, "createTable", name, "existence check failed", err)
	}
	if count > 0 {
		existing := map[string]bool{}
		var cols []string
		if err := a.db.SelectContext(ctx, &cols, `
			SELECT column_name FROM information_schema.columns WHERE table_schema=? AND table_name=?`, a.database, name); err != nil {
			return models.NewAdapterError(models.ErrKindSchema, DestType, "createTable", name, "column introspection failed", err)
		}
		for _, c := range cols {
			existing[c] = true
		}
		var missing []models.DestColumn
		for _, c := range columns {
			if !existing[c.Name] {
				missing = append(missing, c)
			}
		}
		return a.EvolveSchema(ctx, name, missing)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE `%s` (", name)
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "`%s` %s", c.Name, c.Type)
		if !c.Nullable {
			b.WriteString(" NOT NULL")
		}
	}
	if len(primaryKey) > 0 {
		quoted := make([]string, len(primaryKey))
		for i, c := range primaryKey {
			quoted[i] = "`" + c + "`"
		}
		fmt.Fprintf(&b, ", PRIMARY KEY (%s)", strings.Join(quoted, ", "))
	}
	b.WriteString(") ENGINE=InnoDB")

	if _, err := a.db.ExecContext(ctx, b.String()); err != nil {
		return models.NewAdapterError(models.ErrKindSchema, DestType, "createTable", name, "create failed", err)
	}
	return nil
}

func (a *Adapter) EvolveSchema(ctx context.Context, name string, missing []models.DestColumn) error {
	for _, c := range missing {
		stmt := fmt.Sprintf("ALTER TABLE `%s` ADD COLUMN `%s` %s", name, c.Name, c.Type)
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return models.NewAdapterError(models.ErrKindSchema, DestType, "evolveSchema", name, "add column failed", err)
		}
	}
	return nil
}

func (a *Adapter) WriteData(ctx context.Context, name string, batch models.RowBatch, primaryKey []string) error {
	if len(batch.Rows) == 0 {
		return nil
	}
	cols := columnOrder(batch.Rows)

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO `%s` (", name)
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "`%s`", c)
	}
	b.WriteString(") VALUES (")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, ":%s", c)
	}
	b.WriteString(")")
	if len(primaryKey) > 0 {
		b.WriteString(" ON DUPLICATE KEY UPDATE ")
		pkSet := map[string]bool{}
		for _, c := range primaryKey {
			pkSet[c] = true
		}
		first := true
		for _, c := range cols {
			if pkSet[c] {
				continue
			}
			if !first {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "`%s` = VALUES(`%s`)", c, c)
			first = false
		}
	}
	stmt := b.String()

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.NewAdapterError(models.ErrKindWrite, DestType, "writeData", name, "begin tx failed", err)
	}
	for _, row := range batch.Rows {
		if _, err := tx.NamedExecContext(ctx, stmt, map[string]interface{}(row)); err != nil {
			tx.Rollback()
			return models.NewAdapterError(models.ErrKindWrite, DestType, "writeData", name, "exec failed", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return models.NewAdapterError(models.ErrKindWrite, DestType, "writeData", name, "commit failed", err)
	}
	return nil
}

func columnOrder(rows []models.Row) []string {
	seen := map[string]bool{}
	var order []string
	for _, r := range rows {
		for k := range r {
			if !seen[k] {
				seen[k] = true
				order = append(order, k)
			}
		}
	}
	return order
}

func (a *Adapter) CreateIndexes(ctx context.Context, table string, indexes []models.Index) error {
	for _, idx := range indexes {
		cols := make([]string, len(idx.Columns))
		for i, c := range idx.Columns {
			cols[i] = "`" + c + "`"
		}
		unique := ""
		if idx.Unique {
			unique = "UNIQUE "
		}
		stmt := fmt.Sprintf("CREATE %sINDEX `%s` ON `%s` (%s)", unique, idx.Name, table, strings.Join(cols, ", "))
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			log.Warn().Err(err).Str("table", table).Str("index", idx.Name).Msg("createIndexes failed, continuing")
		}
	}
	return nil
}

func (a *Adapter) CreateUniqueConstraints(ctx context.Context, table string, constraints []models.UniqueConstraint) error {
	for _, uc := range constraints {
		cols := make([]string, len(uc.Columns))
		for i, c := range uc.Columns {
			cols[i] = "`" + c + "`"
		}
		stmt := fmt.Sprintf("ALTER TABLE `%s` ADD CONSTRAINT `%s` UNIQUE (%s)", table, uc.Name, strings.Join(cols, ", "))
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			log.Warn().Err(err).Str("table", table).Str("constraint", uc.Name).Msg("createUniqueConstraints failed, continuing")
		}
	}
	return nil
}

func (a *Adapter) CreateForeignKeys(ctx context.Context, table string, foreignKeys []models.ForeignKey) error {
	for _, fk := range foreignKeys {
		cols := make([]string, len(fk.Columns))
		for i, c := range fk.Columns {
			cols[i] = "`" + c + "`"
		}
		refCols := make([]string, len(fk.RefColumns))
		for i, c := range fk.RefColumns {
			refCols[i] = "`" + c + "`"
		}
		stmt := fmt.Sprintf("ALTER TABLE `%s` ADD CONSTRAINT `%s` FOREIGN KEY (%s) REFERENCES `%s` (%s)",
			table, fk.Name, strings.Join(cols, ", "), fk.RefTable, strings.Join(refCols, ", "))
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			log.Warn().Err(err).Str("table", table).Str("fk", fk.Name).Msg("createForeignKeys failed, continuing")
		}
	}
	return nil
}
