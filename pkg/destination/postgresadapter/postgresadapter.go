// Package postgresadapter implements a Postgres-like Destination Adapter
// (§4.1): mapTypes/createTable/evolveSchema/writeData (upsert on primary
// key) plus post-load index/constraint creation. Connection idiom follows
// pkg/source/postgresadapter; type-mapping conservatism (defaults dropped
// rather than failing creation) follows §4.1's adapter note.
package postgresadapter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/cohenjo/migrator/pkg/destination"
	"github.com/cohenjo/migrator/pkg/models"
)

const DestType = "postgres"

type Adapter struct {
	dsn    string
	schema string

	mu   sync.Mutex
	pool *pgxpool.Pool
}

// New constructs an Adapter. Expected config keys: "dsn" (required),
// "schema" (optional, defaults to "public").
func New(cfg map[string]interface{}) (destination.Adapter, error) {
	dsn, _ := cfg["dsn"].(string)
	if dsn == "" {
		return nil, models.NewAdapterError(models.ErrKindConnection, DestType, "connect", "", "dsn is required", nil)
	}
	schema, _ := cfg["schema"].(string)
	if schema == "" {
		schema = "public"
	}
	return &Adapter{dsn: dsn, schema: schema}, nil
}

func (a *Adapter) DestinationKey() string { return DestType }

func (a *Adapter) Connect(ctx context.Context, sourceType string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pool != nil {
		return nil
	}
	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	pool, err := pgxpool.New(connCtx, a.dsn)
	if err != nil {
		return models.NewAdapterError(models.ErrKindConnection, DestType, "connect", "", "dial failed", err)
	}
	if err := pool.Ping(connCtx); err != nil {
		pool.Close()
		return models.NewAdapterError(models.ErrKindConnection, DestType, "connect", "", "ping failed", err)
	}
	if _, err := pool.Exec(connCtx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pgx.Identifier{a.schema}.Sanitize())); err != nil {
		pool.Close()
		return models.NewAdapterError(models.ErrKindConnection, DestType, "connect", "", "create schema failed", err)
	}
	a.pool = pool
	log.Info().Str("adapter", DestType).Str("source_type", sourceType).Msg("connected")
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	return nil
}

// MapTypes is the total function from §4.1: precision-preserving for
// fixed-point numerics, arrays/JSON to jsonb, UUID to Postgres's native
// uuid, unknown types to text.
func (a *Adapter) MapTypes(columns []models.Column, sourceType string) []models.DestColumn {
	out := make([]models.DestColumn, 0, len(columns))
	for _, c := range columns {
		dc := models.DestColumn{Name: c.Name, Nullable: c.Nullable}
		dc.Type = mapOne(c.SourceType, sourceType)
		if def, ok := renderDefault(c.Default); ok {
			dc.Default = def
			dc.HasDefault = true
		}
		out = append(out, dc)
	}
	return out
}

func mapOne(srcType, sourceFamily string) string {
	t := strings.ToLower(srcType)
	switch {
	case strings.Contains(t, "numeric") || strings.Contains(t, "decimal"):
		return "numeric"
	case strings.Contains(t, "uuid"):
		return "uuid"
	case t == "json" || t == "jsonb" || t == "array" || t == "json":
		return "jsonb"
	case strings.Contains(t, "int8") || strings.Contains(t, "bigint"):
		return "bigint"
	case strings.Contains(t, "int4") || t == "int" || t == "integer":
		return "integer"
	case strings.Contains(t, "smallint") || t == "int2":
		return "smallint"
	case strings.Contains(t, "bool"):
		return "boolean"
	case strings.Contains(t, "timestamp"):
		return "timestamptz"
	case strings.Contains(t, "date"):
		return "date"
	case strings.Contains(t, "float") || strings.Contains(t, "double") || strings.Contains(t, "real"):
		return "double precision"
	case strings.Contains(t, "text") || strings.Contains(t, "varchar") || strings.Contains(t, "char"):
		return "text"
	case sourceFamily == "crm_api" || sourceFamily == "devops_api":
		// API sources report "string"/"number"/"boolean"/"json".
		switch t {
		case "number":
			return "double precision"
		case "boolean":
			return "boolean"
		case "json":
			return "jsonb"
		default:
			return "text"
		}
	default:
		return "text"
	}
}

// knownDefaultFuncs maps source engine default functions to their Postgres
// equivalent 1:1 (§4.1's "known engine functions map 1:1").
var knownDefaultFuncs = map[string]string{
	"now()":              "now()",
	"current_timestamp":  "now()",
	"current_timestamp()": "now()",
	"getdate()":          "now()",
	"uuid()":             "gen_random_uuid()",
	"newid()":            "gen_random_uuid()",
}

// renderDefault translates a source default conservatively: known engine
// functions map 1:1, literal scalars are re-quoted, anything unrecognised
// is dropped rather than failing table creation (§4.1).
func renderDefault(def interface{}) (string, bool) {
	s, ok := def.(string)
	if !ok || s == "" {
		return "", false
	}
	lower := strings.ToLower(strings.TrimSpace(s))
	if mapped, ok := knownDefaultFuncs[lower]; ok {
		return mapped, true
	}
	trimmed := strings.Trim(s, "'\"")
	if trimmed == s && !isNumericLiteral(s) {
		// Looks like an unrecognised function or expression; drop it.
		return "", false
	}
	if isNumericLiteral(trimmed) {
		return trimmed, true
	}
	return "'" + strings.ReplaceAll(trimmed, "'", "''") + "'", true
}

func isNumericLiteral(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '-' && i == 0 {
			continue
		}
		if r == '.' {
			continue
		}
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (a *Adapter) WidestStringType() string { return "text" }

func (a *Adapter) CreateTable(ctx context.Context, name string, columns []models.DestColumn, primaryKey []string) error {
	qualified := a.qualify(name)
	var exists bool
	err := a.pool.QueryRow(ctx, `SELECT EXISTS(
		SELECT 1 FROM information_schema.tables WHERE table_schema=$1 AND table_name=$2)`,
		a.schema, name).Scan(&exists)
	if err != nil {
		return models.NewAdapterError(models.ErrKindSchema, DestType, "createTable", name, "existence check failed", err)
	}
	if exists {
		existingCols, err := a.existingColumns(ctx, name)
		if err != nil {
			return err
		}
		return a.EvolveSchema(ctx, name, missingColumns(columns, existingCols))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s (", qualified)
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s %s", pgx.Identifier{c.Name}.Sanitize(), c.Type)
		if c.HasDefault {
			fmt.Fprintf(&b, " DEFAULT %s", c.Default)
		}
		if !c.Nullable {
			b.WriteString(" NOT NULL")
		}
	}
	if len(primaryKey) > 0 {
		quoted := make([]string, len(primaryKey))
		for i, c := range primaryKey {
			quoted[i] = pgx.Identifier{c}.Sanitize()
		}
		fmt.Fprintf(&b, ", PRIMARY KEY (%s)", strings.Join(quoted, ", "))
	}
	b.WriteString(")")

	if _, err := a.pool.Exec(ctx, b.String()); err != nil {
		return models.NewAdapterError(models.ErrKindSchema, DestType, "createTable", name, "create failed", err)
	}
	return nil
}

func (a *Adapter) existingColumns(ctx context.Context, name string) (map[string]bool, error) {
	rows, err := a.pool.Query(ctx, `SELECT column_name FROM information_schema.columns WHERE table_schema=$1 AND table_name=$2`, a.schema, name)
	if err != nil {
		return nil, models.NewAdapterError(models.ErrKindSchema, DestType, "createTable", name, "column introspection failed", err)
	}
	defer rows.Close()
	cols := map[string]bool{}
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		cols[c] = true
	}
	return cols, rows.Err()
}

func missingColumns(want []models.DestColumn, have map[string]bool) []models.DestColumn {
	var missing []models.DestColumn
	for _, c := range want {
		if !have[c.Name] {
			missing = append(missing, c)
		}
	}
	return missing
}

func (a *Adapter) EvolveSchema(ctx context.Context, name string, missing []models.DestColumn) error {
	for _, c := range missing {
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
			a.qualify(name), pgx.Identifier{c.Name}.Sanitize(), c.Type)
		if _, err := a.pool.Exec(ctx, stmt); err != nil {
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
	fmt.Fprintf(&b, "INSERT INTO %s (", a.qualify(name))
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgx.Identifier{c}.Sanitize())
	}
	b.WriteString(") VALUES (")
	for i := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", i+1)
	}
	b.WriteString(")")
	if len(primaryKey) > 0 {
		quoted := make([]string, len(primaryKey))
		for i, c := range primaryKey {
			quoted[i] = pgx.Identifier{c}.Sanitize()
		}
		b.WriteString(fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET ", strings.Join(quoted, ", ")))
		first := true
		pkSet := map[string]bool{}
		for _, c := range primaryKey {
			pkSet[c] = true
		}
		for _, c := range cols {
			if pkSet[c] {
				continue
			}
			if !first {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s = EXCLUDED.%s", pgx.Identifier{c}.Sanitize(), pgx.Identifier{c}.Sanitize())
			first = false
		}
	}
	stmt := b.String()

	batchReq := &pgx.Batch{}
	for _, row := range batch.Rows {
		args := make([]interface{}, len(cols))
		for i, c := range cols {
			args[i] = row[c]
		}
		batchReq.Queue(stmt, args...)
	}
	br := a.pool.SendBatch(ctx, batchReq)
	defer br.Close()
	for range batch.Rows {
		if _, err := br.Exec(); err != nil {
			return models.NewAdapterError(models.ErrKindWrite, DestType, "writeData", name, "batch exec failed", err)
		}
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
			cols[i] = pgx.Identifier{c}.Sanitize()
		}
		unique := ""
		if idx.Unique {
			unique = "UNIQUE "
		}
		stmt := fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)",
			unique, pgx.Identifier{idx.Name}.Sanitize(), a.qualify(table), strings.Join(cols, ", "))
		if _, err := a.pool.Exec(ctx, stmt); err != nil {
			log.Warn().Err(err).Str("table", table).Str("index", idx.Name).Msg("createIndexes failed, continuing")
		}
	}
	return nil
}

func (a *Adapter) CreateUniqueConstraints(ctx context.Context, table string, constraints []models.UniqueConstraint) error {
	for _, uc := range constraints {
		cols := make([]string, len(uc.Columns))
		for i, c := range uc.Columns {
			cols[i] = pgx.Identifier{c}.Sanitize()
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s UNIQUE (%s)",
			a.qualify(table), pgx.Identifier{uc.Name}.Sanitize(), strings.Join(cols, ", "))
		if _, err := a.pool.Exec(ctx, stmt); err != nil {
			log.Warn().Err(err).Str("table", table).Str("constraint", uc.Name).Msg("createUniqueConstraints failed, continuing")
		}
	}
	return nil
}

func (a *Adapter) CreateForeignKeys(ctx context.Context, table string, foreignKeys []models.ForeignKey) error {
	for _, fk := range foreignKeys {
		cols := make([]string, len(fk.Columns))
		for i, c := range fk.Columns {
			cols[i] = pgx.Identifier{c}.Sanitize()
		}
		refCols := make([]string, len(fk.RefColumns))
		for i, c := range fk.RefColumns {
			refCols[i] = pgx.Identifier{c}.Sanitize()
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s)",
			a.qualify(table), pgx.Identifier{fk.Name}.Sanitize(), strings.Join(cols, ", "),
			a.qualify(fk.RefTable), strings.Join(refCols, ", "))
		if _, err := a.pool.Exec(ctx, stmt); err != nil {
			log.Warn().Err(err).Str("table", table).Str("fk", fk.Name).Msg("createForeignKeys failed, continuing")
		}
	}
	return nil
}

func (a *Adapter) qualify(table string) string {
	return pgx.Identifier{a.schema, table}.Sanitize()
}
