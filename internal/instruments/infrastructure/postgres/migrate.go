package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"airquality-cloud/internal/instruments/registry"
	"airquality-cloud/internal/query"
)

//go:embed migrations/*/up.sql
var migrationsFS embed.FS

// Migration is one versioned schema change.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Migrations lists the embedded migrations in version order. Directory names
// start with the version, e.g. 0001_init.
func Migrations() ([]Migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}
	var out []Migration
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		prefix, _, _ := strings.Cut(entry.Name(), "_")
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migration %s: bad version: %w", entry.Name(), err)
		}
		body, err := fs.ReadFile(migrationsFS, "migrations/"+entry.Name()+"/up.sql")
		if err != nil {
			return nil, fmt.Errorf("migration %s: %w", entry.Name(), err)
		}
		out = append(out, Migration{Version: version, Name: entry.Name(), SQL: string(body)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Migrate applies pending migrations, each in its own transaction, and then
// creates missing observation tables from the family registry. It returns
// the names of the applied migrations.
func (s *Store) Migrate(ctx context.Context) ([]string, error) {
	if _, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`); err != nil {
		return nil, err
	}
	var current int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return nil, err
	}
	migrations, err := Migrations()
	if err != nil {
		return nil, err
	}
	var applied []string
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		err := s.inTx(ctx, func(q queryer) error {
			if _, err := q.ExecContext(ctx, m.SQL); err != nil {
				return err
			}
			_, err := q.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.Version)
			return err
		})
		if err != nil {
			return applied, fmt.Errorf("apply migration %s: %w", m.Name, err)
		}
		applied = append(applied, m.Name)
	}
	for _, fam := range registry.All() {
		if !fam.HasTable() {
			continue
		}
		if _, err := s.db.ExecContext(ctx, ObservationTableDDL(fam)); err != nil {
			return applied, fmt.Errorf("create %s: %w", fam.Table, err)
		}
	}
	return applied, nil
}

var columnTypes = map[query.Kind]string{
	query.KindString: "TEXT",
	query.KindFloat:  "DOUBLE PRECISION",
	query.KindInt:    "BIGINT",
	query.KindBool:   "BOOLEAN",
	query.KindTime:   "TIMESTAMPTZ",
}

// ObservationTableDDL renders the observation table of a family.
func ObservationTableDDL(fam *registry.Family) string {
	table := query.QuoteIdent(fam.Table)
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", table)
	b.WriteString("\tid BIGSERIAL PRIMARY KEY,\n")
	b.WriteString("\tinstr_sn TEXT NOT NULL REFERENCES instruments(sn) ON DELETE CASCADE ON UPDATE CASCADE,\n")
	b.WriteString("\t\"timestamp\" TIMESTAMPTZ NOT NULL")
	for _, c := range fam.Columns {
		fmt.Fprintf(&b, ",\n\t%s %s", query.QuoteIdent(c.Name), columnTypes[c.Kind])
	}
	b.WriteString("\n);\n")
	fmt.Fprintf(&b, "CREATE INDEX IF NOT EXISTS %s ON %s (instr_sn, \"timestamp\")",
		query.QuoteIdent(fam.Table+"_sn_ts_idx"), table)
	return b.String()
}
