package lookup

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
)

var cpfSchema = []string{
	`CREATE TABLE IF NOT EXISTS cpf (
		cpf  TEXT PRIMARY KEY,
		nome TEXT NOT NULL,
		sexo TEXT,
		nasc TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cpf_nome ON cpf(nome)`,
}

var cnpjSchema = []string{
	`CREATE TABLE IF NOT EXISTS socios (
		radical       TEXT NOT NULL,
		identificador TEXT,
		nome          TEXT NOT NULL,
		cpf_cnpj      TEXT,
		qualificacao  TEXT,
		data_entrada  TEXT,
		faixa_etaria  TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_socios_nome ON socios(nome)`,
	`CREATE TABLE IF NOT EXISTS estabelecimentos (
		radical       TEXT NOT NULL,
		ordem         TEXT,
		dv            TEXT,
		nome_fantasia TEXT,
		situacao      TEXT,
		uf            TEXT,
		municipio     TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_estabelecimentos_radical ON estabelecimentos(radical)`,
}

// InitStores creates both stores (and parent directories) with the expected
// tables. Existing tables are left untouched.
func InitStores(ctx context.Context, cpfPath, cnpjPath string) error {
	if err := initStore(ctx, cpfPath, cpfSchema); err != nil {
		return fmt.Errorf("lookup: init cpf store: %w", err)
	}
	if err := initStore(ctx, cnpjPath, cnpjSchema); err != nil {
		return fmt.Errorf("lookup: init cnpj store: %w", err)
	}
	return nil
}

func initStore(ctx context.Context, path string, statements []string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer db.Close()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return err
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Person is a cpf store row.
type Person struct {
	CPF   string
	Name  string
	Sex   string
	Birth string
}

// Partner is a socios row.
type Partner struct {
	Radical string
	Name    string
	CPF     string
}

// Establishment is an estabelecimentos row.
type Establishment struct {
	Radical     string
	TradingName string
}

// Seed inserts rows into stores created by InitStores. Names are stored
// upper-cased, matching how lookups normalise their terms.
func Seed(ctx context.Context, cpfPath, cnpjPath string, people []Person, partners []Partner, establishments []Establishment) error {
	if len(people) > 0 {
		if err := withTx(ctx, cpfPath, func(tx *sql.Tx) error {
			for _, p := range people {
				if _, err := tx.ExecContext(ctx,
					"INSERT OR REPLACE INTO cpf (cpf, nome, sexo, nasc) VALUES (?, ?, ?, ?)",
					p.CPF, normalizeName(p.Name), p.Sex, p.Birth); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return fmt.Errorf("lookup: seed cpf store: %w", err)
		}
	}
	if len(partners) == 0 && len(establishments) == 0 {
		return nil
	}
	if err := withTx(ctx, cnpjPath, func(tx *sql.Tx) error {
		for _, p := range partners {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO socios (radical, nome, cpf_cnpj) VALUES (?, ?, ?)",
				p.Radical, normalizeName(p.Name), p.CPF); err != nil {
				return err
			}
		}
		for _, e := range establishments {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO estabelecimentos (radical, nome_fantasia) VALUES (?, ?)",
				e.Radical, e.TradingName); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return fmt.Errorf("lookup: seed cnpj store: %w", err)
	}
	return nil
}

func withTx(ctx context.Context, path string, fn func(*sql.Tx) error) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer db.Close()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
