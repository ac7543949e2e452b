package lookup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultBusyTimeout bounds how long a query waits on a locked store.
const DefaultBusyTimeout = 5 * time.Second

// SQLiteConfig points a SQLiteOpener at the two record stores.
type SQLiteConfig struct {
	// CPFPath is the store holding the cpf table.
	CPFPath string
	// CNPJPath is the store holding the socios and estabelecimentos tables.
	CNPJPath string
	// BusyTimeout is applied to every handle (defaults to DefaultBusyTimeout).
	BusyTimeout time.Duration
}

// SQLiteOpener opens fresh SQLite handles for every session.
type SQLiteOpener struct {
	cfg SQLiteConfig
}

// NewSQLiteOpener validates that both stores exist and returns an opener.
// Stores are never created implicitly; use InitStores for that.
func NewSQLiteOpener(cfg SQLiteConfig) (*SQLiteOpener, error) {
	if strings.TrimSpace(cfg.CPFPath) == "" || strings.TrimSpace(cfg.CNPJPath) == "" {
		return nil, fmt.Errorf("lookup: both cpf and cnpj store paths are required")
	}
	for _, path := range []string{cfg.CPFPath, cfg.CNPJPath} {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("lookup: store %q: %w", path, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("lookup: store %q is a directory", path)
		}
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = DefaultBusyTimeout
	}
	return &SQLiteOpener{cfg: cfg}, nil
}

// Open implements Opener. The returned session holds one handle per store.
func (o *SQLiteOpener) Open(ctx context.Context) (Session, error) {
	cpf, err := openStore(ctx, o.cfg.CPFPath, o.cfg.BusyTimeout)
	if err != nil {
		return nil, err
	}
	cnpj, err := openStore(ctx, o.cfg.CNPJPath, o.cfg.BusyTimeout)
	if err != nil {
		_ = cpf.Close()
		return nil, err
	}
	return &sqliteSession{cpf: cpf, cnpj: cnpj}, nil
}

// Sample draws up to n random identifier/name pairs from the cpf store.
func (o *SQLiteOpener) Sample(ctx context.Context, n int) ([]Sample, error) {
	if n <= 0 {
		return []Sample{}, nil
	}
	db, err := openStore(ctx, o.cfg.CPFPath, o.cfg.BusyTimeout)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	rows, err := db.QueryContext(ctx, "SELECT cpf, nome FROM cpf ORDER BY RANDOM() LIMIT ?", n)
	if err != nil {
		return nil, storeError("sample", err)
	}
	defer rows.Close()
	out := make([]Sample, 0, n)
	for rows.Next() {
		var cpf, name sql.NullString
		if err := rows.Scan(&cpf, &name); err != nil {
			return nil, storeError("sample", err)
		}
		out = append(out, Sample{CPF: cpf.String, Name: name.String})
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("sample", err)
	}
	return out, nil
}

func openStore(ctx context.Context, path string, busy time.Duration) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, storeError("open "+path, err)
	}
	db.SetMaxOpenConns(1)
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout=%d", busy.Milliseconds()),
		"PRAGMA query_only=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, storeError("open "+path, err)
		}
	}
	return db, nil
}

func storeError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrDataStore, op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrDataStore, op, err)
}

type sqliteSession struct {
	cpf  *sql.DB
	cnpj *sql.DB
}

func (s *sqliteSession) Close() error {
	return errors.Join(s.cpf.Close(), s.cnpj.Close())
}

const personColumns = "SELECT cpf, nome, sexo, nasc FROM cpf"

func (s *sqliteSession) ByName(ctx context.Context, term string) ([]Record, error) {
	return s.people(ctx, "by_name", personColumns+` WHERE nome LIKE ? ESCAPE '\'`, containsPattern(normalizeName(term)))
}

func (s *sqliteSession) ByExactName(ctx context.Context, term string) ([]Record, error) {
	return s.people(ctx, "by_exact_name", personColumns+" WHERE nome = ?", normalizeName(term))
}

func (s *sqliteSession) ByCPF(ctx context.Context, cpf string) ([]Record, error) {
	return s.people(ctx, "by_cpf", personColumns+" WHERE cpf = ?", strings.TrimSpace(cpf))
}

func (s *sqliteSession) people(ctx context.Context, op, query string, args ...any) ([]Record, error) {
	rows, err := s.cpf.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError(op, err)
	}
	defer rows.Close()
	out := make([]Record, 0)
	for rows.Next() {
		var cpf, name, sex, birth sql.NullString
		if err := rows.Scan(&cpf, &name, &sex, &birth); err != nil {
			return nil, storeError(op, err)
		}
		out = append(out, Record{
			KeyCPF:   cpf.String,
			KeyName:  name.String,
			KeySex:   sex.String,
			KeyBirth: birth.String,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(op, err)
	}
	return out, nil
}

const partnerColumns = "SELECT radical, nome, cpf_cnpj FROM socios"

func (s *sqliteSession) PartnersByName(ctx context.Context, term string) ([]Record, error) {
	partners, err := s.partners(ctx, "partners_by_name", partnerColumns+` WHERE nome LIKE ? ESCAPE '\'`, containsPattern(normalizeName(term)))
	if err != nil {
		return nil, err
	}
	return partnerRecords(partners), nil
}

func (s *sqliteSession) PartnersByNameCPF(ctx context.Context, name, key string) ([]Record, error) {
	partners, err := s.partnersByNameCPF(ctx, "partners_by_name_cpf", name, key)
	if err != nil {
		return nil, err
	}
	return partnerRecords(partners), nil
}

func (s *sqliteSession) PartnersByNameCPFRadical(ctx context.Context, name, key string) ([]Record, error) {
	const op = "partners_by_name_cpf_radical"
	partners, err := s.partnersByNameCPF(ctx, op, name, key)
	if err != nil {
		return nil, err
	}
	out := partnerRecords(partners)
	names := make(map[string]string, len(partners))
	for i, p := range partners {
		tradingName, seen := names[p.radical]
		if !seen {
			tradingName, err = s.tradingName(ctx, op, p.radical)
			if err != nil {
				return nil, err
			}
			names[p.radical] = tradingName
		}
		if tradingName != "" {
			out[i][KeyTradingName] = tradingName
		}
	}
	return out, nil
}

func (s *sqliteSession) partnersByNameCPF(ctx context.Context, op, name, key string) ([]partner, error) {
	return s.partners(ctx, op,
		partnerColumns+` WHERE cpf_cnpj LIKE ? ESCAPE '\' AND nome LIKE ? ESCAPE '\'`,
		containsPattern(key), containsPattern(normalizeName(name)))
}

type partner struct {
	radical string
	name    string
	cpf     string
}

func (s *sqliteSession) partners(ctx context.Context, op, query string, args ...any) ([]partner, error) {
	rows, err := s.cnpj.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError(op, err)
	}
	defer rows.Close()
	var out []partner
	for rows.Next() {
		var radical, name, cpf sql.NullString
		if err := rows.Scan(&radical, &name, &cpf); err != nil {
			return nil, storeError(op, err)
		}
		out = append(out, partner{radical: radical.String, name: name.String, cpf: cpf.String})
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(op, err)
	}
	return out, nil
}

func (s *sqliteSession) tradingName(ctx context.Context, op, radical string) (string, error) {
	var name sql.NullString
	err := s.cnpj.QueryRowContext(ctx,
		"SELECT nome_fantasia FROM estabelecimentos WHERE radical = ? AND COALESCE(nome_fantasia, '') <> '' LIMIT 1",
		radical).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", storeError(op, err)
	}
	return name.String, nil
}

func partnerRecords(partners []partner) []Record {
	out := make([]Record, 0, len(partners))
	for _, p := range partners {
		out = append(out, Record{
			KeyCPF:  p.cpf,
			KeyName: p.name,
		})
	}
	return out
}

// Names are stored upper-cased.
func normalizeName(term string) string {
	return strings.ToUpper(strings.TrimSpace(term))
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func containsPattern(term string) string {
	return "%" + likeEscaper.Replace(term) + "%"
}
