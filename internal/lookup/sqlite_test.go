package lookup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func seededOpener(t *testing.T) *SQLiteOpener {
	t.Helper()
	dir := t.TempDir()
	cpfPath := filepath.Join(dir, "cpf.db")
	cnpjPath := filepath.Join(dir, "cnpj.db")
	ctx := context.Background()
	if err := InitStores(ctx, cpfPath, cnpjPath); err != nil {
		t.Fatalf("init stores: %v", err)
	}
	people := []Person{
		{CPF: "12345678901", Name: "Maria Silva", Sex: "F", Birth: "1980-01-02"},
		{CPF: "98765432100", Name: "João Maria Souza", Sex: "M", Birth: "1975-05-06"},
		{CPF: "11122233344", Name: "Pedro 100% Real", Sex: "M", Birth: "1990-09-09"},
	}
	partners := []Partner{
		{Radical: "11222333", Name: "Maria Silva", CPF: "***456789**"},
		{Radical: "44555666", Name: "Maria Silva", CPF: "***000000**"},
		{Radical: "77888999", Name: "Carlos Lima", CPF: "***456789**"},
	}
	establishments := []Establishment{
		{Radical: "11222333", TradingName: ""},
		{Radical: "11222333", TradingName: "PADARIA DA MARIA"},
	}
	if err := Seed(ctx, cpfPath, cnpjPath, people, partners, establishments); err != nil {
		t.Fatalf("seed: %v", err)
	}
	opener, err := NewSQLiteOpener(SQLiteConfig{CPFPath: cpfPath, CNPJPath: cnpjPath})
	if err != nil {
		t.Fatalf("opener: %v", err)
	}
	return opener
}

func openSession(t *testing.T, opener Opener) Session {
	t.Helper()
	session, err := opener.Open(context.Background())
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	t.Cleanup(func() {
		if err := session.Close(); err != nil {
			t.Fatalf("close session: %v", err)
		}
	})
	return session
}

func TestByCPF(t *testing.T) {
	session := openSession(t, seededOpener(t))
	records, err := session.ByCPF(context.Background(), "12345678901")
	if err != nil {
		t.Fatalf("by cpf: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	rec := records[0]
	if rec[KeyCPF] != "12345678901" || rec[KeyName] != "MARIA SILVA" || rec[KeySex] != "F" || rec[KeyBirth] != "1980-01-02" {
		t.Fatalf("unexpected record %v", rec)
	}
	missing, err := session.ByCPF(context.Background(), "00000000000")
	if err != nil {
		t.Fatalf("by cpf missing: %v", err)
	}
	if missing == nil || len(missing) != 0 {
		t.Fatalf("expected empty non-nil result, got %#v", missing)
	}
}

func TestByNameIsCaseInsensitiveSubstring(t *testing.T) {
	session := openSession(t, seededOpener(t))
	records, err := session.ByName(context.Background(), "maria")
	if err != nil {
		t.Fatalf("by name: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected two matches, got %v", records)
	}
}

func TestByNameEscapesWildcards(t *testing.T) {
	session := openSession(t, seededOpener(t))
	records, err := session.ByName(context.Background(), "100%")
	if err != nil {
		t.Fatalf("by name: %v", err)
	}
	if len(records) != 1 || records[0][KeyCPF] != "11122233344" {
		t.Fatalf("unexpected matches %v", records)
	}
	records, err = session.ByName(context.Background(), "_")
	if err != nil {
		t.Fatalf("by name: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("underscore must match literally, got %v", records)
	}
}

func TestByExactName(t *testing.T) {
	session := openSession(t, seededOpener(t))
	records, err := session.ByExactName(context.Background(), "maria silva")
	if err != nil {
		t.Fatalf("by exact name: %v", err)
	}
	if len(records) != 1 || records[0][KeyCPF] != "12345678901" {
		t.Fatalf("unexpected matches %v", records)
	}
	records, err = session.ByExactName(context.Background(), "maria")
	if err != nil {
		t.Fatalf("by exact name: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("exact match must not match substrings, got %v", records)
	}
}

func TestPartnerQueries(t *testing.T) {
	session := openSession(t, seededOpener(t))
	ctx := context.Background()
	byName, err := session.PartnersByName(ctx, "silva")
	if err != nil {
		t.Fatalf("partners by name: %v", err)
	}
	if len(byName) != 2 {
		t.Fatalf("expected two partners, got %v", byName)
	}
	if _, ok := byName[0][KeySex]; ok {
		t.Fatalf("partner records carry only cpf and nome: %v", byName[0])
	}
	byKey, err := session.PartnersByNameCPF(ctx, "maria", "456789")
	if err != nil {
		t.Fatalf("partners by name cpf: %v", err)
	}
	if len(byKey) != 1 || byKey[0][KeyCPF] != "***456789**" {
		t.Fatalf("unexpected partners %v", byKey)
	}
	if _, ok := byKey[0][KeyTradingName]; ok {
		t.Fatal("plain partner lookup must not expand trading names")
	}
	expanded, err := session.PartnersByNameCPFRadical(ctx, "maria", "456789")
	if err != nil {
		t.Fatalf("partners radical: %v", err)
	}
	if len(expanded) != 1 || expanded[0][KeyTradingName] != "PADARIA DA MARIA" {
		t.Fatalf("unexpected expanded partners %v", expanded)
	}
	none, err := session.PartnersByNameCPF(ctx, "carlos", "000000")
	if err != nil {
		t.Fatalf("partners none: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no partners, got %v", none)
	}
}

func TestSample(t *testing.T) {
	opener := seededOpener(t)
	samples, err := opener.Sample(context.Background(), 10)
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if len(samples) != 3 {
		t.Fatalf("expected all three rows, got %d", len(samples))
	}
	for _, s := range samples {
		if s.CPF == "" || s.Name == "" {
			t.Fatalf("incomplete sample %+v", s)
		}
	}
	empty, err := opener.Sample(context.Background(), 0)
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty sample, got %v %v", empty, err)
	}
}

func TestNewSQLiteOpenerRequiresExistingStores(t *testing.T) {
	dir := t.TempDir()
	_, err := NewSQLiteOpener(SQLiteConfig{CPFPath: filepath.Join(dir, "missing.db"), CNPJPath: filepath.Join(dir, "missing2.db")})
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
	if _, err := NewSQLiteOpener(SQLiteConfig{}); err == nil {
		t.Fatal("expected error for empty paths")
	}
	if _, err := os.Stat(filepath.Join(dir, "missing.db")); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("opener must not create stores")
	}
}

func TestStoreFailuresWrapErrDataStore(t *testing.T) {
	dir := t.TempDir()
	cpfPath := filepath.Join(dir, "cpf.db")
	cnpjPath := filepath.Join(dir, "cnpj.db")
	for _, p := range []string{cpfPath, cnpjPath} {
		if err := os.WriteFile(p, nil, 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	opener, err := NewSQLiteOpener(SQLiteConfig{CPFPath: cpfPath, CNPJPath: cnpjPath})
	if err != nil {
		t.Fatalf("opener: %v", err)
	}
	session := openSession(t, opener)
	if _, err := session.ByName(context.Background(), "x"); !errors.Is(err, ErrDataStore) {
		t.Fatalf("expected ErrDataStore for missing table, got %v", err)
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	opener := seededOpener(t)
	a := openSession(t, opener)
	b, err := opener.Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := a.ByCPF(context.Background(), "12345678901"); err != nil {
		t.Fatalf("closing one session must not affect another: %v", err)
	}
}
