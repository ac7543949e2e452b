// Package lookup answers identity-record queries against the cpf and cnpj
// record stores.
//
// A Session owns its own store handles and must not be shared between
// connection handlers. Callers obtain one from an Opener per request and
// close it on every exit path.
package lookup

import (
	"context"
	"errors"
)

// Record keys as they appear on the wire.
const (
	KeyCPF         = "cpf"
	KeyName        = "nome"
	KeySex         = "sexo"
	KeyBirth       = "nasc"
	KeyTradingName = "nome fantasia"
)

// Messages returned to callers when a lookup produces no rows.
const (
	MsgNameNotFound = "Nome não encontrado"
	MsgCPFNotFound  = "CPF não encontrado"
	MsgNotPartner   = "Não é sócio de nenhuma empresa"
)

// ErrDataStore wraps every failure raised by a record store.
var ErrDataStore = errors.New("lookup: data store failure")

// Record is one result row keyed by wire field name.
type Record map[string]any

// Service is the set of queries the server dispatches to. Every method
// returns a non-nil, possibly empty slice on success; an empty result is not
// an error.
type Service interface {
	// ByName returns people whose name contains term, case-insensitively.
	ByName(ctx context.Context, term string) ([]Record, error)
	// ByExactName returns people whose name equals term, case-insensitively.
	ByExactName(ctx context.Context, term string) ([]Record, error)
	// ByCPF returns the person registered under the identifier.
	ByCPF(ctx context.Context, cpf string) ([]Record, error)
	// PartnersByName returns company partners whose name contains term.
	PartnersByName(ctx context.Context, term string) ([]Record, error)
	// PartnersByNameCPF returns partners whose name contains name and whose
	// masked identifier contains key.
	PartnersByNameCPF(ctx context.Context, name, key string) ([]Record, error)
	// PartnersByNameCPFRadical is PartnersByNameCPF with each row extended by
	// the trading name of the partner's company.
	PartnersByNameCPFRadical(ctx context.Context, name, key string) ([]Record, error)
}

// Session is a Service bound to store handles owned by one caller.
type Session interface {
	Service
	Close() error
}

// Opener creates sessions.
type Opener interface {
	Open(ctx context.Context) (Session, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context) (Session, error)

// Open implements Opener.
func (f OpenerFunc) Open(ctx context.Context) (Session, error) {
	return f(ctx)
}

// Sample is an identifier/name pair drawn at random from the cpf store.
type Sample struct {
	CPF  string
	Name string
}
