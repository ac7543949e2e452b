package main

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync/atomic"

	"pkt.systems/cpfd/internal/lookup"
	"pkt.systems/cpfd/internal/router"
)

var (
	firstNames = []string{"Maria", "José", "Ana", "João", "Francisca", "Antônio", "Adriana", "Carlos", "Juliana", "Paulo", "Márcia", "Lucas"}
	lastNames  = []string{"Silva", "Santos", "Oliveira", "Souza", "Rodrigues", "Ferreira", "Alves", "Pereira", "Lima", "Gomes", "Costa", "Ribeiro"}
)

// generatePeople returns n deterministic synthetic people with unique
// identifiers, plus one partner row per fourth person.
func generatePeople(n int, seed uint64) ([]lookup.Person, []lookup.Partner, []lookup.Establishment) {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	people := make([]lookup.Person, 0, n)
	var partners []lookup.Partner
	var establishments []lookup.Establishment
	seen := make(map[string]bool, n)
	sexes := []string{"F", "M"}
	for len(people) < n {
		cpf := fmt.Sprintf("%011d", rng.Int64N(1e11))
		if seen[cpf] {
			continue
		}
		seen[cpf] = true
		name := firstNames[rng.IntN(len(firstNames))] + " " + lastNames[rng.IntN(len(lastNames))] + " " + lastNames[rng.IntN(len(lastNames))]
		people = append(people, lookup.Person{
			CPF:   cpf,
			Name:  name,
			Sex:   sexes[rng.IntN(2)],
			Birth: fmt.Sprintf("%04d-%02d-%02d", 1940+rng.IntN(65), 1+rng.IntN(12), 1+rng.IntN(28)),
		})
		if len(people)%4 == 0 {
			radical := fmt.Sprintf("%08d", rng.Int64N(1e8))
			partners = append(partners, lookup.Partner{Radical: radical, Name: name, CPF: maskCPF(cpf)})
			establishments = append(establishments, lookup.Establishment{Radical: radical, TradingName: strings.ToUpper(lastNames[rng.IntN(len(lastNames))]) + " LTDA"})
		}
	}
	return people, partners, establishments
}

// maskCPF renders the partner-table form of an identifier: the middle six
// digits kept, the rest starred.
func maskCPF(cpf string) string {
	if len(cpf) != 11 {
		return cpf
	}
	return "***" + cpf[router.KeyOffset:router.KeyOffset+router.KeyLength] + "**"
}

// workload yields request targets. Next is safe for concurrent use.
type workload interface {
	Name() string
	Next() string
}

type sampleWorkload struct {
	name    string
	samples []lookup.Sample
	build   func(s lookup.Sample, i uint64) string
	idx     atomic.Uint64
}

func (w *sampleWorkload) Name() string { return w.name }

func (w *sampleWorkload) Next() string {
	i := w.idx.Add(1) - 1
	return w.build(w.samples[i%uint64(len(w.samples))], i)
}

func target(kind router.Kind, term string) string {
	t, _ := router.Target(kind, term)
	return t
}

func firstWord(name string) string {
	if fields := strings.Fields(name); len(fields) > 0 {
		return fields[0]
	}
	return name
}

var workloadNames = []string{"cpf", "name", "exact-name", "partners", "missing", "mixed"}

func newWorkload(name string, samples []lookup.Sample) (workload, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("workload %s: no samples", name)
	}
	builders := map[string]func(lookup.Sample, uint64) string{
		"cpf":        func(s lookup.Sample, _ uint64) string { return target(router.ByCPF, s.CPF) },
		"name":       func(s lookup.Sample, _ uint64) string { return target(router.ByName, firstWord(s.Name)) },
		"exact-name": func(s lookup.Sample, _ uint64) string { return target(router.ByExactName, s.Name) },
		"partners": func(s lookup.Sample, _ uint64) string {
			return target(router.PartnersByNameCPFRadical, firstWord(s.Name)+"-"+s.CPF)
		},
		"missing": func(_ lookup.Sample, i uint64) string { return target(router.ByCPF, fmt.Sprintf("9%010d", i)) },
	}
	if name == "mixed" {
		order := []string{"cpf", "name", "exact-name", "partners", "missing"}
		return &sampleWorkload{name: name, samples: samples, build: func(s lookup.Sample, i uint64) string {
			return builders[order[i%uint64(len(order))]](s, i)
		}}, nil
	}
	build, ok := builders[name]
	if !ok {
		return nil, fmt.Errorf("unknown workload %q (valid: %s)", name, strings.Join(workloadNames, ", "))
	}
	return &sampleWorkload{name: name, samples: samples, build: build}, nil
}
