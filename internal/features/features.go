// Package features turns raw transaction records into the numeric vectors the
// fitted fraud classifiers expect.
//
// There is one Transformer per transaction domain. Transformers are pure
// functions of their input: nothing is fitted at call time, categorical values
// go through the fixed tables in tables.go, and the result is aligned to the
// classifier's expected column list so every domain hands the inference layer
// the same shape of input.
package features

import (
	"math"
	"sort"
)

// Domain identifies a transaction category with its own schema and classifier.
type Domain string

const (
	DomainVehicle   Domain = "vehicle"
	DomainBank      Domain = "bank"
	DomainEcommerce Domain = "ecommerce"
	DomainEthereum  Domain = "ethereum"
)

// Domains lists every built-in domain in a stable order.
func Domains() []Domain {
	return []Domain{DomainVehicle, DomainBank, DomainEcommerce, DomainEthereum}
}

// ParseDomain maps a request tag onto a known Domain.
func ParseDomain(s string) (Domain, bool) {
	for _, d := range Domains() {
		if string(d) == s {
			return d, true
		}
	}
	return "", false
}

// epsilon keeps engineered ratios finite when a denominator is zero.
const epsilon = 1e-6

// Transformer maps one raw record onto a feature vector.
type Transformer interface {
	Domain() Domain
	// LabelField is the ground-truth column of the domain's dataset. It is
	// never emitted as a feature.
	LabelField() string
	// Transform derives the domain features and, when expected is non-nil,
	// aligns the result to it.
	Transform(raw Record, expected []string) Vector
}

// Builtin returns the transformer registered for a built-in domain.
func Builtin(d Domain) (Transformer, bool) {
	switch d {
	case DomainVehicle:
		return Vehicle(), true
	case DomainBank:
		return Bank(), true
	case DomainEcommerce:
		return Ecommerce(), true
	case DomainEthereum:
		return Ethereum(), true
	}
	return nil, false
}

// Vector is an ordered sequence of named numeric features.
type Vector struct {
	Names  []string  `json:"names"`
	Values []float64 `json:"values"`
}

// Len returns the number of features.
func (v Vector) Len() int { return len(v.Names) }

// Get returns the value of a named feature.
func (v Vector) Get(name string) (float64, bool) {
	for i, n := range v.Names {
		if n == name {
			return v.Values[i], true
		}
	}
	return 0, false
}

// Map returns a name to value snapshot of the vector.
func (v Vector) Map() map[string]float64 {
	m := make(map[string]float64, len(v.Names))
	for i, n := range v.Names {
		m[n] = v.Values[i]
	}
	return m
}

// Align reorders v to match expected exactly. Names missing from v are
// inserted as 0 and names not in expected are dropped. A nil expected list
// returns v unchanged.
func Align(v Vector, expected []string) Vector {
	if expected == nil {
		return v
	}
	have := v.Map()
	out := Vector{
		Names:  make([]string, len(expected)),
		Values: make([]float64, len(expected)),
	}
	for i, name := range expected {
		out.Names[i] = name
		out.Values[i] = have[name]
	}
	return out
}

// builder accumulates features in first-set order. Setting an existing name
// overwrites its value in place.
type builder struct {
	names  []string
	values []float64
	index  map[string]int
}

func newBuilder() *builder {
	return &builder{index: make(map[string]int)}
}

func (b *builder) set(name string, v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		v = 0
	}
	if i, ok := b.index[name]; ok {
		b.values[i] = v
		return
	}
	b.index[name] = len(b.names)
	b.names = append(b.names, name)
	b.values = append(b.values, v)
}

func (b *builder) vector() Vector {
	return Vector{Names: b.names, Values: b.values}
}

// passthrough copies every numeric field of raw that is not in skip, in sorted
// key order. Non-numeric values are identifiers or free text and are ignored.
func passthrough(b *builder, raw Record, skip map[string]bool) {
	for _, k := range sortedKeys(raw) {
		if skip[k] {
			continue
		}
		if v, ok := raw.Number(k); ok {
			b.set(k, v)
		}
	}
}

func sortedKeys(raw Record) []string {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// cyclical encodes v on a circle of period max as name_sin and name_cos.
func cyclical(b *builder, name string, v, max float64) {
	b.set(name+"_sin", math.Sin(2*math.Pi*v/max))
	b.set(name+"_cos", math.Cos(2*math.Pi*v/max))
}

func ratio(num, den float64) float64 {
	return num / (den + epsilon)
}

func boolf(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func set(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}
