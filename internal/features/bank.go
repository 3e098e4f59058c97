package features

// Bank returns the transformer for bank account opening applications.
func Bank() Transformer { return bankTransformer{} }

type bankTransformer struct{}

var bankSkip = set(append([]string{"fraud_bool"}, fieldsOf(bankCategorical)...)...)

func (bankTransformer) Domain() Domain     { return DomainBank }
func (bankTransformer) LabelField() string { return "fraud_bool" }

// Transform keeps every numeric column and encodes the known categorical
// columns through fixed codes. Any other non-numeric column is an unknown
// category and falls back to 0.
func (bankTransformer) Transform(raw Record, expected []string) Vector {
	b := newBuilder()
	passthrough(b, raw, bankSkip)

	for _, c := range bankCategorical {
		c.apply(b, raw)
	}

	for _, k := range sortedKeys(raw) {
		if bankSkip[k] {
			continue
		}
		if _, ok := raw.Number(k); !ok {
			b.set(k, 0)
		}
	}

	return Align(b.vector(), expected)
}
