package features

// Vehicle returns the transformer for vehicle insurance claims.
func Vehicle() Transformer { return vehicleTransformer{} }

type vehicleTransformer struct{}

var vehicleSkip = func() map[string]bool {
	names := append([]string{"FraudFound_P", "Age"}, vehicleDropped...)
	names = append(names, fieldsOf(vehicleBinary)...)
	names = append(names, fieldsOf(vehicleOrdinal)...)
	names = append(names, oneHotFields(vehicleOneHot)...)
	return set(names...)
}()

func (vehicleTransformer) Domain() Domain     { return DomainVehicle }
func (vehicleTransformer) LabelField() string { return "FraudFound_P" }

func (vehicleTransformer) Transform(raw Record, expected []string) Vector {
	b := newBuilder()
	passthrough(b, raw, vehicleSkip)

	for _, c := range vehicleBinary {
		c.apply(b, raw)
	}
	for _, c := range vehicleOrdinal {
		c.apply(b, raw)
	}
	for _, o := range vehicleOneHot {
		o.apply(b, raw)
	}

	if age, ok := raw.Number("Age"); ok {
		b.set("Age", float64(ageBand(age)))
	}

	return Align(b.vector(), expected)
}

// ageBand buckets a driver age. 0 and anything above 74 are data-entry
// placeholders in the source data and are treated as 40.
func ageBand(age float64) int {
	if age == 0 || age > 74 {
		age = 40
	}
	switch {
	case age <= 20:
		return 0
	case age <= 40:
		return 1
	case age <= 65:
		return 2
	default:
		return 3
	}
}
