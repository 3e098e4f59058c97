package features

// Ethereum returns the transformer for Ethereum wallet activity.
func Ethereum() Transformer { return ethereumTransformer{} }

type ethereumTransformer struct{}

var ethereumSkip = set(append([]string{"Fraud"}, ethereumDropped...)...)

func (ethereumTransformer) Domain() Domain     { return DomainEthereum }
func (ethereumTransformer) LabelField() string { return "Fraud" }

func (ethereumTransformer) Transform(raw Record, expected []string) Vector {
	b := newBuilder()
	passthrough(b, raw, ethereumSkip)

	sent, _ := raw.Number("total_tx_sent")
	if unique, ok := raw.Number("total_tx_sent_unique"); ok {
		b.set("ratio_unique_sent", ratio(unique, sent))
	}
	if received, ok := raw.Number("total_received"); ok {
		span, _ := raw.Number("time_diff_first_last_received")
		b.set("velocity_value_received", ratio(received, span))
	}

	if hour, ok := raw.Number("Hour"); ok {
		cyclical(b, "Hour", hour, 24)
	}
	if day, ok := raw.Number("Day"); ok {
		cyclical(b, "Day", day, 31)
	}

	return Align(b.vector(), expected)
}
