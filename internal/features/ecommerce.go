package features

import "time"

// Ecommerce returns the transformer for online store purchases.
func Ecommerce() Transformer { return ecommerceTransformer{} }

type ecommerceTransformer struct{}

var ecommerceSkip = set(append(append([]string{"Is Fraudulent", "Customer Age"},
	ecommerceDropped...), oneHotFields(ecommerceOneHot)...)...)

func (ecommerceTransformer) Domain() Domain     { return DomainEcommerce }
func (ecommerceTransformer) LabelField() string { return "Is Fraudulent" }

func (ecommerceTransformer) Transform(raw Record, expected []string) Vector {
	b := newBuilder()
	passthrough(b, raw, ecommerceSkip)

	if age, ok := raw.Number("Customer Age"); ok {
		if age < 10 {
			age = 30
		}
		b.set("Customer Age", age)
	}

	ship, hasShip := raw.Text("Shipping Address")
	bill, hasBill := raw.Text("Billing Address")
	hasMatch := hasShip && hasBill
	match := boolf(hasMatch && ship == bill)
	if hasMatch {
		b.set("Address Match", match)
	}

	for _, o := range ecommerceOneHot {
		o.apply(b, raw)
	}

	if amount, ok := raw.Number("Transaction Amount"); ok {
		if _, ok := raw["Customer ID"]; ok {
			// A single row has no history, so the customer average is the
			// amount itself.
			b.set("Customer_Avg_Amount", amount)
		}
		b.set("Amount_vs_Avg", 1.0)
		if days, ok := raw.Number("Account Age Days"); ok {
			b.set("Risk_New_High_Spend", amount/(days+1))
		}
		if qty, ok := raw.Number("Quantity"); ok {
			b.set("Amount_per_Item", ratio(amount, qty))
		}
		if hasMatch {
			b.set("Risk_Mismatch", amount*(1-match))
		}
	}

	if ts, ok := raw.Time("Transaction Date"); ok {
		cyclical(b, "Month", float64(ts.Month()), 12)
		cyclical(b, "Day", float64(ts.Day()), 31)
		cyclical(b, "Hour", float64(ts.Hour()), 24)
		cyclical(b, "DayOfWeek", float64(mondayFirst(ts.Weekday())), 7)
	} else if hour, ok := raw.Number("Transaction Hour"); ok {
		cyclical(b, "Hour", hour, 24)
	}

	return Align(b.vector(), expected)
}

// mondayFirst numbers weekdays Monday=0 through Sunday=6.
func mondayFirst(d time.Weekday) int {
	return (int(d) + 6) % 7
}
