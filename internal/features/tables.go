package features

// TablesVersion identifies the categorical tables below. A fitted artifact is
// only valid against the tables version it was trained with; bump this when
// any mapping changes.
const TablesVersion = "2024.1"

type categorical struct {
	field string
	table map[string]float64
}

type oneHot struct {
	field      string
	categories []string
}

// -----------------------------------------------------------------------------
// Vehicle insurance claims
// -----------------------------------------------------------------------------

var vehicleBinary = []categorical{
	{"AccidentArea", map[string]float64{"Rural": 0, "Urban": 1}},
	{"Sex", map[string]float64{"Female": 0, "Male": 1}},
	{"Fault", map[string]float64{"Policy Holder": 0, "Third Party": 1}},
	{"PoliceReportFiled", map[string]float64{"No": 0, "Yes": 1}},
	{"WitnessPresent", map[string]float64{"No": 0, "Yes": 1}},
	{"AgentType", map[string]float64{"External": 0, "Internal": 1}},
}

var vehicleOrdinal = []categorical{
	{"VehiclePrice", map[string]float64{
		"more than 69000": 1,
		"20000 to 29000":  0,
		"30000 to 39000":  0,
		"less than 20000": 1,
		"40000 to 59000":  1,
		"60000 to 69000":  0,
	}},
	{"AgeOfVehicle", map[string]float64{
		"new":         2,
		"2 years":     0,
		"3 years":     2,
		"4 years":     2,
		"5 years":     1,
		"6 years":     1,
		"7 years":     0,
		"more than 7": 0,
	}},
	{"BasePolicy", map[string]float64{"Liability": 0, "Collision": 1, "All Perils": 2}},
}

var vehicleOneHot = []oneHot{
	{"Make", []string{
		"Accura", "BMW", "Chevrolet", "Dodge", "Ferrari", "Ford", "Honda", "Jaguar", "Lexus", "Mazda",
		"Mecedes", "Mercury", "Nisson", "Pontiac", "Porche", "Saab", "Saturn", "Toyota", "VW",
	}},
	{"MonthClaimed", []string{"0", "Apr", "Aug", "Dec", "Feb", "Jan", "Jul", "Jun", "Mar", "May", "Nov", "Oct", "Sep"}},
	{"MaritalStatus", []string{"Divorced", "Married", "Single", "Widow"}},
	{"PolicyType", []string{
		"Sedan - All Perils", "Sedan - Collision", "Sedan - Liability",
		"Sport - All Perils", "Sport - Collision", "Sport - Liability",
		"Utility - All Perils", "Utility - Collision", "Utility - Liability",
	}},
	{"VehicleCategory", []string{"Sedan", "Sport", "Utility"}},
	{"RepNumber", []string{"1", "2", "3", "4", "5", "6", "7", "8", "9", "10", "11", "12", "13", "14", "15", "16"}},
	{"Deductible", []string{"300", "400", "500", "700"}},
	{"Days_Policy_Accident", []string{"1 to 7", "15 to 30", "8 to 15", "more than 30", "none"}},
	{"Days_Policy_Claim", []string{"15 to 30", "8 to 15", "more than 30", "none"}},
	{"PastNumberOfClaims", []string{"1", "2 to 4", "more than 4", "none"}},
	{"AgeOfPolicyHolder", []string{
		"16 to 17", "18 to 20", "21 to 25", "26 to 30", "31 to 35", "36 to 40", "41 to 50", "51 to 65", "over 65",
	}},
	{"NumberOfSuppliments", []string{"1 to 2", "3 to 5", "more than 5", "none"}},
	{"AddressChange_Claim", []string{"1 year", "2 to 3 years", "4 to 8 years", "no change", "under 6 months"}},
	{"NumberOfCars", []string{"1 vehicle", "2 vehicles", "3 to 4", "5 to 8", "more than 8"}},
	{"Year", []string{"1994", "1995", "1996"}},
}

var vehicleDropped = []string{
	"Month", "WeekOfMonth", "DayOfWeek", "DayOfWeekClaimed", "WeekOfMonthClaimed", "PolicyNumber",
}

// -----------------------------------------------------------------------------
// Bank account opening
// -----------------------------------------------------------------------------

// Codes follow the sorted category order of the training population.
var bankCategorical = []categorical{
	{"payment_type", map[string]float64{"AA": 0, "AB": 1, "AC": 2, "AD": 3, "AE": 4}},
	{"employment_status", map[string]float64{"CA": 0, "CB": 1, "CC": 2, "CD": 3, "CE": 4, "CF": 5, "CG": 6}},
	{"housing_status", map[string]float64{"BA": 0, "BB": 1, "BC": 2, "BD": 3, "BE": 4, "BF": 5, "BG": 6}},
	{"source", map[string]float64{"INTERNET": 0, "TELEAPP": 1}},
	{"device_os", map[string]float64{"linux": 0, "macintosh": 1, "other": 2, "windows": 3, "x11": 4}},
}

// -----------------------------------------------------------------------------
// E-commerce
// -----------------------------------------------------------------------------

var ecommerceOneHot = []oneHot{
	{"Payment Method", []string{"PayPal", "bank transfer", "credit card", "debit card"}},
	{"Product Category", []string{"clothing", "electronics", "health & beauty", "home & garden", "toys & games"}},
	{"Device Used", []string{"desktop", "mobile", "tablet"}},
}

var ecommerceDropped = []string{
	"Transaction ID", "Customer Location", "Shipping Address", "Billing Address",
	"Transaction Date", "Transaction Hour", "IP Address", "Customer ID", "Account Age Days",
}

// -----------------------------------------------------------------------------
// Ethereum wallets
// -----------------------------------------------------------------------------

var ethereumDropped = []string{
	"confirmations", "variance_value_received", "total_tx_sent_malicious",
	"total_tx_sent_unique", "blockNumber", "Month", "Hour", "Day",
}

func (c categorical) apply(b *builder, raw Record) {
	b.set(c.field, raw.lookup(c.field, c.table))
}

// apply emits one indicator per known category. Values outside the table
// leave every indicator at 0.
func (o oneHot) apply(b *builder, raw Record) {
	v, ok := raw.Text(o.field)
	for _, c := range o.categories {
		b.set(o.field+"_"+c, boolf(ok && v == c))
	}
}

func fieldsOf(cs []categorical) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.field
	}
	return out
}

func oneHotFields(hs []oneHot) []string {
	out := make([]string, len(hs))
	for i, o := range hs {
		out[i] = o.field
	}
	return out
}
