package risk

import "strings"

// Country bands, raw 0-100
const (
	countryLow     = 0
	countryMedium  = 50
	countryHigh    = 100
	countryUnknown = 75
)

var countryRisk = map[string]float64{
	// low
	"US": countryLow, "CA": countryLow, "GB": countryLow, "DE": countryLow,
	"FR": countryLow, "NL": countryLow, "SE": countryLow, "NO": countryLow,
	"DK": countryLow, "FI": countryLow, "CH": countryLow, "AT": countryLow,
	"IE": countryLow, "AU": countryLow, "NZ": countryLow, "JP": countryLow,
	"SG": countryLow, "BE": countryLow, "LU": countryLow,
	// medium
	"MX": countryMedium, "BR": countryMedium, "IN": countryMedium, "CN": countryMedium,
	"ZA": countryMedium, "TR": countryMedium, "AR": countryMedium, "TH": countryMedium,
	"MY": countryMedium, "ID": countryMedium, "PH": countryMedium, "VN": countryMedium,
	"AE": countryMedium, "KR": countryMedium, "PL": countryMedium, "ES": countryMedium,
	"IT": countryMedium, "PT": countryMedium,
	// high
	"NG": countryHigh, "RU": countryHigh, "UA": countryHigh, "PK": countryHigh,
	"KP": countryHigh, "IR": countryHigh, "VE": countryHigh, "BY": countryHigh,
	"MM": countryHigh, "SY": countryHigh,
}

// countryScore returns the raw country signal. Missing countries count as unknown.
func countryScore(country string) float64 {
	if s, ok := countryRisk[strings.ToUpper(strings.TrimSpace(country))]; ok {
		return s
	}
	return countryUnknown
}

var merchantRisk = map[string]float64{
	"7995": 100, // gambling
	"7801": 100, // government lotteries
	"7802": 100, // horse and dog racing
	"5967": 90,  // adult content
	"7273": 90,  // dating services
	"4829": 90,  // money transfer
	"6051": 80,  // quasi-cash, crypto
	"6012": 80,  // financial institutions
	"6211": 80,  // securities brokers
	"5815": 50,  // digital goods: media
	"5816": 50,  // digital goods: games
	"5817": 50,  // digital goods: applications
	"5818": 50,  // digital goods: large merchants
}

func merchantScore(mcc string) float64 {
	return merchantRisk[strings.TrimSpace(mcc)]
}

// Categories where weekend spending is unusual
var businessCategories = map[string]bool{
	"4214": true, // freight
	"5044": true, // office equipment
	"5045": true, // computers and software
	"5111": true, // stationery and office supplies
	"5943": true, // office and school supply stores
	"7311": true, // advertising services
	"7372": true, // computer programming
	"7392": true, // consulting
	"8111": true, // legal services
	"8931": true, // accounting
}

func isBusinessCategory(mcc string) bool {
	return businessCategories[strings.TrimSpace(mcc)]
}
