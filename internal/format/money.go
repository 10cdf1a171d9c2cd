package format

import (
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

var symbols = map[string]string{
	"USD": "$",
	"CAD": "CA$",
	"EUR": "€",
	"GBP": "£",
	"JPY": "¥",
}

// Currency formats an amount in minor units using the currency's standard scale and the
// grouping rules of lang. Example: Currency(123450, "USD", "en") => "$1,234.50".
func Currency(minor int64, code, lang string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	unit, err := currency.ParseISO(code)
	if err != nil {
		return decimal.NewFromInt(minor).String() + " " + code
	}
	scale, _ := currency.Standard.Rounding(unit)

	tag, err := language.Parse(lang)
	if err != nil {
		tag = language.English
	}

	amount := decimal.New(minor, int32(-scale))
	sign := ""
	if amount.IsNegative() {
		sign = "-"
		amount = amount.Neg()
	}
	printer := message.NewPrinter(tag)
	_, fraction, _ := strings.Cut(amount.StringFixed(int32(scale)), ".")
	digits := printer.Sprint(number.Decimal(amount.IntPart()))
	if fraction != "" {
		digits += decimalSeparator(printer) + fraction
	}

	symbol, ok := symbols[unit.String()]
	if !ok {
		return sign + unit.String() + " " + digits
	}
	return sign + symbol + digits
}

// decimalSeparator is the locale's separator between whole and fractional digits.
func decimalSeparator(p *message.Printer) string {
	sep := strings.TrimSuffix(strings.TrimPrefix(p.Sprint(number.Decimal(1.5, number.Scale(1))), "1"), "5")
	if sep == "" {
		return "."
	}
	return sep
}

// Scale returns the number of minor-unit digits for code, e.g. 2 for USD and 0 for JPY.
func Scale(code string) int {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return 2
	}
	scale, _ := currency.Standard.Rounding(unit)
	return scale
}
