package item

import (
	"strconv"
	"strings"
)

// Format renders the one-entry display text used in logs and notifications:
//
//	[🆕] <title> – <price> – <details>
//	     <url>
func Format(it Item) string {
	return "[🆕] " + it.Title + " – " + FormatPrice(it) + " – " + Details(it) +
		"\n     " + it.URL
}

// Details joins the known condition, size and brand. The brand is left out
// when the title already names it.
func Details(it Item) string {
	var details []string
	if it.Status != "" && it.Status != Unavailable {
		details = append(details, "Stav: "+it.Status)
	}
	if it.Size != "" && it.Size != Unavailable {
		details = append(details, "Velikost: "+it.Size)
	}
	if it.Brand != "" && it.Brand != Unavailable &&
		!strings.Contains(strings.ToLower(it.Title), strings.ToLower(it.Brand)) {
		details = append(details, "Značka: "+it.Brand)
	}
	return strings.Join(details, " – ")
}

// FormatPrice renders the price with space-grouped thousands and no
// decimals, falling back to the raw price text.
func FormatPrice(it Item) string {
	cur := it.Currency
	if cur == "" {
		cur = "CZK"
	}
	if it.PriceNumeric == nil {
		raw := it.PriceRaw
		if raw == "" {
			raw = Unavailable
		}
		return raw + " " + cur
	}
	return groupThousands(strconv.FormatFloat(*it.PriceNumeric, 'f', 0, 64)) + " " + cur
}

func groupThousands(digits string) string {
	sign := ""
	if strings.HasPrefix(digits, "-") {
		sign, digits = "-", digits[1:]
	}
	if len(digits) <= 3 {
		return sign + digits
	}
	var b strings.Builder
	head := len(digits) % 3
	if head > 0 {
		b.WriteString(digits[:head])
	}
	for i := head; i < len(digits); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(digits[i : i+3])
	}
	return sign + b.String()
}
