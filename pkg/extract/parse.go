package extract

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats/scalar"
)

// EmptyInterpretation is the reader output used when a message holds no digit at all.
const EmptyInterpretation = "[,]"

var (
	offerPattern      = regexp.MustCompile(`\[([^\]]+)\]`) //nolint:gochecknoglobals
	constraintPattern = regexp.MustCompile(`\[.*?\]`)      //nolint:gochecknoglobals
	digitPattern      = regexp.MustCompile(`\d`)           //nolint:gochecknoglobals
)

// HasDigit reports whether msg contains any decimal digit. Messages without one are not
// sent to the reader model.
func HasDigit(msg string) bool {
	return digitPattern.MatchString(msg)
}

// ParseOffer interprets a reader reply. Bracketed groups are scanned from the last one
// backwards, so later groups override earlier ones. A two-field group is taken as
// (price, quality); a three-field group as (first, third) when both are present, or as
// whichever single end field is set.
func ParseOffer(reply string) (*float64, *int) {
	groups := offerPattern.FindAllStringSubmatch(reply, -1)
	for i := len(groups) - 1; i >= 0; i-- {
		parts := strings.Split(groups[i][1], ",")
		fields := make([]*float64, len(parts))
		for j, part := range parts {
			fields[j] = parseField(part)
		}

		switch len(fields) {
		case 2:
			return fields[0], toQuality(fields[1])
		case 3:
			first, mid, last := fields[0], fields[1], fields[2]
			switch {
			case first != nil && last != nil:
				return first, toQuality(last)
			case first != nil && mid == nil && last == nil:
				return first, nil
			case first == nil && mid == nil && last != nil:
				return nil, toQuality(last)
			}
		}
	}
	return nil, nil
}

// parseField keeps only digits and dots of one bracket field and rounds it to cents.
func parseField(part string) *float64 {
	part = strings.NewReplacer("<", "", ">", "", "€", "").Replace(part)
	var b strings.Builder
	for _, r := range part {
		if ('0' <= r && r <= '9') || r == '.' {
			b.WriteRune(r)
		}
	}
	v, err := strconv.ParseFloat(b.String(), 64)
	if err != nil {
		return nil
	}
	v = scalar.RoundEven(v, 2)
	return &v
}

func toQuality(v *float64) *int {
	if v == nil {
		return nil
	}
	q := int(math.RoundToEven(*v))
	return &q
}

// ParseConstraint reads the first bracketed token of a constraint reply as an integer.
func ParseConstraint(reply string) (int, bool) {
	token := constraintPattern.FindString(reply)
	if token == "" {
		return 0, false
	}
	token = strings.TrimSpace(strings.Trim(token, "[]"))
	if token == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(token, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return int(math.RoundToEven(v)), true
}
