package fiscal

import "time"

// periodByMonth is the authority's published month-to-period table for
// quarterly filers. The boundaries are fixed by regulation, so they are kept
// as an explicit table rather than derived arithmetically from the month
// number.
var periodByMonth = map[time.Month]string{
	time.January:   "1T",
	time.February:  "1T",
	time.March:     "1T",
	time.April:     "2T",
	time.May:       "2T",
	time.June:      "2T",
	time.July:      "3T",
	time.August:    "3T",
	time.September: "3T",
	time.October:   "4T",
	time.November:  "4T",
	time.December:  "4T",
}

// Period returns the fiscal year and the quarterly period code for the
// invoice issue date.
func Period(issuedAt time.Time) (year int, code string) {
	return issuedAt.Year(), periodByMonth[issuedAt.Month()]
}
