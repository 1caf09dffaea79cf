package fiscal

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sii-gateway/pkg/apperrors"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func validInvoice() *Invoice {
	return &Invoice{
		Number:        "FA-2026-0042",
		IssuedAt:      time.Date(2026, time.February, 14, 0, 0, 0, 0, time.UTC),
		IssuerNIF:     "B12345678",
		IssuerName:    "Gestoria Digital SL",
		RecipientNIF:  "12345678Z",
		RecipientName: "Cliente Ejemplo",
		Description:   "Servicios profesionales",
		OperationType: "F1",
		Lines: []TaxLine{
			{Base: dec("600.00"), Rate: dec("21"), Tax: dec("126.00")},
			{Base: dec("400.00"), Rate: dec("10"), Tax: dec("40.00")},
		},
		TotalBase:   dec("1000.00"),
		TotalTax:    dec("166.00"),
		TotalAmount: dec("1166.00"),
	}
}

func TestValidateAcceptsWellFormedInvoice(t *testing.T) {
	require.NoError(t, validInvoice().Validate())
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Invoice)
	}{
		{"missing number", func(i *Invoice) { i.Number = "" }},
		{"missing issuer NIF", func(i *Invoice) { i.IssuerNIF = "" }},
		{"missing issuer name", func(i *Invoice) { i.IssuerName = "" }},
		{"missing recipient NIF", func(i *Invoice) { i.RecipientNIF = "" }},
		{"missing issue date", func(i *Invoice) { i.IssuedAt = time.Time{} }},
		{"no tax lines", func(i *Invoice) { i.Lines = nil }},
		{"missing operation type", func(i *Invoice) { i.OperationType = "" }},
		{"negative base", func(i *Invoice) { i.Lines[0].Base = dec("-1.00") }},
		{"more than 2 decimals", func(i *Invoice) { i.Lines[0].Base = dec("600.001") }},
		{"base sum mismatch", func(i *Invoice) { i.TotalBase = dec("999.00") }},
		{"tax sum mismatch", func(i *Invoice) { i.TotalTax = dec("165.99") }},
		{"total not base plus tax", func(i *Invoice) { i.TotalAmount = dec("1165.00") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := validInvoice()
			tt.mutate(inv)
			err := inv.Validate()
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.CodeValidation))
		})
	}
}

func TestPeriodUsesGovernmentTable(t *testing.T) {
	tests := []struct {
		date time.Time
		year int
		code string
	}{
		{time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC), 2026, "1T"},
		{time.Date(2026, time.March, 31, 0, 0, 0, 0, time.UTC), 2026, "1T"},
		{time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC), 2026, "2T"},
		{time.Date(2026, time.June, 30, 0, 0, 0, 0, time.UTC), 2026, "2T"},
		{time.Date(2026, time.September, 15, 0, 0, 0, 0, time.UTC), 2026, "3T"},
		{time.Date(2025, time.December, 31, 0, 0, 0, 0, time.UTC), 2025, "4T"},
	}

	for _, tt := range tests {
		year, code := Period(tt.date)
		assert.Equal(t, tt.year, year)
		assert.Equal(t, tt.code, code)
	}
}
