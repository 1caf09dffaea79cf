package fiscal

import (
	"time"

	"github.com/shopspring/decimal"

	"sii-gateway/pkg/apperrors"
)

// TaxLine is a single taxable amount at one VAT rate. An invoice may carry
// several lines at the same rate; the wire protocol aggregates them per rate.
type TaxLine struct {
	Base decimal.Decimal `json:"base"`
	Rate decimal.Decimal `json:"rate"`
	Tax  decimal.Decimal `json:"tax"`
}

// Invoice is the strictly-typed input to the submission pipeline. It is
// validated at the boundary; nothing downstream re-checks these invariants.
type Invoice struct {
	Number        string          `json:"number"`
	IssuedAt      time.Time       `json:"issued_at"`
	IssuerNIF     string          `json:"issuer_nif"`
	IssuerName    string          `json:"issuer_name"`
	RecipientNIF  string          `json:"recipient_nif"`
	RecipientName string          `json:"recipient_name"`
	Description   string          `json:"description"`
	OperationType string          `json:"operation_type"`
	Lines         []TaxLine       `json:"lines"`
	TotalBase     decimal.Decimal `json:"total_base"`
	TotalTax      decimal.Decimal `json:"total_tax"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
}

// Validate enforces the structural invariants before any network traffic:
// line sums must equal the declared totals, amounts are non-negative and
// rounded to two decimals. Failures are validation errors, never retried.
func (inv *Invoice) Validate() error {
	switch {
	case inv.Number == "":
		return apperrors.New(apperrors.CodeValidation, "invoice number is required")
	case inv.IssuerNIF == "":
		return apperrors.New(apperrors.CodeValidation, "issuer tax ID is required")
	case inv.IssuerName == "":
		return apperrors.New(apperrors.CodeValidation, "issuer name is required")
	case inv.RecipientNIF == "":
		return apperrors.New(apperrors.CodeValidation, "recipient tax ID is required")
	case inv.IssuedAt.IsZero():
		return apperrors.New(apperrors.CodeValidation, "issue date is required")
	case len(inv.Lines) == 0:
		return apperrors.New(apperrors.CodeValidation, "at least one tax line is required")
	}
	if inv.OperationType == "" {
		return apperrors.New(apperrors.CodeValidation, "operation type code is required")
	}

	sumBase := decimal.Zero
	sumTax := decimal.Zero
	for _, line := range inv.Lines {
		if line.Base.IsNegative() || line.Tax.IsNegative() || line.Rate.IsNegative() {
			return apperrors.New(apperrors.CodeValidation, "tax line amounts must be non-negative")
		}
		if !twoDecimals(line.Base) || !twoDecimals(line.Tax) {
			return apperrors.New(apperrors.CodeValidation, "tax line amounts must be rounded to 2 decimals")
		}
		sumBase = sumBase.Add(line.Base)
		sumTax = sumTax.Add(line.Tax)
	}

	if !sumBase.Equal(inv.TotalBase) {
		return apperrors.New(apperrors.CodeValidation,
			"sum of line bases "+sumBase.StringFixed(2)+" does not match declared base "+inv.TotalBase.StringFixed(2))
	}
	if !sumTax.Equal(inv.TotalTax) {
		return apperrors.New(apperrors.CodeValidation,
			"sum of line taxes "+sumTax.StringFixed(2)+" does not match declared tax "+inv.TotalTax.StringFixed(2))
	}
	if !sumBase.Add(sumTax).Equal(inv.TotalAmount) {
		return apperrors.New(apperrors.CodeValidation,
			"total amount must equal base plus tax")
	}
	return nil
}

// twoDecimals reports whether d survives rounding to 2 decimal places
// unchanged.
func twoDecimals(d decimal.Decimal) bool {
	return d.Equal(d.Round(2))
}
