package postgres

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// numericFromString converts a decimal string into a pgtype.Numeric value.
func numericFromString(value string) (pgtype.Numeric, error) {
	var out pgtype.Numeric
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return out, fmt.Errorf("numeric value required")
	}
	if err := out.Scan(trimmed); err != nil {
		return out, fmt.Errorf("parse numeric %q: %w", trimmed, err)
	}
	return out, nil
}

func numericFromDecimal(d decimal.Decimal) (pgtype.Numeric, error) {
	return numericFromString(d.String())
}

// decimalFromText parses a numeric column selected as ::text.
func decimalFromText(value pgtype.Text) (decimal.Decimal, error) {
	if !value.Valid || strings.TrimSpace(value.String) == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(value.String)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse decimal %q: %w", value.String, err)
	}
	return d, nil
}
