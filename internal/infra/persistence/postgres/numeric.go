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

func numericFromDecimal(value decimal.Decimal) (pgtype.Numeric, error) {
	return numericFromString(value.String())
}

// numericFromOptional converts an optional decimal into a pgtype.Numeric; nil maps to NULL.
func numericFromOptional(ptr *decimal.Decimal) (pgtype.Numeric, error) {
	if ptr == nil {
		return pgtype.Numeric{}, nil
	}
	return numericFromDecimal(*ptr)
}

func decimalFromText(value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse decimal %q: %w", value, err)
	}
	return d, nil
}

func optionalDecimalFromText(value pgtype.Text) (*decimal.Decimal, error) {
	if !value.Valid {
		return nil, nil
	}
	d, err := decimalFromText(value.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
