package postgres

import (
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/depthcast/collector/errs"
)

// numericFromDecimal converts a decimal into the pgtype wire representation.
// Conversion failures are permanent: the value can never be stored.
func numericFromDecimal(component string, d decimal.Decimal) (pgtype.Numeric, error) {
	var n pgtype.Numeric
	if err := n.Scan(d.String()); err != nil {
		return pgtype.Numeric{}, errs.New(component, errs.KindStorePermanent,
			errs.WithMessage("numeric conversion of "+d.String()),
			errs.WithCause(err))
	}
	return n, nil
}
