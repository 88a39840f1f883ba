package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/depthcast/collector/errs"
)

// classifyStoreError maps a raw store failure onto the transient/permanent
// split that decides whether a batch is retried or dropped. Context
// cancellation and already-classified errors pass through unchanged.
func classifyStoreError(component string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var classified *errs.E
	if errors.As(err, &classified) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		kind := errs.KindStorePermanent
		switch {
		case pgerrcode.IsConnectionException(pgErr.Code),
			pgerrcode.IsInsufficientResources(pgErr.Code),
			pgerrcode.IsOperatorIntervention(pgErr.Code),
			pgerrcode.IsTransactionRollback(pgErr.Code):
			kind = errs.KindStoreTransient
		}
		return errs.New(component, kind,
			errs.WithMessage(pgErr.Code+": "+pgErr.Message),
			errs.WithCause(err))
	}

	// network-level failures carry no SQLSTATE; treat as recoverable
	return errs.New(component, errs.KindStoreTransient,
		errs.WithMessage("store unreachable"),
		errs.WithCause(err))
}
