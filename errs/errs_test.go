package errs_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/depthcast/collector/errs"
)

func TestErrorFormatting(t *testing.T) {
	cause := errors.New("connection reset by peer")
	err := errs.New("stream", errs.KindTransport,
		errs.WithMessage("read frame"),
		errs.WithCause(cause))

	msg := err.Error()
	require.Contains(t, msg, "component=stream")
	require.Contains(t, msg, "kind=transport")
	require.Contains(t, msg, `message="read frame"`)
	require.Contains(t, msg, "connection reset by peer")
	require.ErrorIs(t, err, cause)
}

func TestKindOfUnwrapsWrappedErrors(t *testing.T) {
	inner := errs.New("writer", errs.KindStorePermanent, errs.WithMessage("unique violation"))
	wrapped := fmt.Errorf("flush trades: %w", inner)

	require.Equal(t, errs.KindStorePermanent, errs.KindOf(wrapped))
	require.Equal(t, errs.Kind(""), errs.KindOf(errors.New("plain")))
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		kind errs.Kind
		want bool
	}{
		{errs.KindTransport, true},
		{errs.KindStoreTransient, true},
		{errs.KindUnavailable, true},
		{errs.KindRateLimited, true},
		{errs.KindParse, false},
		{errs.KindStorePermanent, false},
		{errs.KindConfig, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := errs.New("test", tt.kind)
			require.Equal(t, tt.want, errs.IsTransient(err))
		})
	}
}
