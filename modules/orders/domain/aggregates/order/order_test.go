package order

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newPending(t *testing.T) Order {
	t.Helper()
	o, err := New("cust-1", decimal.RequireFromString("10.50"), "abc", now)
	require.NoError(t, err)
	return o
}

func TestNew_Validates(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		customer string
		amount   string
		corr     string
	}{
		"blank customer":  {"  ", "1", "c"},
		"long customer":   {strings.Repeat("x", 65), "1", "c"},
		"zero amount":     {"c", "0", "c"},
		"negative amount": {"c", "-1", "c"},
		"too large":       {"c", "1000000.01", "c"},
		"no correlation":  {"c", "1", ""},
	}
	for name, tc := range cases {
		_, err := New(tc.customer, decimal.RequireFromString(tc.amount), tc.corr, now)
		require.ErrorIs(t, err, ErrInvalidOrder, name)
	}

	o, err := New(strings.Repeat("x", 64), decimal.NewFromInt(1_000_000), "c", now)
	require.NoError(t, err)
	require.Equal(t, StatusPending, o.Status())
	require.False(t, o.IsZero())
}

func TestOrder_HappyPathTransitions(t *testing.T) {
	t.Parallel()

	o := newPending(t)
	later := now.Add(time.Minute)

	o, err := o.MarkProcessing(later)
	require.NoError(t, err)
	require.Equal(t, StatusProcessing, o.Status())
	require.Equal(t, later, o.UpdatedAt())

	o, err = o.MarkCompleted(later)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, o.Status())
	require.Nil(t, o.LastError())
}

func TestOrder_FailFromProcessing(t *testing.T) {
	t.Parallel()

	o, err := newPending(t).MarkProcessing(now)
	require.NoError(t, err)
	o, err = o.MarkFailed("boom", now)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, o.Status())
	require.Equal(t, "boom", *o.LastError())
}

func TestOrder_IllegalTransitions(t *testing.T) {
	t.Parallel()

	pending := newPending(t)
	_, err := pending.MarkCompleted(now)
	require.ErrorIs(t, err, ErrIllegalTransition)
	_, err = pending.MarkFailed("x", now)
	require.ErrorIs(t, err, ErrIllegalTransition)

	processing, err := pending.MarkProcessing(now)
	require.NoError(t, err)
	_, err = processing.MarkProcessing(now)
	require.ErrorIs(t, err, ErrIllegalTransition)

	completed, err := processing.MarkCompleted(now)
	require.NoError(t, err)
	for _, f := range []func() (Order, error){
		func() (Order, error) { return completed.MarkProcessing(now) },
		func() (Order, error) { return completed.MarkCompleted(now) },
		func() (Order, error) { return completed.MarkFailed("x", now) },
	} {
		got, err := f()
		require.ErrorIs(t, err, ErrIllegalTransition)
		require.Equal(t, StatusCompleted, got.Status())
	}
}

func TestCreateDTO_Ok(t *testing.T) {
	t.Parallel()

	dto := CreateDTO{CustomerID: "  c-1 ", Amount: decimal.RequireFromString("99.99")}
	errs, ok := dto.Ok()
	require.True(t, ok, errs)
	require.Equal(t, "c-1", dto.CustomerID)

	bad := CreateDTO{CustomerID: strings.Repeat("y", 65), Amount: decimal.Zero}
	errs, ok = bad.Ok()
	require.False(t, ok)
	require.Contains(t, errs, "CustomerID")
	require.Contains(t, errs, "Amount")

	missing := CreateDTO{Amount: decimal.RequireFromString("1000000.5")}
	errs, ok = missing.Ok()
	require.False(t, ok)
	require.Equal(t, "is required", errs["CustomerID"])
	require.Equal(t, "must be at most 1000000", errs["Amount"])
}

func TestOrder_MarkFailedTruncatesReason(t *testing.T) {
	o, err := newPending(t).MarkProcessing(time.Now())
	require.NoError(t, err)

	o, err = o.MarkFailed(strings.Repeat("é", MaxErrorLength+10), time.Now())
	require.NoError(t, err)
	require.Equal(t, MaxErrorLength, utf8.RuneCountInString(*o.LastError()))
}
