package money

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want int64
		err  error
	}{
		{"300", 30000, nil},
		{"12.5", 1250, nil},
		{"0.01", 1, nil},
		{"0", 0, ErrNotPositive},
		{"-5", 0, ErrNotPositive},
		{"1.005", 0, ErrTooPrecise},
		{"NaN", 0, ErrInvalidAmount},
		{"Inf", 0, ErrInvalidAmount},
		{"abc", 0, ErrInvalidAmount},
		{"100000000000000000000", 0, ErrOutOfRange},
	}
	for _, c := range cases {
		t.Run(c.in, func(t *testing.T) {
			got, err := Parse(c.in)
			if c.err != nil {
				require.ErrorIs(t, err, c.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, c.want, got)
		})
	}
}

func TestToMinor_FromJSON(t *testing.T) {
	var body struct {
		Amount decimal.Decimal `json:"amount"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"amount": 300.25}`), &body))
	minor, err := ToMinor(body.Amount)
	require.NoError(t, err)
	require.Equal(t, int64(30025), minor)

	require.NoError(t, json.Unmarshal([]byte(`{"amount": "42"}`), &body))
	minor, err = ToMinor(body.Amount)
	require.NoError(t, err)
	require.Equal(t, int64(4200), minor)
}

func TestFormat(t *testing.T) {
	require.Equal(t, "300.00", Format(30000))
	require.Equal(t, "0.05", Format(5))
	require.Equal(t, "-1.50", Format(-150))
}
