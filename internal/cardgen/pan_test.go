package cardgen

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGeneratePANWithLength(t *testing.T) {
	for i := 0; i < 50; i++ {
		pan, err := GeneratePANWithLength("421234", PANLength, "")
		require.NoError(t, err)
		require.Len(t, pan, PANLength)
		require.Equal(t, "421234", pan[:6])
		require.NoError(t, ValidatePAN(pan))
	}

	pan, err := GeneratePANWithLength("421234", PANLength, "777")
	require.NoError(t, err)
	require.Equal(t, "777", pan[12:15])

	_, err = GeneratePANWithLength("4212", PANLength, "")
	require.Error(t, err)
	_, err = GeneratePANWithLength("421234", 12, "")
	require.Error(t, err)
}

func TestValidatePAN(t *testing.T) {
	require.NoError(t, ValidatePAN("4111111111111111"))
	require.Error(t, ValidatePAN("4111111111111112"))
	require.Error(t, ValidatePAN("41111111111a1111"))
	require.Error(t, ValidatePAN("411111"))
	require.Error(t, ValidatePAN(""))
}

func TestRandomDigits(t *testing.T) {
	s, err := RandomDigits(13)
	require.NoError(t, err)
	require.Len(t, s, 13)
	require.True(t, IsDigits(s))

	s, err = RandomDigits(0)
	require.NoError(t, err)
	require.Empty(t, s)
}

func TestGenerateUniquePAN(t *testing.T) {
	t.Run("retries until unused", func(t *testing.T) {
		calls := 0
		pan, err := GenerateUniquePAN("421234", PANLength, "", 5, func(string) (bool, error) {
			calls++
			return calls < 3, nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, calls)
		require.NoError(t, ValidatePAN(pan))
	})

	t.Run("gives up", func(t *testing.T) {
		_, err := GenerateUniquePAN("421234", PANLength, "", 2, func(string) (bool, error) { return true, nil })
		require.Error(t, err)
	})

	t.Run("callback error", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := GenerateUniquePAN("421234", PANLength, "", 2, func(string) (bool, error) { return false, boom })
		require.ErrorIs(t, err, boom)
	})
}

func TestMaskPAN(t *testing.T) {
	require.Equal(t, "421234******1111", MaskPAN("4212 3456 7890 1111"))
	require.Equal(t, "****5678", MaskPAN("12345678"))
	require.Equal(t, "***", MaskPAN("123"))
	require.Equal(t, "", MaskPAN(" "))
}

func TestPANHashHex(t *testing.T) {
	key := []byte("pepper")
	require.Equal(t, PANHashHex("4111111111111111", key), PANHashHex("4111-1111-1111-1111", key))
	require.NotEqual(t, PANHashHex("4111111111111111", key), PANHashHex("4111111111111111", []byte("other")))
}
