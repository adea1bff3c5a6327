package extract

import (
	"testing"

	"github.com/malbeclabs/tide/ingest/pkg/fault"
	"github.com/stretchr/testify/require"
)

func TestTide_Extract_DecodeBytes(t *testing.T) {
	t.Parallel()

	t.Run("valid utf-8 wins the first rung", func(t *testing.T) {
		t.Parallel()
		decoded, name, err := DecodeBytes([]byte("time,value\n2021-01-01,3.5\n"))
		require.NoError(t, err)
		require.Equal(t, "utf-8", name)
		require.Contains(t, string(decoded), "2021-01-01")
	})

	t.Run("utf-8 BOM is stripped", func(t *testing.T) {
		t.Parallel()
		decoded, name, err := DecodeBytes(append([]byte{0xEF, 0xBB, 0xBF}, []byte("time,value")...))
		require.NoError(t, err)
		require.Equal(t, "utf-8", name)
		require.Equal(t, "time,value", string(decoded))
	})

	t.Run("accented bytes fall through to latin-1", func(t *testing.T) {
		t.Parallel()
		decoded, name, err := DecodeBytes([]byte("site\nBou\xe9e Sud\n"))
		require.NoError(t, err)
		require.Equal(t, "latin-1", name)
		require.Contains(t, string(decoded), "Bouée Sud")
	})

	t.Run("bytes undefined in windows-1252 land on iso-8859-1", func(t *testing.T) {
		t.Parallel()
		_, name, err := DecodeBytes([]byte("x\n\x90\n"))
		require.NoError(t, err)
		require.Equal(t, "iso-8859-1", name)
	})

	t.Run("binary content fails with ENCODING_ERROR", func(t *testing.T) {
		t.Parallel()
		_, _, err := DecodeBytes([]byte{'a', 0x00, 'b'})
		require.Error(t, err)
		require.True(t, fault.Is(err, fault.CodeEncoding))
	})
}
