package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeSortsKeys(t *testing.T) {
	out, err := Canonicalize(map[string]interface{}{
		"zeta":  1,
		"alpha": 2,
		"mid":   3,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"mid":3,"zeta":1}`, string(out))
}

func TestCanonicalizeNested(t *testing.T) {
	out, err := Canonicalize(map[string]interface{}{
		"outer": map[string]interface{}{"b": "2", "a": "1"},
		"list":  []interface{}{map[string]interface{}{"y": 1, "x": 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"list":[{"x":2,"y":1}],"outer":{"a":"1","b":"2"}}`, string(out))
}

func TestCanonicalizeStructsAndMapsAgree(t *testing.T) {
	type rec struct {
		TransferID string `json:"transferId"`
		PropertyID string `json:"propertyId"`
	}

	fromStruct, err := Canonicalize(rec{TransferID: "t-1", PropertyID: "p-1"})
	require.NoError(t, err)
	fromMap, err := Canonicalize(map[string]interface{}{
		"propertyId": "p-1",
		"transferId": "t-1",
	})
	require.NoError(t, err)

	assert.Equal(t, fromStruct, fromMap)
}

func TestCanonicalizePreservesNumberForm(t *testing.T) {
	// Large timestamps must not pass through float64.
	out, err := Canonicalize(map[string]interface{}{"ts": int64(1761826800123)})
	require.NoError(t, err)
	assert.Equal(t, `{"ts":1761826800123}`, string(out))
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := DeriveKey("device-1")

	sealed, err := Encrypt([]byte("classified payload"), key)
	require.NoError(t, err)

	plain, err := Decrypt(sealed, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("classified payload"), plain)
}

func TestDecryptWrongKeyFails(t *testing.T) {
	sealed, err := Encrypt([]byte("classified payload"), DeriveKey("device-1"))
	require.NoError(t, err)

	_, err = Decrypt(sealed, DeriveKey("device-2"))
	assert.Error(t, err)
}
