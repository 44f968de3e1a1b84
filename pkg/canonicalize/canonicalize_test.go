package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_KeyOrdering(t *testing.T) {
	out, err := JCS(map[string]interface{}{
		"zulu":  1,
		"alpha": 2,
		"mike":  3,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"mike":3,"zulu":1}`, string(out))
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	out, err := JCS(map[string]string{"q": "a<b>&c"})
	require.NoError(t, err)
	assert.Equal(t, `{"q":"a<b>&c"}`, string(out))
}

func TestJCS_StructTagsRespected(t *testing.T) {
	type record struct {
		EventID string `json:"event_id"`
		Actor   string `json:"actor"`
		Skipped string `json:"-"`
	}
	out, err := JCS(record{EventID: "evt-1", Actor: "ops", Skipped: "x"})
	require.NoError(t, err)
	assert.Equal(t, `{"actor":"ops","event_id":"evt-1"}`, string(out))
}

func TestCanonicalHash_Deterministic(t *testing.T) {
	a := map[string]interface{}{"x": 1, "y": []string{"p", "q"}}
	b := map[string]interface{}{"y": []string{"p", "q"}, "x": 1}

	h1, err := CanonicalHash(a)
	require.NoError(t, err)
	h2, err := CanonicalHash(b)
	require.NoError(t, err)

	assert.Equal(t, h1, h2, "hash must not depend on map iteration order")
	assert.Len(t, h1, 64)
}

func TestCanonicalHash_ContentSensitive(t *testing.T) {
	h1, err := CanonicalHash(map[string]string{"reason": "drift"})
	require.NoError(t, err)
	h2, err := CanonicalHash(map[string]string{"reason": "drifT"})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}
