package cdp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageStateJSONShape(t *testing.T) {
	state := StorageState{
		Cookies: []StateCookie{{Name: "sid", Value: "abc", Domain: ".example.com", Path: "/", Expires: 1893456000, Secure: true, SameSite: "Lax"}},
		Origins: []StateOrigin{{Origin: "https://example.com", LocalStorage: []StateEntry{{Name: "theme", Value: "dark"}}}},
	}
	data, err := json.Marshal(state)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	cookies := decoded["cookies"].([]any)
	require.Len(t, cookies, 1)
	cookie := cookies[0].(map[string]any)
	assert.Equal(t, "sid", cookie["name"])
	assert.Equal(t, "Lax", cookie["sameSite"])

	origins := decoded["origins"].([]any)
	require.Len(t, origins, 1)
	ls := origins[0].(map[string]any)["localStorage"].([]any)
	assert.Equal(t, "theme", ls[0].(map[string]any)["name"])
}

func TestJSStringEscapes(t *testing.T) {
	assert.Equal(t, `"he said \"hi\""`, jsString(`he said "hi"`))
	assert.Equal(t, `"line\nbreak"`, jsString("line\nbreak"))
}
