package secret

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRef(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Ref
		wantErr bool
	}{
		{
			name:  "env ref",
			input: "${env:GITHUB_TOKEN}",
			want:  Ref{Source: "env", Name: "GITHUB_TOKEN", Original: "${env:GITHUB_TOKEN}"},
		},
		{
			name:  "keyring ref",
			input: "${keyring:github-client-secret}",
			want:  Ref{Source: "keyring", Name: "github-client-secret", Original: "${keyring:github-client-secret}"},
		},
		{name: "plain value", input: "just-a-token", wantErr: true},
		{name: "missing source", input: "${no-colon}", wantErr: true},
		{name: "embedded ref is not a whole ref", input: "Bearer ${env:T}", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := ParseRef(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.False(t, IsRef(tt.input))
				return
			}
			require.NoError(t, err)
			assert.True(t, IsRef(tt.input))
			assert.Equal(t, tt.want, ref)
		})
	}
}

func TestFindRefs(t *testing.T) {
	refs := FindRefs("user=${env:USER} pass=${keyring:db-pass}")
	require.Len(t, refs, 2)
	assert.Equal(t, "env", refs[0].Source)
	assert.Equal(t, "USER", refs[0].Name)
	assert.Equal(t, "keyring", refs[1].Source)
	assert.Equal(t, "db-pass", refs[1].Name)

	assert.Empty(t, FindRefs("no refs here"))
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("FUNNEL_TEST_TOKEN", "tok-from-env")

	out, err := Expand("${env:FUNNEL_TEST_TOKEN}", nil)
	require.NoError(t, err)
	assert.Equal(t, "tok-from-env", out)

	out, err = Expand("Bearer ${env:FUNNEL_TEST_TOKEN}", nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-from-env", out)
}

func TestExpandUnsetEnvFails(t *testing.T) {
	_, err := Expand("${env:FUNNEL_DOES_NOT_EXIST_42}", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FUNNEL_DOES_NOT_EXIST_42")
}

func TestExpandKeyring(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.Set("gh-secret", "from-keyring"))

	out, err := Expand("${keyring:gh-secret}", store)
	require.NoError(t, err)
	assert.Equal(t, "from-keyring", out)
}

func TestExpandMissingKeyringSecret(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := Expand("${keyring:absent}", store)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestExpandKeyringWithoutStore(t *testing.T) {
	_, err := Expand("${keyring:anything}", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no keyring store")
}

func TestExpandUnknownSource(t *testing.T) {
	_, err := Expand("${vault:prod/creds}", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown secret source")
}

func TestExpandPassthrough(t *testing.T) {
	out, err := Expand("literal-value", nil)
	require.NoError(t, err)
	assert.Equal(t, "literal-value", out)
}

func TestExpandMap(t *testing.T) {
	t.Setenv("FUNNEL_HDR", "v1")
	store, _ := newTestStore(t)
	require.NoError(t, store.Set("api-key", "v2"))

	out, err := ExpandMap(map[string]string{
		"Authorization": "Bearer ${env:FUNNEL_HDR}",
		"X-Api-Key":     "${keyring:api-key}",
		"Accept":        "application/json",
	}, store)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"Authorization": "Bearer v1",
		"X-Api-Key":     "v2",
		"Accept":        "application/json",
	}, out)

	out, err = ExpandMap(nil, store)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestExpandMapFailureNamesKey(t *testing.T) {
	_, err := ExpandMap(map[string]string{"X-Token": "${env:FUNNEL_UNSET_99}"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "X-Token")
}
