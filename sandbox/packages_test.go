package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePinnedPackages(t *testing.T) {
	tests := []struct {
		name    string
		in      []string
		want    []string
		wantErr bool
	}{
		{name: "Empty", in: nil, want: nil},
		{name: "SortsAndDeduplicates", in: []string{" penlight==1.14.0 ", "lua-cjson==2.1.0", "penlight==1.14.0", ""}, want: []string{"lua-cjson==2.1.0", "penlight==1.14.0"}},
		{name: "RockRevision", in: []string{"luafilesystem==1.8.0-1"}, want: []string{"luafilesystem==1.8.0-1"}},
		{name: "Unpinned", in: []string{"penlight"}, wantErr: true},
		{name: "Range", in: []string{"penlight>=1.0"}, wantErr: true},
		{name: "EmptyVersion", in: []string{"penlight=="}, wantErr: true},
		{name: "Shell", in: []string{"x==1; rm -rf /"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidatePinnedPackages(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidPackage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEnvHash(t *testing.T) {
	a := EnvHash("team-a", []string{"lua-cjson==2.1.0"})
	assert.Len(t, a, 16)
	assert.Equal(t, a, EnvHash("team-a", []string{"lua-cjson==2.1.0"}))
	assert.NotEqual(t, a, EnvHash("team-b", []string{"lua-cjson==2.1.0"}))
	assert.NotEqual(t, a, EnvHash("team-a", []string{"lua-cjson==2.1.1"}))
	assert.NotEqual(t, EnvHash("", nil), a)

	name, version := splitPackage("lua-cjson==2.1.0")
	assert.Equal(t, "lua-cjson", name)
	assert.Equal(t, "2.1.0", version)
}
