package driver

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forksrv/forksrv/internal/wire"
)

func TestHasEnvKey(t *testing.T) {
	env := []string{"FOO=1", "BAR=2"}
	require.True(t, hasEnvKey(env, "FOO"))
	require.False(t, hasEnvKey(env, "BAZ"))
	require.False(t, hasEnvKey(env, "FO"))
}

func TestSetEnvDefaultDoesNotOverride(t *testing.T) {
	env := []string{"FOO=caller-set"}
	out := setEnvDefault(env, "FOO", "default")
	require.Equal(t, []string{"FOO=caller-set"}, out)
}

func TestSetEnvDefaultAppendsWhenAbsent(t *testing.T) {
	out := setEnvDefault([]string{"FOO=1"}, "BAR", "2")
	require.Equal(t, []string{"FOO=1", "BAR=2"}, out)
}

func TestBuildEnvSetsBindNowByDefault(t *testing.T) {
	s := &Spawner{}
	env := s.buildEnv(SpawnConfig{})
	require.True(t, hasEnvKey(env, wire.EnvBindNow))
}

func TestBuildEnvSkipsBindNowWhenBindLazySet(t *testing.T) {
	s := &Spawner{}
	env := s.buildEnv(SpawnConfig{Env: []string{wire.EnvBindLazy + "=1"}})

	for _, kv := range env {
		require.NotContains(t, kv, wire.EnvBindNow+"=")
	}
}

func TestBuildEnvSetsPreloadOnlyWhenRequested(t *testing.T) {
	s := &Spawner{}

	withLib := s.buildEnv(SpawnConfig{UseForkserverLibrary: true, InterposerLibraryPath: "/tmp/libinterpose.so"})
	require.True(t, hasEnvKey(withLib, wire.EnvPreloadLinux))

	without := s.buildEnv(SpawnConfig{})
	require.False(t, hasEnvKey(without, wire.EnvPreloadLinux))
}

func TestBuildEnvSetsPersistenceCount(t *testing.T) {
	s := &Spawner{}
	env := s.buildEnv(SpawnConfig{PersistenceMaxCount: 1000})
	require.Contains(t, env, wire.EnvPersistMaxCount+"=1000")
}

func TestBuildEnvSetsSanitizerDefaults(t *testing.T) {
	s := &Spawner{}
	env := s.buildEnv(SpawnConfig{})
	require.True(t, hasEnvKey(env, wire.EnvASANOptions))
	require.True(t, hasEnvKey(env, wire.EnvMSANOptions))
}
