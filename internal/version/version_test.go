package version

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestIsNewer covers semantic ordering, including multi-digit components.
func TestIsNewer(t *testing.T) {
	t.Parallel()

	// Numeric ordering, not lexicographic.
	newer, err := IsNewer("1.10.0", "1.9.0")
	require.NoError(t, err)
	require.True(t, newer)

	newer, err = IsNewer("1.9.0", "1.10.0")
	require.NoError(t, err)
	require.False(t, newer)

	// Equal versions are not newer.
	newer, err = IsNewer("2.0.0", "2.0.0")
	require.NoError(t, err)
	require.False(t, newer)

	// Nothing installed yet.
	newer, err = IsNewer("0.1.0", "")
	require.NoError(t, err)
	require.True(t, newer)

	// Unparseable candidate.
	_, err = IsNewer("not-a-version", "1.0.0")
	require.Error(t, err)
}

// TestMax returns the semantically greatest version string.
func TestMax(t *testing.T) {
	t.Parallel()

	greatest, err := Max([]string{"1.2.3", "1.10.0", "1.9.9"})
	require.NoError(t, err)
	require.Equal(t, "1.10.0", greatest)

	greatest, err = Max(nil)
	require.NoError(t, err)
	require.Empty(t, greatest)
}

// TestFullVersion checks the traceability string composition.
func TestFullVersion(t *testing.T) {
	t.Parallel()

	identity := Identity{
		Semantic:  "1.2.3",
		Revision:  "abc1234",
		BuildDate: "20260829",
		Platform:  "linux-amd64",
	}

	require.Equal(t, "1.2.3-abc1234-20260829", identity.FullVersion())
}

// TestResolveIdentity derives the identity from the build environment.
func TestResolveIdentity(t *testing.T) {
	t.Parallel()

	identity := ResolveIdentity()
	require.Equal(t, Version, identity.Semantic)
	require.NotEmpty(t, identity.Platform)
	require.Len(t, identity.BuildDate, 8)
}
