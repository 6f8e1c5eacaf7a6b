package user

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemberAndGuest(t *testing.T) {
	m := Member("u-1", "  Sam   R. ")
	require.Equal(t, "Sam R.", m.Nickname)
	require.False(t, m.Anonymous)
	require.Equal(t, "u-1", m.AuthorID())

	g := Guest("guest_abc123", "")
	require.Equal(t, "guest_abc123", g.Nickname)
	require.True(t, g.Anonymous)
	require.Empty(t, g.AuthorID())
}

func TestWithNickname(t *testing.T) {
	g := Guest("guest_abc123", "Guest_x")

	require.Equal(t, "Guest_x", g.WithNickname("   ").Nickname)
	require.Equal(t, "Hopeful", g.WithNickname(" Hopeful ").Nickname)

	long := g.WithNickname(strings.Repeat("é", MaxNicknameLength+5))
	require.Equal(t, MaxNicknameLength, len([]rune(long.Nickname)))
}
