package directchat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddIsIdempotent(t *testing.T) {
	idx := New()
	require.True(t, idx.Add("!room:example.org", "@alice:example.org"))
	require.False(t, idx.Add("!room:example.org", "@alice:example.org"))

	require.ElementsMatch(t, []string{"!room:example.org"}, idx.RoomsFor("@alice:example.org"))
	require.ElementsMatch(t, []string{"@alice:example.org"}, idx.UsersFor("!room:example.org"))
}

func TestAddQueuesLocalAddition(t *testing.T) {
	idx := New()
	idx.Add("!room:example.org", "@alice:example.org")

	pending := idx.PendingAdditions()
	require.Equal(t, "@alice:example.org", pending["!room:example.org"])
	require.Empty(t, idx.PendingRemovals())
}

func TestRemoveDropsBothSidesAndQueuesRemoval(t *testing.T) {
	idx := New()
	idx.Add("!room:example.org", "@alice:example.org")
	idx.Remove("!room:example.org", "@alice:example.org")

	require.Empty(t, idx.RoomsFor("@alice:example.org"))
	require.Empty(t, idx.UsersFor("!room:example.org"))

	pending := idx.PendingRemovals()
	require.Equal(t, "@alice:example.org", pending["!room:example.org"])
	require.Empty(t, idx.PendingAdditions())
}

func TestRemoveWithEmptyUserIDRemovesFromEveryUser(t *testing.T) {
	idx := New()
	idx.Add("!room:example.org", "@alice:example.org")
	idx.Add("!room:example.org", "@bob:example.org")

	idx.Remove("!room:example.org", "")

	require.Empty(t, idx.RoomsFor("@alice:example.org"))
	require.Empty(t, idx.RoomsFor("@bob:example.org"))
	require.Empty(t, idx.UsersFor("!room:example.org"))
}

func TestConsistentDetectsIndexIntegrity(t *testing.T) {
	idx := New()
	idx.Add("!a:example.org", "@alice:example.org")
	idx.Add("!b:example.org", "@alice:example.org")
	idx.Add("!a:example.org", "@bob:example.org")
	require.True(t, idx.Consistent())
}

func TestToAccountDataRendersUserToRoomsShape(t *testing.T) {
	idx := New()
	idx.Add("!a:example.org", "@alice:example.org")
	idx.Add("!b:example.org", "@alice:example.org")

	data := idx.ToAccountData()
	require.ElementsMatch(t, []string{"!a:example.org", "!b:example.org"}, data["@alice:example.org"])
}

func TestReplaceFromAccountDataClearsConfirmedAdditions(t *testing.T) {
	idx := New()
	idx.Add("!room:example.org", "@alice:example.org")
	require.NotEmpty(t, idx.PendingAdditions())

	idx.ReplaceFromAccountData(map[string][]string{
		"@alice:example.org": {"!room:example.org"},
	})

	require.Empty(t, idx.PendingAdditions())
	require.ElementsMatch(t, []string{"!room:example.org"}, idx.RoomsFor("@alice:example.org"))
	require.True(t, idx.Consistent())
}

func TestReplaceFromAccountDataClearsConfirmedRemovals(t *testing.T) {
	idx := New()
	idx.Add("!room:example.org", "@alice:example.org")
	idx.Remove("!room:example.org", "@alice:example.org")
	require.NotEmpty(t, idx.PendingRemovals())

	// server echo no longer lists the room for alice: removal confirmed
	idx.ReplaceFromAccountData(map[string][]string{
		"@alice:example.org": {},
	})

	require.Empty(t, idx.PendingRemovals())
}

func TestReplaceFromAccountDataKeepsUnconfirmedRemovalPending(t *testing.T) {
	idx := New()
	idx.Add("!room:example.org", "@alice:example.org")
	idx.Remove("!room:example.org", "@alice:example.org")

	// server echo still lists the room: our local removal hasn't landed yet
	idx.ReplaceFromAccountData(map[string][]string{
		"@alice:example.org": {"!room:example.org"},
	})

	require.NotEmpty(t, idx.PendingRemovals())
}
