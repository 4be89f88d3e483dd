package linkcheck

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExclusionList(t *testing.T) {
	t.Parallel()

	t.Run("substring", func(t *testing.T) {
		t.Parallel()
		l := NewExclusionList([]string{"  Tracker.Example/pixel ", ""})
		require.True(t, l.IsExcluded("http://tracker.example/pixel?id=1"))
		require.False(t, l.IsExcluded("http://tracker.example/other"))
	})

	t.Run("host suffix", func(t *testing.T) {
		t.Parallel()
		l := NewExclusionList([]string{"*.internal.test", ".corp.test"})
		cases := []struct {
			url      string
			excluded bool
		}{
			{"http://internal.test/", true},
			{"http://a.b.internal.test/x", true},
			{"https://wiki.corp.test/", true},
			{"http://notinternal.test/", false},
			{"http://example.com/?q=internal.test", false},
		}
		for _, tc := range cases {
			require.Equal(t, tc.excluded, l.IsExcluded(tc.url), tc.url)
		}
	})

	t.Run("nil list", func(t *testing.T) {
		t.Parallel()
		var l *ExclusionList
		require.False(t, l.IsExcluded("http://anything.test/"))
	})

	t.Run("empty entries", func(t *testing.T) {
		t.Parallel()
		l := NewExclusionList([]string{"*.", " "})
		require.False(t, l.IsExcluded("http://a.test/"))
	})
}
