package exchange

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveBodyPolicy(t *testing.T) {
	t.Run("ChunkedWinsOverLength", func(t *testing.T) {
		ex := New()
		ex.RequestHeaders.Add("transfer-encoding", "chunked")
		ex.RequestHeaders.Add("content-length", "42")
		policy, err := ex.DeriveBodyPolicy()
		require.NoError(t, err)
		require.Equal(t, BodyChunked, policy)
		require.Equal(t, int64(-1), ex.ContentLength)
	})

	t.Run("IdentityFallsThrough", func(t *testing.T) {
		ex := New()
		ex.RequestHeaders.Add("transfer-encoding", "identity")
		ex.RequestHeaders.Add("content-length", "42")
		policy, err := ex.DeriveBodyPolicy()
		require.NoError(t, err)
		require.Equal(t, BodyFixed, policy)
		require.Equal(t, int64(42), ex.ContentLength)
	})

	t.Run("ZeroLength", func(t *testing.T) {
		ex := New()
		ex.RequestHeaders.Add("content-length", "0")
		policy, err := ex.DeriveBodyPolicy()
		require.NoError(t, err)
		require.Equal(t, BodyNone, policy)
	})

	t.Run("AbsentLength", func(t *testing.T) {
		ex := New()
		policy, err := ex.DeriveBodyPolicy()
		require.NoError(t, err)
		require.Equal(t, BodyNone, policy)
		require.Equal(t, int64(0), ex.ContentLength)
	})

	t.Run("InvalidLength", func(t *testing.T) {
		ex := New()
		ex.RequestHeaders.Add("content-length", "abc")
		_, err := ex.DeriveBodyPolicy()
		require.Error(t, err)
	})

	t.Run("NegativeLength", func(t *testing.T) {
		ex := New()
		ex.RequestHeaders.Add("content-length", "-1")
		_, err := ex.DeriveBodyPolicy()
		require.Error(t, err)
	})
}

func TestHeadersOrderAndLookup(t *testing.T) {
	h := NewHeaders()
	h.Add("Host", "example.com")
	h.Add("Cookie", "a=1")
	h.Add("Cookie", "b=2")

	require.Equal(t, "example.com", h.Get("host"))
	require.Equal(t, "example.com", h.Get("HOST"))
	require.Equal(t, "a=1", h.Get("cookie"))
	require.Equal(t, []string{"a=1", "b=2"}, h.GetAll("cookie"))
	require.Equal(t, [][2]string{{"host", "example.com"}, {"cookie", "a=1"}, {"cookie", "b=2"}}, h.All())
}

func TestHeadersSetReplaces(t *testing.T) {
	h := NewHeaders()
	h.Set("Content-Type", "text/plain")
	h.Set("content-type", "application/json")
	require.Equal(t, "application/json", h.Get("content-type"))
	require.Equal(t, 1, h.Len())
}

func TestHeadersDel(t *testing.T) {
	h := NewHeaders()
	h.Add("a", "1")
	h.Add("b", "2")
	h.Add("a", "3")
	h.Del("a")
	require.False(t, h.Has("a"))
	require.True(t, h.Has("b"))
	require.Equal(t, [][2]string{{"b", "2"}}, h.All())
}

func TestAttributeLookup(t *testing.T) {
	ex := New()
	ex.PutAttribute("route", "w1")
	ex.PutAttribute("secret", "s")
	require.Equal(t, "w1", ex.Attribute("route"))
	require.Equal(t, "", ex.Attribute("missing"))
}
