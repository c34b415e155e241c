package urlenc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name        string
		in          string
		charset     string
		decodeSlash bool
		want        string
	}{
		{name: "PlainPassthrough", in: "abc", want: "abc"},
		{name: "SingleEscape", in: "%41", want: "A"},
		{name: "PlusBecomesSpace", in: "a+b", want: "a b"},
		{name: "UppercaseHex", in: "%4A", want: "J"},
		{name: "LowercaseHex", in: "%4a", want: "J"},
		{name: "EscapeRun", in: "%48%49", want: "HI"},
		{name: "EscapeAtEnd", in: "ab%43", want: "abC"},
		{name: "MultiByteUTF8", in: "%C3%A9", want: "é"},
		{name: "Latin1", in: "%E9", charset: "iso-8859-1", want: "é"},
		{name: "SlashDecoded", in: "a%2Fb", decodeSlash: true, want: "a/b"},
		{name: "SlashReEscaped", in: "a%2Fb", decodeSlash: false, want: "a%2Fb"},
		{name: "BackslashReEscaped", in: "a%5Cb", decodeSlash: false, want: "a%5Cb"},
		{name: "LiteralSlashKept", in: "/a/b", decodeSlash: false, want: "/a/b"},
		{name: "MixedRun", in: "%2F%41", decodeSlash: false, want: "%2FA"},
		{name: "Empty", in: "", want: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode(tc.in, tc.charset, tc.decodeSlash)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{name: "BadHexDigits", in: "%zz"},
		{name: "BadSecondDigit", in: "%4z"},
		{name: "TrailingPercent", in: "abc%"},
		{name: "TrailingShortEscape", in: "abc%4"},
		{name: "BadEscapeInRun", in: "%41%zz"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.in, "", true)
			require.ErrorIs(t, err, ErrInvalidEncoding)
		})
	}

	t.Run("UnknownCharset", func(t *testing.T) {
		_, err := Decode("%41", "no-such-charset", true)
		require.Error(t, err)
	})
}

func TestParseQueryOrdering(t *testing.T) {
	params, err := ParseQuery("a=1&b=2&c", "", true)
	require.NoError(t, err)
	require.Equal(t, []Param{{"a", "1"}, {"b", "2"}, {"c", ""}}, params)
}

func TestParseQuery(t *testing.T) {
	t.Run("ValueKeepsLaterEquals", func(t *testing.T) {
		params, err := ParseQuery("a=b=c", "", true)
		require.NoError(t, err)
		require.Equal(t, []Param{{"a", "b=c"}}, params)
	})

	t.Run("DecodedPair", func(t *testing.T) {
		params, err := ParseQuery("q=hello+world&x=%41", "", true)
		require.NoError(t, err)
		require.Equal(t, []Param{{"q", "hello world"}, {"x", "A"}}, params)
	})

	t.Run("DecodeDisabled", func(t *testing.T) {
		params, err := ParseQuery("q=hello+world", "", false)
		require.NoError(t, err)
		require.Equal(t, []Param{{"q", "hello+world"}}, params)
	})

	t.Run("EmptyValue", func(t *testing.T) {
		params, err := ParseQuery("a=", "", true)
		require.NoError(t, err)
		require.Equal(t, []Param{{"a", ""}}, params)
	})

	t.Run("Empty", func(t *testing.T) {
		params, err := ParseQuery("", "", true)
		require.NoError(t, err)
		require.Empty(t, params)
	})

	t.Run("DecodeErrorPropagates", func(t *testing.T) {
		_, err := ParseQuery("a=%zz", "", true)
		require.ErrorIs(t, err, ErrInvalidEncoding)
	})
}
