package fuzzy

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"

	"github.com/adietish/undertow/internal/exchange"
	"github.com/adietish/undertow/pkg/undertow"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FuzzContextJSON renders random JSON documents through the context. Any
// value that unmarshals must also render without error or panic.
func FuzzContextJSON(f *testing.F) {
	f.Add(`{"key":"value"}`)
	f.Add(`{"number":123}`)
	f.Add(`{"nested":{"key":"value"}}`)
	f.Add(`{"array":[1,2,3]}`)
	f.Add(`{}`)
	f.Add(`null`)
	f.Add(`[1,"two",false,null]`)

	f.Fuzz(func(t *testing.T, jsonStr string) {
		if !utf8.ValidString(jsonStr) {
			t.Skip("invalid UTF-8")
		}
		if len(jsonStr) > 100000 {
			t.Skip("input too long")
		}

		var data interface{}
		if err := json.UnmarshalFromString(jsonStr, &data); err != nil {
			t.Skip("not valid JSON")
		}

		ex := exchange.New()
		ex.Method = "GET"
		ex.RequestURI = "/"

		defer func() {
			if r := recover(); r != nil {
				t.Errorf("JSON rendering panicked: %v", r)
			}
		}()

		ctx := undertow.NewTestContext(context.Background(), ex)
		if err := ctx.JSON(200, data); err != nil {
			t.Errorf("JSON(%q) failed: %v", jsonStr, err)
		}
		if ctx.Status() != 200 {
			t.Errorf("status %d after JSON render", ctx.Status())
		}
	})
}

// FuzzCookieParsing tests cookie header parsing with random inputs.
func FuzzCookieParsing(f *testing.F) {
	f.Add("session=abc123", "session")
	f.Add("session=abc123; user_id=42", "user_id")
	f.Add("a=1; b=2; c=3", "b")
	f.Add("", "missing")
	f.Add("invalid", "invalid")
	f.Add("=value", "")
	f.Add("key=", "key")
	f.Add("spaced = value", "spaced")

	f.Fuzz(func(t *testing.T, header, name string) {
		if !utf8.ValidString(header) || !utf8.ValidString(name) {
			t.Skip("invalid UTF-8")
		}
		if len(header) > 100000 || len(name) > 10000 {
			t.Skip("input too long")
		}

		ex := exchange.New()
		ex.Method = "GET"
		ex.RequestURI = "/"
		ex.RequestHeaders.Set("cookie", header)

		defer func() {
			if r := recover(); r != nil {
				t.Errorf("Cookie parsing panicked on %q: %v", header, r)
			}
		}()

		ctx := undertow.NewTestContext(context.Background(), ex)
		_ = ctx.Cookie(name)

		// A plain single-pair header must come back exactly.
		if name != "" && !strings.ContainsAny(name, ";=%+") && strings.TrimSpace(name) == name {
			value := "simple"
			ex2 := exchange.New()
			ex2.Method = "GET"
			ex2.RequestURI = "/"
			ex2.RequestHeaders.Set("cookie", name+"="+value)
			ctx2 := undertow.NewTestContext(context.Background(), ex2)
			if got := ctx2.Cookie(name); got != value {
				t.Errorf("Cookie(%q) returned %q, expected %q", name, got, value)
			}
		}
	})
}
