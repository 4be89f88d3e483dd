package extract

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/JakeFAU/linkcheck/internal/linkcheck"
)

func TestURLFieldParser(t *testing.T) {
	t.Parallel()

	p := urlFieldParser{}
	got := p.Parse("  https://Example.com:443/home  ", "")
	require.Len(t, got, 1)
	require.Equal(t, "https://example.com/home", got[0].URL)
	require.Equal(t, "https://Example.com:443/home", got[0].RawURL)

	require.Empty(t, p.Parse("", ""))
	require.Empty(t, p.Parse("javascript:void(0)", ""))

	out, err := p.Edit(" https://Example.com:443/home", got[0], "https://example.org/")
	require.NoError(t, err)
	require.Equal(t, "https://example.org/", out)

	out, err = p.Unlink("https://Example.com:443/home", got[0])
	require.NoError(t, err)
	require.Empty(t, out)

	_, err = p.Edit("https://other.test/", got[0], "https://example.org/")
	require.ErrorIs(t, err, ErrNoMatch)
}

func TestMetadataParser(t *testing.T) {
	t.Parallel()

	p := metadataParser{}
	raw := "https://a.test/one\nnot a url at all\n\nhttps://b.test/two\nhttps://a.test/one"

	got := p.Parse(raw, "")
	urls := make([]string, 0, len(got))
	for _, inst := range got {
		urls = append(urls, inst.URL)
	}
	require.Contains(t, urls, "https://a.test/one")
	require.Contains(t, urls, "https://b.test/two")

	out, err := p.Edit(raw, linkcheck.Instance{RawURL: "https://a.test/one"}, "https://c.test/")
	require.NoError(t, err)
	require.Equal(t, "https://c.test/\nnot a url at all\n\nhttps://b.test/two\nhttps://c.test/", out)

	out, err = p.Unlink(raw, linkcheck.Instance{RawURL: "https://b.test/two"})
	require.NoError(t, err)
	require.Equal(t, "https://a.test/one\nnot a url at all\n\nhttps://a.test/one", out)
}

const jsonDoc = `{"title":"https is not a url","links":["https://a.test/1","mailto:z@a.test","https://b.test/"],"meta":{"site.url":"https://a.test/1","n":3}}`

func TestJSONParserParse(t *testing.T) {
	t.Parallel()

	got := jsonParser{}.Parse(jsonDoc, "")
	require.Len(t, got, 3)
	require.Equal(t, "links.0", got[0].Context)
	require.Equal(t, "https://a.test/1", got[0].URL)
	require.Equal(t, "links.2", got[1].Context)
	require.Equal(t, "https://b.test/", got[1].URL)
	require.Equal(t, `meta.site\.url`, got[2].Context)

	require.Empty(t, jsonParser{}.Parse("{not json", ""))
	require.Empty(t, jsonParser{}.Parse(`"https://top.level/"`, ""))
}

func TestJSONParserEditAndUnlink(t *testing.T) {
	t.Parallel()

	p := jsonParser{}
	inst := linkcheck.Instance{RawURL: "https://a.test/1"}

	out, err := p.Edit(jsonDoc, inst, "https://c.test/")
	require.NoError(t, err)
	require.Equal(t, "https://c.test/", gjson.Get(out, "links.0").String())
	require.Equal(t, "https://c.test/", gjson.Get(out, `meta.site\.url`).String())
	require.Equal(t, int64(3), gjson.Get(out, "meta.n").Int())

	out, err = p.Unlink(jsonDoc, inst)
	require.NoError(t, err)
	require.Equal(t, int64(2), gjson.Get(out, "links.#").Int())
	require.Equal(t, "mailto:z@a.test", gjson.Get(out, "links.0").String())
	require.False(t, gjson.Get(out, `meta.site\.url`).Exists())

	_, err = p.Unlink(jsonDoc, linkcheck.Instance{RawURL: "https://none.test/"})
	require.ErrorIs(t, err, ErrNoMatch)
}

func TestRegistryForFormat(t *testing.T) {
	t.Parallel()

	r := DefaultRegistry()
	names := func(format string) []string {
		var out []string
		for _, np := range r.ForFormat(format) {
			out = append(out, np.Name)
		}
		return out
	}
	require.Equal(t, []string{"link", "image"}, names(FormatHTML))
	require.Equal(t, []string{"url"}, names(FormatURL))
	require.Equal(t, []string{"json"}, names(FormatJSON))
	require.Empty(t, names("yaml"))

	_, ok := r.Get("missing")
	require.False(t, ok)
}
