package remoteurl

import (
	"context"
	"encoding/json"

	"github.com/tidwall/gjson"
)

// FetchJSON fetches url with the default timeout and cache time and decodes
// the content as JSON. The result is a map[string]any for objects and an
// []any for arrays. The boolean is false when there is no content, or the
// content is not a JSON object or array.
func (f *Fetcher) FetchJSON(ctx context.Context, url string) (any, bool) {
	content, ok := f.Fetch(ctx, url, Options{
		Timeout:   DefaultTimeout,
		CacheTime: DefaultCacheTime,
	})
	if !ok || len(content) == 0 {
		return nil, false
	}
	if !gjson.ValidBytes(content) {
		f.log.Debug().Str("url", url).Msg("Content is not valid JSON")
		return nil, false
	}
	parsed := gjson.ParseBytes(content)
	switch {
	case parsed.IsObject():
		var data map[string]any
		if err := json.Unmarshal(content, &data); err != nil {
			return nil, false
		}
		return data, true
	case parsed.IsArray():
		var data []any
		if err := json.Unmarshal(content, &data); err != nil {
			return nil, false
		}
		return data, true
	default:
		return nil, false
	}
}
