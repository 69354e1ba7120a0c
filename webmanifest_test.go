package edge

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWebAppManifest_ServeHTTP(t *testing.T) {
	rec := httptest.NewRecorder()
	DefaultWebAppManifest().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, WebManifestPath, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("\nwanted:\n200\ngot:\n%d", rec.Code)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-cache" {
		t.Fatalf("\nwanted:\nno-cache\ngot:\n%s", got)
	}

	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
	}
	want := map[string]string{
		"name":             "Ham Radio Cloud",
		"short_name":       "HR Cloud",
		"theme_color":      "#0f172a",
		"background_color": "#0f172a",
		"display":          "standalone",
		"start_url":        "/",
	}
	for key, value := range want {
		if got[key] != value {
			t.Fatalf("\nwanted:\n%s=%s\ngot:\n%s=%v", key, value, key, got[key])
		}
	}
	icons, _ := got["icons"].([]any)
	if len(icons) != 2 {
		t.Fatalf("\nwanted:\n2 icons\ngot:\n%v", got["icons"])
	}
}
