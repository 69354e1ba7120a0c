package edge

import (
	"encoding/json"
	"net/http"
)

// WebAppIcon is one entry of the web app manifest's icon list.
type WebAppIcon struct {
	Src   string `mapstructure:"src" json:"src"`
	Sizes string `mapstructure:"sizes" json:"sizes"`
	Type  string `mapstructure:"type" json:"type"`
}

// WebAppManifest is the installable application description served at /manifest.webmanifest.
type WebAppManifest struct {
	Name            string       `mapstructure:"name" json:"name"`
	ShortName       string       `mapstructure:"short_name" json:"short_name"`
	Description     string       `mapstructure:"description" json:"description,omitempty"`
	ThemeColor      string       `mapstructure:"theme_color" json:"theme_color"`
	BackgroundColor string       `mapstructure:"background_color" json:"background_color"`
	Display         string       `mapstructure:"display" json:"display"`
	StartURL        string       `mapstructure:"start_url" json:"start_url"`
	Icons           []WebAppIcon `mapstructure:"icons" json:"icons"`
}

// DefaultWebAppManifest returns the manifest of the Ham Radio Cloud front end.
func DefaultWebAppManifest() WebAppManifest {
	return WebAppManifest{
		Name:            "Ham Radio Cloud",
		ShortName:       "HR Cloud",
		Description:     "Cloud logbook and propagation platform for amateur radio operators",
		ThemeColor:      "#0f172a",
		BackgroundColor: "#0f172a",
		Display:         "standalone",
		StartURL:        "/",
		Icons: []WebAppIcon{
			{Src: "/icon-192.png", Sizes: "192x192", Type: "image/png"},
			{Src: "/icon-512.png", Sizes: "512x512", Type: "image/png"},
		},
	}
}

// ServeHTTP writes the manifest as JSON. The file has a fixed name, so it is revalidated on every load.
func (m WebAppManifest) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := json.Marshal(m)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/manifest+json")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(body)
}
