// Package sandbox builds the file set rendered by the in-browser preview.
package sandbox

import (
	"sort"
	"strings"

	"appforge/internal/models"
)

// Template is the preview runtime template the file set targets.
const Template = "react"

// ExternalResources are loaded by the preview before the project runs.
var ExternalResources = []string{"https://cdn.tailwindcss.com"}

var defaultFiles = models.FileMap{
	"/public/index.html": {Code: `<!DOCTYPE html>
<html lang="en">
  <head>
    <meta charset="UTF-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1.0" />
    <title>Document</title>
    <script src="https://cdn.tailwindcss.com"></script>
  </head>
  <body>
    <div id="root"></div>
  </body>
</html>`},
	"/App.css": {Code: `@tailwind base;
@tailwind components;
@tailwind utilities;`},
	"/tailwind.config.js": {Code: `/** @type {import('tailwindcss').Config} */
module.exports = {
  content: [
    "./src/**/*.{js,jsx,ts,tsx}",
  ],
  theme: {
    extend: {},
  },
  plugins: [],
}`},
	"/postcss.config.js": {Code: `/** @type {import('postcss-load-config').Config} */
const config = {
  plugins: {
    tailwindcss: {},
  },
};

export default config;`},
}

var dependencies = map[string]string{
	"postcss":               "^8",
	"tailwindcss":           "^3.4.1",
	"autoprefixer":          "^10.0.0",
	"uuid4":                 "^2.0.3",
	"tailwind-merge":        "^2.4.0",
	"tailwindcss-animate":   "^1.0.7",
	"lucide-react":          "latest",
	"react-router-dom":      "latest",
	"firebase":              "^11.1.0",
	"@google/generative-ai": "^0.21.0",
	"date-fns":              "^4.1.0",
	"react-chartjs-2":       "^5.3.0",
	"chart.js":              "^4.4.7",
}

// DefaultFiles returns a fresh copy of the project skeleton.
func DefaultFiles() models.FileMap {
	return defaultFiles.Clone()
}

// Dependencies returns the npm packages installed in the preview.
func Dependencies() map[string]string {
	out := make(map[string]string, len(dependencies))
	for name, version := range dependencies {
		out[name] = version
	}
	return out
}

// Merge overlays files on base. Entries of overlay win on equal paths;
// neither argument is modified.
func Merge(base, overlay models.FileMap) models.FileMap {
	out := make(models.FileMap, len(base)+len(overlay))
	for _, path := range orderedKeys(base) {
		out[NormalizePath(path)] = base[path]
	}
	for _, path := range orderedKeys(overlay) {
		p := NormalizePath(path)
		if p == "/" {
			continue
		}
		out[p] = overlay[path]
	}
	return out
}

// orderedKeys lists keys that are not yet normalized first, so a key already
// in "/path" form wins over an alias that normalizes to the same path.
func orderedKeys(files models.FileMap) []string {
	keys := make([]string, 0, len(files))
	for path := range files {
		keys = append(keys, path)
	}
	sort.Slice(keys, func(i, j int) bool {
		ci, cj := keys[i] == NormalizePath(keys[i]), keys[j] == NormalizePath(keys[j])
		if ci != cj {
			return cj
		}
		return keys[i] < keys[j]
	})
	return keys
}

func NormalizePath(path string) string {
	path = strings.TrimSpace(strings.ReplaceAll(path, "\\", "/"))
	return "/" + strings.TrimLeft(path, "/")
}
