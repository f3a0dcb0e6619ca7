package static

import (
	"html"
	"os"
	"sort"
	"strings"
)

const listingHeader = `<!DOCTYPE html>
<html>
<head>
    <title>Directory listing for %s</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 40px; }
        h1 { color: #333; }
        ul { list-style: none; padding: 0; }
        li { padding: 8px 0; }
        a { text-decoration: none; color: #0066cc; }
        a:hover { text-decoration: underline; }
        .directory { font-weight: bold; }
    </style>
</head>
<body>
    <h1>Directory listing for %s</h1>
    <ul>
`

const listingFooter = `    </ul>
</body>
</html>`

// renderListing builds the directory listing HTML. Entries are sorted
// directories-first, then by name. A directory that cannot be read
// yields an error and no listing.
func renderListing(dirPath, requestPath string) (string, error) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return "", err
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return entries[i].Name() < entries[j].Name()
	})

	escaped := html.EscapeString(requestPath)
	var sb strings.Builder
	sb.WriteString(strings.Replace(strings.Replace(listingHeader, "%s", escaped, 1), "%s", escaped, 1))

	if requestPath != "/" {
		sb.WriteString(`        <li><a href="../">../</a></li>` + "\n")
	}

	for _, entry := range entries {
		name := entry.Name()
		href := html.EscapeString(name)
		class := "file"
		if entry.IsDir() {
			href += "/"
			class = "directory"
		}
		sb.WriteString(`        <li class="` + class + `"><a href="` + href + `">` + html.EscapeString(name))
		if entry.IsDir() {
			sb.WriteString("/")
		}
		sb.WriteString("</a></li>\n")
	}

	sb.WriteString(listingFooter)
	return sb.String(), nil
}
