package prep

import (
	"embed"
	"io/fs"
)

//go:embed views public
var embeddedFS embed.FS

// ViewsFS returns the embedded django templates rooted at views/
func ViewsFS() fs.FS {
	return mustSub("views")
}

// AssetsFS returns the embedded static assets rooted at public/
func AssetsFS() fs.FS {
	return mustSub("public")
}

func mustSub(dir string) fs.FS {
	sub, err := fs.Sub(embeddedFS, dir)
	if err != nil {
		panic("embedded directory missing: " + dir)
	}
	return sub
}
