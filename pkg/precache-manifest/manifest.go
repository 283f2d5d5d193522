// Package manifest holds the list of assets that must be available offline
// and the naming of the cache generation they are stored in.
package manifest

import (
	"strings"

	"golang.org/x/xerrors"
)

// GenerationPrefix is prepended to the version tag to form a generation name.
const GenerationPrefix = "progressive_lab_"

// DefaultVersion is the version tag of the assets shipped with this build.
const DefaultVersion = "v2"

// Manifest is an ordered list of root-relative asset paths, together with the
// version tag of the build they belong to.
type Manifest struct {
	Version string
	Assets  []string
}

// Default returns the manifest of the application shell.
func Default() Manifest {
	return Manifest{
		Version: DefaultVersion,
		Assets: []string{
			"/",
			"/index.html",
			"/style.css",
			"/app.js",
			"/manifest.json",
			"/pictures/logo-192x192.png",
			"/pictures/logo-192x192-maskable.png",
			"/pictures/logo-512x512.png",
			"/pictures/logo-512x512-maskable.png",
			"/pictures/logo.png",
			"/pictures/screenshot-desktop.jpg",
			"/pictures/screenshot-mobile.jpg",
		},
	}
}

// Generation returns the name of the cache generation for the manifest version.
func (m Manifest) Generation() string {
	return GenerationName(m.Version)
}

// GenerationName embeds a version tag in a generation name.
func GenerationName(version string) string {
	return GenerationPrefix + version
}

// Validate checks that the manifest can be precached.
// Duplicates are allowed (the second write replaces the first), but every
// asset must be root-relative or absolute.
func (m Manifest) Validate() error {
	if m.Version == "" {
		return xerrors.New("manifest has no version")
	}
	for _, asset := range m.Assets {
		if !strings.HasPrefix(asset, "/") && !strings.Contains(asset, "://") {
			return xerrors.Errorf("manifest asset %q is neither root-relative nor absolute", asset)
		}
	}
	return nil
}

// Contains checks if the asset path is part of the manifest.
func (m Manifest) Contains(path string) bool {
	for _, asset := range m.Assets {
		if asset == path {
			return true
		}
	}
	return false
}
