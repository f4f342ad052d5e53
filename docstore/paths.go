package docstore

import (
	"path"
	"strings"
)

// DocExt is the extension every stored document carries.
const DocExt = ".json"

// DefaultRoot is the directory all logbook documents live under.
const DefaultRoot = "data"

// DocumentKind classifies a path for metrics and logging.
type DocumentKind string

const (
	KindShopIndex   DocumentKind = "shops"
	KindTemplate    DocumentKind = "template"
	KindEntry       DocumentKind = "entry"
	KindCleaningLog DocumentKind = "cleaning"
	KindOther       DocumentKind = "other"
)

// PathScheme maps logical documents to blob paths. Layout:
//
//	{root}/shops.json
//	{root}/templates/{shopID}.json
//	{root}/entries/{shopID}/{date}.json
//	{root}/cleaning/{shopID}/{date}.json
//
// All methods are pure; callers validate ids before building paths.
type PathScheme struct {
	Root string
}

// DefaultPaths is the layout used when no root is configured.
var DefaultPaths = PathScheme{Root: DefaultRoot}

func (p PathScheme) root() string {
	r := strings.Trim(p.Root, "/")
	if r == "" {
		return DefaultRoot
	}
	return r
}

func (p PathScheme) ShopIndexPath() string {
	return p.root() + "/shops" + DocExt
}

func (p PathScheme) TemplatePath(shopID string) string {
	return p.root() + "/templates/" + shopID + DocExt
}

func (p PathScheme) EntryPath(shopID, date string) string {
	return p.EntriesPrefix(shopID) + "/" + date + DocExt
}

func (p PathScheme) CleaningLogPath(shopID, date string) string {
	return p.CleaningPrefix(shopID) + "/" + date + DocExt
}

// EntriesPrefix is the collection holding one entry document per date.
func (p PathScheme) EntriesPrefix(shopID string) string {
	return p.root() + "/entries/" + shopID
}

// CleaningPrefix is the collection holding one cleaning log per date.
func (p PathScheme) CleaningPrefix(shopID string) string {
	return p.root() + "/cleaning/" + shopID
}

// Resolve places a relative prefix such as "entries/shop_default" under the
// root. Paths already rooted are returned cleaned.
func (p PathScheme) Resolve(prefix string) string {
	prefix = strings.Trim(path.Clean("/"+prefix), "/")
	root := p.root()
	if prefix == root || strings.HasPrefix(prefix, root+"/") {
		return prefix
	}
	if prefix == "" {
		return root
	}
	return root + "/" + prefix
}

// Kind reports which document family path belongs to.
func (p PathScheme) Kind(docPath string) DocumentKind {
	rel, ok := strings.CutPrefix(strings.Trim(docPath, "/"), p.root()+"/")
	if !ok {
		return KindOther
	}
	switch {
	case rel == "shops"+DocExt:
		return KindShopIndex
	case strings.HasPrefix(rel, "templates/"):
		return KindTemplate
	case strings.HasPrefix(rel, "entries/"):
		return KindEntry
	case strings.HasPrefix(rel, "cleaning/"):
		return KindCleaningLog
	default:
		return KindOther
	}
}
