package facematch

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// UnknownLabel is shown for faces that match no enrolled identity.
const UnknownLabel = "unknown"

// RemoveDiacritics removes diacritical marks from a string (e.g., "Jiří" -> "Jiri").
func RemoveDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, _ := transform.String(t, s)
	return result
}

// NormalizePersonName normalizes a name for comparison (lowercase, no diacritics, spaces for dashes).
func NormalizePersonName(name string) string {
	name = RemoveDiacritics(name)
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, "-", " ")
	return name
}

// DisplayLabel turns an identity folder name "<id>_<name>" into "<id> - <name>".
// Names that don't follow the convention are returned as-is (NFC-normalized,
// since some filesystems hand back decomposed names).
func DisplayLabel(folderName string) string {
	folderName = norm.NFC.String(folderName)
	if strings.TrimSpace(folderName) == "" {
		return UnknownLabel
	}

	if id, name, ok := strings.Cut(folderName, "_"); ok {
		id = strings.TrimSpace(id)
		name = strings.TrimSpace(name)
		if id != "" && name != "" {
			return id + " - " + name
		}
	}

	return folderName
}

// FolderName builds the dataset folder name for a new enrollment.
// The name is stripped of diacritics and anything that is not a letter, digit or dash.
func FolderName(id, name string) string {
	clean := func(s string) string {
		s = RemoveDiacritics(strings.TrimSpace(s))
		var b strings.Builder
		space := false
		for _, r := range s {
			switch {
			case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-'):
				if space && b.Len() > 0 {
					b.WriteByte(' ')
				}
				space = false
				b.WriteRune(r)
			case unicode.IsSpace(r) || r == '_':
				space = true
			}
		}
		return b.String()
	}

	id = strings.ReplaceAll(clean(id), " ", "-")
	name = clean(name)
	if id == "" {
		return name
	}
	if name == "" {
		return id
	}
	return id + "_" + name
}
