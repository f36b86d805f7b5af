// Package dimension normalizes free-text heartbeat fields (language, editor,
// project, ...) into canonical lookup entities with stable IDs.
package dimension

import "strings"

// Kind identifies one categorical heartbeat attribute.
type Kind string

const (
	KindLanguage        Kind = "language"
	KindCategory        Kind = "category"
	KindEditor          Kind = "editor"
	KindOperatingSystem Kind = "operating_system"
	KindUserAgent       Kind = "user_agent"
	KindProject         Kind = "project"
	KindBranch          Kind = "branch"
	KindMachine         Kind = "machine"
)

// UserScoped reports whether entities of this kind are unique per user
// rather than global. Projects, branches, and machines mean different
// things to different users; languages and editors do not.
func (k Kind) UserScoped() bool {
	switch k {
	case KindProject, KindBranch, KindMachine:
		return true
	}
	return false
}

// Valid reports whether k names a known dimension.
func (k Kind) Valid() bool {
	switch k {
	case KindLanguage, KindCategory, KindEditor, KindOperatingSystem,
		KindUserAgent, KindProject, KindBranch, KindMachine:
		return true
	}
	return false
}

// Clients report the same language or editor under many spellings. Alias
// tables fold them onto one display name before keying.
var languageAliases = map[string]string{
	"golang":     "Go",
	"js":         "JavaScript",
	"node":       "JavaScript",
	"ts":         "TypeScript",
	"py":         "Python",
	"python3":    "Python",
	"rb":         "Ruby",
	"rs":         "Rust",
	"c++":        "C++",
	"cpp":        "C++",
	"c#":         "C#",
	"csharp":     "C#",
	"objectivec": "Objective-C",
	"shell":      "Shell Script",
	"sh":         "Shell Script",
	"bash":       "Shell Script",
	"zsh":        "Shell Script",
}

var editorAliases = map[string]string{
	"vscode":   "VS Code",
	"code":     "VS Code",
	"vs code":  "VS Code",
	"nvim":     "Neovim",
	"vim":      "Vim",
	"intellij": "IntelliJ IDEA",
	"idea":     "IntelliJ IDEA",
}

var operatingSystemAliases = map[string]string{
	"darwin":    "macOS",
	"mac":       "macOS",
	"osx":       "macOS",
	"win32":     "Windows",
	"windows":   "Windows",
	"linux":     "Linux",
	"gnu/linux": "Linux",
}

// Canonicalize maps a raw client value onto its canonical lookup key and
// display name. The key is what uniqueness is enforced on; the name is what
// dashboards render. A blank raw value yields empty results, meaning "no
// entity".
func Canonicalize(kind Kind, raw string) (key, name string) {
	name = strings.TrimSpace(raw)
	if name == "" {
		return "", ""
	}

	lower := strings.ToLower(name)
	var aliases map[string]string
	switch kind {
	case KindLanguage:
		aliases = languageAliases
	case KindEditor:
		aliases = editorAliases
	case KindOperatingSystem:
		aliases = operatingSystemAliases
	case KindCategory:
		// Categories are a small closed vocabulary; lowercase is canonical.
		name = lower
	}
	if canonical, ok := aliases[lower]; ok {
		name = canonical
	}
	return strings.ToLower(name), name
}

// Entity is one resolved dimension row. UserID is empty for global kinds.
type Entity struct {
	ID     string
	Kind   Kind
	UserID string
	Key    string
	Name   string
}
