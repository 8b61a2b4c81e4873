package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Display contains formatted display info for a tool call.
type Display struct {
	Name   string
	Emoji  string
	Title  string
	Label  string
	Detail string
}

// DisplaySpec defines display configuration for a tool.
type DisplaySpec struct {
	Emoji      string
	Title      string
	Label      string
	DetailKeys []string
}

// MaxDetailEntries limits the number of detail items shown.
const MaxDetailEntries = 4

// maxDetailLen caps one rendered detail value.
const maxDetailLen = 80

var fallbackSpec = DisplaySpec{Emoji: "🧩"}

var displaySpecs = map[string]DisplaySpec{
	QueryEngineTool: {
		Emoji:      "🔍",
		Title:      "Query Engine",
		Label:      "Querying index",
		DetailKeys: []string{"query"},
	},
	CodeExecuteCommand: {
		Emoji:      "💻",
		Title:      "Code",
		Label:      "Running code",
		DetailKeys: []string{"code"},
	},
	"read_file": {
		Emoji:      "📖",
		Title:      "Read",
		Label:      "Reading",
		DetailKeys: []string{"path", "file_path"},
	},
	"save_file": {
		Emoji:      "✏️",
		Title:      "Write",
		Label:      "Writing",
		DetailKeys: []string{"path", "file_path"},
	},
	"web_search": {
		Emoji:      "🔎",
		Title:      "Web Search",
		Label:      "Searching",
		DetailKeys: []string{"query"},
	},
	"web_url_open": {
		Emoji:      "🌐",
		Title:      "Browser",
		Label:      "Opening",
		DetailKeys: []string{"url"},
	},
}

// Describe resolves display info for a tool call.
func Describe(name string, args map[string]any) *Display {
	normalized := normalizeToolName(name)
	display := &Display{
		Name:  name,
		Title: defaultTitle(name),
	}

	spec, found := displaySpecs[normalized]
	if !found {
		spec, found = displaySpecs[name]
	}
	if !found {
		spec = fallbackSpec
	}

	display.Emoji = spec.Emoji
	if spec.Title != "" {
		display.Title = spec.Title
	}
	display.Label = spec.Label
	display.Detail = resolveDetailFromKeys(args, spec.DetailKeys)
	return display
}

// Summary formats a one-line summary such as "🔍 Querying index: budget".
func (d *Display) Summary() string {
	var parts []string
	if d.Emoji != "" {
		parts = append(parts, d.Emoji)
	}
	label := d.Label
	if label == "" {
		label = d.Title
	}
	if label != "" {
		parts = append(parts, label)
	}
	summary := strings.Join(parts, " ")
	if d.Detail != "" {
		summary += ": " + d.Detail
	}
	return summary
}

// FormatCall renders a tool call as a fenced block for live output.
func FormatCall(name string, args map[string]any) string {
	return "\n```tool\n" + Describe(name, args).Summary() + "\n```\n"
}

// FormatResult renders a tool result as a fenced block for live output.
func FormatResult(name string, args map[string]any, output string) string {
	header := Describe(name, args).Summary()
	return fmt.Sprintf("\n```tool\n%s\n\n%s\n```\n", header, strings.TrimSpace(output))
}

// normalizeToolName cleans up tool name
func normalizeToolName(name string) string {
	normalized := strings.ToLower(name)

	// namespaced tools like "plugin__cmd" or "plugin.cmd"
	if strings.Contains(normalized, "__") {
		parts := strings.Split(normalized, "__")
		normalized = parts[len(parts)-1]
	}
	if strings.Contains(normalized, ".") {
		parts := strings.Split(normalized, ".")
		normalized = parts[len(parts)-1]
	}
	return strings.TrimSuffix(normalized, "_tool")
}

// defaultTitle creates a default title from tool name
func defaultTitle(name string) string {
	normalized := normalizeToolName(name)
	normalized = strings.ReplaceAll(normalized, "_", " ")
	normalized = strings.ReplaceAll(normalized, "-", " ")

	words := strings.Fields(normalized)
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}

// coerceDisplayValue converts a value to a display string
func coerceDisplayValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case int, int64, int32:
		return fmt.Sprintf("%d", v)
	case []any:
		items := make([]string, 0, len(v))
		for _, item := range v {
			if s := coerceDisplayValue(item); s != "" {
				items = append(items, s)
			}
		}
		return strings.Join(items, ", ")
	case map[string]any:
		for _, key := range []string{"name", "id", "path", "value"} {
			if val, ok := v[key]; ok {
				return coerceDisplayValue(val)
			}
		}
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// resolveDetailFromKeys extracts details from args using specified keys
func resolveDetailFromKeys(args map[string]any, keys []string) string {
	if len(args) == 0 || len(keys) == 0 {
		return ""
	}

	details := make([]string, 0, len(keys))
	for _, key := range keys {
		if len(details) >= MaxDetailEntries {
			break
		}
		value := coerceDisplayValue(args[key])
		if value == "" {
			continue
		}
		value = shortenHomePath(firstLine(value))
		if len([]rune(value)) > maxDetailLen {
			value = string([]rune(value)[:maxDetailLen]) + "…"
		}
		details = append(details, value)
	}
	return strings.Join(details, " · ")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}

// shortenHomePath replaces home directory with ~
func shortenHomePath(path string) string {
	if !filepath.IsAbs(path) {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	cleanPath := filepath.Clean(path)
	cleanHome := filepath.Clean(home)
	if strings.HasPrefix(cleanPath, cleanHome+string(filepath.Separator)) {
		return "~" + cleanPath[len(cleanHome):]
	}
	return path
}
