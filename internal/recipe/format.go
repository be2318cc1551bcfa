package recipe

import (
	"fmt"
	"strconv"
	"strings"
)

// Kinds of lines a document is made of.
type lineKind int

const (
	lineBlank lineKind = iota
	lineComment
	lineSection
	lineEntry
)

// One line (or block entry) of a metafile. Blank, comment and section
// lines keep their original text and round-trip byte-for-byte; entries
// keep key, value and trailing comment and are re-rendered.
type docLine struct {
	kind    lineKind
	raw     string // original text for blank/comment/section lines
	section string // section in force, without brackets
	key     string // entry key as written, without section prefix
	value   string // entry value with surrounding quotes stripped
	block   bool   // value came from a "|" multi-line block
	comment string // trailing comment on an entry line, including "#"
}

// A parsed metafile retaining source order for every entry.
type Document struct {
	Path  string
	lines []docLine
}

// Parses a metafile document.
//
// Returns [ErrParse] with a 1-based line number for entries without "="
// and for unterminated multi-line blocks.
func ParseDocument(data []byte, path string) (*Document, error) {
	doc := &Document{Path: path}
	section := ""

	lines := strings.Split(string(data), "\n")
	// A trailing newline yields one empty trailing element; drop it so it
	// does not round-trip into a growing tail of blanks.
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}

	for i := 0; i < len(lines); i++ {
		raw := lines[i]
		trimmed := strings.TrimSpace(raw)

		switch {
		case trimmed == "":
			doc.lines = append(doc.lines, docLine{kind: lineBlank, raw: raw, section: section})

		case strings.HasPrefix(trimmed, "#"):
			doc.lines = append(doc.lines, docLine{kind: lineComment, raw: raw, section: section})

		case strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]"):
			section = strings.TrimSpace(trimmed[1 : len(trimmed)-1])
			doc.lines = append(doc.lines, docLine{kind: lineSection, raw: raw, section: section})

		default:
			key, rest, ok := strings.Cut(trimmed, "=")
			if !ok {
				return nil, fmt.Errorf("%w: %s:%d: expected key = value, got %q", ErrParse, path, i+1, trimmed)
			}
			key = strings.TrimSpace(key)
			value, comment := splitTrailingComment(strings.TrimSpace(rest))

			entry := docLine{kind: lineEntry, section: section, key: key, comment: comment}

			if value == "|" {
				start := i + 1
				var block []string
				terminated := false
				for i++; i < len(lines); i++ {
					if strings.TrimSpace(lines[i]) == "." {
						terminated = true
						break
					}
					block = append(block, lines[i])
				}
				if !terminated {
					return nil, fmt.Errorf("%w: %s:%d: block for %q not terminated by \".\"", ErrParse, path, start, key)
				}
				entry.value = strings.Join(block, "\n")
				entry.block = true
			} else {
				entry.value = stripQuotes(value)
			}

			doc.lines = append(doc.lines, entry)
		}
	}

	return doc, nil
}

// Splits a trailing comment off an entry value. A "#" opens a comment
// only when it starts the value or follows whitespace, so fragment URLs
// survive.
func splitTrailingComment(v string) (value, comment string) {
	if strings.HasPrefix(v, "#") {
		return "", v
	}
	for i := 1; i < len(v); i++ {
		if v[i] == '#' && (v[i-1] == ' ' || v[i-1] == '\t') {
			return strings.TrimSpace(v[:i]), v[i:]
		}
	}
	return v, ""
}

// Strips one pair of surrounding double quotes.
func stripQuotes(v string) string {
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		return v[1 : len(v)-1]
	}
	return v
}

// A key qualified by its section, "section.key", or the bare key for
// entries above any section header.
func (l *docLine) qualifiedKey() string {
	if l.section == "" {
		return l.key
	}
	return l.section + "." + l.key
}

// Calls fn for every entry in source order with the section-qualified
// key. Iteration stops when fn returns false.
func (d *Document) Entries(fn func(key, value string) bool) {
	for i := range d.lines {
		l := &d.lines[i]
		if l.kind != lineEntry {
			continue
		}
		if !fn(l.qualifiedKey(), l.value) {
			return
		}
	}
}

// Returns the first value for a section-qualified key and whether the
// key exists.
func (d *Document) Get(key string) (string, bool) {
	for i := range d.lines {
		l := &d.lines[i]
		if l.kind == lineEntry && l.qualifiedKey() == key {
			return l.value, true
		}
	}
	return "", false
}

// Returns every value for a section-qualified key in source order.
func (d *Document) GetAll(key string) []string {
	var out []string
	for i := range d.lines {
		l := &d.lines[i]
		if l.kind == lineEntry && l.qualifiedKey() == key {
			out = append(out, l.value)
		}
	}
	return out
}

// Sets a section-qualified key.
//
// An existing entry is rewritten in place, preserving its position and
// trailing comment. A new key is appended to its section when the
// section exists, re-opening the section at the document end otherwise.
func (d *Document) Set(key, value string) {
	for i := range d.lines {
		l := &d.lines[i]
		if l.kind == lineEntry && l.qualifiedKey() == key {
			l.value = value
			l.block = strings.ContainsRune(value, '\n')
			return
		}
	}

	section, bare := splitKey(key)
	entry := docLine{
		kind:    lineEntry,
		section: section,
		key:     bare,
		value:   value,
		block:   strings.ContainsRune(value, '\n'),
	}

	// Append after the last line belonging to the target section.
	last := -1
	for i := range d.lines {
		if d.lines[i].section == section {
			last = i
		}
	}
	if last >= 0 {
		d.lines = append(d.lines[:last+1], append([]docLine{entry}, d.lines[last+1:]...)...)
		return
	}

	if section != "" {
		d.lines = append(d.lines, docLine{kind: lineSection, raw: "[" + section + "]", section: section})
	}
	d.lines = append(d.lines, entry)
}

// Splits "section.key" into its parts. Keys above any section have no
// dot-separated section prefix.
func splitKey(key string) (section, bare string) {
	if i := strings.IndexByte(key, '.'); i > 0 {
		return key[:i], key[i+1:]
	}
	return "", key
}

// Serializes the document.
//
// Unedited blank, comment and section lines round-trip verbatim; entry
// lines are rendered in canonical "key = value" form.
func (d *Document) Bytes() []byte {
	var b strings.Builder
	for i := range d.lines {
		l := &d.lines[i]
		switch l.kind {
		case lineEntry:
			if l.block {
				b.WriteString(l.key)
				b.WriteString(" = |\n")
				if l.value != "" {
					b.WriteString(l.value)
					b.WriteByte('\n')
				}
				b.WriteString(".")
			} else {
				b.WriteString(l.key)
				b.WriteString(" = ")
				b.WriteString(l.value)
				if l.comment != "" {
					b.WriteString(" ")
					b.WriteString(l.comment)
				}
			}
		default:
			b.WriteString(l.raw)
		}
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// Builds the typed view of the document.
//
// Unknown keys are ignored so that older tools can read newer metafiles.
// Sources correlate url_<k> with sha256_<k> by the numeric suffix and
// are ordered by first appearance of either key of the pair.
func (d *Document) Recipe() *Recipe {
	r := &Recipe{
		Environment: make(map[string]string),
		Hooks:       make(map[Stage]string),
		Path:        d.Path,
	}
	r.Build.System = SystemAuto
	r.Build.Prefix = "/usr"

	sources := make(map[int]*Source)
	var sourceOrder []int

	d.Entries(func(key, value string) bool {
		section, bare := splitKey(key)

		switch section {
		case "package":
			switch bare {
			case "name":
				r.Name = value
			case "version":
				r.Version = value
			case "description":
				r.Description = value
			case "homepage":
				r.Homepage = value
			case "category":
				r.Category = value
			case "arch":
				r.Arch = splitList(value)
			case "x11":
				r.X11 = parseBool(value)
			case "desktop":
				r.Desktop = parseBool(value)
			}

		case "environment":
			r.Environment[bare] = value

		case "sources":
			if idx, ok := urlIndex(bare, "url"); ok {
				s := sources[idx]
				if s == nil {
					s = &Source{Index: idx}
					sources[idx] = s
					sourceOrder = append(sourceOrder, idx)
				}
				s.URL = value
			} else if idx, ok := urlIndex(bare, "sha256"); ok {
				s := sources[idx]
				if s == nil {
					s = &Source{Index: idx}
					sources[idx] = s
					sourceOrder = append(sourceOrder, idx)
				}
				s.SHA256 = value
			}

		case "patches":
			if value != "" {
				r.Patches = append(r.Patches, value)
			}

		case "hooks":
			if ValidStage(bare) {
				r.Hooks[Stage(bare)] = value
			}

		case "deps":
			switch bare {
			case "depends":
				r.Depends = splitList(value)
			case "build_deps":
				r.BuildDeps = splitList(value)
			case "opt_deps":
				r.OptDeps = splitList(value)
			}

		case "build":
			switch bare {
			case "system":
				r.Build.System = value
			case "configure":
				r.Build.Configure = value
			case "build":
				r.Build.Build = value
			case "check":
				r.Build.Check = value
			case "install":
				r.Build.Install = value
			case "prefix":
				r.Build.Prefix = value
			case "jobs":
				if n, err := strconv.Atoi(value); err == nil && n > 0 {
					r.Build.Jobs = n
				}
			case "strict_check":
				r.Build.StrictCheck = parseBool(value)
			case "strict_hooks":
				r.Build.StrictHooks = parseBool(value)
			}

		case "update":
			switch bare {
			case "api":
				r.Update.API = value
			case "regex":
				r.Update.Regex = value
			}
		}
		return true
	})

	for _, idx := range sourceOrder {
		r.Sources = append(r.Sources, *sources[idx])
	}
	return r
}

// Parses the numeric suffix of keys like "url_3". A bare "url" counts
// as index 1.
func urlIndex(key, prefix string) (int, bool) {
	if key == prefix {
		return 1, true
	}
	rest, ok := strings.CutPrefix(key, prefix+"_")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// Splits a comma-separated list, trimming whitespace and dropping
// empty items.
func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Accepts the usual spellings of boolean values.
func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
