package language

import (
	"sort"
	"strings"
)

// Catalog is the immutable set of language codes the relay accepts.
type Catalog struct {
	names map[string]string
}

var supported = map[string]string{
	"en": "English",
	"es": "Spanish",
	"fr": "French",
	"de": "German",
	"it": "Italian",
	"pt": "Portuguese",
	"ru": "Russian",
	"ja": "Japanese",
	"ko": "Korean",
	"zh": "Chinese",
	"hi": "Hindi",
	"ar": "Arabic",
	"tr": "Turkish",
	"nl": "Dutch",
	"pl": "Polish",
	"sv": "Swedish",
	"da": "Danish",
	"fi": "Finnish",
	"no": "Norwegian",
	"cs": "Czech",
	"hu": "Hungarian",
	"ro": "Romanian",
	"el": "Greek",
	"he": "Hebrew",
}

// Default returns the built-in catalog.
func Default() *Catalog {
	return New(supported)
}

// New copies names into a catalog. Codes are lower-cased.
func New(names map[string]string) *Catalog {
	c := &Catalog{names: make(map[string]string, len(names))}
	for code, name := range names {
		c.names[normalize(code)] = name
	}
	return c
}

func (c *Catalog) Supports(code string) bool {
	_, ok := c.names[normalize(code)]
	return ok
}

func (c *Catalog) Name(code string) (string, bool) {
	name, ok := c.names[normalize(code)]
	return name, ok
}

// Resolve returns the normalized code when it is supported and fallback otherwise.
func (c *Catalog) Resolve(code, fallback string) string {
	n := normalize(code)
	if _, ok := c.names[n]; ok {
		return n
	}
	return fallback
}

// Entries returns a copy of the code -> display name mapping.
func (c *Catalog) Entries() map[string]string {
	out := make(map[string]string, len(c.names))
	for code, name := range c.names {
		out[code] = name
	}
	return out
}

func (c *Catalog) Codes() []string {
	out := make([]string, 0, len(c.names))
	for code := range c.names {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

func normalize(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}
