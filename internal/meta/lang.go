package meta

import (
	"sort"
	"strconv"
	"strings"
)

// PreferredLanguages parses an Accept-Language header value into lowercase
// tags ordered by descending q-value. A tag without a q parameter weighs 1.0;
// ties keep their order of appearance. The literal tag "-" (sent by some
// privacy extensions) is dropped. defaultLang is appended as the final
// fallback, so the result is never empty.
func PreferredLanguages(header, defaultLang string) []string {
	type weighted struct {
		tag string
		q   float64
	}

	var tags []weighted
	for _, part := range strings.Split(header, ",") {
		tag, params, _ := strings.Cut(part, ";")
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || tag == "-" {
			continue
		}
		q := 1.0
		if k, v, ok := strings.Cut(strings.TrimSpace(params), "="); ok && strings.TrimSpace(k) == "q" {
			if parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				q = parsed
			}
		}
		tags = append(tags, weighted{tag: tag, q: q})
	}

	sort.SliceStable(tags, func(i, j int) bool { return tags[i].q > tags[j].q })

	langs := make([]string, 0, len(tags)+1)
	for _, t := range tags {
		langs = append(langs, t.tag)
	}
	return append(langs, defaultLang)
}

// PreferredElement picks the localized value that best matches the preference
// list. For each language in order it tries the tag verbatim, then the
// primary subtag of a dialect ("en-us" falls back to "en"); "*" matches any
// available value. Returns "" when nothing matches.
func PreferredElement(langs []string, elements map[string]string) string {
	for _, lang := range langs {
		if lang == "*" {
			for _, v := range elements {
				if v != "" {
					return v
				}
			}
			continue
		}
		if v, ok := elements[lang]; ok {
			return v
		}
		if primary, _, ok := strings.Cut(lang, "-"); ok {
			if v, ok := elements[primary]; ok {
				return v
			}
		}
	}
	return ""
}
