package cache

import (
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"
)

var envReference = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// escapedDollar stands in for `$$` while references are expanded.
const escapedDollar = "\x00QUERYCACHE_DOLLAR\x00"

// expandEnv expands environment references in a config document.
//
// `${VAR}` must be set, otherwise ErrMissingEnv lists every missing name.
// `$VAR` expands to the empty string when unset. `$$` yields a literal `$`.
func expandEnv(doc string) (string, error) {
	doc = strings.ReplaceAll(doc, "$$", escapedDollar)

	var missing []string
	for _, m := range envReference.FindAllStringSubmatch(doc, -1) {
		if _, ok := os.LookupEnv(m[1]); !ok && !slices.Contains(missing, m[1]) {
			missing = append(missing, m[1])
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return "", fmt.Errorf("%w: %s", ErrMissingEnv, strings.Join(missing, ", "))
	}

	return strings.ReplaceAll(os.ExpandEnv(doc), escapedDollar, "$"), nil
}
