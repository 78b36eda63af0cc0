// Package privacy obfuscates filesystem paths in log output. Each path
// segment maps deterministically onto a fixed word list, so the same real
// path always logs as the same obfuscated path within one process; the
// mapping is never persisted.
package privacy

import (
	"fmt"
	"hash/fnv"
	"path"
	"strings"
	"sync"
)

// wordList is fixed; the hash of a segment indexes into it.
var wordList = [64]string{
	"amber", "basil", "cedar", "delta", "ember", "fjord", "grove", "heron",
	"indigo", "juniper", "kestrel", "lotus", "maple", "nectar", "onyx", "pearl",
	"quartz", "raven", "sage", "thistle", "umber", "violet", "willow", "xenon",
	"yarrow", "zephyr", "aspen", "birch", "coral", "dune", "elm", "fern",
	"garnet", "hazel", "iris", "jade", "kelp", "lichen", "moss", "nimbus",
	"ochre", "pine", "quill", "reed", "slate", "tundra", "ultramarine", "vale",
	"wren", "xeric", "yew", "zinc", "alder", "bramble", "cobalt", "drift",
	"echo", "flint", "gorse", "heath", "ivory", "jasper", "krill", "lark",
}

// Obfuscator holds the process-local segment mapping. Disabled instances
// pass paths through untouched.
type Obfuscator struct {
	mu      sync.Mutex
	enabled bool
	mapping map[string]string // real segment -> obfuscated word
	claimed map[string]string // obfuscated word -> real segment
}

// New creates an obfuscator.
func New(enabled bool) *Obfuscator {
	return &Obfuscator{
		enabled: enabled,
		mapping: make(map[string]string),
		claimed: make(map[string]string),
	}
}

// Path obfuscates every segment of p, preserving separators and the file
// extension of the final segment.
func (o *Obfuscator) Path(p string) string {
	if !o.enabled || p == "" {
		return p
	}

	normalized := strings.ReplaceAll(p, `\`, "/")
	rooted := strings.HasPrefix(normalized, "/")

	segments := strings.Split(strings.Trim(normalized, "/"), "/")
	o.mu.Lock()
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		ext := ""
		if i == len(segments)-1 {
			ext = path.Ext(seg)
			seg = strings.TrimSuffix(seg, ext)
		}
		segments[i] = o.wordForLocked(seg) + ext
	}
	o.mu.Unlock()

	out := strings.Join(segments, "/")
	if rooted {
		out = "/" + out
	}
	return out
}

// wordForLocked returns the stable word for a segment, resolving hash
// collisions between distinct segments with a numeric suffix.
func (o *Obfuscator) wordForLocked(segment string) string {
	if word, ok := o.mapping[segment]; ok {
		return word
	}

	h := fnv.New32a()
	h.Write([]byte(segment))
	base := wordList[h.Sum32()%uint32(len(wordList))]

	word := base
	for suffix := 2; ; suffix++ {
		owner, taken := o.claimed[word]
		if !taken || owner == segment {
			break
		}
		word = fmt.Sprintf("%s%d", base, suffix)
	}

	o.mapping[segment] = word
	o.claimed[word] = segment
	return word
}
