package manifest

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// capabilityPaths are the manifest locations that contribute to the
// capability list exposed by the resolve and query surfaces.
var capabilityPaths = []string{
	"capabilities.tools",
	"capabilities.resources",
	"capabilities.workflows",
	"capabilities.apis",
}

// ExtractCapabilities returns the flattened capability list of a raw
// manifest body: every entry of the agent capability arrays, plus one
// "METHOD path" entry per declared API endpoint. Order follows document
// order; duplicates are dropped.
func ExtractCapabilities(data []byte) []string {
	seen := make(map[string]struct{})
	var caps []string

	add := func(c string) {
		c = strings.TrimSpace(c)
		if c == "" {
			return
		}
		if _, ok := seen[c]; ok {
			return
		}
		seen[c] = struct{}{}
		caps = append(caps, c)
	}

	for _, path := range capabilityPaths {
		gjson.GetBytes(data, path).ForEach(func(_, value gjson.Result) bool {
			add(value.String())
			return true
		})
	}

	gjson.GetBytes(data, "endpoints").ForEach(func(_, ep gjson.Result) bool {
		method := strings.ToUpper(ep.Get("method").String())
		path := ep.Get("path").String()
		if method != "" && path != "" {
			add(fmt.Sprintf("%s %s", method, path))
		} else if id := ep.Get("id").String(); id != "" {
			add(id)
		}
		return true
	})

	return caps
}
