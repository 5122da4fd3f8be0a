// Package urlnorm maps request URLs to increasingly coarse comparison keys
// so recorded exchanges can be matched against replay-time requests whose
// cache-busting parameters, bundle hashes, or responsive-image variants
// changed between capture and replay.
package urlnorm

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// Resource types as normalized lowercase CDP names.
const (
	ResourceDocument   = "document"
	ResourceXHR        = "xhr"
	ResourceFetch      = "fetch"
	ResourceScript     = "script"
	ResourceStylesheet = "stylesheet"
	ResourceImage      = "image"
	ResourceFont       = "font"
	ResourceMedia      = "media"
)

// hashysegmentRe matches cache-busting hash tokens such as build ids or
// content hashes embedded in path segments.
var hashySegmentRe = regexp.MustCompile(`^[A-Za-z0-9$+\-]{10,}$`)

// NormalizeResourceType lowercases a CDP resource type name.
func NormalizeResourceType(t string) string {
	return strings.ToLower(t)
}

// Normalize returns the comparison form of a URL: dynamic query parameters
// removed, remaining parameters sorted, fragment dropped, and type-specific
// hash tokens collapsed to stable placeholders.
func Normalize(rawURL, resourceType string, s *Strategy) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	path := normalizeHashyPath(u.Path, resourceType, s)

	if resourceType == ResourceScript || resourceType == ResourceStylesheet {
		// Vendor-bundled assets embed the member file list after a marker;
		// only the prefix is stable across builds.
		for _, marker := range s.BundleMarkers {
			if idx := strings.Index(path, marker); idx >= 0 {
				return u.Scheme + "://" + u.Host + path[:idx+len(marker)]
			}
		}
	}

	q := u.Query()
	for name := range q {
		if s.isDynamicParam(name) {
			q.Del(name)
		}
	}

	u.Path = path
	u.RawPath = ""
	u.RawQuery = encodeSorted(q)
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

// SimilarityKey returns the coarsest comparison key for a URL. Images strip
// responsive-size infixes, fonts unify extension variants, everything else
// falls back to Normalize.
func SimilarityKey(rawURL, resourceType string, s *Strategy) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	path := normalizeHashyPath(u.Path, resourceType, s)

	switch resourceType {
	case ResourceImage:
		for _, re := range s.imageSizeRes {
			path = re.ReplaceAllString(path, "")
		}
		return u.Scheme + "://" + u.Host + path
	case ResourceFont:
		for _, ext := range s.FontExtensions {
			if strings.HasSuffix(path, ext) {
				path = strings.TrimSuffix(path, ext)
				break
			}
		}
		return u.Scheme + "://" + u.Host + path
	}
	return Normalize(rawURL, resourceType, s)
}

// normalizeHashyPath replaces hash tokens in path segments with stable
// placeholders for resource types whose filenames change between builds.
func normalizeHashyPath(path, resourceType string, s *Strategy) string {
	if path == "" {
		return path
	}

	switch resourceType {
	case ResourceFont, ResourceScript, ResourceStylesheet, ResourceMedia:
	case ResourceImage:
		marked := false
		for _, m := range s.ImagePathMarkers {
			if strings.Contains(path, m) {
				marked = true
				break
			}
		}
		if !marked {
			return path
		}
	default:
		return path
	}

	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		if hashySegmentRe.MatchString(seg) {
			segments[i] = "__HASH_DIR__"
			continue
		}
		name, rest, found := strings.Cut(seg, ".")
		if !found || !hashySegmentRe.MatchString(name) {
			continue
		}
		segments[i] = "__HASH__." + rest
	}
	return strings.Join(segments, "/")
}

// encodeSorted renders query values with deterministic key order.
func encodeSorted(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		for _, v := range q[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}
