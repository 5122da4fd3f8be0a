package urlnorm

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Strategy holds the site-tuned matching heuristics. The defaults were
// calibrated against the corpus of recorded sessions; sites with other
// bundling or responsive-image conventions can swap in their own file.
type Strategy struct {
	// DynamicParams are query parameters stripped before comparison:
	// cache busters, timestamps, request ids, version tags, click ids.
	DynamicParams []string `yaml:"dynamic_params"`

	// BundleMarkers collapse vendor-bundled script/stylesheet URLs down to
	// the stable prefix before the marker.
	BundleMarkers []string `yaml:"bundle_markers"`

	// ImageSizePatterns are regexes removed from image paths to unify
	// responsive size variants of the same asset.
	ImageSizePatterns []string `yaml:"image_size_patterns"`

	// ImagePathMarkers restrict hashy-segment normalization for images to
	// paths containing one of these markers (sprite sheets, iconography).
	ImagePathMarkers []string `yaml:"image_path_markers"`

	// FontExtensions are stripped so .woff and .woff2 variants unify.
	FontExtensions []string `yaml:"font_extensions"`

	dynamicSet   map[string]struct{}
	imageSizeRes []*regexp.Regexp
}

// DefaultStrategy returns the built-in heuristics.
func DefaultStrategy() *Strategy {
	s := &Strategy{
		DynamicParams: []string{
			"_", "t", "ts", "time", "timestamp", "__timestamp",
			"rid", "requestId", "cacheBuster", "_cacheBuster", "cb", "cache_bust", "nocache",
			"v", "version", "rnd", "random", "r",
			"utm_source", "utm_campaign", "utm_medium", "utm_term", "utm_content",
			"gclid", "fbclid", "msclkid",
		},
		BundleMarkers:     []string{"_RC|", "_RC%7C"},
		ImageSizePatterns: []string{`\._AC_UL\d+_SR\d+,\d+_`, `\._SL\d+_`, `\._AC_SX\d+_`, `\._AC_SY\d+_`},
		ImagePathMarkers:  []string{"/sash/"},
		FontExtensions:    []string{".woff2", ".woff"},
	}
	if err := s.compile(); err != nil {
		// Built-in patterns are constants; a compile failure is a programming error.
		panic(err)
	}
	return s
}

// LoadStrategy reads a YAML strategy file, filling omitted sections from
// the defaults.
func LoadStrategy(path string) (*Strategy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read strategy file: %w", err)
	}
	s := DefaultStrategy()
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse strategy file %s: %w", path, err)
	}
	if err := s.compile(); err != nil {
		return nil, fmt.Errorf("strategy file %s: %w", path, err)
	}
	return s, nil
}

func (s *Strategy) compile() error {
	s.dynamicSet = make(map[string]struct{}, len(s.DynamicParams))
	for _, p := range s.DynamicParams {
		s.dynamicSet[p] = struct{}{}
	}
	s.imageSizeRes = s.imageSizeRes[:0]
	for _, pat := range s.ImageSizePatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return fmt.Errorf("image size pattern %q: %w", pat, err)
		}
		s.imageSizeRes = append(s.imageSizeRes, re)
	}
	return nil
}

func (s *Strategy) isDynamicParam(name string) bool {
	_, ok := s.dynamicSet[name]
	return ok
}
