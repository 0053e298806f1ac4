package zoomify

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// ErrPropertiesUnavailable marks a missing, unreachable or malformed
// ImageProperties document. Fatal for the affected image.
var ErrPropertiesUnavailable = errors.New("image properties unavailable")

// Real-world ImageProperties.xml files are frequently not valid XML (no
// declaration, stray casing), so the attributes are scraped instead of
// decoded. Example document:
//
//	<IMAGE_PROPERTIES WIDTH="2679" HEIGHT="4000" NUMTILES="241" NUMIMAGES="1" VERSION="1.8" TILESIZE="256"/>
var attrRegexp = regexp.MustCompile(`\b(\w+)\s*=\s*["']([^"']*)["']`)

// ParseProperties extracts WIDTH, HEIGHT and TILESIZE from an
// ImageProperties document. Any of the three missing or non-numeric is an
// ErrPropertiesUnavailable.
func ParseProperties(doc string) (Properties, error) {
	attrs := map[string]string{}
	for _, m := range attrRegexp.FindAllStringSubmatch(doc, -1) {
		attrs[m[1]] = m[2]
	}

	var props Properties
	for _, f := range []struct {
		name string
		dst  *int
	}{
		{"WIDTH", &props.Width},
		{"HEIGHT", &props.Height},
		{"TILESIZE", &props.TileSize},
	} {
		raw, ok := attrs[f.name]
		if !ok {
			return Properties{}, fmt.Errorf("%w: missing %s attribute", ErrPropertiesUnavailable, f.name)
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return Properties{}, fmt.Errorf("%w: bad %s attribute %q", ErrPropertiesUnavailable, f.name, raw)
		}
		*f.dst = v
	}
	return props, nil
}
