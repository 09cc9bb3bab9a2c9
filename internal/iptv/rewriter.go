package iptv

import (
	"net/url"
	"regexp"
	"strings"
)

// uriAttrRe matches URI="..." attributes inside HLS tag lines
// (#EXT-X-KEY, #EXT-X-MAP, #EXT-X-MEDIA and friends).
var uriAttrRe = regexp.MustCompile(`URI="([^"]+)"`)

// RewriteManifest rewrites every URL in an HLS manifest to pass through
// the local proxy. Non-comment lines are treated as URLs; comment lines
// are scanned for URI="..." attributes. prefix must end with "/".
//
// Relative URLs keep their relative form under the prefix and are
// resolved against the channel's stored manifest root at dispatch time.
// Absolute URLs on the manifest origin are folded into the prefix by
// path; absolute URLs on any other origin are URL-encoded whole so the
// dispatcher can recover them.
func RewriteManifest(manifest []byte, prefix string, base *url.URL) []byte {
	lines := strings.Split(string(manifest), "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			lines[i] = uriAttrRe.ReplaceAllStringFunc(line, func(attr string) string {
				m := uriAttrRe.FindStringSubmatch(attr)
				return `URI="` + rewriteURL(m[1], prefix, base) + `"`
			})
			continue
		}
		lines[i] = rewriteURL(trimmed, prefix, base)
	}
	return []byte(strings.Join(lines, "\n"))
}

func rewriteURL(raw, prefix string, base *url.URL) string {
	parsed, err := url.Parse(raw)
	if err != nil || !parsed.IsAbs() {
		// Relative reference: keep it as-is under the prefix.
		return prefix + raw
	}
	if base != nil && parsed.Scheme == base.Scheme && parsed.Host == base.Host {
		rebuilt := strings.TrimPrefix(parsed.Path, "/")
		if parsed.RawQuery != "" {
			rebuilt += "?" + parsed.RawQuery
		}
		return prefix + rebuilt
	}
	return prefix + url.QueryEscape(raw)
}

// ResolveSegmentURL maps a proxied path component back to the upstream
// URL. A component that decodes to an absolute URL is used directly;
// anything else resolves against the channel's manifest root.
func ResolveSegmentURL(component string, root *url.URL) (*url.URL, error) {
	if decoded, err := url.QueryUnescape(component); err == nil {
		if strings.HasPrefix(decoded, "http://") || strings.HasPrefix(decoded, "https://") {
			return url.Parse(decoded)
		}
		component = decoded
	}
	ref, err := url.Parse(component)
	if err != nil {
		return nil, err
	}
	if ref.IsAbs() {
		return ref, nil
	}
	if root == nil {
		return nil, &PortalError{Message: "no manifest root known for channel"}
	}
	return root.ResolveReference(ref), nil
}
