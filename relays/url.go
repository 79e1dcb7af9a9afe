////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package relays

import (
	"net/url"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"gitlab.com/elixxir/whitenoise/errs"
)

// URL is a validated, normalized relay websocket URL.
type URL string

// ParseURL validates a relay URL. The scheme must be ws or wss and the host
// must be present; the host is lowercased and a trailing slash removed.
func ParseURL(raw string) (URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errs.New(errs.InvalidRelayUrl, "empty relay url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", errs.Wrap(errs.InvalidRelayUrl, err, "malformed relay url %q", raw)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", errs.New(errs.InvalidRelayUrl,
			"relay url %q must use ws or wss", raw)
	}
	if u.Hostname() == "" {
		return "", errs.New(errs.InvalidRelayUrl, "relay url %q has no host", raw)
	}
	if u.User != nil || u.Fragment != "" {
		return "", errs.New(errs.InvalidRelayUrl,
			"relay url %q may not carry credentials or fragments", raw)
	}
	return URL(nostr.NormalizeURL(raw)), nil
}

// ParseURLs parses every entry, dropping malformed ones and duplicates.
func ParseURLs(raw []string) []URL {
	seen := make(map[URL]struct{}, len(raw))
	out := make([]URL, 0, len(raw))
	for _, r := range raw {
		u, err := ParseURL(r)
		if err != nil {
			continue
		}
		if _, exists := seen[u]; exists {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// String returns the URL.
func (u URL) String() string {
	return string(u)
}

// Strings converts URLs to plain strings.
func Strings(urls []URL) []string {
	out := make([]string, len(urls))
	for i, u := range urls {
		out[i] = string(u)
	}
	return out
}
