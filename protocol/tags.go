////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package protocol

import (
	"github.com/nbd-wtf/go-nostr"
)

// FirstTagValue returns the value of the first tag with the given name.
func FirstTagValue(tags nostr.Tags, name string) (string, bool) {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1], true
		}
	}
	return "", false
}

// TagValues returns the first value of every tag with the given name.
func TagValues(tags nostr.Tags, name string) []string {
	var values []string
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == name {
			values = append(values, tag[1])
		}
	}
	return values
}

// TagTail returns every value after the name of the first matching tag. Used
// for tags such as ["relays", url1, url2, ...].
func TagTail(tags nostr.Tags, name string) []string {
	for _, tag := range tags {
		if len(tag) >= 1 && tag[0] == name {
			return append([]string(nil), tag[1:]...)
		}
	}
	return nil
}

// ReplyTarget returns the event a message replies to. A tag marked "reply"
// wins; otherwise the last unmarked "e" tag is used.
func ReplyTarget(tags nostr.Tags) (string, bool) {
	var last string
	found := false
	for _, tag := range tags {
		if len(tag) < 2 || tag[0] != TagEvent {
			continue
		}
		if len(tag) >= 4 && tag[3] == MarkerReply {
			return tag[1], true
		}
		if len(tag) >= 4 && tag[3] == MarkerRoot {
			continue
		}
		last = tag[1]
		found = true
	}
	return last, found
}

// LastTagValue returns the value of the last tag with the given name.
func LastTagValue(tags nostr.Tags, name string) (string, bool) {
	for i := len(tags) - 1; i >= 0; i-- {
		if len(tags[i]) >= 2 && tags[i][0] == name {
			return tags[i][1], true
		}
	}
	return "", false
}

// ToStrings converts tags into plain string slices.
func ToStrings(tags nostr.Tags) [][]string {
	out := make([][]string, len(tags))
	for i, tag := range tags {
		out[i] = append([]string(nil), tag...)
	}
	return out
}

// FromStrings converts plain string slices into tags, skipping empty ones.
func FromStrings(raw [][]string) nostr.Tags {
	tags := make(nostr.Tags, 0, len(raw))
	for _, t := range raw {
		if len(t) == 0 {
			continue
		}
		tags = append(tags, nostr.Tag(append([]string(nil), t...)))
	}
	return tags
}
