////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package emoji validates and normalizes reaction content.
package emoji

import (
	"regexp"
	"strings"

	"github.com/forPelevin/gomoji"
	"github.com/pkg/errors"
)

var (
	// InvalidReaction is returned if the passed reaction string is an invalid
	// emoji.
	InvalidReaction = errors.New(
		"The reaction is not valid, it must be a single emoji")
)

// Shorthand reactions used by other clients.
const (
	Like    = "+"
	Dislike = "-"

	ThumbsUp   = "👍"
	ThumbsDown = "👎"
)

// Custom emoji such as :party_parrot:.
var shortcodeRe = regexp.MustCompile(`^:[A-Za-z0-9_+\-]+:$`)

// SupportedEmojis returns a list of emojis that are supported by the backend.
func SupportedEmojis() []gomoji.Emoji {
	return gomoji.AllEmojis()
}

// ValidateReaction checks that the reaction only contains a single emoji.
// Returns InvalidReaction if the emoji is invalid.
func ValidateReaction(reaction string) error {
	emojisList := gomoji.CollectAll(reaction)
	if len(emojisList) != 1 {
		return InvalidReaction
	} else if emojisList[0].Character != reaction {
		// Non-emoji characters found alongside an emoji
		return InvalidReaction
	}

	return nil
}

// IsShortcode reports whether the reaction is a :name: custom emoji.
func IsShortcode(reaction string) bool {
	return shortcodeRe.MatchString(reaction)
}

// Normalize maps reaction content onto the emoji it is counted under. The
// shorthands "+" and "-" become thumbs up and down. Shortcodes are kept as
// they are. Anything else must be a single emoji.
func Normalize(content string) (string, error) {
	content = strings.TrimSpace(content)
	switch content {
	case Like:
		return ThumbsUp, nil
	case Dislike:
		return ThumbsDown, nil
	}
	if IsShortcode(content) {
		return content, nil
	}
	if err := ValidateReaction(content); err != nil {
		return "", err
	}
	return content, nil
}
