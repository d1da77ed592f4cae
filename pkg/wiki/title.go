package wiki

import (
	"errors"
	"strings"
	"unicode"
)

// MaxTitleLength is the maximum length of a normalized title in bytes.
const MaxTitleLength = 255

var (
	// ErrTitleEmpty is returned if the title is empty after normalization.
	ErrTitleEmpty = errors.New("the title is empty")

	// ErrTitleTooLong is returned if the normalized title exceeds MaxTitleLength.
	ErrTitleTooLong = errors.New("the title is too long")

	// ErrTitleInvalid is returned if the title contains control characters
	// other than whitespace; whitespace control characters such as tab and
	// newline collapse like any other whitespace.
	ErrTitleInvalid = errors.New("the title contains invalid characters")
)

// NormalizeTitle canonicalizes an article title: underscores become spaces,
// surrounding whitespace is trimmed, runs of whitespace collapse to a single
// space, and the first letter is capitalized. Two titles identify the same
// article iff their normalized forms are byte-identical.
func NormalizeTitle(title string) (string, error) {
	title = strings.ReplaceAll(title, "_", " ")

	var b strings.Builder

	b.Grow(len(title))

	lastSpace := true // leading whitespace is dropped

	for _, r := range title {
		if unicode.IsSpace(r) {
			if !lastSpace {
				b.WriteRune(' ')

				lastSpace = true
			}

			continue
		}

		if unicode.IsControl(r) {
			return "", ErrTitleInvalid
		}

		lastSpace = false

		b.WriteRune(r)
	}

	normalized := strings.TrimRight(b.String(), " ")
	if normalized == "" {
		return "", ErrTitleEmpty
	}

	if len(normalized) > MaxTitleLength {
		return "", ErrTitleTooLong
	}

	runes := []rune(normalized)
	runes[0] = unicode.ToUpper(runes[0])

	return string(runes), nil
}
