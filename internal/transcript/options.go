// Package transcript provides transcript sources: producers of incremental
// text fragments for the local side of a call.
//
// Speech recognition itself happens outside this program. A source reads the
// text an external engine writes, either on a stream (stdin) or into a file.
package transcript

import (
	"fmt"

	"golang.org/x/text/language"
)

// DefaultLanguage is used when Options.Language is empty.
const DefaultLanguage = "en-US"

// Options controls a capture.
type Options struct {
	Continuous bool   // keep emitting fragments; false stops after the first
	Language   string // BCP 47 tag of the spoken language
}

// DefaultOptions returns continuous capture in DefaultLanguage.
func DefaultOptions() Options {
	return Options{Continuous: true, Language: DefaultLanguage}
}

// Tag validates and canonicalizes the capture language.
func (o Options) Tag() (language.Tag, error) {
	lang := o.Language
	if lang == "" {
		lang = DefaultLanguage
	}
	tag, err := language.Parse(lang)
	if err != nil {
		return language.Und, fmt.Errorf("invalid capture language %q: %w", lang, err)
	}
	return tag, nil
}
