// Package lifecycle derives a document's computed fields before each
// save. PrepareForSave is pure: everything the pipeline needs comes in
// through its arguments, so it is testable without storage.
package lifecycle

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pengcunfu/SimpleNotes/internal/store"
)

const (
	excerptLimit    = 200
	wordsPerMinute  = 200
	slugInvalidRune = "[^a-z0-9\\s-]"
)

var (
	slugStrip     = regexp.MustCompile(slugInvalidRune)
	whitespaceRun = regexp.MustCompile(`\s+`)
	hyphenRun     = regexp.MustCompile(`-+`)
	markdownLink  = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	markdownMarks = regexp.MustCompile("[#*`_~]")
)

// PrepareForSave returns the fully resolved next version of doc. prev is
// the previously persisted version, nil on create. Steps run in order:
// slug, excerpt, word count and reading time, publish timestamp.
func PrepareForSave(doc store.Document, prev *store.Document, now time.Time) store.Document {
	if strings.TrimSpace(doc.Slug) == "" {
		doc.Slug = Slugify(doc.Title) + "-" + strconv.FormatInt(now.UnixMilli(), 10)
	} else {
		// Explicit or loaded slugs are taken verbatim; the unique index
		// rejects collisions at persistence time.
		doc.Slug = strings.ToLower(strings.TrimSpace(doc.Slug))
	}

	if doc.Excerpt == "" && doc.Content != "" {
		doc.Excerpt = Excerpt(doc.Content)
	}

	doc.WordCount = len(strings.Fields(doc.Content))
	doc.ReadingTime = (doc.WordCount + wordsPerMinute - 1) / wordsPerMinute

	doc.PublishedAt = resolvePublishedAt(doc, prev, now)
	return doc
}

// resolvePublishedAt sets the publish timestamp exactly once: the first
// time status becomes "published". A publish date, once set, survives
// every later transition including archive/republish round trips.
func resolvePublishedAt(doc store.Document, prev *store.Document, now time.Time) *time.Time {
	if prev != nil && prev.PublishedAt != nil {
		return prev.PublishedAt
	}
	if doc.PublishedAt != nil {
		return doc.PublishedAt
	}
	if doc.Status == "published" {
		at := now
		return &at
	}
	return nil
}

// Slugify lowercases the title, drops everything outside [a-z0-9\s-],
// collapses whitespace runs and repeated hyphens to single hyphens, and
// trims leading/trailing hyphens. Callers append their own uniqueness
// suffix.
func Slugify(title string) string {
	slug := strings.ToLower(title)
	slug = slugStrip.ReplaceAllString(slug, "")
	slug = whitespaceRun.ReplaceAllString(strings.TrimSpace(slug), "-")
	slug = hyphenRun.ReplaceAllString(slug, "-")
	return strings.Trim(slug, "-")
}

// Excerpt strips markdown markers and link syntax from content, folds
// newlines to spaces, and truncates to 200 characters with an ellipsis.
func Excerpt(content string) string {
	plain := markdownMarks.ReplaceAllString(content, "")
	plain = markdownLink.ReplaceAllString(plain, "$1")
	plain = strings.ReplaceAll(plain, "\n", " ")
	plain = strings.TrimSpace(plain)

	runes := []rune(plain)
	if len(runes) > excerptLimit {
		return string(runes[:excerptLimit]) + "..."
	}
	return plain
}
