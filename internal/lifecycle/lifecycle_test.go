package lifecycle

import (
	"regexp"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/pengcunfu/SimpleNotes/internal/store"
)

func TestSlugify(t *testing.T) {
	cases := []struct {
		title string
		want  string
	}{
		{title: "Hello, World! 2024", want: "hello-world-2024"},
		{title: "  Spaces   everywhere  ", want: "spaces-everywhere"},
		{title: "already-hyphenated---title", want: "already-hyphenated-title"},
		{title: "--trim me--", want: "trim-me"},
		{title: "Ünïcode & Symbols?!", want: "ncode-symbols"},
	}

	for _, tc := range cases {
		if got := Slugify(tc.title); got != tc.want {
			t.Errorf("Slugify(%q) = %q, want %q", tc.title, got, tc.want)
		}
	}
}

func TestPrepareForSaveDerivesSlugWithSuffix(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	doc := PrepareForSave(store.Document{Title: "Hello, World! 2024", Content: "body"}, nil, now)

	pattern := regexp.MustCompile(`^hello-world-2024-\d+$`)
	if !pattern.MatchString(doc.Slug) {
		t.Fatalf("slug %q does not match hello-world-2024-<suffix>", doc.Slug)
	}
}

func TestPrepareForSaveKeepsExplicitSlug(t *testing.T) {
	doc := PrepareForSave(store.Document{Title: "Anything", Slug: "  My-Custom-Slug  ", Content: "body"}, nil, time.Now())
	if doc.Slug != "my-custom-slug" {
		t.Fatalf("explicit slug should be lowercased and trimmed verbatim, got %q", doc.Slug)
	}
}

func TestExcerpt(t *testing.T) {
	content := "# Heading\n\nSome *bold* text with a [link](https://example.com) and `code`."
	got := Excerpt(content)
	want := "Heading  Some bold text with a link and code."
	if got != want {
		t.Fatalf("Excerpt = %q, want %q", got, want)
	}
}

func TestExcerptTruncates(t *testing.T) {
	content := strings.Repeat("word ", 100)
	got := Excerpt(content)
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("long excerpt should end with ellipsis, got %q", got)
	}
	if len(got) != 203 {
		t.Fatalf("excerpt should be 200 chars plus ellipsis, got %d", len(got))
	}
}

func TestExcerptTruncatesByRunes(t *testing.T) {
	content := strings.Repeat("中", 300)
	got := Excerpt(content)
	if !utf8.ValidString(got) {
		t.Fatalf("excerpt is not valid UTF-8: %q", got)
	}
	runes := []rune(got)
	if len(runes) != 203 {
		t.Fatalf("excerpt should be 200 runes plus ellipsis, got %d", len(runes))
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("truncated excerpt should end with ellipsis, got %q", got)
	}
}

func TestPrepareForSaveExistingExcerptKept(t *testing.T) {
	doc := PrepareForSave(store.Document{Title: "T", Content: "# New Content", Excerpt: "hand-written"}, nil, time.Now())
	if doc.Excerpt != "hand-written" {
		t.Fatalf("existing excerpt must not be overwritten, got %q", doc.Excerpt)
	}
}

func TestPrepareForSaveWordCountAndReadingTime(t *testing.T) {
	cases := []struct {
		words       int
		readingTime int
	}{
		{words: 1, readingTime: 1},
		{words: 200, readingTime: 1},
		{words: 201, readingTime: 2},
		{words: 1000, readingTime: 5},
	}

	for _, tc := range cases {
		content := strings.TrimSpace(strings.Repeat("word ", tc.words))
		doc := PrepareForSave(store.Document{Title: "T", Content: content}, nil, time.Now())
		if doc.WordCount != tc.words {
			t.Errorf("WordCount for %d words = %d", tc.words, doc.WordCount)
		}
		if doc.ReadingTime != tc.readingTime {
			t.Errorf("ReadingTime for %d words = %d, want %d", tc.words, doc.ReadingTime, tc.readingTime)
		}
	}
}

func TestPrepareForSaveIsDeterministicOverContent(t *testing.T) {
	now := time.Now()
	base := store.Document{Title: "T", Slug: "t", Content: "one two three"}

	first := PrepareForSave(base, nil, now)
	second := PrepareForSave(first, &first, now)

	if first.Excerpt != second.Excerpt || first.WordCount != second.WordCount || first.ReadingTime != second.ReadingTime {
		t.Fatal("saving twice with identical content must yield identical derived fields")
	}
}

func TestPublishedAtSetOnFirstPublish(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	draft := PrepareForSave(store.Document{Title: "T", Slug: "t", Content: "c", Status: "draft"}, nil, now)
	if draft.PublishedAt != nil {
		t.Fatal("draft save must not set publishedAt")
	}

	published := draft
	published.Status = "published"
	published = PrepareForSave(published, &draft, now)
	if published.PublishedAt == nil || !published.PublishedAt.Equal(now) {
		t.Fatalf("first publish must set publishedAt to now, got %v", published.PublishedAt)
	}
}

func TestPublishedAtSurvivesArchiveRepublish(t *testing.T) {
	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	later := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	published := PrepareForSave(store.Document{Title: "T", Slug: "t", Content: "c", Status: "published"}, nil, first)

	archived := published
	archived.Status = "archived"
	archived = PrepareForSave(archived, &published, later)
	if archived.PublishedAt == nil || !archived.PublishedAt.Equal(first) {
		t.Fatalf("archiving must not touch publishedAt, got %v", archived.PublishedAt)
	}

	republished := archived
	republished.Status = "published"
	republished = PrepareForSave(republished, &archived, later)
	if republished.PublishedAt == nil || !republished.PublishedAt.Equal(first) {
		t.Fatalf("republishing must keep the original publish date, got %v", republished.PublishedAt)
	}
}
