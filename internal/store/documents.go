package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const documentColumns = `
	d.id, d.title, d.slug, d.content, d.excerpt, d.author_id, u.username,
	d.status, d.category, d.tags, d.featured_image, d.attachments,
	d.published_at, d.views,
	(SELECT COUNT(*) FROM document_likes l WHERE l.document_id = d.id) AS like_count,
	d.word_count, d.reading_time, d.created_at, d.updated_at
`

const documentFilter = `
	($1 = '' OR d.status = $1)
	AND ($2 = '' OR d.category ILIKE '%' || $2 || '%')
	AND ($3 = '' OR EXISTS (
		SELECT 1 FROM jsonb_array_elements_text(d.tags) tag WHERE tag ILIKE '%' || $3 || '%'
	))
	AND ($4 = '' OR d.fts @@ plainto_tsquery('english', $4))
	AND ($5 = '' OR d.author_id = $5)
`

func (s *PostgresStore) ListDocuments(ctx context.Context, q DocumentQuery) ([]Document, int, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s
		FROM documents d
		JOIN users u ON u.id = d.author_id
		WHERE %s
		ORDER BY d.published_at DESC NULLS LAST, d.created_at DESC
		LIMIT $6 OFFSET $7
	`, documentColumns, documentFilter), q.Status, q.Category, q.Tag, q.Search, q.AuthorID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		item, err := scanDocument(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate documents: %w", err)
	}

	var total int
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*) FROM documents d WHERE %s
	`, documentFilter), q.Status, q.Category, q.Tag, q.Search, q.AuthorID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count documents: %w", err)
	}
	return items, total, nil
}

func (s *PostgresStore) GetDocumentBySlug(ctx context.Context, slug string) (Document, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM documents d JOIN users u ON u.id = d.author_id WHERE d.slug = $1
	`, documentColumns), slug)
	return scanDocument(row)
}

func (s *PostgresStore) GetDocumentByID(ctx context.Context, documentID string) (Document, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM documents d JOIN users u ON u.id = d.author_id WHERE d.id = $1
	`, documentColumns), documentID)
	return scanDocument(row)
}

func (s *PostgresStore) InsertDocument(ctx context.Context, item Document) error {
	tags, attachments, err := encodeDocumentJSON(item)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, slug, content, excerpt, author_id, status, category, tags, featured_image, attachments, published_at, word_count, reading_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $11::jsonb, $12, $13, $14)
	`, item.ID, item.Title, item.Slug, item.Content, item.Excerpt, item.AuthorID, item.Status,
		item.Category, tags, item.FeaturedImage, attachments, item.PublishedAt, item.WordCount, item.ReadingTime)
	if err != nil {
		if IsDuplicateKey(err) {
			return err
		}
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateDocument(ctx context.Context, item Document) error {
	tags, attachments, err := encodeDocumentJSON(item)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE documents
		SET title=$2, slug=$3, content=$4, excerpt=$5, status=$6, category=$7, tags=$8::jsonb,
			featured_image=$9, attachments=$10::jsonb, published_at=$11, word_count=$12, reading_time=$13, updated_at=NOW()
		WHERE id=$1
	`, item.ID, item.Title, item.Slug, item.Content, item.Excerpt, item.Status, item.Category,
		tags, item.FeaturedImage, attachments, item.PublishedAt, item.WordCount, item.ReadingTime)
	if err != nil {
		if IsDuplicateKey(err) {
			return err
		}
		return fmt.Errorf("update document: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, documentID)
	if err != nil {
		return false, fmt.Errorf("delete document: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete document rows: %w", err)
	}
	return affected > 0, nil
}

// IncrementViews bumps the view counter without reading it back. Callers
// fire this on a background context and tolerate failures.
func (s *PostgresStore) IncrementViews(ctx context.Context, documentID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE documents SET views = views + 1 WHERE id=$1`, documentID)
	if err != nil {
		return fmt.Errorf("increment views: %w", err)
	}
	return nil
}

// ToggleLike flips the like state of (documentID, userID). The delete
// and insert are each single atomic statements, so concurrent toggles by
// different users cannot lose one another's entries.
func (s *PostgresStore) ToggleLike(ctx context.Context, documentID, userID string, likedAt time.Time) (bool, int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM document_likes WHERE document_id=$1 AND user_id=$2
	`, documentID, userID)
	if err != nil {
		return false, 0, fmt.Errorf("delete like: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return false, 0, fmt.Errorf("delete like rows: %w", err)
	}

	liked := false
	if removed == 0 {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO document_likes (document_id, user_id, liked_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (document_id, user_id) DO NOTHING
		`, documentID, userID, likedAt); err != nil {
			return false, 0, fmt.Errorf("insert like: %w", err)
		}
		liked = true
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM document_likes WHERE document_id=$1
	`, documentID).Scan(&count); err != nil {
		return false, 0, fmt.Errorf("count likes: %w", err)
	}
	return liked, count, nil
}

func (s *PostgresStore) ListLikes(ctx context.Context, documentID string) ([]Like, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.user_id, u.username, l.liked_at
		FROM document_likes l
		JOIN users u ON u.id = l.user_id
		WHERE l.document_id=$1
		ORDER BY l.liked_at ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list likes: %w", err)
	}
	defer rows.Close()

	items := make([]Like, 0)
	for rows.Next() {
		var item Like
		if err := rows.Scan(&item.UserID, &item.Username, &item.LikedAt); err != nil {
			return nil, fmt.Errorf("scan like: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate likes: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) DocumentStats(ctx context.Context) (DocumentStats, error) {
	var stats DocumentStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE status = 'published'),
			COUNT(*) FILTER (WHERE status = 'draft'),
			COUNT(*) FILTER (WHERE status = 'archived'),
			COALESCE(SUM(views), 0),
			(SELECT COUNT(*) FROM document_likes)
		FROM documents
	`).Scan(&stats.Total, &stats.Published, &stats.Draft, &stats.Archived, &stats.TotalViews, &stats.TotalLikes)
	if err != nil {
		return DocumentStats{}, fmt.Errorf("document stats: %w", err)
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var item Document
	var tagsRaw, attachmentsRaw []byte
	err := row.Scan(
		&item.ID,
		&item.Title,
		&item.Slug,
		&item.Content,
		&item.Excerpt,
		&item.AuthorID,
		&item.AuthorName,
		&item.Status,
		&item.Category,
		&tagsRaw,
		&item.FeaturedImage,
		&attachmentsRaw,
		&item.PublishedAt,
		&item.Views,
		&item.LikeCount,
		&item.WordCount,
		&item.ReadingTime,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Document{}, err
	}
	if err := json.Unmarshal(tagsRaw, &item.Tags); err != nil {
		return Document{}, fmt.Errorf("decode tags: %w", err)
	}
	if err := json.Unmarshal(attachmentsRaw, &item.Attachments); err != nil {
		return Document{}, fmt.Errorf("decode attachments: %w", err)
	}
	return item, nil
}

func encodeDocumentJSON(item Document) (tags string, attachments string, err error) {
	tagList := item.Tags
	if tagList == nil {
		tagList = []string{}
	}
	encodedTags, err := json.Marshal(tagList)
	if err != nil {
		return "", "", fmt.Errorf("marshal tags: %w", err)
	}

	attachmentList := item.Attachments
	if attachmentList == nil {
		attachmentList = []Attachment{}
	}
	encodedAttachments, err := json.Marshal(attachmentList)
	if err != nil {
		return "", "", fmt.Errorf("marshal attachments: %w", err)
	}
	return string(encodedTags), string(encodedAttachments), nil
}
