package store

import (
	"context"

	"github.com/soulseer/backend/internal/session"
)

// CreateReview records a client's rating of a session. Each session takes
// at most one review.
func (s *Store) CreateReview(ctx context.Context, r *session.Review) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reviews (id, session_id, client_id, reader_id, rating, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, r.ClientID, r.ReaderID, r.Rating, r.Comment, encodeTime(r.CreatedAt))
	if isUniqueViolation(err) {
		return ErrReviewExists
	}
	return err
}

// ListReaderReviews returns a reader's reviews, newest first.
func (s *Store) ListReaderReviews(ctx context.Context, readerID string) ([]*session.Review, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, client_id, reader_id, rating, comment, created_at
		FROM reviews WHERE reader_id = ? ORDER BY created_at DESC`, readerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*session.Review
	for rows.Next() {
		var r session.Review
		var createdAt string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.ClientID, &r.ReaderID,
			&r.Rating, &r.Comment, &createdAt); err != nil {
			return nil, err
		}
		if r.CreatedAt, err = decodeTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ReaderRating returns a reader's average rating and review count.
func (s *Store) ReaderRating(ctx context.Context, readerID string) (float64, int64, error) {
	var avg float64
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(AVG(rating), 0), COUNT(*) FROM reviews WHERE reader_id = ?`,
		readerID).Scan(&avg, &count)
	if err != nil {
		return 0, 0, err
	}
	return avg, count, nil
}
