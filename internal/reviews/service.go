// Package reviews stores marketplace reviews for nodes and templates.
// Eligibility is decided once at submit time; updates only touch rows the
// same reviewer already created.
package reviews

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Review is one reviewer's rating of a resource. A reviewer holds at most
// one review per resource.
type Review struct {
	ResourceType string
	ResourceId   string
	ReviewerId   string
	Rating       int
	Title        string
	Comment      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

var (
	// ErrNotFound means the reviewer has no review for the resource.
	ErrNotFound = errors.New("review not found")
	// ErrInvalidRating means the rating is outside 1..5.
	ErrInvalidRating = errors.New("rating must be between 1 and 5")
)

// Service persists reviews in sqlite.
type Service struct {
	db *sql.DB
}

// NewService creates a review service backed by db.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// SubmitReview records a new review or replaces the reviewer's existing one
// for the resource. Eligibility checks (did the reviewer actually use the
// resource) belong to the caller.
func (s *Service) SubmitReview(ctx context.Context, r Review) error {
	if r.Rating < 1 || r.Rating > 5 {
		return ErrInvalidRating
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reviews (resource_type, resource_id, reviewer_id, rating, title, comment, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (resource_type, resource_id, reviewer_id) DO UPDATE SET
			rating = excluded.rating,
			title = excluded.title,
			comment = excluded.comment,
			updated_at = excluded.updated_at`,
		r.ResourceType, r.ResourceId, r.ReviewerId, r.Rating, r.Title, r.Comment,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("submitting review: %w", err)
	}
	slog.Info("reviews: submitted", "resourceType", r.ResourceType, "resourceId", r.ResourceId, "reviewer", r.ReviewerId)
	return nil
}

// UpdateReview edits an existing review in place. The reviewer must already
// own a review for the resource; updating someone else's review, or a
// resource never reviewed, returns ErrNotFound.
func (s *Service) UpdateReview(ctx context.Context, resourceType, resourceId, reviewerId string, rating int, title, comment string) error {
	if rating < 1 || rating > 5 {
		return ErrInvalidRating
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE reviews SET rating = ?, title = ?, comment = ?, updated_at = ?
		WHERE resource_type = ? AND resource_id = ? AND reviewer_id = ?`,
		rating, title, comment, time.Now().UTC().Format(time.RFC3339Nano),
		resourceType, resourceId, reviewerId)
	if err != nil {
		return fmt.Errorf("updating review: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating review: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetReview fetches a reviewer's review of a resource.
func (s *Service) GetReview(ctx context.Context, resourceType, resourceId, reviewerId string) (Review, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT resource_type, resource_id, reviewer_id, rating, title, comment, created_at, updated_at
		FROM reviews WHERE resource_type = ? AND resource_id = ? AND reviewer_id = ?`,
		resourceType, resourceId, reviewerId)
	r, err := scanReview(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Review{}, ErrNotFound
	}
	return r, err
}

// ListReviews returns every review of a resource, newest first.
func (s *Service) ListReviews(ctx context.Context, resourceType, resourceId string) ([]Review, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT resource_type, resource_id, reviewer_id, rating, title, comment, created_at, updated_at
		FROM reviews WHERE resource_type = ? AND resource_id = ?
		ORDER BY updated_at DESC`,
		resourceType, resourceId)
	if err != nil {
		return nil, fmt.Errorf("listing reviews: %w", err)
	}
	defer rows.Close()

	var out []Review
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AverageRating returns the mean rating and review count for a resource.
// A resource with no reviews averages zero.
func (s *Service) AverageRating(ctx context.Context, resourceType, resourceId string) (float64, int, error) {
	var avg sql.NullFloat64
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT AVG(rating), COUNT(*) FROM reviews
		WHERE resource_type = ? AND resource_id = ?`,
		resourceType, resourceId).Scan(&avg, &count)
	if err != nil {
		return 0, 0, fmt.Errorf("averaging reviews: %w", err)
	}
	return avg.Float64, count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReview(row rowScanner) (Review, error) {
	var r Review
	var created, updated string
	if err := row.Scan(&r.ResourceType, &r.ResourceId, &r.ReviewerId, &r.Rating,
		&r.Title, &r.Comment, &created, &updated); err != nil {
		return Review{}, err
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return r, nil
}
