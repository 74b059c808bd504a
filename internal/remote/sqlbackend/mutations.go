package sqlbackend

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/rshade/finfeed/internal/logging"
	"github.com/rshade/finfeed/internal/remote"
)

// Mutation names served by the backend.
const (
	MutationAddComment    = "addComment"
	MutationDeleteComment = "deleteComment"
	MutationLikePost      = "likePost"
	MutationEditPost      = "editPost"
)

type mutationFunc func(ctx context.Context, q queryer, input map[string]any) (*doc, error)

func (b *Backend) mutate(ctx context.Context, name string, input map[string]any) ([]byte, error) {
	handlers := map[string]mutationFunc{
		MutationAddComment:    b.addComment,
		MutationDeleteComment: b.deleteComment,
		MutationLikePost:      b.likePost,
		MutationEditPost:      b.editPost,
	}
	handler, ok := handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", remote.ErrUnknownMutation, name)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin %s: %w", name, err)
	}
	defer tx.Rollback()

	out, err := handler(ctx, tx, input)
	if err != nil {
		return nil, err
	}
	raw, err := out.bytes()
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit %s: %w", name, err)
	}

	logging.FromContext(ctx).Debug().
		Str("component", "sqlbackend").
		Str("mutation", name).
		Msg("mutation applied")
	return raw, nil
}

func (b *Backend) addComment(ctx context.Context, q queryer, input map[string]any) (*doc, error) {
	postID := str(input, "postId")
	body := strings.TrimSpace(str(input, "body"))
	if body == "" {
		return nil, fmt.Errorf("%w: comment body is empty", remote.ErrRejected)
	}
	if _, err := b.post(ctx, q, postID); err != nil {
		return nil, err
	}

	id := "c-" + uuid.NewString()
	if _, err := q.ExecContext(ctx,
		`INSERT INTO comments (id, post_id, body, author_id, author_name, author_handle, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, postID, body, str(input, "authorId"), str(input, "authorName"), str(input, "authorHandle"),
		b.timestamp()); err != nil {
		return nil, fmt.Errorf("insert comment: %w", err)
	}
	if _, err := q.ExecContext(ctx,
		`UPDATE posts SET comment_count = comment_count + 1 WHERE id = ?`, postID); err != nil {
		return nil, fmt.Errorf("count comment: %w", err)
	}

	c, err := b.comment(ctx, q, id)
	if err != nil {
		return nil, err
	}
	p, err := b.post(ctx, q, postID)
	if err != nil {
		return nil, err
	}
	return newDoc(`{"related":[]}`).embed("entity", c.json()).embed("related.-1", p.json()), nil
}

func (b *Backend) deleteComment(ctx context.Context, q queryer, input map[string]any) (*doc, error) {
	c, err := b.comment(ctx, q, str(input, "commentId"))
	if err != nil {
		return nil, err
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM comments WHERE id = ?`, c.id); err != nil {
		return nil, fmt.Errorf("delete comment: %w", err)
	}
	if _, err := q.ExecContext(ctx,
		`UPDATE posts SET comment_count = MAX(comment_count - 1, 0) WHERE id = ?`, c.postID); err != nil {
		return nil, fmt.Errorf("uncount comment: %w", err)
	}

	p, err := b.post(ctx, q, c.postID)
	if err != nil {
		return nil, err
	}
	return newDoc(`{"deleted":true,"related":[]}`).embed("related.-1", p.json()), nil
}

func (b *Backend) likePost(ctx context.Context, q queryer, input map[string]any) (*doc, error) {
	postID := str(input, "postId")
	res, err := q.ExecContext(ctx, `UPDATE posts SET like_count = like_count + 1 WHERE id = ?`, postID)
	if err != nil {
		return nil, fmt.Errorf("like post: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: post %s", remote.ErrNotFound, postID)
	}
	p, err := b.post(ctx, q, postID)
	if err != nil {
		return nil, err
	}
	return newDoc(`{}`).embed("entity", p.json()), nil
}

func (b *Backend) editPost(ctx context.Context, q queryer, input map[string]any) (*doc, error) {
	postID := str(input, "postId")
	title := strings.TrimSpace(str(input, "title"))
	if title == "" {
		return nil, fmt.Errorf("%w: title is empty", remote.ErrRejected)
	}
	res, err := q.ExecContext(ctx, `UPDATE posts SET title = ? WHERE id = ?`, title, postID)
	if err != nil {
		return nil, fmt.Errorf("edit post: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: post %s", remote.ErrNotFound, postID)
	}
	p, err := b.post(ctx, q, postID)
	if err != nil {
		return nil, err
	}
	return newDoc(`{}`).embed("entity", p.json()), nil
}

// SetQuote changes a quote as if the market moved.
func (b *Backend) SetQuote(ctx context.Context, symbol string, price float64) error {
	var old float64
	if err := b.db.QueryRowContext(ctx, `SELECT price FROM quotes WHERE symbol = ?`, symbol).Scan(&old); err != nil {
		return notFound(err, "quote "+symbol)
	}
	_, err := b.db.ExecContext(ctx,
		`UPDATE quotes SET price = ?, change = ?, updated_at = ? WHERE symbol = ?`,
		price, price-old, b.timestamp(), symbol)
	if err != nil {
		return fmt.Errorf("set quote %s: %w", symbol, err)
	}
	return nil
}

func str(input map[string]any, key string) string {
	v, ok := input[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
