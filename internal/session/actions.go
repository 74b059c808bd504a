package session

import (
	"context"
	"fmt"

	"github.com/rshade/finfeed/internal/entity"
	"github.com/rshade/finfeed/internal/mutation"
)

// Remote mutation names.
const (
	MutationAddComment    = "addComment"
	MutationDeleteComment = "deleteComment"
	MutationLikePost      = "likePost"
	MutationEditPost      = "editPost"
)

// FeedKey is the collection key of a named feed.
func FeedKey(name string) string { return "feed:" + name }

// CommentsKey is the collection key of a post's comment thread.
func CommentsKey(postID string) string { return "comments:" + postID }

// HoldingsKey is the collection key of a portfolio's positions.
func HoldingsKey(portfolio string) string { return "holdings:" + portfolio }

// AddComment appends a comment to the post's thread immediately and confirms it with
// the service. The post's commentCount moves with the thread. On failure the
// *mutation.MutationError carries the submitted body in Input["body"].
func (s *Session) AddComment(ctx context.Context, postID, body string) (entity.Entity, error) {
	input := map[string]any{"postId": postID, "body": body}
	if s.ids != nil {
		actor, err := s.ids.Actor(ctx)
		if err != nil {
			return entity.Entity{}, fmt.Errorf("session: resolve actor: %w", err)
		}
		for k, v := range actor.Fields(mutation.DefaultActorField) {
			input[k] = v
		}
	}

	return s.Submit(ctx, mutation.Spec{
		Key:         fmt.Sprintf("%s/%s/%s", MutationAddComment, postID, body),
		Name:        MutationAddComment,
		Kind:        mutation.KindCreate,
		Target:      entity.Ref{Kind: KindComment},
		Fields:      entity.Fields{"postId": postID, "body": body},
		Collections: []mutation.Placement{{Key: CommentsKey(postID), Position: -1}},
		Input:       input,
		AttachActor: s.ids != nil,
	})
}

// DeleteComment removes a comment once the service confirms; the removal cascades
// through every thread holding it and the post's count in one change.
func (s *Session) DeleteComment(ctx context.Context, commentID string) error {
	_, err := s.Submit(ctx, mutation.Spec{
		Name:   MutationDeleteComment,
		Kind:   mutation.KindDelete,
		Target: entity.NewRef(KindComment, commentID),
		Input:  map[string]any{"commentId": commentID},
	})
	return err
}

// LikePost increments the post's likeCount tentatively.
func (s *Session) LikePost(ctx context.Context, postID string) (entity.Entity, error) {
	return s.Submit(ctx, mutation.Spec{
		Name:       MutationLikePost,
		Kind:       mutation.KindUpdate,
		Target:     entity.NewRef(KindPost, postID),
		Increments: map[string]int64{"likeCount": 1},
		Input:      map[string]any{"postId": postID},
	})
}

// EditPost retitles a post tentatively.
func (s *Session) EditPost(ctx context.Context, postID, title string) (entity.Entity, error) {
	return s.Submit(ctx, mutation.Spec{
		Name:   MutationEditPost,
		Kind:   mutation.KindUpdate,
		Target: entity.NewRef(KindPost, postID),
		Fields: entity.Fields{"title": title},
		Input:  map[string]any{"postId": postID, "title": title},
	})
}
