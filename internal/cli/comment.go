package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rshade/finfeed/internal/entity"
	"github.com/rshade/finfeed/internal/mutation"
	"github.com/rshade/finfeed/internal/session"
	"github.com/rshade/finfeed/internal/store"
)

// NewCommentCmd creates the comment command.
func NewCommentCmd() *cobra.Command {
	var deleteID string

	cmd := &cobra.Command{
		Use:   "comment POST [TEXT...]",
		Short: "Add a comment to a post, or delete one with --delete",
		Args:  cobra.MinimumNArgs(1),
		Example: `  finfeed comment p1 "Great call on rates"
  finfeed comment p1 --delete c1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			postID := args[0]
			body := strings.TrimSpace(strings.Join(args[1:], " "))
			if deleteID == "" && body == "" {
				return errors.New("comment text is required")
			}
			return runComment(cmd, postID, body, deleteID)
		},
	}

	cmd.Flags().StringVar(&deleteID, "delete", "", "delete this comment instead of adding one")
	return cmd
}

func runComment(cmd *cobra.Command, postID, body, deleteID string) error {
	ctx := cmd.Context()
	rt, err := openRuntime(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	// Load the post and its thread the way the detail view would, so the optimistic
	// change has somewhere to land.
	key := session.CommentsKey(postID)
	sub := rt.session.SubscribeView(key, func(store.ViewSnapshot) {})
	defer sub.Close()

	post, _, err := rt.session.RefreshEntity(ctx, entity.NewRef(session.KindPost, postID), false)
	if err != nil {
		return err
	}
	if _, err := rt.session.LoadInitial(ctx, key); err != nil {
		return err
	}
	before, _ := post.Fields.Int("commentCount")

	if deleteID != "" {
		if err := rt.session.DeleteComment(ctx, deleteID); err != nil {
			return describeMutationError(err)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", deleteID)
	} else {
		c, err := rt.session.AddComment(ctx, postID, body)
		if err != nil {
			return describeMutationError(err)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "added %s by %s\n", c.Ref.ID, c.Fields.String("authorName"))
	}

	rt.session.Store().Sync()
	after, _ := rt.session.Store().Get(entity.NewRef(session.KindPost, postID))
	count, _ := after.Fields.Int("commentCount")
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s comments (was %s), %d in thread\n",
		postID, printer.Sprintf("%d", count), printer.Sprintf("%d", before), len(rt.session.View(key).Items))
	return nil
}

// describeMutationError keeps the submitted input visible when a mutation is rolled back.
func describeMutationError(err error) error {
	var mutErr *mutation.MutationError
	if errors.As(err, &mutErr) {
		if body, ok := mutErr.Input["body"].(string); ok && body != "" {
			return fmt.Errorf("%w (your text: %q)", err, body)
		}
	}
	return err
}
