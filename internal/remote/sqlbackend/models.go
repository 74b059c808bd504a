package sqlbackend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rshade/finfeed/internal/remote"
)

type post struct {
	seq       int64
	id        string
	feed      string
	title     string
	body      string
	author    string
	likes     int64
	comments  int64
	createdAt string
}

const postColumns = `seq, id, feed, title, body, author, like_count, comment_count, created_at`

func scanPost(row interface{ Scan(...any) error }) (post, error) {
	var p post
	err := row.Scan(&p.seq, &p.id, &p.feed, &p.title, &p.body, &p.author, &p.likes, &p.comments, &p.createdAt)
	return p, err
}

func (p post) json() *doc {
	return newDoc(`{}`).
		set("kind", "post").
		set("id", p.id).
		set("feed", p.feed).
		set("title", p.title).
		set("body", p.body).
		set("author", p.author).
		set("likeCount", p.likes).
		set("commentCount", p.comments).
		set("createdAt", p.createdAt)
}

type comment struct {
	seq          int64
	id           string
	postID       string
	body         string
	authorID     string
	authorName   string
	authorHandle string
	createdAt    string
}

const commentColumns = `seq, id, post_id, body, author_id, author_name, author_handle, created_at`

func scanComment(row interface{ Scan(...any) error }) (comment, error) {
	var c comment
	err := row.Scan(&c.seq, &c.id, &c.postID, &c.body, &c.authorID, &c.authorName, &c.authorHandle, &c.createdAt)
	return c, err
}

func (c comment) json() *doc {
	return newDoc(`{}`).
		set("kind", "comment").
		set("id", c.id).
		set("postId", c.postID).
		set("body", c.body).
		set("authorId", c.authorID).
		set("authorName", c.authorName).
		set("authorHandle", c.authorHandle).
		set("createdAt", c.createdAt)
}

type quote struct {
	symbol    string
	price     float64
	change    float64
	updatedAt string
}

func (q quote) json() *doc {
	return newDoc(`{}`).
		set("kind", "quote").
		set("id", q.symbol).
		set("price", q.price).
		set("change", q.change).
		set("updatedAt", q.updatedAt)
}

type holding struct {
	seq       int64
	portfolio string
	symbol    string
	quantity  float64
}

// json leaves out the kind; the holdings shape supplies it.
func (h holding) json() *doc {
	return newDoc(`{}`).
		set("holdingId", h.portfolio+"/"+h.symbol).
		set("portfolio", h.portfolio).
		set("symbol", h.symbol).
		set("quantity", h.quantity)
}

func (b *Backend) post(ctx context.Context, q queryer, id string) (post, error) {
	p, err := scanPost(q.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id = ?`, id))
	if err != nil {
		return post{}, notFound(err, "post "+id)
	}
	return p, nil
}

func (b *Backend) comment(ctx context.Context, q queryer, id string) (comment, error) {
	c, err := scanComment(q.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE id = ?`, id))
	if err != nil {
		return comment{}, notFound(err, "comment "+id)
	}
	return c, nil
}

func (b *Backend) quote(ctx context.Context, symbol string) (quote, error) {
	var q quote
	err := b.db.QueryRowContext(ctx,
		`SELECT symbol, price, change, updated_at FROM quotes WHERE symbol = ?`, symbol).
		Scan(&q.symbol, &q.price, &q.change, &q.updatedAt)
	if err != nil {
		return quote{}, notFound(err, "quote "+symbol)
	}
	return q, nil
}

// feedPage answers {"data":{"feed":{"edges":[...],"pageInfo":{...}}}}, newest first.
func (b *Backend) feedPage(ctx context.Context, feed, after string, limit, epoch int) ([]byte, error) {
	var before int64
	if after != "" {
		c, err := parseCursor(after, epoch)
		if err != nil {
			return nil, err
		}
		before = c.seq
	}

	rows, err := b.db.QueryContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE feed = ? AND (? = 0 OR seq < ?) ORDER BY seq DESC LIMIT ?`,
		feed, before, before, limit+1)
	if err != nil {
		return nil, fmt.Errorf("query feed %s: %w", feed, err)
	}
	defer rows.Close()

	var posts []post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feed %s: %w", feed, err)
	}

	hasNext := len(posts) > limit
	if hasNext {
		posts = posts[:limit]
	}

	page := newDoc(`{"data":{"feed":{"edges":[]}}}`)
	end := ""
	for _, p := range posts {
		end = cursor{epoch: epoch, seq: p.seq}.String()
		edge := newDoc(`{}`).set("cursor", end).embed("node", p.json())
		page.embed("data.feed.edges.-1", edge)
	}
	page.set("data.feed.pageInfo.endCursor", end).
		set("data.feed.pageInfo.hasNextPage", hasNext)
	return page.bytes()
}

// commentsPage answers a bare array, oldest first. The cursor is the id of the last
// comment the client holds; a deleted cursor comment is a stale cursor.
func (b *Backend) commentsPage(ctx context.Context, postID, after string, limit int) ([]byte, error) {
	if _, err := b.post(ctx, b.db, postID); err != nil {
		return nil, err
	}

	var from int64
	if after != "" {
		err := b.db.QueryRowContext(ctx,
			`SELECT seq FROM comments WHERE id = ? AND post_id = ?`, after, postID).Scan(&from)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: comment %s is gone", remote.ErrStaleCursor, after)
		}
		if err != nil {
			return nil, fmt.Errorf("resolve cursor %s: %w", after, err)
		}
	}

	rows, err := b.db.QueryContext(ctx,
		`SELECT `+commentColumns+` FROM comments WHERE post_id = ? AND seq > ? ORDER BY seq LIMIT ?`,
		postID, from, limit)
	if err != nil {
		return nil, fmt.Errorf("query comments %s: %w", postID, err)
	}
	defer rows.Close()

	page := newDoc(`[]`)
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		page.embed("-1", c.json())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments %s: %w", postID, err)
	}
	return page.bytes()
}

// holdingsPage answers {"data":{"portfolio":{"holdings":{"rows":[...],"next":..,"hasMore":..}}}}.
func (b *Backend) holdingsPage(ctx context.Context, portfolio, after string, limit, epoch int) ([]byte, error) {
	var from int64
	if after != "" {
		c, err := parseCursor(after, epoch)
		if err != nil {
			return nil, err
		}
		from = c.seq
	}

	rows, err := b.db.QueryContext(ctx,
		`SELECT seq, portfolio, symbol, quantity FROM holdings WHERE portfolio = ? AND seq > ? ORDER BY seq LIMIT ?`,
		portfolio, from, limit+1)
	if err != nil {
		return nil, fmt.Errorf("query holdings %s: %w", portfolio, err)
	}
	defer rows.Close()

	var holdings []holding
	for rows.Next() {
		var h holding
		if err := rows.Scan(&h.seq, &h.portfolio, &h.symbol, &h.quantity); err != nil {
			return nil, fmt.Errorf("scan holding: %w", err)
		}
		holdings = append(holdings, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate holdings %s: %w", portfolio, err)
	}

	hasMore := len(holdings) > limit
	if hasMore {
		holdings = holdings[:limit]
	}

	page := newDoc(`{"data":{"portfolio":{"holdings":{"rows":[]}}}}`)
	next := ""
	for _, h := range holdings {
		next = cursor{epoch: epoch, seq: h.seq}.String()
		page.embed("data.portfolio.holdings.rows.-1", h.json())
	}
	page.set("data.portfolio.holdings.next", next).
		set("data.portfolio.holdings.hasMore", hasMore)
	return page.bytes()
}
