package sqlbackend

import (
	"context"
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed fixtures/default.yaml
var defaultFixture []byte

// Fixture is the YAML seed for a Backend.
type Fixture struct {
	Version  string           `yaml:"version"`
	Posts    []PostFixture    `yaml:"posts"`
	Quotes   []QuoteFixture   `yaml:"quotes"`
	Holdings []HoldingFixture `yaml:"holdings"`
}

// PostFixture seeds a post and its comments. Posts are listed oldest first.
type PostFixture struct {
	ID       string           `yaml:"id"`
	Feed     string           `yaml:"feed"`
	Title    string           `yaml:"title"`
	Body     string           `yaml:"body"`
	Author   string           `yaml:"author"`
	Likes    int64            `yaml:"likes"`
	Comments []CommentFixture `yaml:"comments"`
}

// CommentFixture seeds a comment.
type CommentFixture struct {
	ID           string `yaml:"id"`
	Body         string `yaml:"body"`
	AuthorID     string `yaml:"author_id"`
	AuthorName   string `yaml:"author_name"`
	AuthorHandle string `yaml:"author_handle"`
}

// QuoteFixture seeds a quote.
type QuoteFixture struct {
	Symbol string  `yaml:"symbol"`
	Price  float64 `yaml:"price"`
	Change float64 `yaml:"change"`
}

// HoldingFixture seeds a portfolio position.
type HoldingFixture struct {
	Portfolio string  `yaml:"portfolio"`
	Symbol    string  `yaml:"symbol"`
	Quantity  float64 `yaml:"quantity"`
}

// ParseFixture decodes and validates a fixture.
func ParseFixture(data []byte) (Fixture, error) {
	var fx Fixture
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return Fixture{}, fmt.Errorf("parse fixture: %w", err)
	}
	if fx.Version == "" {
		fx.Version = "1.0.0"
	}
	seen := make(map[string]bool)
	for _, p := range fx.Posts {
		if p.ID == "" || p.Feed == "" {
			return Fixture{}, fmt.Errorf("parse fixture: post needs id and feed")
		}
		if seen[p.ID] {
			return Fixture{}, fmt.Errorf("parse fixture: duplicate post %s", p.ID)
		}
		seen[p.ID] = true
	}
	return fx, nil
}

// LoadFixtureFile reads a fixture from disk.
func LoadFixtureFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	return data, nil
}

func (b *Backend) seed(fx Fixture) error {
	ctx := context.Background()
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := b.timestamp()
	for _, p := range fx.Posts {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO posts (id, feed, title, body, author, like_count, comment_count, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.Feed, p.Title, p.Body, p.Author, p.Likes, len(p.Comments), now)
		if err != nil {
			return fmt.Errorf("insert post %s: %w", p.ID, err)
		}
		for _, c := range p.Comments {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO comments (id, post_id, body, author_id, author_name, author_handle, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				c.ID, p.ID, c.Body, c.AuthorID, c.AuthorName, c.AuthorHandle, now)
			if err != nil {
				return fmt.Errorf("insert comment %s: %w", c.ID, err)
			}
		}
	}
	for _, q := range fx.Quotes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO quotes (symbol, price, change, updated_at) VALUES (?, ?, ?, ?)`,
			q.Symbol, q.Price, q.Change, now); err != nil {
			return fmt.Errorf("insert quote %s: %w", q.Symbol, err)
		}
	}
	for _, h := range fx.Holdings {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO holdings (portfolio, symbol, quantity) VALUES (?, ?, ?)`,
			h.Portfolio, h.Symbol, h.Quantity); err != nil {
			return fmt.Errorf("insert holding %s/%s: %w", h.Portfolio, h.Symbol, err)
		}
	}
	return tx.Commit()
}
