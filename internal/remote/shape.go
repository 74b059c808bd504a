package remote

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/rshade/finfeed/internal/entity"
)

// ErrMalformedResponse is returned when a response does not match its declared shape.
var ErrMalformedResponse = errors.New("remote: malformed response")

// Style is the structure a collection endpoint answers with.
type Style int

const (
	// StyleArray is a bare JSON array of items. The page continues while it is non-empty;
	// the cursor is the last item's id.
	StyleArray Style = iota

	// StyleEdges is a connection: {"edges":[{"cursor","node"}],"pageInfo":{"endCursor","hasNextPage"}}.
	StyleEdges

	// StyleNested is an object holding items, cursor and continuation flag at arbitrary paths.
	StyleNested
)

// Shape tells the decoder how to read one endpoint's page.
type Shape struct {
	// Kind is the entity kind of the items.
	Kind string

	Style Style

	// Root is a gjson path to the page object or array; empty means the document root.
	Root string

	// ItemsPath, CursorPath and HasMorePath are relative to Root (StyleNested only).
	ItemsPath   string
	CursorPath  string
	HasMorePath string

	// IDField names the item identity field; "id" when empty.
	IDField string
}

func (s Shape) idField() string {
	if s.IDField == "" {
		return "id"
	}
	return s.IDField
}

// DecodePage normalizes a collection response into a Page.
func DecodePage(raw []byte, shape Shape) (entity.Page, error) {
	if !gjson.ValidBytes(raw) {
		return entity.Page{}, fmt.Errorf("%w: invalid JSON", ErrMalformedResponse)
	}
	root := gjson.ParseBytes(raw)
	if shape.Root != "" {
		root = root.Get(shape.Root)
	}
	if !root.Exists() || root.Type == gjson.Null {
		return entity.Page{}, nil
	}

	switch shape.Style {
	case StyleArray:
		return decodeArray(root, shape)
	case StyleEdges:
		return decodeEdges(root, shape)
	case StyleNested:
		return decodeNested(root, shape)
	default:
		return entity.Page{}, fmt.Errorf("%w: unknown style %d", ErrMalformedResponse, shape.Style)
	}
}

func decodeArray(root gjson.Result, shape Shape) (entity.Page, error) {
	if !root.IsArray() {
		return entity.Page{}, fmt.Errorf("%w: expected array", ErrMalformedResponse)
	}
	items, err := decodeItems(root.Array(), shape)
	if err != nil {
		return entity.Page{}, err
	}
	page := entity.Page{Items: items, HasMore: len(items) > 0}
	if len(items) > 0 {
		page.Cursor = items[len(items)-1].Ref.ID
	}
	return page, nil
}

func decodeEdges(root gjson.Result, shape Shape) (entity.Page, error) {
	edges := root.Get("edges")
	if edges.Exists() && !edges.IsArray() {
		return entity.Page{}, fmt.Errorf("%w: edges is not an array", ErrMalformedResponse)
	}
	nodes := make([]gjson.Result, 0, len(edges.Array()))
	for _, edge := range edges.Array() {
		nodes = append(nodes, edge.Get("node"))
	}
	items, err := decodeItems(nodes, shape)
	if err != nil {
		return entity.Page{}, err
	}
	return entity.Page{
		Items:   items,
		Cursor:  root.Get("pageInfo.endCursor").String(),
		HasMore: root.Get("pageInfo.hasNextPage").Bool(),
	}, nil
}

func decodeNested(root gjson.Result, shape Shape) (entity.Page, error) {
	list := root.Get(shape.ItemsPath)
	if list.Exists() && list.Type != gjson.Null && !list.IsArray() {
		return entity.Page{}, fmt.Errorf("%w: %s is not an array", ErrMalformedResponse, shape.ItemsPath)
	}
	items, err := decodeItems(list.Array(), shape)
	if err != nil {
		return entity.Page{}, err
	}
	return entity.Page{
		Items:   items,
		Cursor:  root.Get(shape.CursorPath).String(),
		HasMore: root.Get(shape.HasMorePath).Bool(),
	}, nil
}

func decodeItems(nodes []gjson.Result, shape Shape) ([]entity.Entity, error) {
	items := make([]entity.Entity, 0, len(nodes))
	for i, node := range nodes {
		item, err := decodeObject(node, shape.Kind, shape.idField())
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		items = append(items, item)
	}
	return items, nil
}

// DecodeEntity normalizes a single-entity response. A "kind" field in the document
// overrides kind.
func DecodeEntity(raw []byte, kind string) (entity.Entity, error) {
	if !gjson.ValidBytes(raw) {
		return entity.Entity{}, fmt.Errorf("%w: invalid JSON", ErrMalformedResponse)
	}
	return decodeObject(gjson.ParseBytes(raw), kind, "id")
}

// DecodeMutation normalizes a mutation response: {"entity":{...},"related":[...]} or
// {"deleted":true,"related":[...]}. Every object carries its kind.
func DecodeMutation(raw []byte) (MutationResult, error) {
	if !gjson.ValidBytes(raw) {
		return MutationResult{}, fmt.Errorf("%w: invalid JSON", ErrMalformedResponse)
	}
	doc := gjson.ParseBytes(raw)

	result := MutationResult{Deleted: doc.Get("deleted").Bool()}
	if node := doc.Get("entity"); node.Exists() && !result.Deleted {
		e, err := decodeObject(node, "", "id")
		if err != nil {
			return MutationResult{}, fmt.Errorf("entity: %w", err)
		}
		result.Entity = e
	}
	for i, node := range doc.Get("related").Array() {
		e, err := decodeObject(node, "", "id")
		if err != nil {
			return MutationResult{}, fmt.Errorf("related %d: %w", i, err)
		}
		result.Related = append(result.Related, e)
	}
	return result, nil
}

// decodeObject turns a JSON object into an entity. The id and kind fields become the
// ref; every other field is kept as decoded (numbers become float64).
func decodeObject(node gjson.Result, kind, idField string) (entity.Entity, error) {
	if !node.IsObject() {
		return entity.Entity{}, fmt.Errorf("%w: expected object", ErrMalformedResponse)
	}
	id := node.Get(idField).String()
	if id == "" {
		return entity.Entity{}, fmt.Errorf("%w: missing %s", ErrMalformedResponse, idField)
	}
	if k := node.Get("kind").String(); k != "" {
		kind = k
	}
	if kind == "" {
		return entity.Entity{}, fmt.Errorf("%w: missing kind for %s", ErrMalformedResponse, id)
	}

	fields := entity.Fields{}
	node.ForEach(func(key, value gjson.Result) bool {
		name := key.String()
		if name == idField || name == "kind" {
			return true
		}
		fields[name] = value.Value()
		return true
	})
	return entity.New(entity.NewRef(kind, id), fields), nil
}

// collectionPrefix returns the part of a collection key before the first colon.
func collectionPrefix(key string) string {
	prefix, _, _ := strings.Cut(key, ":")
	return prefix
}
