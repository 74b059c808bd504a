package sqlbackend

import (
	"github.com/tidwall/sjson"
)

// doc accumulates a JSON response. The first failed write sticks.
type doc struct {
	raw []byte
	err error
}

func newDoc(seed string) *doc {
	return &doc{raw: []byte(seed)}
}

func (d *doc) set(path string, value any) *doc {
	if d.err == nil {
		d.raw, d.err = sjson.SetBytes(d.raw, path, value)
	}
	return d
}

// embed writes another document at path; "-1" appends to an array.
func (d *doc) embed(path string, sub *doc) *doc {
	if d.err == nil {
		d.err = sub.err
	}
	if d.err == nil {
		d.raw, d.err = sjson.SetRawBytes(d.raw, path, sub.raw)
	}
	return d
}

func (d *doc) bytes() ([]byte, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.raw, nil
}
