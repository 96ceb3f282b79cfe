package postgres

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/stockwatch/internal/domain/product"
)

// EncodeRecord renders rec as the JSON document stored in the record column.
// Amount is stored separately as NUMERIC and is not part of the document.
func EncodeRecord(rec product.Record) ([]byte, error) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("id")
	e.Str(rec.ID)
	if rec.NativeID != "" {
		e.FieldStart("native_id")
		e.Str(rec.NativeID)
	}
	e.FieldStart("name")
	e.Str(rec.Name)
	e.FieldStart("price")
	e.Str(rec.Price)
	e.FieldStart("url")
	e.Str(rec.URL)
	if rec.ImageURL != "" {
		e.FieldStart("image_url")
		e.Str(rec.ImageURL)
	}
	e.FieldStart("category")
	e.Str(string(rec.Category))
	if len(rec.Sizes) > 0 {
		e.FieldStart("sizes")
		e.ObjStart()
		for label, qty := range rec.Sizes {
			e.FieldStart(label)
			e.Int(qty)
		}
		e.ObjEnd()
	}
	e.FieldStart("sold_out")
	e.Bool(rec.SoldOut)
	e.FieldStart("observed_at")
	e.Str(rec.ObservedAt.UTC().Format(time.RFC3339Nano))
	e.ObjEnd()
	return e.Bytes(), nil
}

// DecodeRecord parses a document produced by EncodeRecord. Unknown fields are
// skipped.
func DecodeRecord(data []byte) (product.Record, error) {
	var rec product.Record
	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			rec.ID, err = d.Str()
		case "native_id":
			rec.NativeID, err = d.Str()
		case "name":
			rec.Name, err = d.Str()
		case "price":
			rec.Price, err = d.Str()
		case "url":
			rec.URL, err = d.Str()
		case "image_url":
			rec.ImageURL, err = d.Str()
		case "category":
			var c string
			c, err = d.Str()
			rec.Category = product.Category(c)
		case "sizes":
			rec.Sizes = make(map[string]int)
			err = d.Obj(func(d *jx.Decoder, label string) error {
				qty, err := d.Int()
				if err != nil {
					return err
				}
				rec.Sizes[label] = max(qty, 0)
				return nil
			})
		case "sold_out":
			rec.SoldOut, err = d.Bool()
		case "observed_at":
			var s string
			if s, err = d.Str(); err == nil {
				rec.ObservedAt, err = time.Parse(time.RFC3339Nano, s)
			}
		default:
			err = d.Skip()
		}
		return errors.Wrapf(err, "field %q", key)
	})
	if err != nil {
		return product.Record{}, errors.Wrap(err, "decode record")
	}
	if rec.ID == "" {
		return product.Record{}, errors.New("decode record: missing id")
	}
	return rec, nil
}
