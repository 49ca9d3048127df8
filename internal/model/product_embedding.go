package model

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// ProductEmbedding stores the image embedding of one catalog product.
// Vector holds little-endian float32 values.
type ProductEmbedding struct {
	ProductID  int64     `gorm:"primaryKey;autoIncrement:false" json:"product_id"`
	Vector     []byte    `gorm:"type:blob;not null" json:"-"`
	Dim        int       `gorm:"not null" json:"dim"`
	RowID      int64     `gorm:"not null" json:"row_id"`
	IndexDirty bool      `gorm:"not null;default:false;index" json:"index_dirty"`
	ImageURL   string    `gorm:"size:1024" json:"image_url"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SetVector encodes vec into Vector and records its length.
func (e *ProductEmbedding) SetVector(vec []float32) {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	e.Vector = buf
	e.Dim = len(vec)
}

// VectorValues decodes Vector.
func (e *ProductEmbedding) VectorValues() ([]float32, error) {
	if len(e.Vector)%4 != 0 {
		return nil, fmt.Errorf("embedding of product %d has %d bytes, not a float32 multiple", e.ProductID, len(e.Vector))
	}
	out := make([]float32, len(e.Vector)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(e.Vector[4*i:]))
	}
	return out, nil
}
