package models

import (
	"time"

	"gorm.io/datatypes"
)

// Rect is a line's bounding box in page space with a top-left origin.
// Width and Height are the dimensions of the page the box was measured on,
// which lets a viewer rescale the box to any zoom level.
type Rect struct {
	X1     float64 `json:"x1"`
	Y1     float64 `json:"y1"`
	X2     float64 `json:"x2"`
	Y2     float64 `json:"y2"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type Chunk struct {
	ID         string            `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Namespace  string            `gorm:"index;not null" json:"namespace"`
	Seq        int               `json:"seq"`
	PageNumber int               `json:"page_number"`
	Content    string            `gorm:"type:text" json:"content"`
	Attribute  datatypes.JSONMap `json:"attribute,omitempty"`
	Lines      []ChunkLine       `gorm:"foreignKey:ChunkID;constraint:OnDelete:CASCADE" json:"lines,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

func (Chunk) TableName() string { return "chunks" }

// ChunkLine rows are stored with Seq equal to their reading-order position in
// the chunk; reads always order by Seq.
type ChunkLine struct {
	ID         string                   `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ChunkID    string                   `gorm:"type:varchar(64);index;not null" json:"chunk_id"`
	Seq        int                      `json:"seq"`
	PageNumber int                      `json:"page_number"`
	Content    string                   `gorm:"type:text" json:"content"`
	RectInfo   datatypes.JSONType[Rect] `json:"rect_info"`
	OriginInfo datatypes.JSON           `json:"origin_info,omitempty"`
	Attribute  datatypes.JSONMap        `json:"attribute,omitempty"`
	CreatedAt  time.Time                `json:"created_at"`
}

func (ChunkLine) TableName() string { return "chunk_lines" }
