package models

import "encoding/json"

type ChatRequest struct {
	DocumentID string      `json:"documentId" binding:"required"`
	Question   string      `json:"question" binding:"required,min=1,max=2000"`
	History    [][2]string `json:"history,omitempty"`
	Language   string      `json:"language,omitempty"`
}

// Highlight is one line of a cited chunk, positioned on its page.
type Highlight struct {
	ChunkID    string          `json:"chunk_id"`
	Content    string          `json:"content"`
	PageNumber int             `json:"pageNumber"`
	RectInfo   Rect            `json:"rect_info"`
	OriginInfo json.RawMessage `json:"origin_info,omitempty"`
}

// Citation groups the highlights of a single retrieved chunk.
type Citation struct {
	ChunkID     string            `json:"chunkId"`
	PageContent string            `json:"pageContent"`
	Metadata    map[string]string `json:"metadata"`
	Highlight   []Highlight       `json:"highlight"`
}
