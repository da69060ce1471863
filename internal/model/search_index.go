package model

import "time"

// SearchIndex 搜索读模型，由生产方在写事务内反范式化维护
type SearchIndex struct {
	EntityType   string    `json:"entity_type" gorm:"primaryKey;type:varchar(64)"`
	EntityID     string    `json:"entity_id" gorm:"primaryKey;type:varchar(128)"`
	LibraryID    string    `json:"library_id" gorm:"type:varchar(64);index"`
	Text         string    `json:"text" gorm:"type:text"`
	Snippet      string    `json:"snippet" gorm:"type:text"`
	RankScore    float64   `json:"rank_score" gorm:"not null;default:0"`
	EventVersion int64     `json:"event_version" gorm:"not null;default:0"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (SearchIndex) TableName() string { return "search_index" }

// Document 写入索引的文档体
type Document struct {
	EntityType   string    `json:"entity_type"`
	EntityID     string    `json:"entity_id"`
	LibraryID    string    `json:"library_id,omitempty"`
	Text         string    `json:"text"`
	Snippet      string    `json:"snippet,omitempty"`
	RankScore    float64   `json:"rank_score"`
	EventVersion int64     `json:"event_version"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (r *SearchIndex) Document() Document {
	return Document{
		EntityType:   r.EntityType,
		EntityID:     r.EntityID,
		LibraryID:    r.LibraryID,
		Text:         r.Text,
		Snippet:      r.Snippet,
		RankScore:    r.RankScore,
		EventVersion: r.EventVersion,
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
}
