package entity

import "time"

// Note 笔记元数据 + 最近一次落库的内容（JSON 形式的 block.Document）
type Note struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Title     string    `gorm:"type:varchar(255);index" json:"title"`
	Author    string    `gorm:"type:varchar(64)" json:"author"`
	AuthorID  uint64    `gorm:"index" json:"authorId"`
	Content   string    `gorm:"type:longtext" json:"-"`
	Revision  uint64    `gorm:"default:0" json:"revision"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Note) TableName() string { return "notes" }
