// Package model 包含了应用的数据模型定义。
package model

import (
	"fmt"
	"strings"
	"time"
)

// MacroSet 表示一组宏量营养素数值，单位为 kcal 与 g。
type MacroSet struct {
	Calories float64 `json:"calories"`
	Protein  float64 `json:"protein"`
	Carbs    float64 `json:"carbs"`
	Fat      float64 `json:"fat"`
}

// Scale 按份量换算：value × quantity / 100。
func (m MacroSet) Scale(quantityG float64) MacroSet {
	return MacroSet{
		Calories: m.Calories * quantityG / 100,
		Protein:  m.Protein * quantityG / 100,
		Carbs:    m.Carbs * quantityG / 100,
		Fat:      m.Fat * quantityG / 100,
	}
}

// NutritionFact 是一条标准化为每 100g 的营养事实。
// 同一 Identity 的记录只追加新 Revision，不修改已有行。
type NutritionFact struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	Identity    string    `gorm:"type:varchar(191);uniqueIndex:idx_identity_revision;not null" json:"identity"`
	Revision    int       `gorm:"uniqueIndex:idx_identity_revision;not null;default:1" json:"revision"`
	Name        string    `gorm:"type:varchar(255);not null" json:"name"`
	NameKey     string    `gorm:"type:varchar(191);index;not null" json:"-"`
	Barcode     string    `gorm:"type:varchar(64);index" json:"barcode,omitempty"`
	Source      string    `gorm:"type:varchar(64);not null" json:"source"`
	SourceURL   string    `gorm:"type:varchar(512)" json:"source_url,omitempty"`
	Calories    float64   `gorm:"column:calories_100g" json:"calories_100g"`
	Protein     float64   `gorm:"column:protein_100g" json:"protein_100g"`
	Carbs       float64   `gorm:"column:carbs_100g" json:"carbs_100g"`
	Fat         float64   `gorm:"column:fat_100g" json:"fat_100g"`
	Sugar       float64   `gorm:"column:sugar_100g" json:"sugar_100g"`
	FactText    string    `gorm:"type:text;not null" json:"fact_text"`
	Fingerprint string    `gorm:"type:varchar(32)" json:"-"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (NutritionFact) TableName() string {
	return "nutrition_facts"
}

// Per100g 返回每 100g 的宏量营养素。
func (f NutritionFact) Per100g() MacroSet {
	return MacroSet{Calories: f.Calories, Protein: f.Protein, Carbs: f.Carbs, Fat: f.Fat}
}

// ComposeFactText 生成用于索引与引用的事实句。
func ComposeFactText(name string, m MacroSet) string {
	return fmt.Sprintf("%s — %.0f kcal/100g, %.1f g protein/100g, %.1f g carbs/100g, %.1f g fat/100g",
		name, m.Calories, m.Protein, m.Carbs, m.Fat)
}

// Evidence 是一次检索返回的事实及其相似度。Rank 从 1 开始，与提示中的 [n] 标记对应。
type Evidence struct {
	Rank       int           `json:"rank"`
	Similarity float64       `json:"similarity"`
	Fact       NutritionFact `json:"fact"`
}

// NameKey 把食物名规整为查找键：小写并压缩空白。
func NameKey(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}
