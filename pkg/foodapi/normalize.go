package foodapi

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"nutri-advisor-go/internal/model"
)

const kJPerKcal = 4.184

// Number 兼容 Open Food Facts 中以数字或字符串出现的数值字段。
type Number struct {
	Value float64
	Valid bool
}

func (n *Number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	s := string(b)
	if b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		// 非数字内容按缺失处理
		return nil
	}
	n.Value, n.Valid = v, true
	return nil
}

// Product 是 Open Food Facts 商品的必要字段。
type Product struct {
	Code            string            `json:"code"`
	ProductName     string            `json:"product_name"`
	URL             string            `json:"url"`
	ServingQuantity Number            `json:"serving_quantity"`
	Nutriments      map[string]Number `json:"nutriments"`
}

// Record 是规整为每 100g 的食品记录。
type Record struct {
	Identity  string
	Name      string
	Barcode   string
	SourceURL string
	Per100g   model.MacroSet
	Sugar     float64
}

// Fact 转换为首个修订版本的营养事实。
func (r Record) Fact() model.NutritionFact {
	return model.NutritionFact{
		Identity:  r.Identity,
		Revision:  1,
		Name:      r.Name,
		NameKey:   model.NameKey(r.Name),
		Barcode:   r.Barcode,
		Source:    Source,
		SourceURL: r.SourceURL,
		Calories:  r.Per100g.Calories,
		Protein:   r.Per100g.Protein,
		Carbs:     r.Per100g.Carbs,
		Fat:       r.Per100g.Fat,
		Sugar:     r.Sugar,
		FactText:  model.ComposeFactText(r.Name, r.Per100g),
	}
}

// Source 是写入事实的来源标记。
const Source = "openfoodfacts"

// Identity 优先使用条码，没有条码时使用规整后的名称。
func Identity(barcode, name string) string {
	if barcode = strings.TrimSpace(barcode); barcode != "" {
		return "off:" + barcode
	}
	return "off:name:" + model.NameKey(name)
}

// nutrient 依次尝试 <key>_100g，再用 <key>_serving 按份量换算。
func (p Product) nutrient(key string) (float64, bool) {
	if v, ok := p.Nutriments[key+"_100g"]; ok && v.Valid {
		return v.Value, true
	}
	if v, ok := p.Nutriments[key+"_serving"]; ok && v.Valid && p.ServingQuantity.Valid && p.ServingQuantity.Value > 0 {
		return v.Value / p.ServingQuantity.Value * 100, true
	}
	return 0, false
}

// calories 优先 energy-kcal，其次把 kJ 换算为 kcal。energy 字段在 Open Food Facts 中单位为 kJ。
func (p Product) calories() (float64, bool) {
	if v, ok := p.nutrient("energy-kcal"); ok {
		return v, true
	}
	if v, ok := p.nutrient("energy-kj"); ok {
		return v / kJPerKcal, true
	}
	if v, ok := p.nutrient("energy"); ok {
		return v / kJPerKcal, true
	}
	return 0, false
}

// Normalize 将商品规整为每 100g 记录。缺少任一宏量或出现负值时返回校验错误。
func Normalize(p Product) (*Record, error) {
	const op = "foodapi.normalize"
	name := strings.TrimSpace(p.ProductName)
	if name == "" {
		return nil, model.NewValidationError(op, "product %s has no name", p.Code)
	}

	kcal, okK := p.calories()
	protein, okP := p.nutrient("proteins")
	carbs, okC := p.nutrient("carbohydrates")
	fat, okF := p.nutrient("fat")
	if !okK || !okP || !okC || !okF {
		return nil, model.NewValidationError(op, "product %q is missing macro nutriments", name)
	}
	sugar, _ := p.nutrient("sugars")
	for _, v := range []float64{kcal, protein, carbs, fat, sugar} {
		if v < 0 {
			return nil, model.NewValidationError(op, "product %q has negative nutriment values", name)
		}
	}

	return &Record{
		Identity:  Identity(p.Code, name),
		Name:      name,
		Barcode:   strings.TrimSpace(p.Code),
		SourceURL: p.URL,
		Per100g: model.MacroSet{
			Calories: round(kcal, 1),
			Protein:  round(protein, 2),
			Carbs:    round(carbs, 2),
			Fat:      round(fat, 2),
		},
		Sugar: round(sugar, 2),
	}, nil
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
