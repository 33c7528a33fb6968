package nutrition

import "strings"

// FoodRule maps a food name to the ids of the ingredient categories that
// apply to it.
type FoodRule struct {
	Food       string
	Categories []string
}

// DefaultFoodRules is the built-in food table. Order matters: during
// substring matching the first declared rule wins.
var DefaultFoodRules = []FoodRule{
	// Indian breads
	{Food: "puri", Categories: []string{"oil", "flour", "cooking"}},
	{Food: "roti", Categories: []string{"flour", "oil"}},
	{Food: "paratha", Categories: []string{"flour", "oil", "cooking"}},
	{Food: "naan", Categories: []string{"flour", "oil"}},
	{Food: "chapati", Categories: []string{"flour"}},
	{Food: "bhatura", Categories: []string{"flour", "oil", "cooking"}},

	// Fried foods
	{Food: "samosa", Categories: []string{"flour", "oil", "cooking"}},
	{Food: "pakora", Categories: []string{"flour", "oil", "cooking"}},
	{Food: "vada", Categories: []string{"flour", "oil", "cooking"}},
	{Food: "fries", Categories: []string{"oil", "cooking"}},
	{Food: "french fries", Categories: []string{"oil", "cooking"}},

	// Rice dishes
	{Food: "rice", Categories: []string{"oil"}},
	{Food: "biryani", Categories: []string{"oil", "cooking"}},
	{Food: "pulao", Categories: []string{"oil"}},
	{Food: "fried_rice", Categories: []string{"oil", "cooking"}},

	// Sweets
	{Food: "ladoo", Categories: []string{"flour", "sugar", "oil"}},
	{Food: "gulab_jamun", Categories: []string{"flour", "sugar", "oil", "cooking"}},
	{Food: "halwa", Categories: []string{"flour", "sugar", "oil"}},
	{Food: "cake", Categories: []string{"flour", "sugar", "cooking"}},
	{Food: "cookies", Categories: []string{"flour", "sugar", "cooking"}},

	{Food: "bread", Categories: []string{"flour"}},
	{Food: "pancake", Categories: []string{"flour", "oil", "cooking", "sugar"}},
	{Food: "dosa", Categories: []string{"oil", "cooking"}},
	{Food: "idli", Categories: []string{"cooking"}},
	{Food: "curry", Categories: []string{"oil"}},
	{Food: "sabzi", Categories: []string{"oil", "cooking"}},
}

// DefaultFallback applies to foods that match no rule.
var DefaultFallback = []string{"oil", "cooking"}

// Resolver maps free-text food names to applicable catalog categories.
type Resolver struct {
	catalog  *Catalog
	rules    []FoodRule
	exact    map[string]int
	fallback []string
}

// NewResolver builds a resolver over catalog. Rule food names are lowercased;
// a repeated food keeps its first declaration.
func NewResolver(catalog *Catalog, rules []FoodRule, fallback []string) *Resolver {
	r := &Resolver{
		catalog:  catalog,
		rules:    make([]FoodRule, 0, len(rules)),
		exact:    make(map[string]int, len(rules)),
		fallback: append([]string(nil), fallback...),
	}
	for _, rule := range rules {
		food := strings.ToLower(rule.Food)
		if _, dup := r.exact[food]; dup {
			continue
		}
		r.exact[food] = len(r.rules)
		r.rules = append(r.rules, FoodRule{Food: food, Categories: append([]string(nil), rule.Categories...)})
	}
	return r
}

// DefaultResolver resolves against the default catalog and food table.
func DefaultResolver() *Resolver {
	return NewResolver(DefaultCatalog(), DefaultFoodRules, DefaultFallback)
}

func (r *Resolver) Catalog() *Catalog { return r.catalog }

// ApplicableCategories returns the categories relevant to foodName, in
// catalog order. The name is trimmed and lowercased. Matching is exact first,
// then substring in either direction against the rules in declaration order,
// then the fallback set. A blank name gets the fallback set.
func (r *Resolver) ApplicableCategories(foodName string) []Category {
	return r.filter(r.categoryIDs(foodName))
}

// IsApplicable reports whether categoryID applies to foodName.
func (r *Resolver) IsApplicable(foodName, categoryID string) bool {
	for _, id := range r.categoryIDs(foodName) {
		if id == categoryID {
			return true
		}
	}
	return false
}

func (r *Resolver) categoryIDs(foodName string) []string {
	name := strings.ToLower(strings.TrimSpace(foodName))
	if name == "" {
		return r.fallback
	}

	if i, ok := r.exact[name]; ok {
		return r.rules[i].Categories
	}

	for _, rule := range r.rules {
		if strings.Contains(name, rule.Food) || strings.Contains(rule.Food, name) {
			return rule.Categories
		}
	}

	return r.fallback
}

func (r *Resolver) filter(ids []string) []Category {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	out := make([]Category, 0, len(ids))
	for _, cat := range r.catalog.categories {
		if want[cat.ID] {
			out = append(out, cat)
		}
	}
	return out
}
