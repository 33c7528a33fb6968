// Package nutrition holds the deterministic part of meal estimation: the
// ingredient catalog, the food to category resolver, and the adjustment
// engine that rescales a baseline estimate from ingredient substitutions.
package nutrition

import (
	"encoding/json"
	"fmt"
	"os"

	"nutrilens"
)

// Option is one substitutable ingredient or preparation choice. A multiplier
// of 1.0 is neutral; below 1.0 reduces calories, above increases them.
type Option struct {
	ID         string  `json:"id"`
	Label      string  `json:"label"`
	Multiplier float64 `json:"multiplier"`
	IsHealthy  bool    `json:"isHealthy"`
}

// Category groups the options for one ingredient concern (oil, flour, ...).
type Category struct {
	ID      string   `json:"id"`
	Label   string   `json:"label"`
	Options []Option `json:"options"`
}

// Option returns the category's option with the given id.
func (c Category) Option(id string) (Option, bool) {
	for _, o := range c.Options {
		if o.ID == id {
			return o, true
		}
	}
	return Option{}, false
}

// Catalog is the immutable registry of ingredient categories. It is safe for
// concurrent use.
type Catalog struct {
	categories []Category
	index      map[string]int
}

// NewCatalog validates and freezes the given categories. Category ids must be
// unique, option ids unique within their category, multipliers positive.
func NewCatalog(categories []Category) (*Catalog, error) {
	c := &Catalog{
		categories: make([]Category, 0, len(categories)),
		index:      make(map[string]int, len(categories)),
	}
	for _, cat := range categories {
		if cat.ID == "" {
			return nil, fmt.Errorf("category with empty id")
		}
		if _, dup := c.index[cat.ID]; dup {
			return nil, fmt.Errorf("duplicate category %q", cat.ID)
		}
		seen := make(map[string]bool, len(cat.Options))
		opts := make([]Option, 0, len(cat.Options))
		for _, o := range cat.Options {
			if o.ID == "" {
				return nil, fmt.Errorf("category %q: option with empty id", cat.ID)
			}
			if seen[o.ID] {
				return nil, fmt.Errorf("category %q: duplicate option %q", cat.ID, o.ID)
			}
			if !(o.Multiplier > 0) {
				return nil, fmt.Errorf("category %q: option %q multiplier must be positive", cat.ID, o.ID)
			}
			seen[o.ID] = true
			opts = append(opts, o)
		}
		c.index[cat.ID] = len(c.categories)
		c.categories = append(c.categories, Category{ID: cat.ID, Label: cat.Label, Options: opts})
	}
	return c, nil
}

// ParseCatalog decodes a catalog from JSON of the form {"categories": [...]}.
func ParseCatalog(data []byte) (*Catalog, error) {
	var doc struct {
		Categories []Category `json:"categories"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return NewCatalog(doc.Categories)
}

// LoadCatalog reads a JSON catalog from path. An empty path yields the
// default catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// Categories returns the categories in declaration order.
func (c *Catalog) Categories() []Category {
	out := make([]Category, len(c.categories))
	for i, cat := range c.categories {
		out[i] = Category{ID: cat.ID, Label: cat.Label, Options: append([]Option(nil), cat.Options...)}
	}
	return out
}

// Category returns the category with the given id.
func (c *Catalog) Category(id string) (Category, bool) {
	i, ok := c.index[id]
	if !ok {
		return Category{}, false
	}
	return c.categories[i], true
}

// Option looks up an option, returning an error wrapping
// nutrilens.ErrNotFound when either id is unknown.
func (c *Catalog) Option(categoryID, optionID string) (Option, error) {
	cat, ok := c.Category(categoryID)
	if !ok {
		return Option{}, fmt.Errorf("category %q: %w", categoryID, nutrilens.ErrNotFound)
	}
	o, ok := cat.Option(optionID)
	if !ok {
		return Option{}, fmt.Errorf("option %q in category %q: %w", optionID, categoryID, nutrilens.ErrNotFound)
	}
	return o, nil
}

var defaultCatalog = mustCatalog(NewCatalog([]Category{
	{
		ID:    "oil",
		Label: "Oil Type",
		Options: []Option{
			{ID: "olive", Label: "Olive Oil", Multiplier: 1.0, IsHealthy: true},
			{ID: "coconut", Label: "Coconut Oil", Multiplier: 1.05, IsHealthy: true},
			{ID: "vegetable", Label: "Vegetable Oil", Multiplier: 1.0, IsHealthy: false},
			{ID: "ghee", Label: "Ghee/Butter", Multiplier: 1.15, IsHealthy: false},
			{ID: "none", Label: "No Oil", Multiplier: 0.7, IsHealthy: true},
		},
	},
	{
		ID:    "flour",
		Label: "Flour Type",
		Options: []Option{
			{ID: "wheat", Label: "Whole Wheat", Multiplier: 1.0, IsHealthy: true},
			{ID: "refined", Label: "Refined (Maida)", Multiplier: 1.05, IsHealthy: false},
			{ID: "millet", Label: "Millet Flour", Multiplier: 0.9, IsHealthy: true},
			{ID: "multigrain", Label: "Multigrain", Multiplier: 0.95, IsHealthy: true},
			{ID: "almond", Label: "Almond Flour", Multiplier: 1.1, IsHealthy: true},
		},
	},
	{
		ID:    "cooking",
		Label: "Cooking Method",
		Options: []Option{
			{ID: "deepfried", Label: "Deep Fried", Multiplier: 1.3, IsHealthy: false},
			{ID: "panfried", Label: "Pan Fried", Multiplier: 1.1, IsHealthy: false},
			{ID: "airfried", Label: "Air Fried", Multiplier: 0.85, IsHealthy: true},
			{ID: "baked", Label: "Baked", Multiplier: 0.9, IsHealthy: true},
			{ID: "steamed", Label: "Steamed", Multiplier: 0.8, IsHealthy: true},
			{ID: "grilled", Label: "Grilled", Multiplier: 0.85, IsHealthy: true},
			{ID: "boiled", Label: "Boiled", Multiplier: 0.75, IsHealthy: true},
		},
	},
	{
		ID:    "sugar",
		Label: "Sweetener",
		Options: []Option{
			{ID: "sugar", Label: "White Sugar", Multiplier: 1.0, IsHealthy: false},
			{ID: "brown", Label: "Brown Sugar", Multiplier: 0.98, IsHealthy: false},
			{ID: "honey", Label: "Honey", Multiplier: 0.95, IsHealthy: true},
			{ID: "jaggery", Label: "Jaggery", Multiplier: 0.9, IsHealthy: true},
			{ID: "stevia", Label: "Stevia", Multiplier: 0.5, IsHealthy: true},
			{ID: "none", Label: "No Sugar", Multiplier: 0.6, IsHealthy: true},
		},
	},
}))

// DefaultCatalog returns the built-in catalog shared by the whole process.
func DefaultCatalog() *Catalog {
	return defaultCatalog
}

func mustCatalog(c *Catalog, err error) *Catalog {
	if err != nil {
		panic(err)
	}
	return c
}
