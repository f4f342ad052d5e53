package docstore

import (
	"strings"
	"time"
)

// DefaultShopID is the shop created when the index is bootstrapped.
const DefaultShopID = "shop_default"

// Shop is one summary row of the shop index.
type Shop struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	City    string `json:"city"`
	Address string `json:"address"`
	Active  bool   `json:"active"`
}

// ShopIndexDocument lists every shop; it is the source of truth for which
// shops exist.
type ShopIndexDocument []Shop

func (d *ShopIndexDocument) normalize() {
	if *d == nil {
		*d = ShopIndexDocument{}
	}
	for i := range *d {
		s := &(*d)[i]
		s.ID = strings.TrimSpace(s.ID)
		s.Name = strings.TrimSpace(s.Name)
	}
}

// Find returns the shop with id.
func (d ShopIndexDocument) Find(id string) (Shop, bool) {
	for _, s := range d {
		if s.ID == id {
			return s, true
		}
	}
	return Shop{}, false
}

// ItemType is the input kind of a checklist item.
type ItemType string

const (
	ItemNumber  ItemType = "number"
	ItemBoolean ItemType = "boolean"
)

// ItemRule describes one checklist item and its acceptable range.
type ItemRule struct {
	ID    string   `json:"id"`
	Label string   `json:"label"`
	Type  ItemType `json:"type"`
	Unit  string   `json:"unit,omitempty"`
	Min   *float64 `json:"min,omitempty"`
	Max   *float64 `json:"max,omitempty"`
	// Expected is the required value of a boolean item.
	Expected *bool `json:"expected,omitempty"`
}

// CleaningTask is a recurring cleaning duty.
type CleaningTask struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	Frequency string `json:"frequency"`
}

// TemplateDocument defines a shop's checklist items and cleaning tasks.
// Revision counts saved edits.
type TemplateDocument struct {
	Revision int64          `json:"revision"`
	Items    []ItemRule     `json:"items"`
	Cleaning []CleaningTask `json:"cleaning"`
}

func (d *TemplateDocument) normalize() {
	if d.Items == nil {
		d.Items = []ItemRule{}
	}
	if d.Cleaning == nil {
		d.Cleaning = []CleaningTask{}
	}
	for i := range d.Items {
		if d.Items[i].Type == "" {
			d.Items[i].Type = ItemNumber
		}
	}
	for i := range d.Cleaning {
		if d.Cleaning[i].Frequency == "" {
			d.Cleaning[i].Frequency = "daily"
		}
	}
}

// EntryDocument is one shop's checklist submission for one date.
type EntryDocument struct {
	Date    string         `json:"date"`
	ShopID  string         `json:"shopId"`
	Values  map[string]any `json:"values"`
	Notes   string         `json:"notes"`
	Issues  []string       `json:"issues"`
	SavedBy string         `json:"savedBy,omitempty"`
	SavedAt time.Time      `json:"savedAt,omitzero"`
}

func (d *EntryDocument) normalize() {
	if d.Values == nil {
		d.Values = map[string]any{}
	}
	if d.Issues == nil {
		d.Issues = []string{}
	}
}

// CleaningLogDocument records which cleaning tasks were done on one date.
type CleaningLogDocument struct {
	Date    string          `json:"date"`
	ShopID  string          `json:"shopId"`
	Done    map[string]bool `json:"done"`
	Notes   string          `json:"notes"`
	SavedBy string          `json:"savedBy,omitempty"`
	SavedAt time.Time       `json:"savedAt,omitzero"`
}

func (d *CleaningLogDocument) normalize() {
	if d.Done == nil {
		d.Done = map[string]bool{}
	}
}

// DefaultShopIndex is written on first use when no index exists.
func DefaultShopIndex() ShopIndexDocument {
	return ShopIndexDocument{
		{ID: DefaultShopID, Name: "City", Active: true},
	}
}

// DefaultTemplate is the starter checklist for a new shop.
func DefaultTemplate() TemplateDocument {
	fridgeMax := 5.0
	freezerMax := -18.0
	hotMin := 63.0
	yes := true
	return TemplateDocument{
		Items: []ItemRule{
			{ID: "fridge1", Label: "Fridge 1", Type: ItemNumber, Unit: "°C", Max: &fridgeMax},
			{ID: "freezer1", Label: "Freezer 1", Type: ItemNumber, Unit: "°C", Max: &freezerMax},
			{ID: "hot_holding", Label: "Hot holding", Type: ItemNumber, Unit: "°C", Min: &hotMin},
			{ID: "handwash", Label: "Handwash station stocked", Type: ItemBoolean, Expected: &yes},
		},
		Cleaning: []CleaningTask{
			{ID: "surfaces", Label: "Sanitise surfaces", Frequency: "daily"},
			{ID: "floors", Label: "Mop floors", Frequency: "daily"},
			{ID: "fridge_deep", Label: "Deep clean fridges", Frequency: "weekly"},
		},
	}
}
