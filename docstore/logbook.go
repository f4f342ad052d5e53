package docstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// DateLayout is the key format of entry and cleaning documents.
const DateLayout = "2006-01-02"

var shopIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateShopID rejects ids that cannot be used as a single path segment.
func ValidateShopID(id string) error {
	if !shopIDPattern.MatchString(id) {
		return invalidArgf("shop id %q must match %s", id, shopIDPattern.String())
	}
	return nil
}

// ValidateDate requires an ISO calendar date (YYYY-MM-DD).
func ValidateDate(date string) error {
	if _, err := time.Parse(DateLayout, date); err != nil {
		return invalidArgf("date %q must be formatted as %s", date, DateLayout)
	}
	return nil
}

// Logbook exposes the typed document operations the checklist application
// performs: shop administration, templates, daily entries and cleaning logs.
type Logbook struct {
	Store *Store
	Now   func() time.Time
}

// NewLogbook creates a Logbook over store.
func NewLogbook(store *Store) *Logbook {
	return &Logbook{Store: store, Now: time.Now}
}

func (b *Logbook) now() time.Time {
	if b.Now == nil {
		return time.Now().UTC()
	}
	return b.Now().UTC()
}

func (b *Logbook) paths() PathScheme {
	return b.Store.Paths
}

// Shops returns the shop index. The first call against an empty store
// creates a default shop and its template.
func (b *Logbook) Shops(ctx context.Context) (ShopIndexDocument, error) {
	shops, err := ReadJSON[ShopIndexDocument](ctx, b.Store, b.paths().ShopIndexPath())
	if err == nil {
		return shops, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return b.bootstrap(ctx)
}

// bootstrap writes the template before the index so that an index naming
// shop_default always has a template behind it.
func (b *Logbook) bootstrap(ctx context.Context) (ShopIndexDocument, error) {
	b.Store.Logger.InfoContext(ctx, "bootstrapping shop index", "shop_id", DefaultShopID)

	if err := b.ensureTemplate(ctx, DefaultShopID); err != nil {
		return nil, err
	}
	shops, _, err := UpdateJSON(ctx, b.Store, b.paths().ShopIndexPath(), ShopIndexDocument{}, func(d *ShopIndexDocument) error {
		if len(*d) == 0 {
			*d = DefaultShopIndex()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap shop index: %w", err)
	}
	return shops, nil
}

func (b *Logbook) ensureTemplate(ctx context.Context, shopID string) error {
	path := b.paths().TemplatePath(shopID)
	_, err := b.Store.ReadDocument(ctx, path)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	_, _, err = UpdateJSON(ctx, b.Store, path, DefaultTemplate(), func(*TemplateDocument) error { return nil })
	if err != nil {
		return fmt.Errorf("create template for %s: %w", shopID, err)
	}
	return nil
}

// Shop returns one shop from the index.
func (b *Logbook) Shop(ctx context.Context, shopID string) (Shop, error) {
	shops, err := b.Shops(ctx)
	if err != nil {
		return Shop{}, err
	}
	shop, ok := shops.Find(shopID)
	if !ok {
		return Shop{}, fmt.Errorf("%w: shop %s", ErrNotFound, shopID)
	}
	return shop, nil
}

// SaveShop inserts or replaces shop in the index and makes sure it has a
// template.
func (b *Logbook) SaveShop(ctx context.Context, shop Shop) (ShopIndexDocument, error) {
	if err := ValidateShopID(shop.ID); err != nil {
		return nil, err
	}
	if shop.Name == "" {
		return nil, invalidArgf("shop name is required")
	}
	if _, err := b.Shops(ctx); err != nil {
		return nil, err
	}
	if err := b.ensureTemplate(ctx, shop.ID); err != nil {
		return nil, err
	}

	shops, _, err := UpdateJSON(ctx, b.Store, b.paths().ShopIndexPath(), ShopIndexDocument{}, func(d *ShopIndexDocument) error {
		for i := range *d {
			if (*d)[i].ID == shop.ID {
				(*d)[i] = shop
				return nil
			}
		}
		*d = append(*d, shop)
		return nil
	})
	return shops, err
}

// DeleteShop rewrites the index without shopID. The shop's documents stay
// in the store.
func (b *Logbook) DeleteShop(ctx context.Context, shopID string) (ShopIndexDocument, error) {
	if err := ValidateShopID(shopID); err != nil {
		return nil, err
	}
	shops, _, err := UpdateJSON(ctx, b.Store, b.paths().ShopIndexPath(), ShopIndexDocument{}, func(d *ShopIndexDocument) error {
		kept := (*d)[:0]
		found := false
		for _, s := range *d {
			if s.ID == shopID {
				found = true
				continue
			}
			kept = append(kept, s)
		}
		if !found {
			return fmt.Errorf("%w: shop %s", ErrNotFound, shopID)
		}
		*d = kept
		return nil
	})
	return shops, err
}

// Template returns the shop's template, or the default one if none was saved.
func (b *Logbook) Template(ctx context.Context, shopID string) (TemplateDocument, error) {
	if err := ValidateShopID(shopID); err != nil {
		return TemplateDocument{}, err
	}
	tpl, err := ReadJSON[TemplateDocument](ctx, b.Store, b.paths().TemplatePath(shopID))
	if errors.Is(err, ErrNotFound) {
		return DefaultTemplate(), nil
	}
	return tpl, err
}

// UpdateTemplate applies mutate to the shop's template.
func (b *Logbook) UpdateTemplate(ctx context.Context, shopID string, mutate func(*TemplateDocument) error) (TemplateDocument, error) {
	if err := ValidateShopID(shopID); err != nil {
		return TemplateDocument{}, err
	}
	tpl, _, err := UpdateJSON(ctx, b.Store, b.paths().TemplatePath(shopID), DefaultTemplate(), mutate)
	return tpl, err
}

// ReplaceTemplate overwrites the shop's template with tpl and bumps its
// revision. tpl.Revision must be the revision the edit started from; if the
// stored template has moved on, it fails with ErrStaleRevision.
func (b *Logbook) ReplaceTemplate(ctx context.Context, shopID string, tpl TemplateDocument) (TemplateDocument, error) {
	return b.UpdateTemplate(ctx, shopID, func(d *TemplateDocument) error {
		if d.Revision != tpl.Revision {
			return fmt.Errorf("%w: template for %s is at revision %d, edit started from %d", ErrStaleRevision, shopID, d.Revision, tpl.Revision)
		}
		*d = tpl
		d.Revision++
		return nil
	})
}

// Entry returns the checklist entry for shopID on date.
func (b *Logbook) Entry(ctx context.Context, shopID, date string) (EntryDocument, error) {
	if err := validateShopDate(shopID, date); err != nil {
		return EntryDocument{}, err
	}
	return ReadJSON[EntryDocument](ctx, b.Store, b.paths().EntryPath(shopID, date))
}

// UpdateEntry applies mutate to the day's entry, creating it if needed, and
// stamps who saved it and when.
func (b *Logbook) UpdateEntry(ctx context.Context, shopID, date, savedBy string, mutate func(*EntryDocument) error) (EntryDocument, error) {
	if err := validateShopDate(shopID, date); err != nil {
		return EntryDocument{}, err
	}
	def := EntryDocument{Date: date, ShopID: shopID, Values: map[string]any{}, Issues: []string{}}
	entry, _, err := UpdateJSON(ctx, b.Store, b.paths().EntryPath(shopID, date), def, func(d *EntryDocument) error {
		if err := mutate(d); err != nil {
			return err
		}
		d.Date = date
		d.ShopID = shopID
		d.SavedBy = savedBy
		d.SavedAt = b.now()
		return nil
	})
	return entry, err
}

// EntryDates lists the dates with a saved entry, most recent first.
func (b *Logbook) EntryDates(ctx context.Context, shopID string) ([]string, error) {
	if err := ValidateShopID(shopID); err != nil {
		return nil, err
	}
	return b.Store.ListKeys(ctx, b.paths().EntriesPrefix(shopID))
}

// CleaningLog returns the cleaning log for shopID on date.
func (b *Logbook) CleaningLog(ctx context.Context, shopID, date string) (CleaningLogDocument, error) {
	if err := validateShopDate(shopID, date); err != nil {
		return CleaningLogDocument{}, err
	}
	return ReadJSON[CleaningLogDocument](ctx, b.Store, b.paths().CleaningLogPath(shopID, date))
}

// UpdateCleaningLog applies mutate to the day's cleaning log.
func (b *Logbook) UpdateCleaningLog(ctx context.Context, shopID, date, savedBy string, mutate func(*CleaningLogDocument) error) (CleaningLogDocument, error) {
	if err := validateShopDate(shopID, date); err != nil {
		return CleaningLogDocument{}, err
	}
	def := CleaningLogDocument{Date: date, ShopID: shopID, Done: map[string]bool{}}
	log, _, err := UpdateJSON(ctx, b.Store, b.paths().CleaningLogPath(shopID, date), def, func(d *CleaningLogDocument) error {
		if err := mutate(d); err != nil {
			return err
		}
		d.Date = date
		d.ShopID = shopID
		d.SavedBy = savedBy
		d.SavedAt = b.now()
		return nil
	})
	return log, err
}

// CleaningDates lists the dates with a cleaning log, most recent first.
func (b *Logbook) CleaningDates(ctx context.Context, shopID string) ([]string, error) {
	if err := ValidateShopID(shopID); err != nil {
		return nil, err
	}
	return b.Store.ListKeys(ctx, b.paths().CleaningPrefix(shopID))
}

func validateShopDate(shopID, date string) error {
	if err := ValidateShopID(shopID); err != nil {
		return err
	}
	return ValidateDate(date)
}
