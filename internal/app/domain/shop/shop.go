// Package shop defines shop items and user inventories.
package shop

import "time"

// UnlimitedStock marks an item that never runs out.
const UnlimitedStock = -1

// Item categories. Consumables are decremented on redemption; timed grants
// schedule a reversal job when redeemed.
const (
	CategoryConsumable = "consumable"
	CategoryPermanent  = "permanent"
	CategoryTimedGrant = "timed_grant"
)

// Item is a purchasable shop entry owned by a tenant.
type Item struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Price       int64     `json:"price"`
	Stock       int       `json:"stock"` // -1 = unlimited
	Category    string    `json:"category"`
	GrantTTL    string    `json:"grant_ttl,omitempty"` // Go duration string for timed grants
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// InStock reports whether qty units can be sold.
func (i Item) InStock(qty int) bool {
	return i.Stock == UnlimitedStock || i.Stock >= qty
}

// InventoryEntry records how many units of an item a user owns.
type InventoryEntry struct {
	TenantID  string    `json:"tenant_id"`
	UserID    string    `json:"user_id"`
	ItemID    string    `json:"item_id"`
	Quantity  int       `json:"quantity"`
	UpdatedAt time.Time `json:"updated_at"`
}
