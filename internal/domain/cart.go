package domain

import (
	"fmt"
	"time"
)

const MaxItemQuantity = 99

// Totals are the cart-level money amounts, each rounded to cents.
type Totals struct {
	Subtotal     float64 `bson:"subtotal" json:"subtotal"`
	ShippingCost float64 `bson:"shipping_cost" json:"shippingCost"`
	Tax          float64 `bson:"tax" json:"tax"`
	Total        float64 `bson:"total" json:"total"`
}

// Cart holds one user's line items. Version is bumped on every persisted
// mutation and used for compare-and-swap writes.
type Cart struct {
	ID           string     `bson:"_id,omitempty" json:"id,omitempty"`
	UserID       string     `bson:"user_id" json:"userId"`
	Items        []LineItem `bson:"items" json:"items"`
	Totals       `bson:",inline"`
	Version      int64     `bson:"version" json:"version"`
	CreatedAt    time.Time `bson:"created_at" json:"createdAt"`
	LastModified time.Time `bson:"last_modified" json:"lastModified"`
}

// LineItem snapshots the unit price at add-to-cart time.
type LineItem struct {
	ProductID string    `bson:"product_id" json:"productId"`
	Quantity  int       `bson:"quantity" json:"quantity"`
	UnitPrice float64   `bson:"unit_price" json:"unitPrice"`
	AddedAt   time.Time `bson:"added_at" json:"addedAt"`
}

func NewCart(userID string, now time.Time) *Cart {
	return &Cart{
		UserID:       userID,
		Items:        []LineItem{},
		CreatedAt:    now,
		LastModified: now,
	}
}

func (c *Cart) IsEmpty() bool { return len(c.Items) == 0 }

func (c *Cart) findItem(productID string) int {
	for i := range c.Items {
		if c.Items[i].ProductID == productID {
			return i
		}
	}
	return -1
}

// ValidateAddQuantity checks an amount to add. Adds are not capped so that
// splitting an add never changes the result.
func ValidateAddQuantity(q int) error {
	if q < 1 {
		return NewFieldError("quantity", "quantity must be a positive integer")
	}
	return nil
}

// ValidateQuantity checks an absolute line quantity.
func ValidateQuantity(q int) error {
	if q < 1 || q > MaxItemQuantity {
		return NewFieldError("quantity", fmt.Sprintf("quantity must be between 1 and %d", MaxItemQuantity))
	}
	return nil
}

// AddItem increments an existing line for the product, keeping its price, or
// appends a new one.
func (c *Cart) AddItem(productID string, unitPrice float64, quantity int, now time.Time) error {
	if err := ValidateAddQuantity(quantity); err != nil {
		return err
	}
	if i := c.findItem(productID); i >= 0 {
		c.Items[i].Quantity += quantity
		c.Items[i].AddedAt = now
	} else {
		c.Items = append(c.Items, LineItem{
			ProductID: productID,
			Quantity:  quantity,
			UnitPrice: unitPrice,
			AddedAt:   now,
		})
	}
	c.LastModified = now
	return nil
}

func (c *Cart) SetQuantity(productID string, quantity int, now time.Time) error {
	if err := ValidateQuantity(quantity); err != nil {
		return err
	}
	i := c.findItem(productID)
	if i < 0 {
		return NewNotFoundError("item_not_found", "product is not in the cart")
	}
	c.Items[i].Quantity = quantity
	c.LastModified = now
	return nil
}

// RemoveItem deletes the line for productID. Removing the last line zeroes
// every total, shipping included.
func (c *Cart) RemoveItem(productID string, now time.Time) error {
	i := c.findItem(productID)
	if i < 0 {
		return NewNotFoundError("item_not_found", "product is not in the cart")
	}
	c.Items = append(c.Items[:i], c.Items[i+1:]...)
	if len(c.Items) == 0 {
		c.Totals = Totals{}
	}
	c.LastModified = now
	return nil
}

func (c *Cart) Clear(now time.Time) {
	c.Items = []LineItem{}
	c.Totals = Totals{}
	c.LastModified = now
}

// PopulatedCart is the read-time projection of a cart joined with catalog data.
type PopulatedCart struct {
	UserID string          `json:"userId"`
	Items  []PopulatedItem `json:"items"`
	Totals
	LastModified time.Time `json:"lastModified"`
}

type PopulatedItem struct {
	LineItem
	Name    string `json:"name"`
	ImgURL  string `json:"imgUrl,omitempty"`
	InStock bool   `json:"inStock"`
}
