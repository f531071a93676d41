package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"unicode/utf8"

	"github.com/d1gallar/forest/internal/domain"
)

// The provider caps metadata values at 500 characters and 50 keys.
const maxMetadataValue = 500

// chunkLimit is the number of keys each chunked value owns. With the six
// scalar keys and the orderId written at settlement they fit in 50 keys.
var chunkLimit = map[string]int{
	MetaItems:           36,
	MetaBillingAddress:  3,
	MetaShippingAddress: 3,
}

const (
	MetaUserID          = "userId"
	MetaSessionID       = "checkoutSessionId"
	MetaOrderID         = "orderId"
	MetaItems           = "items"
	MetaBillingAddress  = "billingAddress"
	MetaShippingAddress = "shippingAddress"
	MetaSubtotal        = "subtotal"
	MetaShippingCost    = "shippingCost"
	MetaTax             = "tax"
	MetaTotal           = "total"
)

// ErrNotCheckoutIntent marks intents that were not created by checkout.
var ErrNotCheckoutIntent = errors.New("payment intent carries no checkout metadata")

// OrderMetadata is everything the webhook needs to build an order without
// reading the cart again.
type OrderMetadata struct {
	UserID          string
	SessionID       string
	Items           []domain.OrderItem
	BillingAddress  domain.Address
	ShippingAddress domain.Address
	Totals          domain.Totals
}

// Encode flattens m into provider metadata, splitting long JSON values across
// suffixed keys (items, items_1, items_2, ...). The provider merges metadata
// on update, so every unused chunk key up to the limit is sent empty, which
// unsets whatever an earlier, longer encoding left there.
func (m OrderMetadata) Encode() (map[string]string, error) {
	md := map[string]string{
		MetaUserID:       m.UserID,
		MetaSubtotal:     formatAmount(m.Totals.Subtotal),
		MetaShippingCost: formatAmount(m.Totals.ShippingCost),
		MetaTax:          formatAmount(m.Totals.Tax),
		MetaTotal:        formatAmount(m.Totals.Total),
	}
	if m.SessionID != "" {
		md[MetaSessionID] = m.SessionID
	}
	for key, v := range map[string]interface{}{
		MetaItems:           m.Items,
		MetaBillingAddress:  m.BillingAddress,
		MetaShippingAddress: m.ShippingAddress,
	} {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", key, err)
		}
		n := putChunked(md, key, string(raw))
		if n > chunkLimit[key] {
			if key == MetaItems {
				return nil, domain.NewValidationError("cart_too_large", "cart has too many items to check out at once")
			}
			return nil, domain.NewFieldError(key, "address is too long")
		}
		for i := n; i < chunkLimit[key]; i++ {
			md[chunkKey(key, i)] = ""
		}
	}
	return md, nil
}

// DecodeOrderMetadata rebuilds OrderMetadata from provider metadata.
func DecodeOrderMetadata(md map[string]string) (*OrderMetadata, error) {
	if md[MetaUserID] == "" {
		return nil, ErrNotCheckoutIntent
	}
	m := &OrderMetadata{UserID: md[MetaUserID], SessionID: md[MetaSessionID]}

	for key, dst := range map[string]interface{}{
		MetaItems:           &m.Items,
		MetaBillingAddress:  &m.BillingAddress,
		MetaShippingAddress: &m.ShippingAddress,
	} {
		raw, ok := getChunked(md, key)
		if !ok {
			return nil, fmt.Errorf("metadata %q missing", key)
		}
		if err := json.Unmarshal([]byte(raw), dst); err != nil {
			return nil, fmt.Errorf("decode metadata %q: %w", key, err)
		}
	}

	var err error
	for key, dst := range map[string]*float64{
		MetaSubtotal:     &m.Totals.Subtotal,
		MetaShippingCost: &m.Totals.ShippingCost,
		MetaTax:          &m.Totals.Tax,
		MetaTotal:        &m.Totals.Total,
	} {
		if *dst, err = strconv.ParseFloat(md[key], 64); err != nil {
			return nil, fmt.Errorf("decode metadata %q: %w", key, err)
		}
	}
	return m, nil
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func chunkKey(key string, i int) string {
	if i == 0 {
		return key
	}
	return key + "_" + strconv.Itoa(i)
}

// putChunked writes value across chunk keys and returns how many it used.
func putChunked(md map[string]string, key, value string) int {
	for i := 0; ; i++ {
		if len(value) <= maxMetadataValue {
			md[chunkKey(key, i)] = value
			return i + 1
		}
		cut := maxMetadataValue
		for cut > 0 && !utf8.RuneStart(value[cut]) {
			cut--
		}
		md[chunkKey(key, i)] = value[:cut]
		value = value[cut:]
	}
}

// getChunked joins chunks until the first missing or empty one.
func getChunked(md map[string]string, key string) (string, bool) {
	first := md[key]
	if first == "" {
		return "", false
	}
	out := first
	for i := 1; ; i++ {
		part := md[chunkKey(key, i)]
		if part == "" {
			return out, true
		}
		out += part
	}
}
