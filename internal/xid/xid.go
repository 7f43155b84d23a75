package xid

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random record identifier in the canonical UUID form the
// record store uses for primary keys.
func New() string {
	return uuid.NewString()
}

var companionSpace = uuid.MustParse("6f1c2b7e-93a4-5d0e-8c61-2f4b9a7d3e10")

// CompanionSaleID is the id of the sale written for a delivery. The same
// delivery always yields the same id, so a repeated write conflicts in the
// record store instead of adding a second sale.
func CompanionSaleID(deliveryID string) string {
	return uuid.NewSHA1(companionSpace, []byte(deliveryID)).String()
}

// QRCode derives a short external lookup code. Codes are upper-case and
// stable for the lifetime of the customer record.
func QRCode() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "CHAI-" + strings.ToUpper(raw[:8])
}

// Valid reports whether id parses as a UUID.
func Valid(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
