package changer

import "fmt"

// CanonicalLabel returns the volume name the archive backing a slot must
// carry: "VTAPE-" plus the slot number zero padded to four digits. Total for
// any slot >= 0 and injective up to slot 9999; a larger slot number widens
// the field instead of wrapping, which a library that big would need to deal
// with before it got there.
func CanonicalLabel(slot int) string {
	return fmt.Sprintf("VTAPE-%04d", slot)
}
