// Package inventory holds the reference handlers of the inventory platform.
//
// Event types form a closed set: each Kind has exactly one Payload struct,
// and Decode turns an envelope back into that struct whether it was built
// in process or read from a retry store.
//
//	env := inventory.NewEnvelope(inventory.StockUpdated{SKU: "sku-1", Delta: -3})
//	err := eng.Initialize(ctx, inventory.Handlers(inventory.Deps{Logger: logger})...)
//
// Handlers reach storage and operators through the StockLedger and Notifier
// ports. Ledger rejections (unknown product, insufficient stock) are
// permanent failures and go straight to the dead-letter store.
package inventory
