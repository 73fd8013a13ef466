package catalog

import "paysync/internal/metadata"

// Customer carries the subscriber back-reference read from its metadata
// and the flattened discount columns.
func Customer(subscriberKey string) *metadata.Kind {
	return &metadata.Kind{
		Name:     "customer",
		Table:    "customers",
		Endpoint: "customers",
		Fields: []metadata.Field{
			nullStr("email"),
			nullStr("name"),
			nullStr("description"),
			nullStr("currency"),
			{Name: "balance", Type: metadata.TypeInt},
			flag("delinquent"),
			{Name: "deleted", Type: metadata.TypeBoolean},
			meta(),
			created(),
			{Name: "subscriber_id", Source: "metadata." + subscriberKey, Type: metadata.TypeString, Nullable: true, LocalOnly: true},
			{Name: "coupon_start", Type: metadata.TypeTimestamp, Managed: true},
			{Name: "coupon_end", Type: metadata.TypeTimestamp, Managed: true},
			{Name: "date_purged", Type: metadata.TypeTimestamp, Managed: true},
		},
		References: []metadata.Reference{
			{Name: "invoice_settings.default_payment_method", Column: "default_payment_method_id", Target: "payment_method", OnDelete: metadata.OnDeleteSetNull},
			{Name: "discount.coupon", Column: "coupon_id", Target: "coupon", OnDelete: metadata.OnDeleteSetNull},
		},
		Hooks: metadata.Hooks{PreCommit: flattenDiscount},
	}
}

// flattenDiscount copies the discount window onto the customer row. A null
// discount clears the coupon columns.
func flattenDiscount(rec metadata.Record, p metadata.Payload) error {
	if !p.Has("discount") {
		return nil
	}
	discount, ok := p.Map("discount")
	if !ok {
		rec["coupon_id"] = nil
		rec["coupon_start"] = nil
		rec["coupon_end"] = nil
		return nil
	}
	start, err := metadata.UnixTimestamp(discount["start"], p)
	if err != nil {
		return err
	}
	end, err := metadata.UnixTimestamp(discount["end"], p)
	if err != nil {
		return err
	}
	rec["coupon_start"] = start
	rec["coupon_end"] = end
	return nil
}

// PaymentMethod points back at its customer, which in turn names its
// default payment method, so the two form a reference cycle.
func PaymentMethod() *metadata.Kind {
	return &metadata.Kind{
		Name:     "payment_method",
		Table:    "payment_methods",
		Endpoint: "payment_methods",
		Fields: []metadata.Field{
			str("type"),
			{Name: "card", Type: metadata.TypeJSON},
			{Name: "billing_details", Type: metadata.TypeJSON},
			meta(),
			created(),
		},
		References: []metadata.Reference{
			{Name: "customer", Target: "customer", OnDelete: metadata.OnDeleteSetNull},
		},
	}
}
