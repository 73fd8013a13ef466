package catalog

import "paysync/internal/metadata"

func Charge() *metadata.Kind {
	amt := amount("amount")
	amt.Required = true
	return &metadata.Kind{
		Name:     "charge",
		Table:    "charges",
		Endpoint: "charges",
		Fields: []metadata.Field{
			amt,
			amount("amount_refunded"),
			nullStr("currency"),
			flag("captured"),
			flag("paid"),
			flag("refunded"),
			nullStr("status"),
			nullStr("description"),
			nullStr("failure_code"),
			nullStr("failure_message"),
			nullStr("receipt_email"),
			meta(),
			created(),
		},
		References: []metadata.Reference{
			{Name: "customer", Target: "customer", OnDelete: metadata.OnDeleteSetNull},
			{Name: "invoice", Target: "invoice", OnDelete: metadata.OnDeleteSetNull},
			{Name: "payment_method", Target: "payment_method", OnDelete: metadata.OnDeleteSetNull},
		},
		Children: []metadata.ChildList{
			{Field: "refunds", Kind: "refund", ParentRef: "charge"},
		},
	}
}

func Refund() *metadata.Kind {
	return &metadata.Kind{
		Name:     "refund",
		Table:    "refunds",
		Endpoint: "refunds",
		Fields: []metadata.Field{
			amount("amount"),
			nullStr("currency"),
			nullStr("reason"),
			nullStr("status"),
			meta(),
			created(),
		},
		References: []metadata.Reference{
			{Name: "charge", Target: "charge", Required: true, OnDelete: metadata.OnDeleteCascade},
		},
	}
}
