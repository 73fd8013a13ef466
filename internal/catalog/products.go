package catalog

import "paysync/internal/metadata"

func Product() *metadata.Kind {
	return &metadata.Kind{
		Name:     "product",
		Table:    "products",
		Endpoint: "products",
		Fields: []metadata.Field{
			str("name"),
			nullStr("description"),
			flag("active"),
			nullStr("type"),
			meta(),
			created(),
		},
	}
}

func Price() *metadata.Kind {
	return &metadata.Kind{
		Name:     "price",
		Table:    "prices",
		Endpoint: "prices",
		Fields: []metadata.Field{
			nullStr("currency"),
			amount("unit_amount"),
			flag("active"),
			nullStr("type"),
			nullStr("nickname"),
			{Name: "recurring", Type: metadata.TypeJSON},
			meta(),
			created(),
		},
		References: []metadata.Reference{
			{Name: "product", Target: "product", Required: true, OnDelete: metadata.OnDeleteCascade},
		},
	}
}

func Coupon() *metadata.Kind {
	return &metadata.Kind{
		Name:     "coupon",
		Table:    "coupons",
		Endpoint: "coupons",
		Fields: []metadata.Field{
			nullStr("name"),
			amount("amount_off"),
			{Name: "percent_off", Type: metadata.TypeDecimal},
			nullStr("currency"),
			str("duration"),
			{Name: "duration_in_months", Type: metadata.TypeInt},
			flag("valid"),
			meta(),
			created(),
		},
	}
}

func TaxRate() *metadata.Kind {
	return &metadata.Kind{
		Name:     "tax_rate",
		Table:    "tax_rates",
		Endpoint: "tax_rates",
		Fields: []metadata.Field{
			str("display_name"),
			{Name: "percentage", Type: metadata.TypeDecimal},
			flag("inclusive"),
			flag("active"),
			nullStr("jurisdiction"),
			meta(),
			created(),
		},
	}
}
