// Package catalog declares the remote object kinds mirrored locally.
package catalog

import (
	"fmt"

	"paysync/internal/metadata"
)

// Options are the settings the declarations depend on.
type Options struct {
	// SubscriberKey is the customer metadata key holding the local owner id.
	SubscriberKey string
}

// Kinds returns fresh declarations for every kind, accounts first.
func Kinds(opts Options) []*metadata.Kind {
	if opts.SubscriberKey == "" {
		opts.SubscriberKey = "djstripe_subscriber"
	}
	return []*metadata.Kind{
		Account(),
		Customer(opts.SubscriberKey),
		PaymentMethod(),
		Charge(),
		Refund(),
		Product(),
		Price(),
		Coupon(),
		TaxRate(),
		Subscription(),
		SubscriptionItem(),
		Invoice(),
		InvoiceItem(),
		Event(),
	}
}

// New builds a registry holding every kind. An invalid declaration is a
// programming error and panics.
func New(opts Options) *metadata.Registry {
	reg := metadata.NewRegistry()
	if err := reg.Register(Kinds(opts)...); err != nil {
		panic(fmt.Sprintf("catalog: %v", err))
	}
	return reg
}

func created() metadata.Field {
	return metadata.Field{Name: "created", Type: metadata.TypeTimestamp}
}

func meta() metadata.Field {
	return metadata.Field{Name: "metadata", Type: metadata.TypeJSON}
}

func str(name string) metadata.Field {
	return metadata.Field{Name: name, Type: metadata.TypeString}
}

func nullStr(name string) metadata.Field {
	return metadata.Field{Name: name, Type: metadata.TypeString, Nullable: true}
}

func flag(name string) metadata.Field {
	return metadata.Field{Name: name, Type: metadata.TypeBoolean}
}

func ts(name string) metadata.Field {
	return metadata.Field{Name: name, Type: metadata.TypeTimestamp}
}

// amount is an integer minor-unit amount stored in major units.
func amount(name string) metadata.Field {
	return metadata.Field{Name: name, Type: metadata.TypeDecimal, Transform: metadata.Cents("currency")}
}

// Account is a connected account, or the platform account itself.
func Account() *metadata.Kind {
	return &metadata.Kind{
		Name:     metadata.AccountKind,
		Table:    "accounts",
		Endpoint: "accounts",
		NoOwner:  true,
		Fields: []metadata.Field{
			nullStr("email"),
			str("type"),
			nullStr("country"),
			nullStr("default_currency"),
			flag("charges_enabled"),
			flag("payouts_enabled"),
			{Name: "business_profile", Type: metadata.TypeJSON},
			meta(),
			created(),
		},
	}
}
