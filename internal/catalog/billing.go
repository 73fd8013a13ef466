package catalog

import (
	"context"
	"fmt"
	"strings"

	"paysync/internal/metadata"
)

func Subscription() *metadata.Kind {
	return &metadata.Kind{
		Name:     "subscription",
		Table:    "subscriptions",
		Endpoint: "subscriptions",
		Fields: []metadata.Field{
			str("status"),
			flag("cancel_at_period_end"),
			ts("current_period_start"),
			ts("current_period_end"),
			ts("canceled_at"),
			ts("ended_at"),
			ts("trial_end"),
			{Name: "quantity", Type: metadata.TypeInt},
			meta(),
			created(),
		},
		References: []metadata.Reference{
			{Name: "customer", Target: "customer", Required: true, OnDelete: metadata.OnDeleteCascade},
			{Name: "latest_invoice", Target: "invoice", OnDelete: metadata.OnDeleteSetNull},
		},
		Children: []metadata.ChildList{
			{Field: "items", Kind: "subscription_item", ParentRef: "subscription", Prune: true},
		},
		ManyToMany: []metadata.ManyToMany{
			{Field: "default_tax_rates", Target: "tax_rate", JoinTable: "subscription_default_tax_rates", SourceColumn: "subscription_id", TargetColumn: "tax_rate_id"},
		},
	}
}

func SubscriptionItem() *metadata.Kind {
	return &metadata.Kind{
		Name:     "subscription_item",
		Table:    "subscription_items",
		Endpoint: "subscription_items",
		Fields: []metadata.Field{
			{Name: "quantity", Type: metadata.TypeInt},
			meta(),
			created(),
		},
		References: []metadata.Reference{
			{Name: "subscription", Target: "subscription", Required: true, OnDelete: metadata.OnDeleteCascade},
			{Name: "price", Target: "price", OnDelete: metadata.OnDeleteSetNull},
		},
	}
}

// Invoice owns its lines and the per-rate tax breakdown.
func Invoice() *metadata.Kind {
	return &metadata.Kind{
		Name:     "invoice",
		Table:    "invoices",
		Endpoint: "invoices",
		Fields: []metadata.Field{
			nullStr("number"),
			nullStr("status"),
			nullStr("currency"),
			amount("amount_due"),
			amount("amount_paid"),
			amount("amount_remaining"),
			amount("subtotal"),
			amount("tax"),
			amount("total"),
			flag("paid"),
			flag("attempted"),
			nullStr("billing_reason"),
			ts("period_start"),
			ts("period_end"),
			ts("due_date"),
			meta(),
			created(),
		},
		References: []metadata.Reference{
			{Name: "customer", Target: "customer", Required: true, OnDelete: metadata.OnDeleteCascade},
			{Name: "subscription", Target: "subscription", OnDelete: metadata.OnDeleteSetNull},
			{Name: "charge", Target: "charge", OnDelete: metadata.OnDeleteSetNull},
		},
		Children: []metadata.ChildList{
			{Field: "lines", Kind: "invoice_item", ParentRef: "invoice", Prune: true, Prepare: prepareLine},
		},
		ManyToMany: []metadata.ManyToMany{
			{Field: "default_tax_rates", Target: "tax_rate", JoinTable: "invoice_default_tax_rates", SourceColumn: "invoice_id", TargetColumn: "tax_rate_id"},
		},
		AuxTables: []metadata.AuxTable{
			{
				Name:         TotalTaxAmountsTable,
				ParentColumn: "invoice_id",
				Columns: []metadata.Field{
					{Name: "amount", Type: metadata.TypeDecimal},
					{Name: "inclusive", Type: metadata.TypeBoolean},
				},
				References: []metadata.Reference{
					{Name: "tax_rate", Target: "tax_rate", OnDelete: metadata.OnDeleteCascade},
				},
			},
		},
		Hooks: metadata.Hooks{PostCommit: syncTotalTaxAmounts},
	}
}

const TotalTaxAmountsTable = "invoice_total_tax_amounts"

// prepareLine gives subscription lines an id that is unique per invoice;
// the remote reuses the subscription item id across invoices.
func prepareLine(parent metadata.Record, line metadata.Payload) metadata.Payload {
	invoiceID := parent.ID()
	if line.String("type") == "subscription" && !strings.HasPrefix(line.ID(), invoiceID+"-") {
		line["id"] = invoiceID + "-" + line.ID()
	}
	if line["customer"] == nil && parent["customer_id"] != nil {
		line["customer"] = parent["customer_id"]
	}
	if line["subscription"] == nil && parent["subscription_id"] != nil {
		line["subscription"] = parent["subscription_id"]
	}
	return line
}

func syncTotalTaxAmounts(ctx context.Context, m metadata.Materializer, rec metadata.Record, p metadata.Payload) error {
	if !p.Has("total_tax_amounts") {
		return nil
	}
	toCents := metadata.Cents("currency")
	var rows []metadata.Record
	for _, item := range p.List("total_tax_amounts") {
		rateID, err := m.Resolve(ctx, "tax_rate", item["tax_rate"])
		if err != nil {
			return fmt.Errorf("resolve tax rate: %w", err)
		}
		amt, err := toCents(item["amount"], p)
		if err != nil {
			return err
		}
		inclusive, _ := item["inclusive"].(bool)
		row := metadata.Record{"amount": amt, "inclusive": inclusive, "tax_rate_id": nil}
		if rateID != "" {
			row["tax_rate_id"] = rateID
		}
		rows = append(rows, row)
	}
	return m.ReplaceRows(ctx, TotalTaxAmountsTable, "invoice_id", rec.ID(), rows)
}

func InvoiceItem() *metadata.Kind {
	return &metadata.Kind{
		Name:     "invoice_item",
		Table:    "invoice_items",
		Object:   "invoiceitem",
		Endpoint: "invoiceitems",
		Fields: []metadata.Field{
			amount("amount"),
			nullStr("currency"),
			nullStr("description"),
			{Name: "quantity", Type: metadata.TypeInt},
			flag("proration"),
			{Name: "line_type", Source: "type", Type: metadata.TypeString, Nullable: true},
			{Name: "period", Type: metadata.TypeJSON},
			meta(),
		},
		References: []metadata.Reference{
			{Name: "invoice", Target: "invoice", OnDelete: metadata.OnDeleteCascade},
			{Name: "customer", Target: "customer", OnDelete: metadata.OnDeleteSetNull},
			{Name: "subscription", Target: "subscription", OnDelete: metadata.OnDeleteSetNull},
			{Name: "price", Target: "price", OnDelete: metadata.OnDeleteSetNull},
		},
	}
}
