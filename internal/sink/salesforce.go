package sink

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-aggregator/internal/model"
	"github.com/sells-group/lead-aggregator/pkg/salesforce"
)

// DefaultSalesforceKeyField is the external id field on Lead that holds the
// aggregator's lead id.
const DefaultSalesforceKeyField = "Lead_Key__c"

// SalesforceSink upserts leads as Salesforce Lead records, matched on
// KeyField.
type SalesforceSink struct {
	Client   salesforce.Client
	KeyField string
}

// Name implements Sink.
func (s *SalesforceSink) Name() string { return "salesforce" }

// Deliver implements Sink.
func (s *SalesforceSink) Deliver(ctx context.Context, run *model.Run) error {
	key := s.KeyField
	if key == "" {
		key = DefaultSalesforceKeyField
	}
	records := make([]map[string]any, 0, len(run.Leads))
	for _, l := range run.Leads {
		records = append(records, salesforceLead(key, l))
	}

	sum, err := salesforce.UpsertLeads(ctx, s.Client, key, records)
	if err != nil {
		return eris.Wrap(err, "salesforce sink")
	}
	zap.L().Debug("salesforce sink: upserted",
		zap.String("run_id", run.ID),
		zap.Int("created", sum.Created),
		zap.Int("updated", sum.Updated),
		zap.Int("failed", sum.Failed),
	)
	if sum.Failed > 0 {
		return eris.Errorf("salesforce sink: %d of %d leads rejected: %s",
			sum.Failed, len(records), strings.Join(sum.Errors, " | "))
	}
	return nil
}

func salesforceLead(keyField string, l model.Lead) map[string]any {
	lastName, firstName := "Owner", ""
	if n := strings.Fields(l.Contact.Name); len(n) > 0 {
		lastName = n[len(n)-1]
		firstName = strings.Join(n[:len(n)-1], " ")
	}
	street := l.Address.Street
	if l.Address.Unit != "" {
		street += " " + l.Address.Unit
	}

	rec := map[string]any{
		keyField:     l.ID,
		"LastName":   lastName,
		"Company":    l.Address.String(),
		"Street":     street,
		"City":       l.Address.City,
		"State":      l.Address.State,
		"PostalCode": l.Address.Zip,
		"LeadSource": "Lead Aggregator",
	}
	rec["Description"] = strings.TrimSpace("Listing: " + string(l.ListingType) +
		"\nSources: " + strings.Join(l.Sources(), ", ") +
		"\n" + l.Description)
	if firstName != "" {
		rec["FirstName"] = firstName
	}
	if len(l.Contact.Phones) > 0 {
		rec["Phone"] = l.Contact.Phones[0]
	}
	if len(l.Contact.Emails) > 0 {
		rec["Email"] = l.Contact.Emails[0]
	}
	if l.URL != "" {
		rec["Website"] = l.URL
	}
	return rec
}
