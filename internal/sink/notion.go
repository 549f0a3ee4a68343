package sink

import (
	"context"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-aggregator/internal/model"
	"github.com/sells-group/lead-aggregator/pkg/notion"
)

// notionKeyProperty identifies a lead's page in the database.
const notionKeyProperty = "Lead ID"

// NotionSink upserts one page per lead into a Notion database, keyed by
// the "Lead ID" rich text property.
type NotionSink struct {
	Client     notion.Client
	DatabaseID string
}

// Name implements Sink.
func (s *NotionSink) Name() string { return "notion" }

// Deliver implements Sink. Every lead is attempted; the first failure is
// returned with the failure count.
func (s *NotionSink) Deliver(ctx context.Context, run *model.Run) error {
	var (
		created, updated, failed int
		firstErr                 error
	)
	for _, l := range run.Leads {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "notion sink: cancelled")
		}
		isNew, err := notion.Upsert(ctx, s.Client, s.DatabaseID, notionKeyProperty, l.ID, leadProperties(run.ID, l))
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if isNew {
			created++
		} else {
			updated++
		}
	}

	zap.L().Debug("notion sink: upserted",
		zap.String("run_id", run.ID),
		zap.Int("created", created),
		zap.Int("updated", updated),
		zap.Int("failed", failed),
	)
	if failed > 0 {
		return eris.Wrapf(firstErr, "notion sink: %d of %d leads failed", failed, len(run.Leads))
	}
	return nil
}

func leadProperties(runID string, l model.Lead) notionapi.Properties {
	props := notionapi.Properties{
		notionKeyProperty: notion.Text(l.ID),
		"Address":         notion.Title(l.Address.String()),
		"Listing Type":    notion.Select(string(l.ListingType)),
		"Distress Score":  notion.Number(float64(l.DistressScore)),
		"Sources":         notion.MultiSelect(l.Sources()...),
		"First Seen":      notion.Date(l.FirstSeenAt),
		"Last Seen":       notion.Date(l.LastSeenAt),
		"Run ID":          notion.Text(runID),
	}
	if l.Contact.Name != "" {
		props["Owner"] = notion.Text(l.Contact.Name)
	}
	if len(l.Contact.Phones) > 0 {
		props["Phone"] = notion.Phone(l.Contact.Phones[0])
	}
	if len(l.Contact.Emails) > 0 {
		props["Email"] = notion.Email(l.Contact.Emails[0])
	}
	if l.Price > 0 {
		props["Price"] = notion.Number(l.Price)
	}
	if l.URL != "" {
		props["URL"] = notion.URL(l.URL)
	}
	return props
}
