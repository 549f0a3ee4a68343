package salesforce

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// LeadObject is the sObject leads are written to.
const LeadObject = "Lead"

// maxBatchSize is the Collections API limit per request.
const maxBatchSize = 200

// keyChunk bounds the IN clause of key lookups.
const keyChunk = 100

// UpsertSummary counts the outcome of UpsertLeads.
type UpsertSummary struct {
	Created int
	Updated int
	Failed  int
	Errors  []string
}

// FindLeadIDs maps external keys to the Ids of existing Lead records.
func FindLeadIDs(ctx context.Context, c Client, keyField string, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for start := 0; start < len(keys); start += keyChunk {
		chunk := keys[start:min(start+keyChunk, len(keys))]
		quoted := make([]string, len(chunk))
		for i, k := range chunk {
			quoted[i] = "'" + escapeSoql(k) + "'"
		}
		soql := fmt.Sprintf("SELECT Id, %s FROM %s WHERE %s IN (%s)",
			keyField, LeadObject, keyField, strings.Join(quoted, ", "))

		var rows []map[string]any
		if err := c.Query(ctx, soql, &rows); err != nil {
			return nil, eris.Wrap(err, "sf: find leads")
		}
		for _, row := range rows {
			id, _ := row["Id"].(string)
			key, _ := row[keyField].(string)
			if id != "" && key != "" {
				out[key] = id
			}
		}
	}
	return out, nil
}

// UpsertLeads updates Leads whose keyField matches an existing record and
// inserts the rest, in batches of 200. Records without a key are rejected.
func UpsertLeads(ctx context.Context, c Client, keyField string, records []map[string]any) (UpsertSummary, error) {
	var sum UpsertSummary
	if len(records) == 0 {
		return sum, nil
	}

	keys := make([]string, 0, len(records))
	for _, r := range records {
		if k, _ := r[keyField].(string); k != "" {
			keys = append(keys, k)
		}
	}
	existing, err := FindLeadIDs(ctx, c, keyField, keys)
	if err != nil {
		return sum, err
	}

	var inserts []map[string]any
	var updates []CollectionRecord
	for _, r := range records {
		k, _ := r[keyField].(string)
		if k == "" {
			sum.Failed++
			sum.Errors = append(sum.Errors, fmt.Sprintf("record without %s", keyField))
			continue
		}
		if id, ok := existing[k]; ok {
			updates = append(updates, CollectionRecord{ID: id, Fields: r})
		} else {
			inserts = append(inserts, r)
		}
	}

	for start := 0; start < len(inserts); start += maxBatchSize {
		end := min(start+maxBatchSize, len(inserts))
		results, err := c.InsertCollection(ctx, LeadObject, inserts[start:end])
		if err != nil {
			return sum, eris.Wrap(err, fmt.Sprintf("sf: insert leads batch %d-%d", start, end))
		}
		sum.tally(results, &sum.Created)
	}
	for start := 0; start < len(updates); start += maxBatchSize {
		end := min(start+maxBatchSize, len(updates))
		results, err := c.UpdateCollection(ctx, LeadObject, updates[start:end])
		if err != nil {
			return sum, eris.Wrap(err, fmt.Sprintf("sf: update leads batch %d-%d", start, end))
		}
		sum.tally(results, &sum.Updated)
	}
	return sum, nil
}

func (s *UpsertSummary) tally(results []CollectionResult, ok *int) {
	for _, r := range results {
		if r.Success {
			*ok++
			continue
		}
		s.Failed++
		s.Errors = append(s.Errors, strings.Join(r.Errors, "; "))
	}
}

// escapeSoql escapes single quotes in SOQL string literals.
func escapeSoql(s string) string {
	return strings.ReplaceAll(s, "'", "\\'")
}
