package salesforce

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const keyField = "Lead_Key__c"

func leadRecords(n int) []map[string]any {
	out := make([]map[string]any, n)
	for i := range out {
		out[i] = map[string]any{keyField: fmt.Sprintf("zillow:%d", i), "LastName": "Owner"}
	}
	return out
}

func TestFindLeadIDs(t *testing.T) {
	var queries []string
	mock := &mockClient{
		queryFn: func(_ context.Context, soql string, out any) error {
			queries = append(queries, soql)
			rows := out.(*[]map[string]any)
			*rows = append(*rows,
				map[string]any{"Id": "00Q1", keyField: "zillow:1"},
				map[string]any{"Id": "", keyField: "zillow:2"},
			)
			return nil
		},
	}

	ids, err := FindLeadIDs(context.Background(), mock, keyField, []string{"zillow:1", "o'brien"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"zillow:1": "00Q1"}, ids)
	require.Len(t, queries, 1)
	assert.Equal(t, `SELECT Id, Lead_Key__c FROM Lead WHERE Lead_Key__c IN ('zillow:1', 'o\'brien')`, queries[0])
}

func TestFindLeadIDs_ChunksKeys(t *testing.T) {
	calls := 0
	mock := &mockClient{
		queryFn: func(_ context.Context, soql string, _ any) error {
			calls++
			return nil
		},
	}
	keys := make([]string, 250)
	for i := range keys {
		keys[i] = fmt.Sprintf("k%d", i)
	}
	_, err := FindLeadIDs(context.Background(), mock, keyField, keys)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestUpsertLeads_Empty(t *testing.T) {
	sum, err := UpsertLeads(context.Background(), &mockClient{}, keyField, nil)
	require.NoError(t, err)
	assert.Equal(t, UpsertSummary{}, sum)
}

func TestUpsertLeads_SplitsInsertAndUpdate(t *testing.T) {
	var inserted, updated []int
	mock := &mockClient{
		queryFn: func(_ context.Context, _ string, out any) error {
			rows := out.(*[]map[string]any)
			*rows = append(*rows, map[string]any{"Id": "00Qexisting", keyField: "zillow:3"})
			return nil
		},
		insertCollectionFn: func(_ context.Context, obj string, records []map[string]any) ([]CollectionResult, error) {
			assert.Equal(t, LeadObject, obj)
			inserted = append(inserted, len(records))
			results := make([]CollectionResult, len(records))
			for i := range records {
				results[i] = CollectionResult{Success: true}
			}
			return results, nil
		},
		updateCollectionFn: func(_ context.Context, _ string, records []CollectionRecord) ([]CollectionResult, error) {
			updated = append(updated, len(records))
			assert.Equal(t, "00Qexisting", records[0].ID)
			return []CollectionResult{{ID: records[0].ID, Success: true}}, nil
		},
	}

	records := leadRecords(450)
	records = append(records, map[string]any{"LastName": "no key"})

	sum, err := UpsertLeads(context.Background(), mock, keyField, records)
	require.NoError(t, err)
	assert.Equal(t, []int{200, 200, 49}, inserted)
	assert.Equal(t, []int{1}, updated)
	assert.Equal(t, 449, sum.Created)
	assert.Equal(t, 1, sum.Updated)
	assert.Equal(t, 1, sum.Failed)
}

func TestUpsertLeads_CountsRecordFailures(t *testing.T) {
	mock := &mockClient{
		insertCollectionFn: func(_ context.Context, _ string, records []map[string]any) ([]CollectionResult, error) {
			return []CollectionResult{
				{Success: true},
				{Success: false, Errors: []string{"REQUIRED_FIELD_MISSING", "Company"}},
			}, nil
		},
	}

	sum, err := UpsertLeads(context.Background(), mock, keyField, leadRecords(2))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Created)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, []string{"REQUIRED_FIELD_MISSING; Company"}, sum.Errors)
}

func TestUpsertLeads_BatchError(t *testing.T) {
	mock := &mockClient{
		insertCollectionFn: func(context.Context, string, []map[string]any) ([]CollectionResult, error) {
			return nil, errors.New("INVALID_SESSION_ID")
		},
	}

	_, err := UpsertLeads(context.Background(), mock, keyField, leadRecords(3))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "sf: insert leads batch 0-3"))
}

func TestUpsertLeads_QueryError(t *testing.T) {
	mock := &mockClient{
		queryFn: func(context.Context, string, any) error { return errors.New("MALFORMED_QUERY") },
	}
	_, err := UpsertLeads(context.Background(), mock, keyField, leadRecords(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sf: find leads")
}
