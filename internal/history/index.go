// Package history holds the cross-run History Index and its persistence.
package history

import (
	"cmp"
	"slices"
	"time"

	"github.com/sells-group/lead-aggregator/internal/model"
)

// Index maps fingerprints to every lead ever seen at that address, including
// suppressed ones. A run works on a clone and the pipeline swaps the clone in
// once the run finishes, so an Index is never mutated concurrently.
type Index struct {
	Version int64                   `json:"version"`
	SavedAt time.Time               `json:"saved_at"`
	Buckets map[string][]model.Lead `json:"buckets"`
}

// Stats summarizes an Index.
type Stats struct {
	Version    int64     `json:"version"`
	SavedAt    time.Time `json:"saved_at"`
	Buckets    int       `json:"buckets"`
	Leads      int       `json:"leads"`
	Active     int       `json:"active"`
	Suppressed int       `json:"suppressed"`
}

// New returns an empty Index.
func New() *Index {
	return &Index{Buckets: make(map[string][]model.Lead)}
}

// Compare orders leads by first sighting, then source id, then lead id.
// It is the total order that decides survivors.
func Compare(a, b model.Lead) int {
	if c := a.FirstSeenAt.Compare(b.FirstSeenAt); c != 0 {
		return c
	}
	return cmp.Or(cmp.Compare(a.SourceID, b.SourceID), cmp.Compare(a.ID, b.ID))
}

// Clone returns a deep copy.
func (idx *Index) Clone() *Index {
	if idx == nil {
		return New()
	}
	out := &Index{
		Version: idx.Version,
		SavedAt: idx.SavedAt,
		Buckets: make(map[string][]model.Lead, len(idx.Buckets)),
	}
	for fp, leads := range idx.Buckets {
		cp := make([]model.Lead, len(leads))
		for i, l := range leads {
			cp[i] = l.Clone()
		}
		out.Buckets[fp] = cp
	}
	return out
}

// Bucket returns copies of every lead stored under fp, in total order.
func (idx *Index) Bucket(fp string) []model.Lead {
	leads := idx.Buckets[fp]
	out := make([]model.Lead, len(leads))
	for i, l := range leads {
		out[i] = l.Clone()
	}
	return out
}

// Active returns copies of the non-suppressed leads stored under fp.
func (idx *Index) Active(fp string) []model.Lead {
	var out []model.Lead
	for _, l := range idx.Buckets[fp] {
		if !l.Suppressed {
			out = append(out, l.Clone())
		}
	}
	return out
}

// Get finds a lead by fingerprint and id.
func (idx *Index) Get(fp, id string) (model.Lead, bool) {
	for _, l := range idx.Buckets[fp] {
		if l.ID == id {
			return l.Clone(), true
		}
	}
	return model.Lead{}, false
}

// Put inserts or replaces a lead, keeping the bucket in total order.
func (idx *Index) Put(lead model.Lead) {
	if idx.Buckets == nil {
		idx.Buckets = make(map[string][]model.Lead)
	}
	bucket := idx.Buckets[lead.Fingerprint]
	lead = lead.Clone()
	if i := slices.IndexFunc(bucket, func(l model.Lead) bool { return l.ID == lead.ID }); i >= 0 {
		bucket[i] = lead
	} else {
		bucket = append(bucket, lead)
	}
	slices.SortStableFunc(bucket, Compare)
	idx.Buckets[lead.Fingerprint] = bucket
}

// ReplaceBucket swaps in a resolved bucket.
func (idx *Index) ReplaceBucket(fp string, leads []model.Lead) {
	if idx.Buckets == nil {
		idx.Buckets = make(map[string][]model.Lead)
	}
	cp := make([]model.Lead, len(leads))
	for i, l := range leads {
		cp[i] = l.Clone()
	}
	slices.SortStableFunc(cp, Compare)
	idx.Buckets[fp] = cp
}

// Fingerprints returns the bucket keys in sorted order.
func (idx *Index) Fingerprints() []string {
	fps := make([]string, 0, len(idx.Buckets))
	for fp := range idx.Buckets {
		fps = append(fps, fp)
	}
	slices.Sort(fps)
	return fps
}

// Leads returns every stored lead, bucket by bucket in fingerprint order.
func (idx *Index) Leads() []model.Lead {
	var out []model.Lead
	for _, fp := range idx.Fingerprints() {
		out = append(out, idx.Bucket(fp)...)
	}
	return out
}

// Len returns the number of stored leads.
func (idx *Index) Len() int {
	n := 0
	for _, b := range idx.Buckets {
		n += len(b)
	}
	return n
}

// Stats counts buckets and leads.
func (idx *Index) Stats() Stats {
	s := Stats{Version: idx.Version, SavedAt: idx.SavedAt, Buckets: len(idx.Buckets)}
	for _, b := range idx.Buckets {
		for _, l := range b {
			s.Leads++
			if l.Suppressed {
				s.Suppressed++
			} else {
				s.Active++
			}
		}
	}
	return s
}

// FromLeads rebuilds an Index from a flat lead list, as stored by the SQL
// backends.
func FromLeads(version int64, savedAt time.Time, leads []model.Lead) *Index {
	idx := New()
	idx.Version = version
	idx.SavedAt = savedAt
	for _, l := range leads {
		idx.Buckets[l.Fingerprint] = append(idx.Buckets[l.Fingerprint], l.Clone())
	}
	for fp := range idx.Buckets {
		slices.SortStableFunc(idx.Buckets[fp], Compare)
	}
	return idx
}
