package dedup

import (
	"slices"

	"go.uber.org/zap"

	"github.com/sells-group/lead-aggregator/internal/config"
	"github.com/sells-group/lead-aggregator/internal/history"
	"github.com/sells-group/lead-aggregator/internal/model"
)

// Result is the outcome of one resolution pass.
type Result struct {
	// Leads are the surviving leads this run observed, in total order.
	Leads []model.Lead
	// Suppressed are the leads superseded during this pass.
	Suppressed []model.Lead
	// Invalid are leads without an address; they never enter the index.
	Invalid []model.Lead
	Stats   model.DedupStats
	// Index is the next History Index. The input snapshot is not modified.
	Index *history.Index
}

// Deduplicator resolves a run's leads against the History Index.
type Deduplicator struct {
	scorer     PairScorer
	threshold  float64
	nameMinSim float64
}

// New creates a Deduplicator from the dedup config section.
func New(cfg config.DedupConfig) *Deduplicator {
	w := WeightsFromConfig(cfg)
	return NewWithScorer(NewScorer(w), cfg.Threshold, w.NameMinSimilarity)
}

// NewWithScorer creates a Deduplicator with a custom pair scorer.
func NewWithScorer(s PairScorer, threshold, nameMinSim float64) *Deduplicator {
	return &Deduplicator{scorer: s, threshold: threshold, nameMinSim: nameMinSim}
}

// Threshold returns the merge threshold.
func (d *Deduplicator) Threshold() float64 { return d.threshold }

// Resolve runs the barrier pass over a complete run:
//
//  1. run leads are sorted into total order (FirstSeenAt, SourceID, ID)
//  2. leads are bucketed by fingerprint
//  3. in each bucket a run lead whose id is already known refreshes that
//     lead; otherwise it merges into the first survivor scoring at or above
//     the threshold, or becomes a survivor itself
//  4. survivors are compared pairwise until no pair merges
//
// Of each merged pair the earlier lead in total order survives. Pairs that
// cannot be scored stay distinct.
func (d *Deduplicator) Resolve(snapshot *history.Index, leads []model.Lead) Result {
	next := snapshot.Clone()
	next.Version++
	res := Result{Index: next}
	res.Stats.Input = len(leads)

	byFP := make(map[string][]model.Lead)
	for _, l := range leads {
		if l.Address.IsZero() || l.Address.Street == "" {
			zap.L().Warn("dedup: lead without address kept out of history",
				zap.String("lead", l.ID),
				zap.String("source", l.SourceID),
			)
			res.Invalid = append(res.Invalid, l.Clone())
			continue
		}
		l = l.Clone()
		if l.Fingerprint == "" {
			l.Fingerprint = Fingerprint(l.Address)
		}
		byFP[l.Fingerprint] = append(byFP[l.Fingerprint], l)
	}

	fps := make([]string, 0, len(byFP))
	for fp := range byFP {
		fps = append(fps, fp)
	}
	slices.Sort(fps)

	for _, fp := range fps {
		run := byFP[fp]
		slices.SortStableFunc(run, history.Compare)

		b := newBucket(next.Bucket(fp))
		for _, r := range run {
			d.place(b, r, &res.Stats)
		}
		d.settle(b, &res.Stats)
		next.ReplaceBucket(fp, b.leads)

		for _, l := range b.leads {
			switch {
			case l.Suppressed && b.superseded[l.ID]:
				res.Suppressed = append(res.Suppressed, l.Clone())
			case !l.Suppressed && b.touched[l.ID]:
				res.Leads = append(res.Leads, l.Clone())
			}
		}
	}

	slices.SortStableFunc(res.Leads, history.Compare)
	slices.SortStableFunc(res.Suppressed, history.Compare)
	res.Stats.Final = len(res.Leads)
	return res
}

// bucket is the working set for one fingerprint.
type bucket struct {
	leads      []model.Lead
	touched    map[string]bool
	superseded map[string]bool
	failed     map[[2]string]bool
}

func newBucket(leads []model.Lead) *bucket {
	return &bucket{
		leads:      leads,
		touched:    make(map[string]bool),
		superseded: make(map[string]bool),
		failed:     make(map[[2]string]bool),
	}
}

func (b *bucket) find(id string) int {
	return slices.IndexFunc(b.leads, func(l model.Lead) bool { return l.ID == id })
}

// survivors returns the indexes of active leads in total order.
func (b *bucket) survivors() []int {
	var idx []int
	for i, l := range b.leads {
		if !l.Suppressed {
			idx = append(idx, i)
		}
	}
	slices.SortStableFunc(idx, func(x, y int) int { return history.Compare(b.leads[x], b.leads[y]) })
	return idx
}

// survivorOf follows SupersededBy links from i to an active lead.
func (b *bucket) survivorOf(i int) int {
	for range len(b.leads) {
		if !b.leads[i].Suppressed {
			return i
		}
		j := b.find(b.leads[i].SupersededBy)
		if j < 0 {
			return -1
		}
		i = j
	}
	return -1
}

func (d *Deduplicator) place(b *bucket, r model.Lead, stats *model.DedupStats) {
	if i := b.find(r.ID); i >= 0 {
		stats.Refreshed++
		target := b.survivorOf(i)
		if target < 0 {
			// Dangling back-reference: the lead stands on its own again.
			b.leads[i].Suppressed = false
			b.leads[i].SupersededBy = ""
			target = i
		}
		if target != i {
			absorb(&b.leads[i], r, true, d.nameMinSim)
		}
		absorb(&b.leads[target], r, true, d.nameMinSim)
		b.touched[b.leads[target].ID] = true
		return
	}

	b.leads = append(b.leads, r)
	ri := len(b.leads) - 1
	b.touched[r.ID] = true
	for _, si := range b.survivors() {
		if si == ri {
			continue
		}
		if d.matches(b, si, ri, stats) {
			d.mergePair(b, si, ri)
			stats.Merged++
			return
		}
	}
}

// settle merges survivors pairwise until no pair scores at the threshold.
func (d *Deduplicator) settle(b *bucket, stats *model.DedupStats) {
	for {
		merged := false
		sv := b.survivors()
	scan:
		for x := 0; x < len(sv); x++ {
			for y := x + 1; y < len(sv); y++ {
				if d.matches(b, sv[x], sv[y], stats) {
					d.mergePair(b, sv[x], sv[y])
					stats.Merged++
					merged = true
					break scan
				}
			}
		}
		if !merged {
			return
		}
	}
}

func (d *Deduplicator) matches(b *bucket, i, j int, stats *model.DedupStats) bool {
	key := [2]string{b.leads[i].ID, b.leads[j].ID}
	if key[0] > key[1] {
		key[0], key[1] = key[1], key[0]
	}
	if b.failed[key] {
		return false
	}
	score, ok := d.safeScore(b.leads[i], b.leads[j])
	if !ok {
		b.failed[key] = true
		stats.ScoringFailures++
		return false
	}
	return score >= d.threshold
}

// safeScore turns scorer errors and panics into "distinct".
func (d *Deduplicator) safeScore(a, b model.Lead) (score float64, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Warn("dedup: scorer panicked, treating pair as distinct",
				zap.String("a", a.ID),
				zap.String("b", b.ID),
				zap.Any("panic", r),
			)
			score, ok = 0, false
		}
	}()

	s, err := d.scorer.Score(a, b)
	if err != nil {
		zap.L().Warn("dedup: scoring failed, treating pair as distinct",
			zap.String("a", a.ID),
			zap.String("b", b.ID),
			zap.Error(err),
		)
		return 0, false
	}
	return s, true
}

// mergePair folds the later lead of i and j into the earlier one.
func (d *Deduplicator) mergePair(b *bucket, i, j int) {
	win, lose := i, j
	if history.Compare(b.leads[j], b.leads[i]) < 0 {
		win, lose = j, i
	}
	winner, loser := &b.leads[win], &b.leads[lose]

	absorb(winner, *loser, false, d.nameMinSim)
	loser.Suppressed = true
	loser.SupersededBy = winner.ID
	for k := range b.leads {
		if b.leads[k].Suppressed && b.leads[k].SupersededBy == loser.ID {
			b.leads[k].SupersededBy = winner.ID
		}
	}

	if b.touched[loser.ID] {
		b.touched[winner.ID] = true
	}
	b.superseded[loser.ID] = true
}

// absorb folds src into dst. A refresh is a newer sighting of dst itself,
// so src's listing details replace dst's; otherwise they only fill gaps.
func absorb(dst *model.Lead, src model.Lead, refresh bool, nameMinSim float64) {
	if !src.FirstSeenAt.IsZero() && (dst.FirstSeenAt.IsZero() || src.FirstSeenAt.Before(dst.FirstSeenAt)) {
		dst.FirstSeenAt = src.FirstSeenAt
	}
	if src.LastSeenAt.After(dst.LastSeenAt) {
		dst.LastSeenAt = src.LastSeenAt
	}

	dst.Contact.Phones = union(dst.Contact.Phones, src.Contact.Phones)
	dst.Contact.Emails = union(dst.Contact.Emails, src.Contact.Emails)
	switch {
	case dst.Contact.Name == "":
		dst.Contact.Name = src.Contact.Name
	case src.Contact.Name != "" && len(src.Contact.Name) > len(dst.Contact.Name) &&
		NameSimilarity(dst.Contact.Name, src.Contact.Name) >= nameMinSim:
		dst.Contact.Name = src.Contact.Name
	}

	dst.Provenance = mergeProvenance(dst.Provenance, src.Provenance)

	if refresh {
		if src.Price > 0 {
			dst.Price = src.Price
		}
		if src.URL != "" {
			dst.URL = src.URL
		}
		if src.Description != "" {
			dst.Description = src.Description
		}
		if src.Location != nil {
			loc := *src.Location
			dst.Location = &loc
		}
		if src.ListingType != "" && src.ListingType != model.ListingUnknown {
			dst.ListingType = src.ListingType
		}
	} else {
		if dst.Price == 0 {
			dst.Price = src.Price
		}
		if dst.URL == "" {
			dst.URL = src.URL
		}
		if dst.Description == "" {
			dst.Description = src.Description
		}
		if dst.Location == nil && src.Location != nil {
			loc := *src.Location
			dst.Location = &loc
		}
		if dst.ListingType == "" || dst.ListingType == model.ListingUnknown {
			dst.ListingType = src.ListingType
		}
	}
	dst.DistressScore = max(dst.DistressScore, src.DistressScore)
}

func union(dst, src []string) []string {
	for _, v := range src {
		if !slices.Contains(dst, v) {
			dst = append(dst, v)
		}
	}
	return dst
}

// mergeProvenance unions sightings by (source, external id), keeping the
// latest SeenAt, ordered by first sighting.
func mergeProvenance(dst, src []model.SourceRef) []model.SourceRef {
	for _, ref := range src {
		i := slices.IndexFunc(dst, func(r model.SourceRef) bool {
			return r.SourceID == ref.SourceID && r.ExternalID == ref.ExternalID
		})
		if i < 0 {
			dst = append(dst, ref)
			continue
		}
		if ref.SeenAt.After(dst[i].SeenAt) {
			dst[i].SeenAt = ref.SeenAt
		}
	}
	slices.SortStableFunc(dst, func(a, b model.SourceRef) int {
		if c := a.SeenAt.Compare(b.SeenAt); c != 0 {
			return c
		}
		if a.SourceID != b.SourceID {
			if a.SourceID < b.SourceID {
				return -1
			}
			return 1
		}
		if a.ExternalID < b.ExternalID {
			return -1
		}
		if a.ExternalID > b.ExternalID {
			return 1
		}
		return 0
	})
	return dst
}
