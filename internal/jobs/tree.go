package jobs

import (
	"sort"
	"strings"

	"github.com/Yapping72/r2d/internal/storage"
)

// ReservedKey is a top-level tree key that never names a feature.
const ReservedKey = "tokens"

// RecountTokens returns the word-equivalent size of every item in t: the
// whitespace-delimited word counts of requirement, acceptance criteria and
// additional information, plus one per service.
func RecountTokens(t storage.Tree) int {
	total := 0
	for feature, subs := range t {
		if feature == ReservedKey {
			continue
		}
		for _, items := range subs {
			for _, item := range items {
				total += itemTokens(item)
			}
		}
	}
	return total
}

func itemTokens(item storage.Item) int {
	return len(strings.Fields(item.Requirement)) +
		len(strings.Fields(item.AcceptanceCriteria)) +
		len(strings.Fields(item.AdditionalInformation)) +
		len(item.ServicesToUse)
}

// ExtractFeaturesAndSubFeatures returns the sorted top-level keys of t and
// the sorted union of its second-level keys.
func ExtractFeaturesAndSubFeatures(t storage.Tree) (features, subFeatures []string) {
	features = []string{}
	subFeatures = []string{}
	seen := make(map[string]bool)
	for feature, subs := range t {
		if feature == ReservedKey {
			continue
		}
		features = append(features, feature)
		for sub := range subs {
			if !seen[sub] {
				seen[sub] = true
				subFeatures = append(subFeatures, sub)
			}
		}
	}
	sort.Strings(features)
	sort.Strings(subFeatures)
	return features, subFeatures
}

// recompute rebuilds every derived field of p from its tree.
func recompute(p *storage.Parameters) int {
	if p.JobParameters == nil {
		p.JobParameters = storage.Tree{}
	}
	p.Features, p.SubFeatures = ExtractFeaturesAndSubFeatures(p.JobParameters)
	return RecountTokens(p.JobParameters)
}

// removeItem deletes the leaf at (feature, sub, id) and prunes parents left
// empty. It reports whether the leaf existed.
func removeItem(t storage.Tree, feature, sub, id string) bool {
	subs, ok := t[feature]
	if !ok {
		return false
	}
	items, ok := subs[sub]
	if !ok {
		return false
	}
	if _, ok := items[id]; !ok {
		return false
	}
	delete(items, id)
	if len(items) == 0 {
		delete(subs, sub)
	}
	if len(subs) == 0 {
		delete(t, feature)
	}
	return true
}

func insertItem(t storage.Tree, feature, sub string, item storage.Item) {
	subs, ok := t[feature]
	if !ok {
		subs = make(map[string]map[string]storage.Item)
		t[feature] = subs
	}
	items, ok := subs[sub]
	if !ok {
		items = make(map[string]storage.Item)
		subs[sub] = items
	}
	items[item.ID] = item
}

// cloneTree deep-copies t.
func cloneTree(t storage.Tree) storage.Tree {
	out := make(storage.Tree, len(t))
	for feature, subs := range t {
		outSubs := make(map[string]map[string]storage.Item, len(subs))
		for sub, items := range subs {
			outItems := make(map[string]storage.Item, len(items))
			for id, item := range items {
				item.ServicesToUse = append([]string(nil), item.ServicesToUse...)
				outItems[id] = item
			}
			outSubs[sub] = outItems
		}
		out[feature] = outSubs
	}
	return out
}
