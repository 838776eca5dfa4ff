package live

import (
	"slices"
	"sort"
)

// sortItems returns a copy of items ordered by SortOrder, ties broken by id.
func sortItems(items []QueueItem) []QueueItem {
	out := slices.Clone(items)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// itemIDs returns the ids of items in their slice order.
func itemIDs(items []QueueItem) []int64 {
	ids := make([]int64, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return ids
}

// isPermutation reports whether ids names every item exactly once.
func isPermutation(items []QueueItem, ids []int64) bool {
	if len(ids) != len(items) {
		return false
	}
	want := make(map[int64]bool, len(items))
	for _, it := range items {
		want[it.ID] = true
	}
	for _, id := range ids {
		if !want[id] {
			return false
		}
		delete(want, id)
	}
	return len(want) == 0
}

// applyOrder returns items laid out in ids order with dense zero-based
// SortOrder. Items missing from ids keep their relative order after the
// named ones; ids with no matching item are skipped.
func applyOrder(items []QueueItem, ids []int64) []QueueItem {
	byID := make(map[int64]QueueItem, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}
	out := make([]QueueItem, 0, len(items))
	for _, id := range ids {
		it, ok := byID[id]
		if !ok {
			continue
		}
		delete(byID, id)
		out = append(out, it)
	}
	for _, it := range sortItems(items) {
		if _, left := byID[it.ID]; left {
			out = append(out, it)
		}
	}
	for i := range out {
		out[i].SortOrder = i
	}
	return out
}

// moveID returns ids with id moved to index, clamped to the valid range.
func moveID(ids []int64, id int64, index int) []int64 {
	from := slices.Index(ids, id)
	if from < 0 {
		return slices.Clone(ids)
	}
	rest := slices.Delete(slices.Clone(ids), from, from+1)
	index = max(0, min(index, len(rest)))
	return slices.Insert(rest, index, id)
}

// findItem returns the item with id.
func findItem(items []QueueItem, id int64) (QueueItem, bool) {
	for _, it := range items {
		if it.ID == id {
			return it, true
		}
	}
	return QueueItem{}, false
}
