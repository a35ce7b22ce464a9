package hnsw

import (
	"sort"

	"github.com/hivellm/vectorizer/internal/queue"
)

// sortItems orders items by ascending distance, ties by ascending slot.
func sortItems(items []queue.Item) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Distance != items[j].Distance {
			return items[i].Distance < items[j].Distance
		}
		return items[i].Slot < items[j].Slot
	})
}
