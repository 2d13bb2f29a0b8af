package vynqtalk

import "sort"

// Reaction lists are kept in canonical order, by emoji and then by user id, so that
// the same set of reactions always has the same representation.

// DedupReactions returns reactions with repeated (userId, emoji) pairs removed, in
// canonical order.
func DedupReactions(in []Reaction) []Reaction {
	out := make([]Reaction, 0, len(in))
	seen := make(map[Reaction]struct{}, len(in))
	for _, r := range in {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	sortReactions(out)
	return out
}

// ToggleReaction removes r if present and adds it otherwise. The result is in canonical
// order and the input is not modified.
func ToggleReaction(in []Reaction, r Reaction) []Reaction {
	out := make([]Reaction, 0, len(in)+1)
	removed := false
	for _, cur := range in {
		if cur == r {
			removed = true
			continue
		}
		out = append(out, cur)
	}
	if !removed {
		out = append(out, r)
	}
	sortReactions(out)
	return out
}

func sortReactions(rs []Reaction) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Emoji != rs[j].Emoji {
			return rs[i].Emoji < rs[j].Emoji
		}
		return rs[i].UserID < rs[j].UserID
	})
}
