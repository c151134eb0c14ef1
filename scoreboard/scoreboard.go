// Package scoreboard turns bursts of participant submissions into a single
// consistent scoreboard.
//
// Submissions are queued in a Batch while a batch window is open. When the
// window closes the queue is merged onto the complete results map (the last
// submission for a uid wins) and the ranking is recomputed from scratch with
// Rank. The ranking is never patched incrementally so that joins and leaves
// that happened outside the window are always reflected.
package scoreboard

import (
	"sort"

	"github.com/ggoodman/quizrace/quiz"
)

// Batch is a FIFO queue of pending player submissions. It is not safe for
// concurrent use; it belongs to the single orchestrator loop of a session.
type Batch struct {
	pending []quiz.PlayerState
}

// Add queues a submission.
func (b *Batch) Add(p quiz.PlayerState) {
	b.pending = append(b.pending, p)
}

// Len returns the number of queued submissions.
func (b *Batch) Len() int { return len(b.pending) }

// Merge applies the queued submissions in arrival order onto a copy of
// results and returns the merged map. Neither the input map nor the queue is
// modified; call Reset once the merged map has been stored.
func (b *Batch) Merge(results map[string]quiz.PlayerState) map[string]quiz.PlayerState {
	merged := make(map[string]quiz.PlayerState, len(results)+len(b.pending))
	for uid, p := range results {
		merged[uid] = p
	}
	for _, upd := range b.pending {
		merged[upd.UID] = Apply(merged[upd.UID], upd)
	}
	return merged
}

// Reset empties the queue.
func (b *Batch) Reset() {
	b.pending = b.pending[:0]
}

// Apply merges one submission onto the previous state of the same player.
// Point and time are always taken from the submission; the display name is
// only replaced when the submission carries one.
func Apply(prev, upd quiz.PlayerState) quiz.PlayerState {
	next := quiz.PlayerState{
		UID:   upd.UID,
		Name:  prev.Name,
		Point: upd.Point,
		Time:  upd.Time,
	}
	if upd.Name != "" {
		next.Name = upd.Name
	}
	return next
}

// Rank orders every player by descending point, then ascending time, then
// ascending uid, and returns the ordered uids. The result is a total order
// and is identical for identical input.
func Rank(results map[string]quiz.PlayerState) []string {
	players := make([]quiz.PlayerState, 0, len(results))
	for uid, p := range results {
		p.UID = uid
		players = append(players, p)
	}
	sort.Slice(players, func(i, j int) bool {
		a, b := players[i], players[j]
		if a.Point != b.Point {
			return a.Point > b.Point
		}
		if a.Time != b.Time {
			return a.Time < b.Time
		}
		return a.UID < b.UID
	})
	ranking := make([]string, 0, len(players))
	for _, p := range players {
		ranking = append(ranking, p.UID)
	}
	return ranking
}
