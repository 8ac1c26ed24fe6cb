package eventinput

import "sort"

// candidate is the subset of event fields the lexicographic topological
// sort needs.
type candidate struct {
	eventID        string
	prevEventIDs   []string
	powerLevel     int64
	originServerTS int64
}

// lexicographicTopologicalSort orders candidates so that every event
// comes after all of its prev_events that are also in the set, breaking
// ties by (power_level descending, origin_server_ts ascending, event_id
// ascending) as Matrix's room-version-mandated ordering specifies.
func lexicographicTopologicalSort(events []candidate) []candidate {
	byID := make(map[string]candidate, len(events))
	indegree := make(map[string]int, len(events))
	children := make(map[string][]string, len(events))

	for _, e := range events {
		byID[e.eventID] = e
		if _, ok := indegree[e.eventID]; !ok {
			indegree[e.eventID] = 0
		}
	}
	for _, e := range events {
		for _, p := range e.prevEventIDs {
			if _, ok := byID[p]; !ok {
				continue // ancestor outside this batch, already committed
			}
			indegree[e.eventID]++
			children[p] = append(children[p], e.eventID)
		}
	}

	less := func(a, b string) bool {
		ea, eb := byID[a], byID[b]
		if ea.powerLevel != eb.powerLevel {
			return ea.powerLevel > eb.powerLevel
		}
		if ea.originServerTS != eb.originServerTS {
			return ea.originServerTS < eb.originServerTS
		}
		return ea.eventID < eb.eventID
	}

	var ready []string
	for id, d := range indegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })

	var out []candidate
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		out = append(out, byID[next])

		var newlyReady []string
		for _, child := range children[next] {
			indegree[child]--
			if indegree[child] == 0 {
				newlyReady = append(newlyReady, child)
			}
		}
		sort.Slice(newlyReady, func(i, j int) bool { return less(newlyReady[i], newlyReady[j]) })

		merged := make([]string, 0, len(ready)+len(newlyReady))
		i, j := 0, 0
		for i < len(ready) && j < len(newlyReady) {
			if less(ready[i], newlyReady[j]) {
				merged = append(merged, ready[i])
				i++
			} else {
				merged = append(merged, newlyReady[j])
				j++
			}
		}
		merged = append(merged, ready[i:]...)
		merged = append(merged, newlyReady[j:]...)
		ready = merged
	}
	return out
}
