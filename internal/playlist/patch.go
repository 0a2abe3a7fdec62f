package playlist

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Node is one slot of the queue. Next and Previous hold the order hashes of
// the neighbouring slots, or "" at either end of the list.
type Node struct {
	TrackID   int    `json:"trackId"`
	OrderHash string `json:"orderHash"`
	Next      string `json:"next"`
	Previous  string `json:"previous"`
}

// NodeUpdate carries the fields of a Node that a patch sets. A nil field is
// left untouched; a non-nil Next or Previous pointing at "" clears the link.
type NodeUpdate struct {
	TrackID   *int
	OrderHash *string
	Next      *string
	Previous  *string
}

// FullUpdate returns an update that sets every field of n.
func FullUpdate(n Node) *NodeUpdate {
	return &NodeUpdate{
		TrackID:   intPtr(n.TrackID),
		OrderHash: strPtr(n.OrderHash),
		Next:      strPtr(n.Next),
		Previous:  strPtr(n.Previous),
	}
}

// IsFull reports whether the update sets every field, i.e. can create a node.
func (u *NodeUpdate) IsFull() bool {
	return u.TrackID != nil && u.OrderHash != nil && u.Next != nil && u.Previous != nil
}

// mergeInto overwrites the fields of n that the update sets.
func (u *NodeUpdate) mergeInto(n Node) Node {
	if u.TrackID != nil {
		n.TrackID = *u.TrackID
	}
	if u.OrderHash != nil {
		n.OrderHash = *u.OrderHash
	}
	if u.Next != nil {
		n.Next = *u.Next
	}
	if u.Previous != nil {
		n.Previous = *u.Previous
	}
	return n
}

func (u NodeUpdate) MarshalJSON() ([]byte, error) {
	fields := make(map[string]any, 4)
	if u.TrackID != nil {
		fields["trackId"] = *u.TrackID
	}
	if u.OrderHash != nil {
		fields["orderHash"] = *u.OrderHash
	}
	if u.Next != nil {
		fields["next"] = linkValue(*u.Next)
	}
	if u.Previous != nil {
		fields["previous"] = linkValue(*u.Previous)
	}
	return json.Marshal(fields)
}

func (u *NodeUpdate) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("decode node update: %w", err)
	}
	if raw, ok := fields["trackId"]; ok {
		var id int
		if err := json.Unmarshal(raw, &id); err != nil {
			return fmt.Errorf("decode trackId: %w", err)
		}
		u.TrackID = &id
	}
	if raw, ok := fields["orderHash"]; ok {
		var hash string
		if err := json.Unmarshal(raw, &hash); err != nil {
			return fmt.Errorf("decode orderHash: %w", err)
		}
		u.OrderHash = &hash
	}
	if raw, ok := fields["next"]; ok {
		link, err := decodeLink(raw)
		if err != nil {
			return fmt.Errorf("decode next: %w", err)
		}
		u.Next = &link
	}
	if raw, ok := fields["previous"]; ok {
		link, err := decodeLink(raw)
		if err != nil {
			return fmt.Errorf("decode previous: %w", err)
		}
		u.Previous = &link
	}
	return nil
}

// Patch maps order hashes to the changes for that slot. A key mapped to nil
// is a tombstone; absent keys are unchanged.
type Patch map[string]*NodeUpdate

// IsEmpty reports whether applying the patch would change nothing.
func (p Patch) IsEmpty() bool {
	return len(p) == 0
}

// Hashes returns the keys of the patch in sorted order.
func (p Patch) Hashes() []string {
	hashes := make([]string, 0, len(p))
	for hash := range p {
		hashes = append(hashes, hash)
	}
	sort.Strings(hashes)
	return hashes
}

// TrackIDs returns the distinct track IDs the patch assigns to slots.
func (p Patch) TrackIDs() []int {
	seen := make(map[int]struct{})
	for _, upd := range p {
		if upd != nil && upd.TrackID != nil {
			seen[*upd.TrackID] = struct{}{}
		}
	}
	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// applyPatch mutates nodes. Tombstones and field overwrites are idempotent,
// so delivering the same patch twice converges to the same map.
func applyPatch(nodes map[string]Node, patch Patch) {
	for hash, upd := range patch {
		if upd == nil {
			delete(nodes, hash)
			continue
		}
		existing, ok := nodes[hash]
		if !ok && !upd.IsFull() {
			// partial update for a slot this replica does not hold; Validate
			// reports any damage it leaves behind
			continue
		}
		merged := upd.mergeInto(existing)
		merged.OrderHash = hash
		nodes[hash] = merged
	}
}

// diffNodes returns the minimal patch turning before into after, restricted
// to the given keys.
func diffNodes(before, after map[string]Node, keys map[string]struct{}) Patch {
	patch := make(Patch)
	for hash := range keys {
		old, hadOld := before[hash]
		cur, hasCur := after[hash]
		switch {
		case !hasCur && hadOld:
			patch[hash] = nil
		case hasCur && !hadOld:
			patch[hash] = FullUpdate(cur)
		case hasCur && hadOld:
			if upd := fieldDiff(old, cur); upd != nil {
				patch[hash] = upd
			}
		}
	}
	return patch
}

func fieldDiff(old, cur Node) *NodeUpdate {
	var upd NodeUpdate
	changed := false
	if old.TrackID != cur.TrackID {
		upd.TrackID = intPtr(cur.TrackID)
		changed = true
	}
	if old.Next != cur.Next {
		upd.Next = strPtr(cur.Next)
		changed = true
	}
	if old.Previous != cur.Previous {
		upd.Previous = strPtr(cur.Previous)
		changed = true
	}
	if !changed {
		return nil
	}
	return &upd
}

func linkValue(hash string) any {
	if hash == "" {
		return nil
	}
	return hash
}

func decodeLink(raw json.RawMessage) (string, error) {
	var hash *string
	if err := json.Unmarshal(raw, &hash); err != nil {
		return "", err
	}
	if hash == nil {
		return "", nil
	}
	return *hash, nil
}

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }
