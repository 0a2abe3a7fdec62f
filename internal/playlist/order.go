package playlist

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"tandem/pkg/models"
)

const (
	// HashLength is the length of a generated order hash.
	HashLength      = 5
	hashAlphabet    = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	maxHashAttempts = 64
)

// generateHash is swapped out in tests that need deterministic hashes.
var generateHash = randomHash

func randomHash() (string, error) {
	buf := make([]byte, HashLength)
	limit := big.NewInt(int64(len(hashAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate order hash: %w", err)
		}
		buf[i] = hashAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// OrderedTrack is a slot resolved against the track cache. Pending is set
// while the slot's metadata has not arrived yet; Track then only carries ID.
type OrderedTrack struct {
	Track     models.Track `json:"track"`
	OrderHash string       `json:"orderHash"`
	Pending   bool         `json:"pending,omitempty"`
}

// OrderedTracks walks the list from its head.
func (p *Playlist) OrderedTracks() ([]OrderedTrack, error) {
	hashes, err := p.order()
	if err != nil {
		return nil, err
	}
	out := make([]OrderedTrack, 0, len(hashes))
	for _, hash := range hashes {
		out = append(out, p.resolve(p.nodes[hash]))
	}
	return out, nil
}

// Slot resolves a single slot.
func (p *Playlist) Slot(hash string) (OrderedTrack, bool) {
	n, ok := p.Node(hash)
	if !ok {
		return OrderedTrack{}, false
	}
	return p.resolve(n), true
}

// Head returns the first slot of the queue.
func (p *Playlist) Head() (OrderedTrack, bool) {
	if p.Len() == 0 {
		return OrderedTrack{}, false
	}
	head, err := headOf(p.nodes, "")
	if err != nil {
		return OrderedTrack{}, false
	}
	return p.Slot(head)
}

// Next returns the slot following after, if any.
func (p *Playlist) Next(after string) (OrderedTrack, bool) {
	n, ok := p.Node(after)
	if !ok || n.Next == "" {
		return OrderedTrack{}, false
	}
	return p.Slot(n.Next)
}

// Previous returns the slot preceding before, if any.
func (p *Playlist) Previous(before string) (OrderedTrack, bool) {
	n, ok := p.Node(before)
	if !ok || n.Previous == "" {
		return OrderedTrack{}, false
	}
	return p.Slot(n.Previous)
}

// Validate checks that the node map encodes exactly one acyclic doubly
// linked list with reciprocal pointers.
func (p *Playlist) Validate() error {
	if _, err := p.order(); err != nil {
		return err
	}
	for hash, n := range p.nodes {
		if n.Next != "" && p.nodes[n.Next].Previous != hash {
			return fmt.Errorf("slot %q next %q does not point back: %w", hash, n.Next, ErrDesynchronized)
		}
		if n.Previous != "" && p.nodes[n.Previous].Next != hash {
			return fmt.Errorf("slot %q previous %q does not point back: %w", hash, n.Previous, ErrDesynchronized)
		}
	}
	return nil
}

func (p *Playlist) resolve(n Node) OrderedTrack {
	t, ok := p.tracks[n.TrackID]
	if !ok {
		return OrderedTrack{Track: models.Track{ID: n.TrackID}, OrderHash: n.OrderHash, Pending: true}
	}
	return OrderedTrack{Track: t, OrderHash: n.OrderHash}
}

func (p *Playlist) order() ([]string, error) {
	if p.Len() == 0 {
		return nil, nil
	}
	head, err := headOf(p.nodes, "")
	if err != nil {
		return nil, err
	}
	hashes := make([]string, 0, len(p.nodes))
	seen := make(map[string]struct{}, len(p.nodes))
	for hash := head; hash != ""; {
		if _, dup := seen[hash]; dup {
			return nil, fmt.Errorf("cycle at slot %q: %w", hash, ErrDesynchronized)
		}
		n, ok := p.nodes[hash]
		if !ok {
			return nil, fmt.Errorf("dangling link to slot %q: %w", hash, ErrDesynchronized)
		}
		seen[hash] = struct{}{}
		hashes = append(hashes, hash)
		hash = n.Next
	}
	if len(hashes) != len(p.nodes) {
		return nil, fmt.Errorf("%d of %d slots unreachable from head: %w",
			len(p.nodes)-len(hashes), len(p.nodes), ErrDesynchronized)
	}
	return hashes, nil
}

func headOf(nodes map[string]Node, exclude string) (string, error) {
	head := ""
	count := 0
	for hash, n := range nodes {
		if hash == exclude || n.Previous != "" {
			continue
		}
		head = hash
		count++
	}
	switch {
	case count == 1:
		return head, nil
	case count == 0 && len(nodes) == 0:
		return "", nil
	case count == 0 && len(nodes) == 1 && exclude != "":
		if _, ok := nodes[exclude]; ok {
			return "", nil
		}
	}
	return "", fmt.Errorf("found %d head slots: %w", count, ErrDesynchronized)
}
