package playlist

import (
	"fmt"

	"tandem/pkg/models"
)

// editor mutates a scratch copy of the node map and remembers which slots it
// touched, so the resulting patch only carries fields that really changed.
type editor struct {
	base    map[string]Node
	nodes   map[string]Node
	touched map[string]struct{}
}

func (p *Playlist) edit() *editor {
	return &editor{
		base:    p.Nodes(),
		nodes:   p.Nodes(),
		touched: make(map[string]struct{}),
	}
}

func (e *editor) patch() Patch {
	return diffNodes(e.base, e.nodes, e.touched)
}

func (e *editor) put(n Node) {
	e.nodes[n.OrderHash] = n
	e.touched[n.OrderHash] = struct{}{}
}

func (e *editor) remove(hash string) {
	delete(e.nodes, hash)
	e.touched[hash] = struct{}{}
}

func (e *editor) update(hash string, fn func(n *Node)) error {
	n, ok := e.nodes[hash]
	if !ok {
		return fmt.Errorf("neighbour %q is missing: %w", hash, ErrDesynchronized)
	}
	fn(&n)
	e.put(n)
	return nil
}

func (e *editor) setNext(hash, next string) error {
	return e.update(hash, func(n *Node) { n.Next = next })
}

func (e *editor) setPrevious(hash, previous string) error {
	return e.update(hash, func(n *Node) { n.Previous = previous })
}

// head returns the slot with no predecessor, ignoring exclude. An empty map
// has no head; more than one candidate means the list is broken.
func (e *editor) head(exclude string) (string, error) {
	return headOf(e.nodes, exclude)
}

func (e *editor) newHash() (string, error) {
	for attempt := 0; attempt < maxHashAttempts; attempt++ {
		hash, err := generateHash()
		if err != nil {
			return "", err
		}
		if _, taken := e.nodes[hash]; !taken {
			return hash, nil
		}
	}
	return "", fmt.Errorf("could not allocate a free order hash after %d attempts", maxHashAttempts)
}

// Insert returns the patch that splices tracks, in order, right after the
// slot after, or at the head of the queue when after is "".
func (p *Playlist) Insert(tracks []models.Track, after string) (Patch, error) {
	if len(tracks) == 0 {
		return Patch{}, nil
	}
	e := p.edit()

	var right string
	if after != "" {
		left, ok := e.nodes[after]
		if !ok {
			return nil, fmt.Errorf("insert after %q: %w", after, ErrSlotNotFound)
		}
		right = left.Next
	} else {
		head, err := e.head("")
		if err != nil {
			return nil, err
		}
		right = head
	}

	prev := after
	for _, t := range tracks {
		hash, err := e.newHash()
		if err != nil {
			return nil, err
		}
		e.put(Node{TrackID: t.ID, OrderHash: hash, Previous: prev})
		if prev != "" {
			if err := e.setNext(prev, hash); err != nil {
				return nil, err
			}
		}
		prev = hash
	}

	if err := e.setNext(prev, right); err != nil {
		return nil, err
	}
	if right != "" {
		if err := e.setPrevious(right, prev); err != nil {
			return nil, err
		}
	}
	return e.patch(), nil
}

// Delete returns the patch that removes the slot hash and joins its neighbours.
func (p *Playlist) Delete(hash string) (Patch, error) {
	e := p.edit()
	n, ok := e.nodes[hash]
	if !ok {
		return nil, fmt.Errorf("delete %q: %w", hash, ErrSlotNotFound)
	}
	if n.Previous != "" {
		if err := e.setNext(n.Previous, n.Next); err != nil {
			return nil, err
		}
	}
	if n.Next != "" {
		if err := e.setPrevious(n.Next, n.Previous); err != nil {
			return nil, err
		}
	}
	e.remove(hash)
	return e.patch(), nil
}

// Move returns the patch that relocates the slot hash right after the slot
// after (or to the head when after is ""), keeping its order hash.
func (p *Playlist) Move(hash, after string) (Patch, error) {
	e := p.edit()
	n, ok := e.nodes[hash]
	if !ok {
		return nil, fmt.Errorf("move %q: %w", hash, ErrSlotNotFound)
	}
	if hash == after {
		return nil, fmt.Errorf("move %q after itself: %w", hash, ErrSlotNotFound)
	}
	if after != "" {
		if _, ok := e.nodes[after]; !ok {
			return nil, fmt.Errorf("move after %q: %w", after, ErrSlotNotFound)
		}
	}
	if n.Previous == after {
		return Patch{}, nil
	}

	// unlink
	if n.Previous != "" {
		if err := e.setNext(n.Previous, n.Next); err != nil {
			return nil, err
		}
	}
	if n.Next != "" {
		if err := e.setPrevious(n.Next, n.Previous); err != nil {
			return nil, err
		}
	}

	// relink
	var right string
	if after != "" {
		right = e.nodes[after].Next
		if err := e.setNext(after, hash); err != nil {
			return nil, err
		}
	} else {
		head, err := e.head(hash)
		if err != nil {
			return nil, err
		}
		right = head
	}
	if right != "" {
		if err := e.setPrevious(right, hash); err != nil {
			return nil, err
		}
	}
	e.put(Node{TrackID: n.TrackID, OrderHash: hash, Previous: after, Next: right})
	return e.patch(), nil
}
