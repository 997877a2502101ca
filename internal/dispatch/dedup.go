package dispatch

// dedup remembers recently seen event ids. Past the ceiling it forgets the
// oldest half.
type dedup struct {
	ceiling int
	order   []string
	seen    map[string]struct{}
}

func newDedup(ceiling int) *dedup {
	if ceiling < 2 {
		ceiling = 2
	}
	return &dedup{ceiling: ceiling, seen: make(map[string]struct{})}
}

// check records id and reports whether it was already present.
func (d *dedup) check(id string) bool {
	if _, ok := d.seen[id]; ok {
		return true
	}
	d.seen[id] = struct{}{}
	d.order = append(d.order, id)
	if len(d.order) > d.ceiling {
		cut := len(d.order) - d.ceiling/2
		for _, old := range d.order[:cut] {
			delete(d.seen, old)
		}
		d.order = append([]string(nil), d.order[cut:]...)
	}
	return false
}

func (d *dedup) len() int { return len(d.order) }
