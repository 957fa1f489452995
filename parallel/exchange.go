package parallel

import "fmt"

// exchange sends x at the send layout to every peer, then receives from every
// peer of the recv layout and merges the values with combine. Both sides
// walk peers in ascending order so interfaces pair up deterministically.
func exchange(c *Comm, tag int, send, recv *IndexLayout, x []float64,
	combine func(dst *float64, v float64)) error {
	for _, p := range send.Peers() {
		idx := send.Interface(p)
		buf := make([]float64, len(idx))
		for i, j := range idx {
			buf[i] = x[j]
		}
		if err := c.Send(p, tag, buf); err != nil {
			return err
		}
	}
	for _, p := range recv.Peers() {
		idx := recv.Interface(p)
		buf, err := c.Recv(p, tag)
		if err != nil {
			return err
		}
		if len(buf) != len(idx) {
			return fmt.Errorf("interface with rank %d: received %d values for %d indices: %w",
				p, len(buf), len(idx), ErrCollectiveMismatch)
		}
		for i, j := range idx {
			combine(&x[j], buf[i])
		}
	}
	return nil
}

func add(dst *float64, v float64)    { *dst += v }
func assign(dst *float64, v float64) { *dst = v }

// AddSlavesToMaster accumulates slave values into their masters
func AddSlavesToMaster(l *Layouts, x []float64) error {
	if l.Serial() {
		return nil
	}
	return exchange(l.World, TagInterface, l.Slave, l.Master, x, add)
}

// CopyMasterToSlaves overwrites slave values by their masters' values
func CopyMasterToSlaves(l *Layouts, x []float64) error {
	if l.Serial() {
		return nil
	}
	return exchange(l.World, TagInterface, l.Master, l.Slave, x, assign)
}

// ZeroSlaves clears all horizontal slave entries
func ZeroSlaves(l *Layouts, x []float64) {
	if l.Serial() {
		return
	}
	for _, p := range l.Slave.Peers() {
		for _, j := range l.Slave.Interface(p) {
			x[j] = 0
		}
	}
}

// GatherVertical adds vertical slave values into their masters and clears the
// slaves. It reports whether this process keeps work on the coarser level,
// which is the case iff it has no vertical slaves.
func GatherVertical(l *Layouts, x []float64) (bool, error) {
	if l.Serial() {
		return true, nil
	}
	if err := exchange(l.World, TagVertical, l.VSlave, l.VMaster, x, add); err != nil {
		return false, fmt.Errorf("vertical gather: %w", err)
	}
	for _, p := range l.VSlave.Peers() {
		for _, j := range l.VSlave.Interface(p) {
			x[j] = 0
		}
	}
	return l.VSlave.Empty(), nil
}

// BroadcastVertical copies vertical master values onto their slaves
func BroadcastVertical(l *Layouts, x []float64) error {
	if l.Serial() {
		return nil
	}
	if err := exchange(l.World, TagVertical, l.VMaster, l.VSlave, x, assign); err != nil {
		return fmt.Errorf("vertical broadcast: %w", err)
	}
	return nil
}
