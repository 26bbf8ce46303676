package machine

import "sync"

// CpuTopology describes the vCPU slots of the machine: one socket per vCPU,
// one core with one thread each. The online mask tracks which slots hold a
// present vCPU.
type CpuTopology struct {
	Sockets uint8
	Cores   uint8
	Threads uint8
	NrCpus  uint8
	MaxCpus uint8

	mu   sync.Mutex
	mask []uint8
}

// NewCpuTopology builds the flat topology for nrCpus vCPUs, all online.
func NewCpuTopology(nrCpus uint8) *CpuTopology {
	mask := make([]uint8, nrCpus)
	for i := range mask {
		mask[i] = 1
	}
	return &CpuTopology{
		Sockets: nrCpus,
		Cores:   1,
		Threads: 1,
		NrCpus:  nrCpus,
		MaxCpus: nrCpus,
		mask:    mask,
	}
}

// Online reports whether the slot holds a present vCPU.
func (t *CpuTopology) Online(index int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return index >= 0 && index < len(t.mask) && t.mask[index] == 1
}

// OnlineCount returns the number of present vCPUs.
func (t *CpuTopology) OnlineCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	count := 0
	for _, m := range t.mask {
		if m == 1 {
			count++
		}
	}
	return count
}

// Coordinates returns the socket, core and thread of one slot.
func (t *CpuTopology) Coordinates(index int) (socket, core, thread int) {
	perSocket := int(t.Cores) * int(t.Threads)
	socket = index / perSocket
	core = index % perSocket / int(t.Threads)
	thread = index % int(t.Threads)
	return socket, core, thread
}
