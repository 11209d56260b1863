package relay

import "go.uber.org/atomic"

// ServiceFlags gates which public operations a relay connector
// accepts. Backed by go.uber.org/atomic so reads on the send path
// never take a lock.
type ServiceFlags struct {
	read  atomic.Bool
	write atomic.Bool
	ping  atomic.Bool
}

// NewServiceFlags builds the flag set with the given initial bits.
func NewServiceFlags(read, write, ping bool) *ServiceFlags {
	f := &ServiceFlags{}
	f.read.Store(read)
	f.write.Store(write)
	f.ping.Store(ping)
	return f
}

func (f *ServiceFlags) HasRead() bool  { return f.read.Load() }
func (f *ServiceFlags) HasWrite() bool { return f.write.Load() }
func (f *ServiceFlags) HasPing() bool  { return f.ping.Load() }

func (f *ServiceFlags) SetRead(v bool)  { f.read.Store(v) }
func (f *ServiceFlags) SetWrite(v bool) { f.write.Store(v) }
func (f *ServiceFlags) SetPing(v bool)  { f.ping.Store(v) }

// Clone returns an independent copy of the current flag values.
func (f *ServiceFlags) Clone() *ServiceFlags {
	return NewServiceFlags(f.HasRead(), f.HasWrite(), f.HasPing())
}
