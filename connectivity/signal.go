package connectivity

import (
	"net"
	"sync/atomic"
)

// Signal is a transport-level hint of whether the network is reachable.
// It is trusted when it reports offline; online still needs a probe.
type Signal interface {
	Online() bool
}

// StaticSignal reports whatever it was last set to.
type StaticSignal struct {
	online atomic.Bool
}

func NewStaticSignal(online bool) *StaticSignal {
	s := &StaticSignal{}
	s.online.Store(online)
	return s
}

func (s *StaticSignal) Online() bool {
	return s.online.Load()
}

func (s *StaticSignal) Set(online bool) {
	s.online.Store(online)
}

// InterfaceSignal reports online when any non-loopback network interface is up.
type InterfaceSignal struct {
	// Interfaces lists the network interfaces, net.Interfaces if nil.
	Interfaces func() ([]net.Interface, error)
}

func (s InterfaceSignal) Online() bool {
	list := s.Interfaces
	if list == nil {
		list = net.Interfaces
	}
	interfaces, err := list()
	if err != nil {
		return false
	}
	for _, i := range interfaces {
		if i.Flags&net.FlagUp != 0 && i.Flags&net.FlagLoopback == 0 {
			return true
		}
	}
	return false
}
