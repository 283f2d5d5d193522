// Package connectivity tracks whether the application can reach its origin.
//
// The monitor combines a transport-level Signal with an active Prober: an
// offline signal is trusted right away, an online one is confirmed by a probe.
// Every genuine change of state is published to subscribers once.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
)

type State int

const (
	Online State = iota
	Offline
)

func (s State) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status messages.
const (
	MessageOnline      = "online"
	MessageOffline     = "offline"
	MessageProbeFailed = "offline (probe failed)"
)

// Status is the published connectivity state.
type Status struct {
	State     State     `json:"state"`
	Message   string    `json:"message"`
	ChangedAt time.Time `json:"changedAt"` // time of the last transition
}

type Config struct {
	// Transport-level signal. InterfaceSignal is used if nil.
	Signal Signal
	Prober Prober
	// Interval of periodic checks done by Run. No periodic checks if zero.
	Interval time.Duration
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

type Monitor struct {
	signal   Signal
	prober   Prober
	interval time.Duration
	log      zerolog.Logger
	// transport events, only the latest pending one is kept
	events chan bool
	// one check at a time, so probe results are published in order
	checking sync.Mutex
	// held while subscribers are called
	delivering sync.Mutex
	// sequence number of the last change handed to subscribers
	delivered uint64

	mutex  sync.Mutex
	status Status
	// bumped by every offline transport event
	epoch uint64
	// bumped by every change of status
	changes     uint64
	subscribers map[int]func(Status)
	nextID      int
}

// NewMonitor creates a monitor whose initial state comes from the transport signal.
func NewMonitor(config Config) (*Monitor, error) {
	if config.Prober == nil {
		return nil, xerrors.New("no connectivity prober configured")
	}
	m := &Monitor{
		signal:      config.Signal,
		prober:      config.Prober,
		interval:    config.Interval,
		events:      make(chan bool, 1),
		subscribers: make(map[int]func(Status)),
	}
	if m.signal == nil {
		m.signal = InterfaceSignal{}
	}
	if config.Logger == nil {
		m.log = log.Logger
	} else {
		m.log = *config.Logger
	}

	m.status = Status{State: Online, Message: MessageOnline, ChangedAt: time.Now()}
	if !m.signal.Online() {
		m.status.State = Offline
		m.status.Message = MessageOffline
	}
	return m, nil
}

// Status returns the last published status.
func (m *Monitor) Status() Status {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.status
}

// Subscribe registers fn to be called with every new status.
// Calls are made one at a time, in the order of the changes. A change that
// was superseded before it could be delivered is skipped.
// The returned function removes the subscription.
func (m *Monitor) Subscribe(fn func(Status)) func() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	id := m.nextID
	m.nextID++
	m.subscribers[id] = fn
	return func() {
		m.mutex.Lock()
		defer m.mutex.Unlock()
		delete(m.subscribers, id)
	}
}

// Check determines the current state and publishes it.
// The probe is skipped when the transport signal reports offline.
// Probe failures never escape, they only make the state offline.
// A probe result is discarded if the transport went offline while it ran.
func (m *Monitor) Check(ctx context.Context) Status {
	m.checking.Lock()
	defer m.checking.Unlock()

	if !m.signal.Online() {
		return m.publish(Offline, MessageOffline)
	}
	epoch := m.currentEpoch()
	err := m.prober.Probe(ctx)
	if !m.signal.Online() {
		return m.publish(Offline, MessageOffline)
	}

	state, message := Online, MessageOnline
	if err != nil {
		m.log.Debug().Err(err).Msg("Connectivity probe failed")
		state, message = Offline, MessageProbeFailed
	}
	status, ok := m.publishSince(epoch, state, message)
	if !ok {
		m.log.Debug().Str("message", message).Msg("Discarding probe result, transport went offline meanwhile")
	}
	return status
}

// Notify reports a transport event. Going offline is published immediately;
// coming online is confirmed by a check in Run.
func (m *Monitor) Notify(online bool) {
	if !online {
		m.mutex.Lock()
		m.epoch++
		m.commit(Offline, MessageOffline)
	}
	// replace a pending event with this one
	select {
	case <-m.events:
	default:
	}
	select {
	case m.events <- online:
	default:
	}
}

// Run checks on start, on every online transport event and periodically,
// until the context is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Info().Dur("interval", m.interval).Msg("Starting connectivity monitor")
	var tick <-chan time.Time
	if m.interval > 0 {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case online := <-m.events:
			if online {
				m.Check(ctx)
			}
		case <-tick:
			m.Check(ctx)
		}
	}
}

func (m *Monitor) currentEpoch() uint64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.epoch
}

// Watch polls the transport signal and reports every change of its value
// through Notify, until the context is done.
func (m *Monitor) Watch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return xerrors.Errorf("invalid signal watch interval %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := m.signal.Online()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			online := m.signal.Online()
			if online == last {
				continue
			}
			m.log.Debug().Bool("online", online).Msg("Transport signal changed")
			m.Notify(online)
			last = online
		}
	}
}

// publish sets the status if it differs from the current one.
func (m *Monitor) publish(state State, message string) Status {
	m.mutex.Lock()
	return m.commit(state, message)
}

// publishSince publishes only if no offline event happened since epoch.
// Otherwise the current status is returned with false.
func (m *Monitor) publishSince(epoch uint64, state State, message string) (Status, bool) {
	m.mutex.Lock()
	if m.epoch != epoch {
		status := m.status
		m.mutex.Unlock()
		return status, false
	}
	return m.commit(state, message), true
}

// commit must be called with the mutex held. It releases the mutex and calls
// the subscribers outside of it, never with an older status than the last
// one they saw.
func (m *Monitor) commit(state State, message string) Status {
	if m.status.State == state && m.status.Message == message {
		status := m.status
		m.mutex.Unlock()
		return status
	}
	m.status = Status{State: state, Message: message, ChangedAt: time.Now()}
	m.changes++
	status, change := m.status, m.changes
	subscribers := make([]func(Status), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subscribers = append(subscribers, fn)
	}
	m.mutex.Unlock()

	m.log.Info().Str("state", state.String()).Str("message", message).Msg("Connectivity changed")
	m.delivering.Lock()
	defer m.delivering.Unlock()
	if change < m.delivered {
		return status
	}
	m.delivered = change
	for _, fn := range subscribers {
		fn(status)
	}
	return status
}
