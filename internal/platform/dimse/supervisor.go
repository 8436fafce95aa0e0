package dimse

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const probeTimeout = 500 * time.Millisecond

// ListenerStatus is the operational view of one listener. State is
// "running", "degraded" (started but port unreachable) or "stopped".
type ListenerStatus struct {
	Name      string `json:"name"`
	Started   bool   `json:"started"`
	Port      int    `json:"port"`
	Reachable bool   `json:"reachable"`
	State     string `json:"state"`
}

// Supervisor owns the three protocol listeners as long-running background
// services: bounded-retry startup, live status probes, best-effort stop.
type Supervisor struct {
	servers []*Server
	retries int
	backoff time.Duration
	logger  zerolog.Logger

	mu      sync.Mutex
	started map[string]bool
}

func NewSupervisor(servers []*Server, retries int, backoff time.Duration, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		servers: servers,
		retries: retries,
		backoff: backoff,
		logger:  logger.With().Str("component", "supervisor").Logger(),
		started: make(map[string]bool),
	}
}

// StartAll launches every listener. A port conflict is retried a bounded
// number of times with backoff; any final failure stops the listeners
// already started and surfaces the error.
func (s *Supervisor) StartAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, srv := range s.servers {
		if s.started[srv.Name()] {
			continue
		}
		if err := s.startWithRetry(srv); err != nil {
			s.stopAllLocked()
			return err
		}
		s.started[srv.Name()] = true
	}
	return nil
}

func (s *Supervisor) startWithRetry(srv *Server) error {
	var err error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			s.logger.Warn().
				Str("listener", srv.Name()).
				Int("attempt", attempt).
				Msg("retrying listener start")
			time.Sleep(s.backoff)
		}
		err = srv.Start()
		if err == nil {
			return nil
		}
		if !isAddrInUse(err) {
			break
		}
	}
	return fmt.Errorf("start %s: %w", srv.Name(), err)
}

// StopAll is best-effort and advisory: it stops what it owns and clears the
// running flags, but cannot guarantee the ports are free on return.
func (s *Supervisor) StopAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopAllLocked()
}

func (s *Supervisor) stopAllLocked() error {
	var firstErr error
	for _, srv := range s.servers {
		if !s.started[srv.Name()] {
			continue
		}
		if err := srv.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.started[srv.Name()] = false
	}
	return firstErr
}

// Status probes each listener's port live. The in-memory started flag alone
// can lie when another process owned the port, so reachability decides the
// reported state.
func (s *Supervisor) Status() []ListenerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]ListenerStatus, 0, len(s.servers))
	for _, srv := range s.servers {
		st := ListenerStatus{
			Name:    srv.Name(),
			Started: s.started[srv.Name()],
			Port:    srv.Port(),
		}
		if st.Started && st.Port > 0 {
			st.Reachable = probe(fmt.Sprintf("127.0.0.1:%d", st.Port))
		}
		switch {
		case st.Started && st.Reachable:
			st.State = "running"
		case st.Started:
			st.State = "degraded"
		default:
			st.State = "stopped"
		}
		statuses = append(statuses, st)
	}
	return statuses
}

func probe(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, probeTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func isAddrInUse(err error) bool {
	return err != nil && strings.Contains(err.Error(), "address already in use")
}
