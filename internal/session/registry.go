package session

import (
	"sort"
	"sync"

	"github.com/phuslu/log"
	"nuha.dev/gpsrelay/internal/gt06"
)

// Registry maps authenticated tracker identities to their live session.
type Registry struct {
	mu       sync.Mutex
	log      log.Logger
	sessions map[gt06.Identity]*Session
	devices  map[int64]*Session
}

func NewRegistry() *Registry {
	r := &Registry{}
	r.log = log.DefaultLogger
	r.log.Context = log.NewContext(nil).Str("module", "registry").Value()
	r.sessions = make(map[gt06.Identity]*Session)
	r.devices = make(map[int64]*Session)
	return r
}

// Register binds s to its identity. A previous session of the same tracker is
// stale once the tracker reconnects and is closed.
func (r *Registry) Register(s *Session) {
	id, did := s.Identity(), s.DeviceID()
	r.mu.Lock()
	old := r.sessions[id]
	r.sessions[id] = s
	r.devices[did] = s
	r.mu.Unlock()
	if old != nil && old != s {
		r.log.Info().Str("event", SESSION_REPLACED).EmbedObject(old).Uint64("new_cid", s.c.Cid()).Msg("")
		old.Close()
	}
}

// Deregister removes s only if it is still the registered session of its identity.
func (r *Registry) Deregister(s *Session) {
	id, did := s.Identity(), s.DeviceID()
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[id] == s {
		delete(r.sessions, id)
	}
	if r.devices[did] == s {
		delete(r.devices, did)
	}
}

func (r *Registry) Lookup(id gt06.Identity) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) LookupDevice(deviceID int64) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.devices[deviceID]
	return s, ok
}

// List returns the registered sessions ordered by connection id.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	res := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		res = append(res, s)
	}
	r.mu.Unlock()
	sort.Slice(res, func(i, j int) bool { return res[i].c.Cid() < res[j].c.Cid() })
	return res
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
