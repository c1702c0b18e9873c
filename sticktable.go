package balancerd

import (
	lru "github.com/hashicorp/golang-lru"
)

const defaultStickTableSize = 10240

// stickTable remembers which server last served a client address, for
// balance = "source". Bounded LRU; entries for a server are dropped when it
// goes down so clients re-balance instead of sticking to a corpse.
type stickTable struct {
	cache *lru.Cache
}

func newStickTable(size int) (*stickTable, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &stickTable{cache: c}, nil
}

func (st *stickTable) lookup(key string) (*Server, bool) {
	v, ok := st.cache.Get(key)
	if !ok {
		return nil, false
	}
	return v.(*Server), true
}

func (st *stickTable) learn(key string, srv *Server) {
	st.cache.Add(key, srv)
}

// forget drops every entry pointing at srv.
func (st *stickTable) forget(srv *Server) {
	for _, k := range st.cache.Keys() {
		if v, ok := st.cache.Peek(k); ok && v.(*Server) == srv {
			st.cache.Remove(k)
		}
	}
}

func (st *stickTable) len() int {
	return st.cache.Len()
}
