package database

import (
	"context"
	"reflect"

	"github.com/goliatone/go-entity-store/entity"
	"github.com/puzpuzpuz/xsync/v3"
)

// Session is a request scoped overlay of instances the caller is working
// on. Get returns a remembered instance before looking at the cache, and
// list results prefer it over cached or freshly loaded copies.
type Session struct {
	items *xsync.MapOf[string, entity.Entity]
}

type sessionKey struct{}

// WithSession attaches a new session to ctx.
func WithSession(ctx context.Context) (context.Context, *Session) {
	s := &Session{items: xsync.NewMapOf[string, entity.Entity]()}
	return context.WithValue(ctx, sessionKey{}, s), s
}

// SessionFrom returns the session carried by ctx, or nil.
func SessionFrom(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionKey{}).(*Session)
	return s
}

// Remember stores e in the session, replacing any instance with its key.
func (s *Session) Remember(e entity.Entity) {
	if s == nil || e == nil || entity.IsEmptyID(e.GetID()) {
		return
	}
	s.items.Store(entity.KeyOf(e).String(), e)
}

// Forget drops the instance with e's key.
func (s *Session) Forget(e entity.Entity) {
	if s == nil || e == nil {
		return
	}
	s.items.Delete(entity.KeyOf(e).String())
}

// Get returns the remembered instance of (t, id).
func (s *Session) Get(t reflect.Type, id any) (entity.Entity, bool) {
	if s == nil {
		return nil, false
	}
	return s.items.Load(entity.NewKey(t, id).String())
}

// Len returns the number of remembered instances.
func (s *Session) Len() int {
	if s == nil {
		return 0
	}
	return s.items.Size()
}

func (s *Session) lookup(k entity.Key) (entity.Entity, bool) {
	if s == nil {
		return nil, false
	}
	return s.items.Load(k.String())
}
