package ingest

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/cedricziel/errata/pkg/apierror"
)

const apiKeyHeader = "X-API-Key"

// Scope is what an API key authorizes: one project in one organization.
type Scope struct {
	OrganizationID string
	ProjectID      string
	Environment    string
}

// KeyResolver maps an API key to its scope. The interface is the seam
// for a database-backed key store.
type KeyResolver interface {
	Resolve(ctx context.Context, key string) (*Scope, error)
}

// StaticKeyResolver resolves keys from a fixed table, typically loaded
// from configuration.
type StaticKeyResolver struct {
	mtx  sync.RWMutex
	keys map[string]Scope
}

func NewStaticKeyResolver(keys map[string]Scope) *StaticKeyResolver {
	if keys == nil {
		keys = map[string]Scope{}
	}
	return &StaticKeyResolver{keys: keys}
}

func (r *StaticKeyResolver) Add(key string, scope Scope) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.keys[key] = scope
}

func (r *StaticKeyResolver) Resolve(_ context.Context, key string) (*Scope, error) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	scope, ok := r.keys[key]
	if !ok {
		return nil, apierror.New(apierror.KindAuth, "invalid API key")
	}
	return &scope, nil
}

type scopeContextKey struct{}

func ScopeFromContext(ctx context.Context) (*Scope, bool) {
	scope, ok := ctx.Value(scopeContextKey{}).(*Scope)
	return scope, ok
}

// Authenticate wraps a handler with API key resolution. The key comes
// from the X-API-Key header or a Bearer token.
func Authenticate(resolver KeyResolver, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(apiKeyHeader)
		if key == "" {
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if key == "" {
			apierror.WriteJSON(w, apierror.New(apierror.KindAuth, "missing API key"))
			return
		}

		scope, err := resolver.Resolve(r.Context(), key)
		if err != nil {
			apierror.WriteJSON(w, err)
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), scopeContextKey{}, scope)))
	}
}
