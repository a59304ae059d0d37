package gateway

import (
	"sync"

	"github.com/alwitt/vistrack/common"
	"github.com/apex/log"
)

// ConnectionRegistry owns the set of live connections, keyed by tenant and by
// connection ID. Rebuilt from scratch on process restart; clients re-establish
// their own connections.
type ConnectionRegistry interface {
	// Add insert a connection. Idempotent; an existing connection with the
	// same ID is replaced.
	Add(conn *Connection)
	// Remove delete a connection. The tenant key is deleted once its set
	// becomes empty.
	Remove(tenantID, connectionID string)
	// Get fetch a connection by ID
	Get(connectionID string) (*Connection, bool)
	// ForEachInTenant apply fn to every connection of a tenant. Iterates over
	// a snapshot, so concurrent add / remove is safe.
	ForEachInTenant(tenantID string, fn func(conn *Connection))
	// ConnectionCount total number of live connections
	ConnectionCount() int
}

// connectionRegistryImpl implements ConnectionRegistry
type connectionRegistryImpl struct {
	common.Component
	lock     sync.RWMutex
	byTenant map[string]map[string]*Connection
	byID     map[string]*Connection
}

// GetConnectionRegistry define a new ConnectionRegistry
func GetConnectionRegistry(instance string) (ConnectionRegistry, error) {
	logTags := log.Fields{
		"module": "gateway", "component": "connection-registry", "instance": instance,
	}
	return &connectionRegistryImpl{
		Component: common.Component{LogTags: logTags},
		byTenant:  make(map[string]map[string]*Connection),
		byID:      make(map[string]*Connection),
	}, nil
}

// Add insert a connection
func (r *connectionRegistryImpl) Add(conn *Connection) {
	r.lock.Lock()
	defer r.lock.Unlock()
	pool, ok := r.byTenant[conn.TenantID]
	if !ok {
		pool = make(map[string]*Connection)
		r.byTenant[conn.TenantID] = pool
	}
	pool[conn.ID] = conn
	r.byID[conn.ID] = conn
	log.WithFields(r.LogTags).Debugf(
		"Registered connection %s for tenant %s", conn.ID, conn.TenantID,
	)
}

// Remove delete a connection
func (r *connectionRegistryImpl) Remove(tenantID, connectionID string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if pool, ok := r.byTenant[tenantID]; ok {
		delete(pool, connectionID)
		// A tenant key exists iff its set is non-empty
		if len(pool) == 0 {
			delete(r.byTenant, tenantID)
		}
	}
	delete(r.byID, connectionID)
	log.WithFields(r.LogTags).Debugf(
		"Deregistered connection %s for tenant %s", connectionID, tenantID,
	)
}

// Get fetch a connection by ID
func (r *connectionRegistryImpl) Get(connectionID string) (*Connection, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	conn, ok := r.byID[connectionID]
	return conn, ok
}

// ForEachInTenant apply fn to every connection of a tenant
func (r *connectionRegistryImpl) ForEachInTenant(tenantID string, fn func(conn *Connection)) {
	r.lock.RLock()
	snapshot := make([]*Connection, 0, len(r.byTenant[tenantID]))
	for _, conn := range r.byTenant[tenantID] {
		snapshot = append(snapshot, conn)
	}
	r.lock.RUnlock()
	for _, conn := range snapshot {
		fn(conn)
	}
}

// ConnectionCount total number of live connections
func (r *connectionRegistryImpl) ConnectionCount() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.byID)
}
