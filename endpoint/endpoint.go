// Package endpoint maps endpoint names to invocable targets. A target is a
// free function, a method bound to a shared receiver, or a method looked up
// on an instance built from request-supplied constructor arguments, with one
// instance cached per unique argument tuple.
//
// The table is mutable while a service is being assembled and frozen before
// it starts serving; lookups after the freeze take no lock.
package endpoint

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/miguel-b-p/metabridge/cache"
	"github.com/miguel-b-p/metabridge/common/config"
	"github.com/miguel-b-p/metabridge/common/protocol"
)

type targetKind int

const (
	kindFree targetKind = iota
	kindStatic
	kindInstance
)

//	Target describes what an endpoint invokes. Build one with Free, Static
//	or Instance; validation happens when the target is registered.
type Target struct {
	kind          targetKind
	fn            interface{}
	recv          interface{}
	ctor          interface{}
	methodName    string
	cacheCapacity int
}

//	Free exposes fn itself. Constructor arguments are ignored.
func Free(fn interface{}) Target {
	return Target{kind: kindFree, fn: fn}
}

//	Static exposes the named method on recv, shared by every request.
//	Constructor arguments are ignored.
func Static(recv interface{}, method string) Target {
	return Target{kind: kindStatic, recv: recv, methodName: method}
}

//	Instance exposes the named method on an instance built by ctor from the
//	request's constructor arguments, one instance per unique argument tuple.
func Instance(ctor interface{}, method string) Target {
	return InstanceCached(ctor, method, config.DEFAULT_CACHE_CAPACITY)
}

func InstanceCached(ctor interface{}, method string, cacheCapacity int) Target {
	return Target{kind: kindInstance, ctor: ctor, methodName: method, cacheCapacity: cacheCapacity}
}

type Endpoint struct {
	Name string

	kind       targetKind
	handler    RawHandler
	ctor       RawHandler
	methodName string
	instances  *cache.ShardedCache
}

//	Invoke resolves the concrete callable for this request and calls it.
func (e *Endpoint) Invoke(args []interface{}, kwargs map[string]interface{}, ctorArgs []interface{}, ctorKwargs map[string]interface{}) (result interface{}, err error) {
	if e.kind != kindInstance {
		return e.handler(args, kwargs)
	}

	key, err := cache.CanonicalKey(ctorArgs, ctorKwargs)
	if err != nil {
		return
	}
	instance, err := e.instances.GetOrCreate(key, func() (interface{}, error) {
		return e.ctor(ctorArgs, ctorKwargs)
	})
	if err != nil {
		return
	}
	method, err := boundMethod(instance, e.methodName)
	if err != nil {
		return
	}
	return method(args, kwargs)
}

//	InstanceCount reports resident cached instances; zero for non-instance
//	endpoints.
func (e *Endpoint) InstanceCount() int {
	if e.instances == nil {
		return 0
	}
	return e.instances.Len()
}

type Table struct {
	mutex     sync.Mutex
	frozen    int32
	endpoints map[string]*Endpoint
}

func NewTable() *Table {
	return &Table{endpoints: make(map[string]*Endpoint)}
}

//	Register adds an endpoint. It fails once the table is frozen and on
//	duplicate names.
func (t *Table) Register(name string, target Target) (err error) {
	if name == "" {
		err = protocol.Errorf(protocol.TAG_ARG_ERROR, "endpoint name must not be empty")
		return
	}
	endpoint, err := compileTarget(name, target)
	if err != nil {
		return
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.IsFrozen() {
		err = protocol.Errorf(protocol.TAG_PROTOCOL_ERROR,
			"service is running; no new endpoints can be registered")
		return
	}
	if _, exists := t.endpoints[name]; exists {
		err = protocol.Errorf(protocol.TAG_ARG_ERROR, "endpoint '%s' is already registered", name)
		return
	}
	t.endpoints[name] = endpoint
	return
}

//	Freeze forbids all further mutation. Lookups afterwards are lock-free.
func (t *Table) Freeze() {
	t.mutex.Lock()
	atomic.StoreInt32(&t.frozen, 1)
	t.mutex.Unlock()
}

func (t *Table) IsFrozen() bool {
	return atomic.LoadInt32(&t.frozen) == 1
}

func (t *Table) Lookup(name string) (endpoint *Endpoint, ok bool) {
	if t.IsFrozen() {
		endpoint, ok = t.endpoints[name]
		return
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	endpoint, ok = t.endpoints[name]
	return
}

//	Names returns every registered endpoint name in lexicographic order.
func (t *Table) Names() (names []string) {
	if !t.IsFrozen() {
		t.mutex.Lock()
		defer t.mutex.Unlock()
	}
	names = make([]string, 0, len(t.endpoints))
	for name := range t.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return
}

func (t *Table) Len() int {
	if !t.IsFrozen() {
		t.mutex.Lock()
		defer t.mutex.Unlock()
	}
	return len(t.endpoints)
}

func compileTarget(name string, target Target) (endpoint *Endpoint, err error) {
	endpoint = &Endpoint{Name: name, kind: target.kind, methodName: target.methodName}
	switch target.kind {
	case kindFree:
		endpoint.handler, err = compileFunc(target.fn)
	case kindStatic:
		endpoint.handler, err = compileMethod(target.recv, target.methodName)
	case kindInstance:
		endpoint.ctor, err = compileCtor(target.ctor, target.methodName)
		if err != nil {
			break
		}
		endpoint.instances, err = cache.New(target.cacheCapacity)
	}
	if err != nil {
		endpoint = nil
	}
	return
}
