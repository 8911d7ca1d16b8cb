package descriptor

import (
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrMalformedName is returned for a method name that is not
	// "pkg.Service/Method" or "pkg.Service.Method".
	ErrMalformedName = errors.New("pico-rpc(descriptor): malformed method name")
	// ErrNotFound is returned when no such service or method is loaded.
	ErrNotFound = errors.New("pico-rpc(descriptor): not found")
)

// Methods is the ordered set of methods of one service.
type Methods struct {
	list   []*Method
	byID   map[uint32]*Method
	byName map[string]*Method
}

func newMethods(methods []*Method) (*Methods, error) {
	ms := &Methods{
		list:   methods,
		byID:   make(map[uint32]*Method, len(methods)),
		byName: make(map[string]*Method, len(methods)),
	}
	for _, m := range methods {
		if _, ok := ms.byID[m.ID]; ok {
			return nil, errors.Wrapf(ErrDuplicateID, "method %s (%08x)", m.Name, m.ID)
		}
		ms.byID[m.ID] = m
		ms.byName[m.Name] = m
	}
	return ms, nil
}

// Get returns the method with the given id.
func (ms *Methods) Get(id uint32) (*Method, bool) {
	m, ok := ms.byID[id]
	return m, ok
}

// ByName returns the method with the given short name.
func (ms *Methods) ByName(name string) (*Method, bool) {
	m, ok := ms.byName[name]
	return m, ok
}

// All returns the methods in declaration order.
func (ms *Methods) All() []*Method {
	return append([]*Method(nil), ms.list...)
}

func (ms *Methods) Len() int {
	return len(ms.list)
}

// Services is the ordered set of services loaded by a client.
type Services struct {
	list   []*Service
	byID   map[uint32]*Service
	byName map[string]*Service
}

// NewServices indexes services by id and full name.
func NewServices(services ...*Service) (*Services, error) {
	ss := &Services{
		list:   append([]*Service(nil), services...),
		byID:   make(map[uint32]*Service, len(services)),
		byName: make(map[string]*Service, len(services)),
	}
	for _, s := range services {
		if _, ok := ss.byID[s.ID]; ok {
			return nil, errors.Wrapf(ErrDuplicateID, "service %s (%08x)", s.FullName, s.ID)
		}
		ss.byID[s.ID] = s
		ss.byName[s.FullName] = s
	}
	return ss, nil
}

// Get returns the service with the given id.
func (ss *Services) Get(id uint32) (*Service, bool) {
	s, ok := ss.byID[id]
	return s, ok
}

// ByName returns the service with the given full name.
func (ss *Services) ByName(fullName string) (*Service, bool) {
	s, ok := ss.byName[fullName]
	return s, ok
}

// All returns the services in load order.
func (ss *Services) All() []*Service {
	return append([]*Service(nil), ss.list...)
}

func (ss *Services) Len() int {
	return len(ss.list)
}

// LookupMethod finds the method with the given id pair.
func (ss *Services) LookupMethod(serviceID, methodID uint32) (*Method, error) {
	s, ok := ss.Get(serviceID)
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "unrecognized service id %08x", serviceID)
	}
	m, ok := s.Methods.Get(methodID)
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "no method id %08x in service %s", methodID, s.FullName)
	}
	return m, nil
}

// Method finds a method by "pkg.Service/Method" or "pkg.Service.Method".
func (ss *Services) Method(name string) (*Method, error) {
	serviceName, methodName, err := SplitName(name)
	if err != nil {
		return nil, err
	}
	s, ok := ss.ByName(serviceName)
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "service %q", serviceName)
	}
	m, ok := s.Methods.ByName(methodName)
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "method %q in service %s", methodName, serviceName)
	}
	return m, nil
}

// SplitName splits a method name into its service and method parts. A slash
// separates them if present, otherwise the last dot does.
func SplitName(name string) (service, method string, err error) {
	switch strings.Count(name, "/") {
	case 0:
		i := strings.LastIndexByte(name, '.')
		if i < 0 {
			return "", "", errors.Wrapf(ErrMalformedName, "%q", name)
		}
		service, method = name[:i], name[i+1:]
	case 1:
		service, method, _ = strings.Cut(name, "/")
	default:
		return "", "", errors.Wrapf(ErrMalformedName, "%q", name)
	}
	if service == "" || method == "" {
		return "", "", errors.Wrapf(ErrMalformedName, "%q", name)
	}
	return service, method, nil
}
