package rpc

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"reflect"
	"regexp"
	"runtime"
	"sort"
	"time"
)

// Version identifies the runtime in exchanged ProtoInfo.
const Version = "1.2.0"

// ProtoInfo is the schema fingerprint piggybacked on the first envelope of
// a connection and cached for the peer. A mismatch is diagnosed, not fatal.
type ProtoInfo struct {
	MD5          string `json:"md5"`
	LastModified int64  `json:"lastModified"`
	Runtime      string `json:"runtime"`
	Node         string `json:"node,omitempty"`
}

func (p *ProtoInfo) Equal(other *ProtoInfo) bool {
	return other != nil && p.MD5 == other.MD5
}

type ServiceKind uint8

const (
	ServiceKindApi ServiceKind = iota + 1
	ServiceKindMsg
)

// Service is one compiled registry entry: a callable api or a
// fire-and-forget msg.
type Service struct {
	ID      uint16
	Name    string
	Kind    ServiceKind
	ReqType reflect.Type
	ResType reflect.Type
	MsgType reflect.Type
}

// ServiceMap maps service names to numeric ids and schemas. It is built
// once at startup and shared read-only by every connection.
type ServiceMap struct {
	byName       map[string]*Service
	byID         map[uint16]*Service
	ordered      []*Service
	lastModified time.Time
	md5          string
}

func NewServiceMap() *ServiceMap {
	return &ServiceMap{
		byName:       make(map[string]*Service),
		byID:         make(map[uint16]*Service),
		lastModified: time.Now(),
	}
}

func (m *ServiceMap) add(svc *Service) {
	if _, ok := m.byName[svc.Name]; ok {
		panic(fmt.Sprintf("service %q already registered", svc.Name))
	}
	svc.ID = uint16(len(m.ordered) + 1)
	m.byName[svc.Name] = svc
	m.byID[svc.ID] = svc
	m.ordered = append(m.ordered, svc)
	m.md5 = ""
}

// AddApiTypes registers a request/response service under name.
func (m *ServiceMap) AddApiTypes(name string, reqType, resType reflect.Type) {
	m.add(&Service{Name: name, Kind: ServiceKindApi, ReqType: reqType, ResType: resType})
}

// AddMsgType registers a fire-and-forget message service under name.
func (m *ServiceMap) AddMsgType(name string, msgType reflect.Type) {
	m.add(&Service{Name: name, Kind: ServiceKindMsg, MsgType: msgType})
}

// AddApi registers an api service with its request and response types.
func AddApi[Req any, Res any](m *ServiceMap, name string) {
	m.AddApiTypes(name, reflect.TypeOf((*Req)(nil)).Elem(), reflect.TypeOf((*Res)(nil)).Elem())
}

// AddMsg registers a msg service with its payload type.
func AddMsg[T any](m *ServiceMap, name string) {
	m.AddMsgType(name, reflect.TypeOf((*T)(nil)).Elem())
}

// SetLastModified overrides the registry timestamp used in ProtoInfo.
func (m *ServiceMap) SetLastModified(t time.Time) {
	m.lastModified = t
	m.md5 = ""
}

func (m *ServiceMap) ByName(name string) (*Service, bool) {
	svc, ok := m.byName[name]
	return svc, ok
}

func (m *ServiceMap) ByID(id uint16) (*Service, bool) {
	svc, ok := m.byID[id]
	return svc, ok
}

func (m *ServiceMap) ApiService(name string) (*Service, bool) {
	svc, ok := m.byName[name]
	if !ok || svc.Kind != ServiceKindApi {
		return nil, false
	}
	return svc, true
}

func (m *ServiceMap) MsgService(name string) (*Service, bool) {
	svc, ok := m.byName[name]
	if !ok || svc.Kind != ServiceKindMsg {
		return nil, false
	}
	return svc, true
}

// MsgNames returns the registered msg service names, sorted. Pattern
// subscription enumerates these at subscription time.
func (m *ServiceMap) MsgNames() []string {
	var names []string
	for _, svc := range m.ordered {
		if svc.Kind == ServiceKindMsg {
			names = append(names, svc.Name)
		}
	}
	sort.Strings(names)
	return names
}

// MsgNamesMatching returns the msg names matching the pattern.
func (m *ServiceMap) MsgNamesMatching(pattern *regexp.Regexp) []string {
	var names []string
	for _, name := range m.MsgNames() {
		if pattern.MatchString(name) {
			names = append(names, name)
		}
	}
	return names
}

// MD5 is the hex digest of the canonical service listing.
func (m *ServiceMap) MD5() string {
	if m.md5 != "" {
		return m.md5
	}

	names := make([]string, 0, len(m.ordered))
	for _, svc := range m.ordered {
		names = append(names, svc.Name)
	}
	sort.Strings(names)

	h := md5.New()
	for _, name := range names {
		svc := m.byName[name]
		switch svc.Kind {
		case ServiceKindApi:
			fmt.Fprintf(h, "api %s %s %s\n", svc.Name, svc.ReqType, svc.ResType)
		case ServiceKindMsg:
			fmt.Fprintf(h, "msg %s %s\n", svc.Name, svc.MsgType)
		}
	}
	m.md5 = hex.EncodeToString(h.Sum(nil))
	return m.md5
}

// ProtoInfo builds the fingerprint exchanged with peers.
func (m *ServiceMap) ProtoInfo() *ProtoInfo {
	return &ProtoInfo{
		MD5:          m.MD5(),
		LastModified: m.lastModified.UnixMilli(),
		Runtime:      "duplex/" + Version,
		Node:         runtime.Version(),
	}
}
