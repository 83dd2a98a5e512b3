package rpc

import "sync"

// PendingCall is an outstanding client-side request awaiting its res or
// err envelope.
type PendingCall struct {
	SN       uint32
	ApiName  string
	Req      any
	AbortKey string

	// OnAbort runs once when the call is aborted.
	OnAbort func()

	mu        sync.Mutex
	isAborted bool
	resolved  bool
	ret       chan *ApiReturn
	aborted   chan struct{}

	// settled closes once the call is resolved or aborted, whichever
	// happens first.
	settled chan struct{}
}

func newPendingCall(sn uint32, apiName string, req any, abortKey string) *PendingCall {
	return &PendingCall{
		SN:       sn,
		ApiName:  apiName,
		Req:      req,
		AbortKey: abortKey,
		ret:      make(chan *ApiReturn, 1),
		aborted:  make(chan struct{}),
		settled:  make(chan struct{}),
	}
}

// IsAborted reports whether the call was aborted.
func (p *PendingCall) IsAborted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isAborted
}

// resolve delivers the return value at most once. Resolving an aborted
// call is a no-op.
func (p *PendingCall) resolve(ret *ApiReturn) bool {
	p.mu.Lock()
	if p.isAborted || p.resolved {
		p.mu.Unlock()
		return false
	}
	p.resolved = true
	p.mu.Unlock()

	close(p.settled)
	p.ret <- ret
	return true
}

func (p *PendingCall) abort() {
	p.mu.Lock()
	if p.isAborted {
		p.mu.Unlock()
		return
	}
	if !p.resolved {
		close(p.settled)
	}
	p.isAborted = true
	onAbort := p.OnAbort
	p.OnAbort = nil
	p.mu.Unlock()

	close(p.aborted)
	if onAbort != nil {
		onAbort()
	}
}

// PendingCalls maps in-flight sequence numbers to their calls and keeps a
// secondary abort-key index.
type PendingCalls struct {
	mu    sync.Mutex
	calls map[uint32]*PendingCall
	byKey map[string]map[uint32]struct{}
}

func NewPendingCalls() *PendingCalls {
	return &PendingCalls{
		calls: make(map[uint32]*PendingCall),
		byKey: make(map[string]map[uint32]struct{}),
	}
}

func (p *PendingCalls) Insert(call *PendingCall) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls[call.SN] = call
	if call.AbortKey != "" {
		set, ok := p.byKey[call.AbortKey]
		if !ok {
			set = make(map[uint32]struct{})
			p.byKey[call.AbortKey] = set
		}
		set[call.SN] = struct{}{}
	}
}

// Remove detaches the call for sn and returns it, or nil if the sn is
// unknown.
func (p *PendingCalls) Remove(sn uint32) *PendingCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removeLocked(sn)
}

func (p *PendingCalls) removeLocked(sn uint32) *PendingCall {
	call, ok := p.calls[sn]
	if !ok {
		return nil
	}
	delete(p.calls, sn)
	if call.AbortKey != "" {
		set := p.byKey[call.AbortKey]
		delete(set, sn)
		if len(set) == 0 {
			delete(p.byKey, call.AbortKey)
		}
	}
	return call
}

// Get returns the call for sn without detaching it.
func (p *PendingCalls) Get(sn uint32) *PendingCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[sn]
}

// ApiName looks up the api name of an in-flight call. The buffer envelope
// decoder uses this to recover the service of an inbound res.
func (p *PendingCalls) ApiName(sn uint32) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	call, ok := p.calls[sn]
	if !ok {
		return "", false
	}
	return call.ApiName, true
}

// Abort removes the call and arms its aborted state; its resolver will
// never fire afterwards. Idempotent.
func (p *PendingCalls) Abort(sn uint32) {
	p.mu.Lock()
	call := p.removeLocked(sn)
	p.mu.Unlock()

	if call != nil {
		call.abort()
	}
}

// AbortByKey aborts every in-flight call registered under the key.
func (p *PendingCalls) AbortByKey(key string) {
	p.mu.Lock()
	var calls []*PendingCall
	for sn := range p.byKey[key] {
		if call := p.removeLocked(sn); call != nil {
			calls = append(calls, call)
		}
	}
	p.mu.Unlock()

	for _, call := range calls {
		call.abort()
	}
}

// AbortAll aborts every in-flight call.
func (p *PendingCalls) AbortAll() {
	for _, call := range p.takeAll() {
		call.abort()
	}
}

// takeAll detaches and returns every in-flight call.
func (p *PendingCalls) takeAll() []*PendingCall {
	p.mu.Lock()
	defer p.mu.Unlock()

	calls := make([]*PendingCall, 0, len(p.calls))
	for _, call := range p.calls {
		calls = append(calls, call)
	}
	p.calls = make(map[uint32]*PendingCall)
	p.byKey = make(map[string]map[uint32]struct{})
	return calls
}

func (p *PendingCalls) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
