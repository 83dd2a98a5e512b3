package rpc

import (
	"fmt"
	"sync"
	"time"
)

// ApiCall is one inbound request being served locally. The handler ends
// it with exactly one Succ or Error; later replies are dropped with a
// warning.
type ApiCall struct {
	Conn        *Connection
	ServiceName string
	SN          uint32
	Req         any

	startTime time.Time

	mu           sync.Mutex
	replied      bool
	timeoutTimer *time.Timer
}

func newApiCall(conn *Connection, serviceName string, sn uint32, req any) *ApiCall {
	return &ApiCall{
		Conn:        conn,
		ServiceName: serviceName,
		SN:          sn,
		Req:         req,
		startTime:   time.Now(),
	}
}

// Elapsed is the time since the request arrived.
func (a *ApiCall) Elapsed() time.Duration {
	return time.Since(a.startTime)
}

// Execute runs the flow chain and the registered handler. Panics inside
// the handler become internal-error replies instead of crashing the
// process.
func (a *ApiCall) Execute() {
	c := a.Conn

	if c.opts.LogApi {
		msg := fmt.Sprintf("[ApiReq] %s sn=%d", c.highlight(a.ServiceName), a.SN)
		if c.opts.LogReqBody {
			msg += fmt.Sprintf(" req=%+v", a.Req)
		}
		c.logInfo(msg)
	}

	if _, ok := c.flows.PreApiCall.Exec(a, c.opts.Logger); !ok {
		return
	}

	handler := c.handlers.get(a.ServiceName)
	if handler == nil {
		a.Error(NewError(a.internalErrorType(), "API not implemented: "+a.ServiceName))
		return
	}

	if timeout := c.opts.ApiCallTimeout; timeout > 0 {
		a.mu.Lock()
		a.timeoutTimer = time.AfterFunc(timeout, func() {
			a.Error(NewErrorCode(a.internalErrorType(), CodeServerTimeout, "Remote Timeout"))
		})
		a.mu.Unlock()
	}

	defer func() {
		if r := recover(); r != nil {
			c.logError(fmt.Sprintf("Handler for %s panicked: %v", a.ServiceName, r))
			a.Error(a.internalError(fmt.Sprintf("%v", r)))
		}
	}()
	handler(a)
}

// internalErrorType is ServerError when this side is the server, else
// ClientError.
func (a *ApiCall) internalErrorType() ErrorType {
	if a.Conn.Side == SideServer {
		return ErrorTypeServer
	}
	return ErrorTypeClient
}

func (a *ApiCall) internalError(inner string) *Error {
	err := NewError(a.internalErrorType(), "Internal Server Error")
	if a.Conn.Side == SideClient {
		err.Message = "Internal Client Error"
	}
	if a.Conn.opts.ReturnInnerError {
		err.Data = map[string]any{"innerError": inner}
	}
	return err
}

// Succ replies with a successful result.
func (a *ApiCall) Succ(res any) *OpResult {
	return a.reply(SuccReturn(res))
}

// Error replies with a typed error. See ErrorMsg for an ApiError built
// from a bare message.
func (a *ApiCall) Error(err *Error) *OpResult {
	return a.reply(ErrReturn(err))
}

// ErrorMsg replies with an ApiError built from a message and optional
// extra data.
func (a *ApiCall) ErrorMsg(msg string, data map[string]any) *OpResult {
	return a.reply(ErrReturn(NewApiError(msg, data)))
}

func (a *ApiCall) reply(ret *ApiReturn) *OpResult {
	a.mu.Lock()
	if a.replied {
		a.mu.Unlock()
		a.Conn.logWarn(fmt.Sprintf("Dropped duplicate reply for %s sn=%d", a.ServiceName, a.SN))
		return OpErr("already replied")
	}
	a.replied = true
	if a.timeoutTimer != nil {
		a.timeoutTimer.Stop()
		a.timeoutTimer = nil
	}
	a.mu.Unlock()

	c := a.Conn

	ev, ok := c.flows.PreApiCallReturn.Exec(&ApiCallReturnEvent{Call: a, Return: ret}, c.opts.Logger)
	if !ok {
		return nil
	}
	ret = ev.Return

	var td *TransportData
	if ret.Succ {
		td = &TransportData{
			Type:        DataTypeRes,
			ServiceName: a.ServiceName,
			SN:          a.SN,
			Body:        ret.Res,
			ProtoInfo:   c.localProtoIfRemoteUnknown(),
		}
	} else {
		td = &TransportData{
			Type: DataTypeErr,
			SN:   a.SN,
			Err:  ret.Err,
		}
	}

	if err := c.sendTransportData(td); err != nil {
		if err == errFlowCanceled {
			return nil
		}
		c.logError(fmt.Sprintf("Failed to send reply for %s sn=%d: %s", a.ServiceName, a.SN, err.Error()))
		return OpErr("%s", err.Error())
	}

	if c.opts.LogApi {
		if ret.Succ {
			msg := fmt.Sprintf("[ApiRes] %s sn=%d elapsed=%s", c.highlight(a.ServiceName), a.SN, a.Elapsed().Round(time.Microsecond))
			if c.opts.LogResBody {
				msg += fmt.Sprintf(" res=%+v", ret.Res)
			}
			c.logInfo(msg)
		} else {
			c.logWarn(fmt.Sprintf("[ApiErr] %s sn=%d err=%s", c.highlight(a.ServiceName), a.SN, ret.Err.Error()))
		}
	}
	return OpSucc()
}

// ApiHost is anything that can register api handlers: a Server, a Client
// or a bare Connection.
type ApiHost interface {
	RegisterApiHandler(apiName string, h ApiHandler)
}

// RegisterApi binds a typed handler function to an api service. The
// request is asserted to Req before the handler runs; a returned error
// becomes an ApiError unless it is already a typed *Error.
func RegisterApi[Req any, Res any](host ApiHost, apiName string, fn func(call *ApiCall, req *Req) (*Res, error)) {
	host.RegisterApiHandler(apiName, func(call *ApiCall) {
		req, ok := call.Req.(*Req)
		if !ok {
			call.Error(NewError(call.internalErrorType(), fmt.Sprintf("unexpected request type %T for %s", call.Req, apiName)))
			return
		}
		res, err := fn(call, req)
		if err != nil {
			if typed, ok := err.(*Error); ok {
				call.Error(typed)
			} else {
				call.Error(NewApiError(err.Error(), nil))
			}
			return
		}
		call.Succ(res)
	})
}
