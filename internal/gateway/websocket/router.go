package websocket

import (
	"encoding/json"

	"go.uber.org/zap"

	apperrors "github.com/grahama1970/cc-executor/internal/common/errors"
	"github.com/grahama1970/cc-executor/internal/executor/coordinator"
	"github.com/grahama1970/cc-executor/internal/executor/session"
	v1 "github.com/grahama1970/cc-executor/pkg/api/v1"
	"github.com/grahama1970/cc-executor/pkg/jsonrpc"
)

// dispatch decodes one JSON-RPC frame and routes it to the session's
// coordinator. Protocol errors produce standard JSON-RPC error responses and
// never disturb session state.
func (s *Server) dispatch(sess *session.Session, ws *wsConn, coord *coordinator.Coordinator, data []byte) {
	var req jsonrpc.Request
	if err := json.Unmarshal(data, &req); err != nil {
		ws.sendResponse(jsonrpc.NewErrorResponse(nil, jsonrpc.ParseError, "invalid JSON"))
		return
	}
	if req.JSONRPC != jsonrpc.Version || req.Method == "" {
		ws.sendResponse(jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidRequest, "invalid JSON-RPC request"))
		return
	}

	s.logger.WithSessionID(sess.ID).Debug("request received",
		zap.String("method", req.Method))

	var result interface{}
	var err error

	switch req.Method {
	case jsonrpc.MethodExecute:
		var params v1.ExecuteParams
		if perr := req.ParseParams(&params); perr != nil {
			err = apperrors.ValidationError("params", perr.Error())
			break
		}
		result, err = coord.Execute(sess.Context(), &params)

	case jsonrpc.MethodControl:
		var params v1.ControlParams
		if perr := req.ParseParams(&params); perr != nil {
			err = apperrors.ValidationError("params", perr.Error())
			break
		}
		result, err = coord.Control(sess.Context(), params.Type)

	case jsonrpc.MethodHookStatus:
		result = s.hookStatus()

	default:
		if req.IsNotification() {
			return
		}
		ws.sendResponse(jsonrpc.NewErrorResponse(req.ID, jsonrpc.MethodNotFound,
			"unknown method: "+req.Method))
		return
	}

	if req.IsNotification() {
		return
	}

	if err != nil {
		ws.sendResponse(jsonrpc.NewErrorResponse(req.ID, rpcCode(err), err.Error()))
		return
	}

	resp, merr := jsonrpc.NewResponse(req.ID, result)
	if merr != nil {
		ws.sendResponse(jsonrpc.NewErrorResponse(req.ID, jsonrpc.InternalError, merr.Error()))
		return
	}
	ws.sendResponse(resp)
}

// hookStatus reports the static capability info of the configured rewriters.
func (s *Server) hookStatus() *v1.HookStatusResult {
	if s.hooks == nil || !s.hooks.Enabled() {
		return &v1.HookStatusResult{Enabled: false, HooksConfigured: []string{}}
	}
	return &v1.HookStatusResult{Enabled: true, HooksConfigured: s.hooks.Names()}
}

// rpcCode maps application error codes onto the wire's numeric space.
func rpcCode(err error) int {
	switch apperrors.Code(err) {
	case apperrors.ErrCodeBusy:
		return jsonrpc.CodeBusy
	case apperrors.ErrCodeNoActiveExecution:
		return jsonrpc.CodeNoActiveExecution
	case apperrors.ErrCodeSpawnFailed:
		return jsonrpc.CodeSpawnFailed
	case apperrors.ErrCodeCapacityExceeded:
		return jsonrpc.CodeCapacityExceeded
	case apperrors.ErrCodeTimeout:
		return jsonrpc.CodeTimeout
	case apperrors.ErrCodeCommandNotAllowed:
		return jsonrpc.CodeCommandNotAllowed
	case apperrors.ErrCodeValidationError:
		return jsonrpc.InvalidParams
	default:
		return jsonrpc.InternalError
	}
}
