package protocol

import "strings"

// Route is the first path segment of a method name and selects which process
// a message is meant for.
type Route string

const (
	RouteAgent   Route = "codestream"
	RouteHost    Route = "host"
	RouteWebview Route = "webview"
)

func RouteOf(method string) Route {
	method = strings.TrimSpace(method)
	if i := strings.IndexByte(method, '/'); i >= 0 {
		return Route(method[:i])
	}
	return Route(method)
}

func (r Route) Known() bool {
	switch r {
	case RouteAgent, RouteHost, RouteWebview:
		return true
	default:
		return false
	}
}

// Well-known methods used by the host bridge itself.
const (
	MethodReportMessage        = "codestream/reporting/message"
	MethodWebviewDidInitialize = "host/webview/didInitialize"
	MethodHostBootstrap        = "host/bootstrap"
	MethodHostHealth           = "host/health"
	MethodHostDiagnostics      = "host/diagnostics"

	MethodDidChangeActiveEditor        = "webview/editor/didChangeActive"
	MethodDidChangeEditorSelection     = "webview/editor/didChangeSelection"
	MethodDidChangeEditorVisibleRanges = "webview/editor/didChangeVisibleRanges"
	MethodDidChangeFocus               = "webview/focus/didChange"
	MethodNewCodemark                  = "webview/codemark/new"
	MethodNewReview                    = "webview/review/new"
	MethodWebviewReload                = "webview/reload"
)
