// Package logctx decorates slog records with request-scoped attributes
// carried on the context.
package logctx

import (
	"context"
	"log/slog"
)

// Handler adds the req, rpc and endpoint groups found on the context to every
// record before passing it to the wrapped handler.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("transport", rd.Transport),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if msg, ok := ctx.Value(rpcMsg{}).(*RPCMessage); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("method", msg.Method),
			slog.String("id", msg.ID),
			slog.String("type", msg.Type),
		))
	}

	if ed, ok := ctx.Value(endpointDataKey{}).(*EndpointData); ok {
		r.AddAttrs(slog.Group("endpoint",
			slog.String("url", ed.URL),
			slog.Int("index", ed.Index),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type rpcMsg struct{}

type RPCMessage struct {
	Method string
	ID     string
	Type   string
}

func WithRPCMessage(ctx context.Context, msg *RPCMessage) context.Context {
	return context.WithValue(ctx, rpcMsg{}, msg)
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Transport  string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

// RequestDataFrom returns the request data stored in ctx, if any.
func RequestDataFrom(ctx context.Context) (*RequestData, bool) {
	data, ok := ctx.Value(requestDataKey{}).(*RequestData)
	return data, ok && data != nil
}

type endpointDataKey struct{}

type EndpointData struct {
	URL   string
	Index int
}

func WithEndpointData(ctx context.Context, data *EndpointData) context.Context {
	return context.WithValue(ctx, endpointDataKey{}, data)
}
