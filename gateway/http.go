package gateway

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/elnormous/contenttype"
)

func (g *Gateway) handlePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		g.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.cfg.Server.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			g.log.WarnContext(ctx, "http.body.too_large", slog.Int64("limit", tooLarge.Limit))
			return
		}
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		g.log.WarnContext(ctx, "http.body.read.fail", slog.String("err", err.Error()))
		return
	}

	out, after := g.handlePayload(ctx, body, originOf(r), nil)
	for _, f := range after {
		f()
	}
	if out == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	if _, err := w.Write(out); err != nil {
		g.log.DebugContext(ctx, "http.write.fail", slog.String("err", err.Error()))
	}
}
