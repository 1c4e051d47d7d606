package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lkarlslund/chatgate/pkg/apierr"
	"github.com/lkarlslund/chatgate/pkg/metrics"
	"github.com/lkarlslund/chatgate/pkg/normalize"
	"github.com/lkarlslund/chatgate/pkg/relay"
)

const maxChatBodyBytes = 8 << 20

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body []byte
	if r.Method == http.MethodPost {
		b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxChatBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeRelay(w, relay.Error(apierr.MalformedBody("Request body exceeds %d bytes.", tooLarge.Limit)))
				return
			}
			writeRelay(w, relay.Error(apierr.MalformedBody("Request body could not be read.")))
			return
		}
		body = b
	}
	resp := s.complete(r.Context(), normalize.Inbound{
		Method:    r.Method,
		Query:     r.URL.Query(),
		Body:      body,
		PathAlias: chi.URLParam(r, "alias"),
	})
	writeRelay(w, resp)
}

// complete runs one request through normalize, forward and relay.
func (s *Server) complete(ctx context.Context, in normalize.Inbound) relay.Response {
	req, err := normalize.Normalize(in, s.registry, s.defaults)
	if err != nil {
		apiErr := apierr.As(err)
		s.metrics.ObserveRejected(apiErr.Kind.String())
		if apiErr.IsValidation() {
			log.Debug("request rejected", "kind", apiErr.Kind, "error", err, "request_id", middleware.GetReqID(ctx))
		} else {
			log.Error("normalize request", "kind", apiErr.Kind, "error", err, "request_id", middleware.GetReqID(ctx))
		}
		return relay.Error(err)
	}
	s.metrics.ObserveShape(req.Shape.String())

	start := time.Now()
	result, err := s.forwarder.Forward(ctx, req)
	elapsed := time.Since(start)
	s.metrics.ObserveUpstream(req.Model, upstreamOutcome(err), elapsed)
	if err != nil {
		log.Warn("upstream call failed",
			"model", req.Model,
			"status", apierr.As(err).Status(),
			"error", err,
			"duration", elapsed.Round(time.Millisecond),
			"request_id", middleware.GetReqID(ctx),
		)
	} else {
		log.Debug("upstream call complete", "model", req.Model, "shape", req.Shape, "messages", len(req.Messages), "duration", elapsed.Round(time.Millisecond))
	}
	return relay.Relay(result, err, s.mode)
}

func upstreamOutcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case apierr.IsKind(err, apierr.KindTimeout):
		return metrics.OutcomeTimeout
	default:
		return metrics.OutcomeError
	}
}

func writeRelay(w http.ResponseWriter, resp relay.Response) {
	writeJSON(w, resp.Status, resp.Body)
}
