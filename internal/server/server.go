// Package server wires the HTTP surface of Trunkline: the Twilio webhook
// that answers calls with TwiML, the media-stream websocket endpoint that
// feeds the bridge, status callbacks, outbound call initiation, and the
// operational endpoints (health, metrics).
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/avernakis/trunkline/internal/bridge"
	"github.com/avernakis/trunkline/internal/calllog"
	"github.com/avernakis/trunkline/internal/config"
	"github.com/avernakis/trunkline/internal/health"
	"github.com/avernakis/trunkline/internal/observe"
	"github.com/avernakis/trunkline/internal/resilience"
	"github.com/avernakis/trunkline/pkg/openai/realtime"
	"github.com/avernakis/trunkline/pkg/twilio/rest"
)

// Server holds the assembled HTTP surface. Construct with [New], mount via
// [Server.Handler].
type Server struct {
	cfg     *config.Config
	log     *slog.Logger
	met     *observe.Metrics
	manager *bridge.Manager
	store   calllog.Store
	minter  *realtime.SessionMinter

	// mintBreaker guards the session-mint REST call. When OpenAI is down,
	// callers get the rejection notice immediately instead of waiting out an
	// HTTP timeout.
	mintBreaker *resilience.Breaker

	// twilio is nil when no account credentials are configured; outbound
	// call initiation is then disabled.
	twilio *rest.Client
}

// New assembles a Server from its collaborators.
func New(cfg *config.Config, log *slog.Logger, met *observe.Metrics, manager *bridge.Manager, store calllog.Store) *Server {
	var minterOpts []realtime.MinterOption
	if cfg.OpenAI.APIBaseURL != "" {
		minterOpts = append(minterOpts, realtime.WithAPIBaseURL(cfg.OpenAI.APIBaseURL))
	}

	s := &Server{
		cfg:     cfg,
		log:     log,
		met:     met,
		manager: manager,
		store:   store,
		minter:  realtime.NewSessionMinter(cfg.OpenAI.APIKey, minterOpts...),

		mintBreaker: resilience.NewBreaker(resilience.Config{Name: "openai-mint"}),
	}
	if cfg.Twilio.AccountSID != "" && cfg.Twilio.AuthToken != "" {
		s.twilio = rest.New(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken)
	}
	return s
}

// Handler returns the full route table. The media-stream websocket endpoint
// sits outside the observability middleware; everything else is wrapped.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /incoming-call", s.handleIncomingCall)
	api.HandleFunc("POST /call-status", s.handleCallStatus)
	api.HandleFunc("POST /calls", s.handleOutboundCall)
	api.Handle("GET /metrics", promhttp.Handler())

	h := health.New(
		health.Probe{Name: "calllog", Check: s.store.Ping},
		health.Probe{Name: "openai", Check: s.checkMintCircuit},
	)
	h.Register(api)

	mw := observe.Middleware(s.met)

	root := http.NewServeMux()
	root.HandleFunc("GET /media-stream/{secret}", s.handleMediaStream)
	root.Handle("/", mw(api))
	return root
}

// checkMintCircuit reports the session-mint breaker state as a readiness
// probe: an open circuit means new calls cannot be answered.
func (s *Server) checkMintCircuit(context.Context) error {
	if state := s.mintBreaker.State(); state == resilience.StateOpen {
		return fmt.Errorf("mint circuit %s", state)
	}
	return nil
}

// sessionRequest builds the mint-time session parameters. Both audio formats
// are pinned to the telephony codec so the relay can forward payloads
// verbatim.
func (s *Server) sessionRequest() realtime.SessionRequest {
	return realtime.SessionRequest{
		Model:             s.cfg.OpenAI.Model,
		Voice:             s.cfg.OpenAI.Voice,
		Instructions:      s.cfg.OpenAI.Instructions,
		Modalities:        []string{"text", "audio"},
		Temperature:       s.cfg.OpenAI.Temperature,
		InputAudioFormat:  "g711_ulaw",
		OutputAudioFormat: "g711_ulaw",
		TurnDetection:     s.turnDetection(),
	}
}

// sessionParams mirrors [Server.sessionRequest] as a session.update payload,
// reasserted once the socket is up.
func (s *Server) sessionParams() realtime.SessionParams {
	return realtime.SessionParams{
		Modalities:        []string{"text", "audio"},
		Voice:             s.cfg.OpenAI.Voice,
		Instructions:      s.cfg.OpenAI.Instructions,
		Temperature:       s.cfg.OpenAI.Temperature,
		InputAudioFormat:  "g711_ulaw",
		OutputAudioFormat: "g711_ulaw",
		TurnDetection:     s.turnDetection(),
	}
}

func (s *Server) turnDetection() *realtime.TurnDetection {
	td := &realtime.TurnDetection{Type: "server_vad"}
	if t := s.cfg.Bridge.TurnDetection; t != nil {
		td.Threshold = t.Threshold
		td.PrefixPaddingMS = t.PrefixPaddingMS
		td.SilenceDurationMS = t.SilenceDurationMS
	}
	return td
}
