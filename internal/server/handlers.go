package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/avernakis/trunkline/internal/bridge"
	"github.com/avernakis/trunkline/internal/calllog"
	"github.com/avernakis/trunkline/internal/observe"
	"github.com/avernakis/trunkline/pkg/openai/realtime"
	"github.com/avernakis/trunkline/pkg/twilio/rest"
	"github.com/avernakis/trunkline/pkg/twilio/stream"
	"github.com/avernakis/trunkline/pkg/twilio/twiml"
)

// rejectionNotice is spoken to the caller when no AI session can be set up.
const rejectionNotice = "The assistant is unavailable right now. Please call again later."

// handleIncomingCall is the Twilio voice webhook. It mints a Realtime
// session before the media socket exists, so the negotiation latency lands
// here rather than inside the call, and answers with TwiML that points
// Twilio's media stream at /media-stream/{client_secret}. The secret ties
// the later websocket to the session parameters negotiated now.
func (s *Server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}
	log := observe.Logger(r.Context()).With(
		"call_sid", r.PostFormValue("CallSid"),
		"from", r.PostFormValue("From"),
	)

	var minted realtime.MintedSession
	err := s.mintBreaker.Execute(func() error {
		var mintErr error
		minted, mintErr = s.minter.Mint(r.Context(), s.sessionRequest())
		return mintErr
	})
	if err != nil {
		log.Error("minting realtime session", "err", err)
		s.writeTwiML(w, twiml.Reject(rejectionNotice))
		return
	}
	log.Info("session minted", "session_id", minted.ID, "expires_at", minted.ExpiresAt)

	streamURL := "wss://" + s.cfg.Server.PublicHost + "/media-stream/" + minted.ClientSecret
	s.writeTwiML(w, twiml.ConnectStream(streamURL))
}

// handleMediaStream accepts Twilio's media websocket, dials the Realtime
// socket with the client secret carried in the path, and hands the adapter
// pair to the bridge. The handler blocks until the call ends: the websocket
// is hijacked from the HTTP server and lives for the whole call.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	secret := r.PathValue("secret")
	if secret == "" {
		http.Error(w, "missing session credential", http.StatusNotFound)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("accepting media stream websocket", "err", err)
		return
	}

	callID := bridge.NewCallID()
	log := s.log.With("call_id", callID)

	tel := stream.NewConn(ws,
		stream.WithLogger(log),
		stream.WithProtocolErrorHook(func() {
			s.met.RecordProtocolError(context.Background(), "twilio")
		}),
	)

	dialOpts := []realtime.DialOption{
		realtime.WithModel(s.cfg.OpenAI.Model),
		realtime.WithLogger(log),
		realtime.WithProtocolErrorHook(func() {
			s.met.RecordProtocolError(context.Background(), "openai")
		}),
	}
	if s.cfg.OpenAI.RealtimeURL != "" {
		dialOpts = append(dialOpts, realtime.WithBaseURL(s.cfg.OpenAI.RealtimeURL))
	}
	ai, err := realtime.Dial(r.Context(), secret, dialOpts...)
	if err != nil {
		log.Error("dialing realtime socket", "err", err)
		ws.Close(websocket.StatusInternalError, "upstream unavailable")
		return
	}

	if err := s.store.CallStarted(r.Context(), calllog.Record{
		CallID:    callID,
		Direction: calllog.DirectionInbound,
		StartedAt: time.Now(),
	}); err != nil {
		log.Warn("recording call start", "err", err)
	}

	call, err := s.manager.Register(callID, tel, ai, bridge.Config{
		Session:          s.sessionParams(),
		Greeting:         s.cfg.Bridge.Greeting,
		ClearInput:       s.cfg.Bridge.ClearInput(),
		BootstrapTimeout: s.cfg.Bridge.BootstrapTimeout,
		OnClosed:         s.recordCallEnd,
		Logger:           log,
		Metrics:          s.met,
	})
	if err != nil {
		log.Error("registering call", "err", err)
		tel.Close()
		ai.Close()
		return
	}

	// Run both read loops for the life of the call. The loops are bound to
	// a shared context so one side's failure releases the other even
	// before the bridge's own cascade lands.
	g, gctx := errgroup.WithContext(context.Background())
	g.Go(func() error { return tel.Run(gctx) })
	g.Go(func() error { return ai.Run(gctx) })
	if err := g.Wait(); err != nil {
		log.Debug("read loop ended with error", "err", err)
	}
	<-call.Done()
}

// recordCallEnd persists the teardown outcome. Runs once per call. The
// causing error is already logged by the bridge.
func (s *Server) recordCallEnd(c *bridge.Call, reason string, _ error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.store.CallEnded(ctx, calllog.Record{
		CallID:    c.ID(),
		CallSID:   c.CallSID(),
		StreamSID: c.StreamSID(),
		Direction: calllog.DirectionInbound,
		EndedAt:   time.Now(),
		EndReason: reason,
	})
	if err != nil {
		s.log.Warn("recording call end", "call_id", c.ID(), "err", err)
	}
}

// handleCallStatus receives Twilio call progress callbacks.
func (s *Server) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}
	ev := calllog.StatusEvent{
		CallSID:  r.PostFormValue("CallSid"),
		Status:   r.PostFormValue("CallStatus"),
		Duration: r.PostFormValue("CallDuration"),
		At:       time.Now(),
	}
	observe.Logger(r.Context()).Info("call status",
		"call_sid", ev.CallSID, "status", ev.Status, "duration", ev.Duration)

	if err := s.store.RecordStatus(r.Context(), ev); err != nil {
		observe.Logger(r.Context()).Warn("recording status callback", "err", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// outboundRequest is the body of POST /calls.
type outboundRequest struct {
	To string `json:"to"`
}

// outboundResponse echoes the created call.
type outboundResponse struct {
	CallSID string `json:"call_sid"`
	Status  string `json:"status"`
}

// handleOutboundCall places an outbound call that loops back through the
// same /incoming-call webhook, so inbound and outbound calls share one
// bridging path.
func (s *Server) handleOutboundCall(w http.ResponseWriter, r *http.Request) {
	if s.twilio == nil {
		http.Error(w, `{"error":"outbound calling is not configured"}`, http.StatusServiceUnavailable)
		return
	}

	var req outboundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.To == "" {
		http.Error(w, `{"error":"body must be {\"to\":\"+E164\"}"}`, http.StatusBadRequest)
		return
	}

	call, err := s.twilio.CreateCall(r.Context(), rest.CallParams{
		To:             req.To,
		From:           s.cfg.Twilio.CallerID,
		URL:            "https://" + s.cfg.Server.PublicHost + "/incoming-call",
		StatusCallback: "https://" + s.cfg.Server.PublicHost + "/call-status",
	})
	if err != nil {
		observe.Logger(r.Context()).Error("creating outbound call", "to", req.To, "err", err)
		http.Error(w, `{"error":"call creation failed"}`, http.StatusBadGateway)
		return
	}
	observe.Logger(r.Context()).Info("outbound call created", "call_sid", call.SID, "to", call.To)

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(outboundResponse{CallSID: call.SID, Status: call.Status}); err != nil {
		s.log.Warn("encoding outbound call response", "err", err)
	}
}

// writeTwiML renders doc as the webhook response. Twilio expects 200 with an
// XML body even for rejections.
func (s *Server) writeTwiML(w http.ResponseWriter, doc *twiml.Response) {
	body, err := doc.Render()
	if err != nil {
		s.log.Error("rendering twiml", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	if _, err := w.Write([]byte(body)); err != nil {
		s.log.Warn("writing twiml response", "err", err)
	}
}
