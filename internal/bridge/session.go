package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/vanet-simulator/core"
	"github.com/signalsfoundry/vanet-simulator/internal/logging"
)

var tracer = otel.Tracer("github.com/signalsfoundry/vanet-simulator/internal/bridge")

// session is one attached external client. It owns the virtual station, the
// forwarding handler spliced into the proxied real station, and the two
// connection pumps.
type session struct {
	srv  *Server
	conn *websocket.Conn
	ctx  context.Context
	log  logging.Logger
	span trace.Span

	entityID       string
	injectedSender string

	station *core.Station
	virtual *core.VirtualStation
	saved   []core.Handler

	out  chan Frame
	done chan struct{}

	teardownOnce sync.Once
}

// newSession builds the session state and, when the designated entity and
// its station can be resolved, splices the forwarding handler in and
// registers the virtual station. A session without a resolvable proxy stays
// open but inert: pings still round-trip, injection is refused per frame.
// Caller holds the server's session slot.
func newSession(srv *Server, conn *websocket.Conn) (*session, error) {
	sessionID := uuid.NewString()[:8]
	ctx := logging.ContextWithSessionID(context.Background(), sessionID)
	ctx, span := tracer.Start(ctx, "bridge.session",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	sess := &session{
		srv:  srv,
		conn: conn,
		ctx:  ctx,
		log:  logging.WithSessionLogger(ctx, srv.log),
		span: span,
		out:  make(chan Frame, srv.cfg.OutboundBuffer),
		done: make(chan struct{}),
	}

	entityID, station := resolveProxy(srv)
	if station == nil {
		span.SetAttributes(attribute.Bool("inert", true))
		sess.log.Warn(ctx, "no station for designated role; session is inert",
			logging.String("role", srv.cfg.DesignatedRole))
		return sess, nil
	}

	virtual, err := core.NewVirtualStation(srv.hub.Registry(), srv.env, entityID)
	if err != nil {
		span.End()
		return nil, fmt.Errorf("register virtual station: %w", err)
	}
	span.SetAttributes(
		attribute.String("entity_id", entityID),
		attribute.String("station_id", station.ID()),
		attribute.String("virtual_id", virtual.ID()),
	)

	sess.entityID = entityID
	sess.injectedSender = "hero_" + entityID
	sess.station = station
	sess.virtual = virtual
	sess.saved = station.Handlers()
	station.AddHandler(sess.forward)

	sess.log.Info(ctx, "bridge session opened",
		logging.String("entity_id", entityID),
		logging.String("station_id", station.ID()),
		logging.String("virtual_id", virtual.ID()),
	)
	return sess, nil
}

// resolveProxy finds the station attached to the lowest-sorted entity
// carrying the designated role.
func resolveProxy(srv *Server) (string, *core.Station) {
	ids := srv.env.EntityIDsByRole(srv.cfg.DesignatedRole)
	if len(ids) == 0 {
		return "", nil
	}
	sort.Strings(ids)
	entityID := ids[0]

	p, ok := srv.hub.Registry().StationForEntity(entityID)
	if !ok {
		return entityID, nil
	}
	station, ok := p.(*core.Station)
	if !ok {
		return entityID, nil
	}
	return entityID, station
}

// run drives the session until the connection drops, then tears down.
func (s *session) run() {
	go s.writeLoop()
	s.readLoop()
	s.teardown()
}

// teardown restores the proxied station's original handler chain exactly,
// removes the virtual station, and releases the session slot.
func (s *session) teardown() {
	s.teardownOnce.Do(func() {
		close(s.done)
		if s.station != nil {
			s.station.SetHandlers(s.saved)
		}
		if s.virtual != nil {
			s.virtual.Destroy()
		}
		_ = s.conn.Close()
		s.srv.detach(s)
		s.span.End()
		s.log.Info(s.ctx, "bridge session closed",
			logging.String("entity_id", s.entityID))
	})
}

// forward is the handler spliced into the proxied station: every message the
// station receives becomes an outbound frame. A slow client loses frames
// rather than stalling the delivery path.
func (s *session) forward(msg *core.Message) error {
	frame, err := frameFromMessage(msg)
	if err != nil {
		return err
	}
	s.enqueue(frame)
	return nil
}

func frameFromMessage(msg *core.Message) (Frame, error) {
	var payload []byte
	var err error
	if msg.CAM != nil {
		payload, err = core.EncodeCAM(msg.CAM)
	} else {
		payload, err = json.Marshal(msg.Data)
	}
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s frame: %w", msg.Type, err)
	}
	return Frame{Type: msg.Type, Payload: payload}, nil
}

func (s *session) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.sendError("malformed frame: not valid JSON")
			continue
		}
		s.record("inbound", frame.Type)

		switch frame.Type {
		case FrameTypeCAM:
			s.handleCAM(frame.Payload)
		case FrameTypePing:
			s.enqueue(pongFrame(frame.Timestamp))
		case FrameTypeError:
			s.log.Warn(s.ctx, "client error frame",
				logging.String("message", frame.Message))
		default:
			s.sendError(fmt.Sprintf("unknown frame type %q", frame.Type))
		}
	}
}

// handleCAM injects one client CAM into the network as a range-bounded
// broadcast from the virtual station's synced position. Decode problems are
// reported back as error frames and never close the session.
func (s *session) handleCAM(payload json.RawMessage) {
	ctx, span := tracer.Start(s.ctx, "bridge.cam_injection")
	defer span.End()

	if s.virtual == nil {
		span.SetStatus(codes.Error, "no proxied station")
		s.sendError("no proxied station for designated role")
		return
	}
	cam, err := core.DecodeCAM(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		s.sendError(err.Error())
		return
	}
	if cam.SenderID == "" || cam.SenderID == "websocket_client" {
		cam.SenderID = s.injectedSender
	}

	s.virtual.SyncLocation()
	msg := &core.Message{
		Type:     core.MessageTypeCAM,
		SenderID: cam.SenderID,
		SentAt:   s.srv.clock.Now(),
		CAM:      cam,
	}
	n := s.srv.hub.Deliver(s.virtual.ID(), msg, core.RangeBounded{Meters: s.srv.cfg.InjectionRangeM})
	span.SetAttributes(
		attribute.String("sender_id", cam.SenderID),
		attribute.Int("delivered", n),
	)
	s.log.Debug(ctx, "client cam injected",
		logging.String("sender_id", cam.SenderID),
		logging.Int("delivered", n),
	)
}

func (s *session) sendError(message string) {
	s.enqueue(errorFrame(message))
}

func (s *session) enqueue(frame Frame) {
	select {
	case s.out <- frame:
		s.record("outbound", frame.Type)
	default:
		s.log.Warn(s.ctx, "outbound frame dropped",
			logging.String("frame_type", frame.Type))
	}
}

func (s *session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.out:
			deadline := time.Now().Add(s.srv.cfg.WriteTimeout)
			_ = s.conn.SetWriteDeadline(deadline)
			if err := s.conn.WriteJSON(frame); err != nil {
				s.log.Warn(s.ctx, "bridge write failed",
					logging.String("error", err.Error()))
				s.teardown()
				return
			}
		}
	}
}

func (s *session) record(direction, frameType string) {
	if s.srv.metrics != nil {
		s.srv.metrics.RecordBridgeFrame(direction, frameType)
	}
}
