// Package gateway accepts authenticated websocket connections and binds
// each one to a driver or rider session on its first message.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/rideshare/internal/observability"
	"github.com/example/rideshare/internal/protocol"
	"github.com/example/rideshare/internal/ride"
	"github.com/example/rideshare/internal/session"
	"github.com/example/rideshare/internal/storage"
)

type Gateway struct {
	auth     Authenticator
	deps     *session.Deps
	logger   *slog.Logger
	upgrader websocket.Upgrader
	conns    *Registry
}

func New(auth Authenticator, deps *session.Deps, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		auth:   auth,
		deps:   deps,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: NewRegistry(),
	}
}

// Connections is the number of open websockets.
func (g *Gateway) Connections() int { return g.conns.Len() }

// Shutdown closes every open websocket; their sessions tear down as the
// read loops exit.
func (g *Gateway) Shutdown() { g.conns.CloseAll() }

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := g.auth.Authenticate(r)
	if err != nil {
		observability.GatewayRejections.WithLabelValues("unauthenticated").Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "uid", id.UID, "error", err)
		return
	}
	c := newConn(ws, id.UID)
	g.conns.add(c)
	defer g.conns.remove(c)
	g.serve(WithIdentity(context.Background(), id), c)
}

// binding is the session a connection was bound to.
type binding interface {
	handle(ctx context.Context, env protocol.Envelope) error
	close(ctx context.Context) error
}

func (g *Gateway) serve(ctx context.Context, c *conn) {
	log := g.logger.With("uid", c.uid)
	ws := c.ws
	defer ws.Close()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := c.ping(); err != nil {
					return
				}
			}
		}
	}()

	var bound binding
	defer func() {
		if bound != nil {
			if err := bound.close(context.Background()); err != nil {
				log.Warn("session close failed", "error", err)
			}
		}
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Info("websocket closed", "error", err)
			}
			return
		}
		env, err := protocol.Decode(raw)
		if err != nil {
			g.reply(c, err)
			continue
		}
		if bound == nil {
			b, err := g.bind(ctx, c, env)
			switch {
			case errors.Is(err, storage.ErrNotFound):
				observability.GatewayRejections.WithLabelValues("ride_not_found").Inc()
				log.Info("rider bound to unknown ride, disconnecting")
				c.closeWith(websocket.ClosePolicyViolation, "ride not found")
				return
			case errors.Is(err, session.ErrGeocode):
				// invalidAddress already sent; the client may retry.
			case err != nil:
				g.reply(c, err)
			default:
				bound = b
			}
			continue
		}
		if err := bound.handle(ctx, env); err != nil {
			g.reply(c, err)
		}
	}
}

var errUnbound = errors.New("connection not bound: send offerRide or findRide first")

func (g *Gateway) bind(ctx context.Context, c *conn, env protocol.Envelope) (binding, error) {
	switch env.Type {
	case protocol.OfferRide:
		loc, err := env.Coord()
		if err != nil {
			return nil, err
		}
		d := session.NewDriverSession(c.uid, g.deps, c)
		if err := d.StartOffering(ctx, loc); err != nil {
			_ = d.Close(ctx)
			return nil, err
		}
		return driverBinding{d}, nil
	case protocol.FindRide:
		rideID, err := env.RideID()
		if err != nil {
			return nil, err
		}
		s := session.NewRiderSession(c.uid, g.deps, c)
		if err := s.Start(ctx, rideID); err != nil {
			_ = s.Close(ctx)
			return nil, err
		}
		return riderBinding{s}, nil
	}
	return nil, errUnbound
}

// reply reports a failed client message. Lost races and out of order
// messages are expected and only logged at debug.
func (g *Gateway) reply(c *conn, err error) {
	if errors.Is(err, session.ErrInvalidTransition) || errors.Is(err, ride.ErrInvalidState) {
		g.logger.Debug("client message ignored", "uid", c.uid, "error", err)
	} else {
		g.logger.Warn("client message failed", "uid", c.uid, "error", err)
	}
	if sendErr := c.Send(protocol.Error, protocol.ErrorMessage{Message: err.Error()}); sendErr != nil {
		g.logger.Debug("error reply not delivered", "uid", c.uid, "error", sendErr)
	}
}

type driverBinding struct{ s *session.DriverSession }

func (b driverBinding) handle(ctx context.Context, env protocol.Envelope) error {
	switch env.Type {
	case protocol.OfferRide, protocol.DriverLocation:
		loc, err := env.Coord()
		if err != nil {
			return err
		}
		if env.Type == protocol.OfferRide {
			return b.s.StartOffering(ctx, loc)
		}
		return b.s.ReportLocation(ctx, loc)
	}
	rideID, err := env.RideID()
	if err != nil {
		return err
	}
	switch env.Type {
	case protocol.RejectRide:
		return b.s.RejectRide(ctx, rideID)
	case protocol.ConfirmRide:
		return b.s.ConfirmRide(ctx, rideID)
	case protocol.StartRide:
		return b.s.StartRide(ctx, rideID)
	case protocol.Dropoff:
		_, err := b.s.CompleteDropoff(ctx, rideID)
		return err
	case protocol.CancelRide:
		return b.s.CancelRide(ctx, rideID)
	}
	return unsupported(env.Type)
}

func (b driverBinding) close(ctx context.Context) error { return b.s.Close(ctx) }

type riderBinding struct{ s *session.RiderSession }

func (b riderBinding) handle(ctx context.Context, env protocol.Envelope) error {
	switch env.Type {
	case protocol.RequestRide:
		driverID, err := env.DriverID()
		if err != nil {
			return err
		}
		return b.s.RequestRide(ctx, driverID)
	case protocol.CancelRide:
		return b.s.CancelRide(ctx)
	}
	return unsupported(env.Type)
}

func (b riderBinding) close(ctx context.Context) error { return b.s.Close(ctx) }

type unsupportedError string

func (e unsupportedError) Error() string { return "unsupported message " + string(e) }

func unsupported(msgType string) error { return unsupportedError(msgType) }
