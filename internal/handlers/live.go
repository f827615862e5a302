package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/jarvis-platform/jarvis-admin/internal/ws"
)

// RegisterLiveHandlers wires the live feed events onto app.WS.
//
//	auth    [token]  admit the connection and push every channel
//	refresh []       push every channel again
func RegisterLiveHandlers(app *App) {
	app.WS.Handle("auth", app.handleLiveAuth)
	app.WS.Handle("refresh", app.handleLiveRefresh)
}

func (app *App) handleLiveAuth(c *ws.Conn, msg *ws.ClientMessage) {
	token := argString(parseArgs(msg), 0)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	user, status, err := app.Guard.Check(ctx, "Bearer "+token)
	if err != nil {
		slog.Debug("live feed auth rejected", "conn", c.ID(), "status", status)
		c.SetUser("")
		ack(c, msg, ws.ErrorResponse{OK: false, Msg: err.Error(), Status: status})
		return
	}

	c.SetUser(user.Email)
	slog.Info("live feed subscribed", "conn", c.ID(), "user", user.Email)
	ack(c, msg, ws.OkResponse{OK: true})
	app.sendAllBroadcastsTo(c)
}

func (app *App) handleLiveRefresh(c *ws.Conn, msg *ws.ClientMessage) {
	if !c.Authenticated() {
		ack(c, msg, ws.ErrorResponse{OK: false, Msg: "Not authenticated", Status: http.StatusUnauthorized})
		return
	}
	ack(c, msg, ws.OkResponse{OK: true})
	app.sendAllBroadcastsTo(c)
}

func ack[T any](c *ws.Conn, msg *ws.ClientMessage, data T) {
	if msg != nil && msg.ID != nil {
		ws.SendAck(c, *msg.ID, data)
	}
}
