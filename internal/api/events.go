package api

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/PotLock/zerobuild/pkg/model"
)

// Hub is the subscriber registry events are delivered through.
type Hub interface {
	Subscribe(id model.SessionID, conn *websocket.Conn)
	Unsubscribe(id model.SessionID, conn *websocket.Conn)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// sessionEvents upgrades the connection and streams progress events until the client leaves.
func (s *Server) sessionEvents(c echo.Context) error {
	id := model.SessionID(c.Param("id"))
	if _, err := s.store.Sessions().ByID(c.Request().Context(), id); err != nil {
		return mapError(err)
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	s.hub.Subscribe(id, conn)
	defer func() {
		s.hub.Unsubscribe(id, conn)
		_ = conn.Close()
	}()

	// The hub writes; this loop only watches for the client closing the connection.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return nil
		}
	}
}
