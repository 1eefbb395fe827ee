package server

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/moodchat/internal/domain"
	apperrors "github.com/pscheid92/moodchat/internal/platform/errors"
)

type roomResponse struct {
	Room    string `json:"room"`
	Group   string `json:"group"`
	Clients int    `json:"clients"`
}

// handleGetRoom reports how many clients this instance holds for a room.
func (s *Server) handleGetRoom(c echo.Context) error {
	room := domain.RoomID(c.Param("room"))
	if err := room.Validate(); err != nil {
		return err
	}

	clients, err := s.hub.ClientCount(room)
	if err != nil {
		return apperrors.UnavailableError("room status unavailable", err)
	}

	resp := roomResponse{
		Room:    room.String(),
		Group:   domain.GroupName(room),
		Clients: clients,
	}
	if err := c.JSON(http.StatusOK, resp); err != nil {
		return fmt.Errorf("failed to write room response: %w", err)
	}
	return nil
}
