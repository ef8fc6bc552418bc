package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/els-fr/livreur/internal/delivery"
	"github.com/els-fr/livreur/internal/errors"
	"github.com/els-fr/livreur/internal/logger"
	"github.com/els-fr/livreur/internal/submission"
	"github.com/els-fr/livreur/internal/swcache"
)

// StatusRequest moves the session to a new status.
type StatusRequest struct {
	Status string `json:"status"`
}

// ItemRequest adds or replaces an item. A nil Qty on add counts one scanned unit.
type ItemRequest struct {
	Barcode string   `json:"barcode"`
	Qty     *int     `json:"qty,omitempty"`
	Temp    *float64 `json:"temp,omitempty"`
}

// BlobRequest carries an image as a data URL.
type BlobRequest struct {
	DataURL string `json:"dataUrl"`
}

// DriverRequest sets the driver email.
type DriverRequest struct {
	Email string `json:"email"`
}

// SubmitResponse reports the queued attempt.
type SubmitResponse struct {
	Seq        int    `json:"seq"`
	ClientUUID string `json:"clientUUID"`
}

// QueueResponse lists pending outbox tasks.
type QueueResponse struct {
	Draining bool        `json:"draining"`
	Tasks    []QueueTask `json:"tasks"`
}

// QueueTask is one pending task without its body.
type QueueTask struct {
	ID       string `json:"id"`
	Endpoint string `json:"endpoint"`
	Created  string `json:"createdAt"`
}

func (s *Server) registerLocalRoutes() {
	g := s.echo.Group("/local")
	g.GET("/session", s.getSession)
	g.POST("/status", s.postStatus)
	g.POST("/items", s.postItem)
	g.PUT("/items/:index", s.putItem)
	g.PATCH("/receiver", s.patchReceiver)
	g.PUT("/signature", s.putSignature)
	g.DELETE("/signature", s.deleteSignature)
	g.POST("/photos", s.postPhoto)
	g.POST("/driver", s.postDriver)
	g.POST("/submit", s.postSubmit)
	g.GET("/queue", s.getQueue)
	g.POST("/notificationclick", s.postNotificationClick)
}

func (s *Server) getSession(c echo.Context) error {
	return c.JSON(http.StatusOK, s.orch.Session().Snapshot())
}

func (s *Server) postStatus(c echo.Context) error {
	var req StatusRequest
	if err := c.Bind(&req); err != nil {
		return s.HandleError(c, err, "Invalid request body", http.StatusBadRequest)
	}
	to, err := delivery.ParseStatus(req.Status)
	if err != nil {
		return s.HandleError(c, err, "Unknown status", http.StatusBadRequest)
	}
	if err := s.orch.Session().Transition(to); err != nil {
		return s.HandleError(c, err, "Transition not allowed", http.StatusConflict)
	}
	return c.JSON(http.StatusOK, s.orch.Session().Snapshot())
}

func (s *Server) postItem(c echo.Context) error {
	var req ItemRequest
	if err := c.Bind(&req); err != nil {
		return s.HandleError(c, err, "Invalid request body", http.StatusBadRequest)
	}
	if req.Qty == nil {
		if err := s.orch.AddScannedItem(req.Barcode); err != nil {
			return s.HandleError(c, err, "Barcode is required", http.StatusBadRequest)
		}
		return c.JSON(http.StatusCreated, s.orch.Session().Items())
	}
	item := delivery.Item{Barcode: req.Barcode, Qty: *req.Qty, Temp: req.Temp}
	if err := s.orch.Session().AddItem(item); err != nil {
		return s.HandleError(c, err, "Invalid item", http.StatusBadRequest)
	}
	return c.JSON(http.StatusCreated, s.orch.Session().Items())
}

func (s *Server) putItem(c echo.Context) error {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return s.HandleError(c, err, "Invalid item index", http.StatusBadRequest)
	}
	var req ItemRequest
	if err := c.Bind(&req); err != nil {
		return s.HandleError(c, err, "Invalid request body", http.StatusBadRequest)
	}
	item := delivery.Item{Barcode: req.Barcode, Temp: req.Temp}
	if req.Qty != nil {
		item.Qty = *req.Qty
	}
	if err := s.orch.Session().UpdateItem(index, item); err != nil {
		if errors.Is(err, delivery.ErrItemNotFound) {
			return s.HandleError(c, err, "Item not found", http.StatusNotFound)
		}
		return s.HandleError(c, err, "Invalid item", http.StatusBadRequest)
	}
	return c.JSON(http.StatusOK, s.orch.Session().Items())
}

func (s *Server) patchReceiver(c echo.Context) error {
	var patch delivery.ReceiverPatch
	if err := c.Bind(&patch); err != nil {
		return s.HandleError(c, err, "Invalid request body", http.StatusBadRequest)
	}
	s.orch.Session().UpdateReceiver(patch)
	return c.JSON(http.StatusOK, s.orch.Session().Snapshot().Receiver)
}

func (s *Server) putSignature(c echo.Context) error {
	var req BlobRequest
	if err := c.Bind(&req); err != nil {
		return s.HandleError(c, err, "Invalid request body", http.StatusBadRequest)
	}
	if err := s.orch.Session().SetSignature(req.DataURL); err != nil {
		return s.HandleError(c, err, "Signature is empty", http.StatusBadRequest)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) deleteSignature(c echo.Context) error {
	s.orch.Session().ClearSignature()
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) postPhoto(c echo.Context) error {
	var req BlobRequest
	if err := c.Bind(&req); err != nil {
		return s.HandleError(c, err, "Invalid request body", http.StatusBadRequest)
	}
	if err := s.orch.Session().AddPhoto(req.DataURL); err != nil {
		return s.HandleError(c, err, "Photo is empty", http.StatusBadRequest)
	}
	return c.JSON(http.StatusCreated, map[string]int{"photos": len(s.orch.Session().Snapshot().Photos)})
}

func (s *Server) postDriver(c echo.Context) error {
	var req DriverRequest
	if err := c.Bind(&req); err != nil {
		return s.HandleError(c, err, "Invalid request body", http.StatusBadRequest)
	}
	if err := s.orch.SetDriverEmail(c.Request().Context(), req.Email); err != nil {
		return s.HandleError(c, err, "Driver email is required", http.StatusBadRequest)
	}
	return c.JSON(http.StatusOK, map[string]string{"driverEmail": s.orch.Session().DriverEmail()})
}

func (s *Server) postSubmit(c echo.Context) error {
	payload, err := s.orch.Submit(c.Request().Context())
	if err != nil {
		if errors.Is(err, submission.ErrDriverEmailRequired) {
			return s.HandleError(c, err, "Driver email is required", http.StatusUnprocessableEntity)
		}
		return s.HandleError(c, err, "Failed to queue delivery", http.StatusInternalServerError)
	}
	return c.JSON(http.StatusAccepted, SubmitResponse{Seq: payload.Seq, ClientUUID: payload.ClientUUID})
}

func (s *Server) getQueue(c echo.Context) error {
	resp := QueueResponse{Tasks: []QueueTask{}}
	if s.queue != nil {
		resp.Draining = s.queue.Draining()
		for _, t := range s.queue.Pending() {
			resp.Tasks = append(resp.Tasks, QueueTask{
				ID:       t.ID,
				Endpoint: t.Endpoint,
				Created:  t.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			})
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// postNotificationClick stands in for the platform delivering a click on a
// displayed notification.
func (s *Server) postNotificationClick(c echo.Context) error {
	var data map[string]string
	if err := c.Bind(&data); err != nil {
		return s.HandleError(c, err, "Invalid request body", http.StatusBadRequest)
	}
	res, err := s.worker.Dispatch(c.Request().Context(), swcache.Event{
		Kind:             swcache.EventNotificationClick,
		NotificationData: data,
	})
	if err != nil {
		return s.HandleError(c, err, "Notification click failed", http.StatusInternalServerError)
	}
	s.log.Debug("notification click handled", logger.Int("effects", len(res.Effects)))
	return c.JSON(http.StatusOK, res.Effects)
}
