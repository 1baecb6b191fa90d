package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	counterdomain "github.com/smallbiznis/clickrank/internal/counter/domain"
	"github.com/smallbiznis/clickrank/internal/counter/liveevents"
)

const liveHeartbeatInterval = 15 * time.Second

// StreamLeaderboardEvents streams committed batches as server-sent events.
// An optional country query narrows the stream to one country.
func (s *Server) StreamLeaderboardEvents(c *gin.Context) {
	if s.liveEvents == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	topic := liveevents.TopicLeaderboard
	if country := strings.TrimSpace(c.Query("country")); country != "" {
		topic = country
		tagCountry(c, country)
	}

	subscription, backlog, err := s.liveEvents.Subscribe(topic)
	if err != nil {
		if errors.Is(err, liveevents.ErrInvalidTopic) {
			AbortWithError(c, counterdomain.ErrInvalidCountryCode)
			return
		}
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	defer subscription.Close()

	writer := c.Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	headers := writer.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	if _, err := io.WriteString(writer, "retry: 2000\n\n"); err != nil {
		return
	}

	for _, event := range backlog {
		if err := writeLiveClickEvent(writer, event); err != nil {
			return
		}
	}
	flusher.Flush()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(liveHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-subscription.Events():
			if err := writeLiveClickEvent(writer, event); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := io.WriteString(writer, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeLiveClickEvent(w io.Writer, event counterdomain.ClickEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: click\ndata: %s\n\n", data)
	return err
}
