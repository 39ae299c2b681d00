// Package mockserver is a development stand-in for the event platform: REST
// collections, moderation mutations, and a push channel with the
// authenticate handshake, fed by a generator of plausible activity.
package mockserver

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/eventdesk/livesync/internal/protocol"
	"github.com/eventdesk/livesync/internal/session"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const maxFrameSize = 64 << 10

type Server struct {
	store          *Store
	broadcaster    *Broadcaster
	authToken      string
	allowedOrigins map[string]bool
	logger         zerolog.Logger
}

// NewServer wires the HTTP surface. An empty authToken accepts every
// request; otherwise it must be presented as a bearer token or ?token=.
func NewServer(store *Store, broadcaster *Broadcaster, authToken string, allowedOrigins []string, logger zerolog.Logger) *Server {
	s := &Server{
		store:          store,
		broadcaster:    broadcaster,
		authToken:      authToken,
		allowedOrigins: make(map[string]bool),
		logger:         logger.With().Str("component", "mockserver").Logger(),
	}
	for _, origin := range allowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			s.allowedOrigins[trimmed] = true
		}
	}
	return s
}

// Handler returns the gin engine with every route registered.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), securityHeaders(), s.authorize())

	router.GET("/ws", s.handleWS)

	api := router.Group("/api")
	api.GET("/events", s.listEvents)
	api.GET("/events/deletion-requests", s.listDeletionRequests)
	api.POST("/events/:id/deletion-request", s.requestDeletion)
	api.PUT("/events/:id/deletion-request", s.resolveDeletion)
	api.PUT("/events/:id/status", s.updateEventStatus)
	api.GET("/reports", s.listReports)
	api.PUT("/reports/:id", s.reviewReport)
	api.GET("/users", s.listProfiles)
	api.PUT("/users/me", s.updateProfile)
	api.GET("/notifications", s.listNotifications)
	api.PUT("/notifications/:id/read", s.markRead)

	return router
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Next()
	}
}

func (s *Server) authorize() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.authToken == "" {
			c.Next()
			return
		}
		if c.Query("token") == s.authToken {
			c.Next()
			return
		}
		auth := c.GetHeader("Authorization")
		if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "unauthorized"})
	}
}

// caller returns the user id from the request's bearer token, if any.
func caller(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	ident, err := session.ParseIdentity(strings.TrimPrefix(auth, "Bearer "))
	if err != nil {
		return ""
	}
	return ident.UserID
}

func list[T any](c *gin.Context, items []T) {
	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(items), "data": items})
}

func notFound(c *gin.Context, what string) {
	c.JSON(http.StatusNotFound, gin.H{"message": what + " not found"})
}

func (s *Server) listEvents(c *gin.Context) {
	list(c, s.store.Events())
}

func (s *Server) listDeletionRequests(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.store.DeletionRequests()})
}

func (s *Server) requestDeletion(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	r, ok := s.store.RequestDeletion(c.Param("id"), caller(c), req.Reason)
	if !ok {
		notFound(c, "event")
		return
	}
	s.broadcaster.Publish(protocol.DeletionRequested{Request: r})
	c.JSON(http.StatusCreated, r)
}

// resolveDeletion does not broadcast: the resolving client relays the
// resolution over the channel.
func (s *Server) resolveDeletion(c *gin.Context) {
	var req struct {
		Action string `json:"action" binding:"required,oneof=approve reject"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	if !s.store.ResolveDeletion(c.Param("id"), req.Action == "approve") {
		notFound(c, "deletion request")
		return
	}
	msg := "Deletion request rejected"
	if req.Action == "approve" {
		msg = "Deletion request approved"
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

func (s *Server) updateEventStatus(c *gin.Context) {
	var req struct {
		Status protocol.EventStatus `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	ev, ok := s.store.SetEventStatus(c.Param("id"), req.Status)
	if !ok {
		notFound(c, "event")
		return
	}
	s.broadcaster.Publish(protocol.EventStatusUpdated{Event: ev})
	c.JSON(http.StatusOK, gin.H{"success": true, "data": ev})
}

func (s *Server) listReports(c *gin.Context) {
	list(c, s.store.Reports(protocol.ReportStatus(c.Query("status"))))
}

func (s *Server) reviewReport(c *gin.Context) {
	var req struct {
		Status    protocol.ReportStatus `json:"status" binding:"required"`
		AdminNote string                `json:"adminNote"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	r, ok := s.store.ReviewReport(c.Param("id"), req.Status, req.AdminNote)
	if !ok {
		notFound(c, "report")
		return
	}
	s.broadcaster.Publish(protocol.ReportUpdated{Report: r})
	c.JSON(http.StatusOK, r)
}

func (s *Server) listProfiles(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.Profiles())
}

func (s *Server) updateProfile(c *gin.Context) {
	uid := caller(c)
	if uid == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "login required"})
		return
	}
	var req struct {
		Name      string `json:"name"`
		Bio       string `json:"bio"`
		AvatarURL string `json:"avatarUrl"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	p, ok := s.store.Profile(uid)
	if !ok {
		p = protocol.Profile{ID: uid, Role: "user"}
	}
	if req.Name != "" {
		p.Name = req.Name
	}
	if req.Bio != "" {
		p.Bio = req.Bio
	}
	if req.AvatarURL != "" {
		p.AvatarURL = req.AvatarURL
	}
	p = s.store.PutProfile(p)
	s.broadcaster.Publish(protocol.ProfileUpdated{Profile: p})
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Profile updated", "data": p})
}

func (s *Server) listNotifications(c *gin.Context) {
	list(c, s.store.Notifications(caller(c)))
}

func (s *Server) markRead(c *gin.Context) {
	n, ok := s.store.MarkRead(caller(c), c.Param("id"))
	if !ok {
		notFound(c, "notification")
		return
	}
	c.JSON(http.StatusOK, n)
}

func (s *Server) handleWS(c *gin.Context) {
	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	conn.SetReadLimit(maxFrameSize)

	remote := c.Request.RemoteAddr
	cl := s.broadcaster.AddClient(conn)
	s.logger.Info().Str("remote", remote).Str("client", cl.id.String()).Msg("ws client connected")

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(cl)
			s.logger.Info().Str("remote", remote).Msg("ws client disconnected")
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.handleFrame(cl, data)
		}
	}()
}

func (s *Server) handleFrame(cl *client, data []byte) {
	env, err := protocol.Decode(data, time.Now())
	if err != nil {
		s.logger.Debug().Err(err).Msg("ignoring client frame")
		return
	}
	switch msg := env.Message.(type) {
	case protocol.Authenticate:
		cl.setUser(msg.UserID)
		s.broadcaster.sendTo(cl, protocol.Authenticated{UserID: msg.UserID})
	case protocol.DeletionRequestResolved:
		s.broadcaster.relay(cl, msg)
	default:
		s.logger.Debug().Str("topic", string(env.Topic)).Msg("ignoring client frame")
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if s.allowedOrigins[origin] {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}
	host := parsed.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// ListenAndServe serves handler on addr until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, logger zerolog.Logger) error {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
