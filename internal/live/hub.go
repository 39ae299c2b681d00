// Package live composes the session, connection, dispatcher, REST client and
// reconciliation store into feeds: collections that are fetched once and
// then kept current by pushed deltas.
package live

import (
	"github.com/eventdesk/livesync/internal/conn"
	"github.com/eventdesk/livesync/internal/dispatch"
	"github.com/eventdesk/livesync/internal/rest"
	"github.com/eventdesk/livesync/internal/session"
	"github.com/rs/zerolog"
)

// Hub is the process-wide wiring shared by every feed. Feeds come and go;
// the hub and its connection stay.
type Hub struct {
	session    *session.Store
	dispatcher *dispatch.Dispatcher
	conn       *conn.Manager
	client     *rest.Client
	logger     zerolog.Logger
}

// NewHub builds the dispatcher and connection manager on top of sess and
// client. The connection starts Disconnected; call Conn().Connect().
func NewHub(sess *session.Store, dialer conn.Dialer, client *rest.Client, logger zerolog.Logger, opts ...conn.Option) *Hub {
	d := dispatch.New(logger)
	opts = append([]conn.Option{conn.WithLogger(logger)}, opts...)
	return &Hub{
		session:    sess,
		dispatcher: d,
		conn:       conn.New(dialer, sess, d, opts...),
		client:     client,
		logger:     logger,
	}
}

func (h *Hub) Session() *session.Store { return h.session }

func (h *Hub) Dispatcher() *dispatch.Dispatcher { return h.dispatcher }

func (h *Hub) Conn() *conn.Manager { return h.conn }

func (h *Hub) Client() *rest.Client { return h.client }

// Close shuts the connection down for good.
func (h *Hub) Close() {
	h.conn.Close()
}
