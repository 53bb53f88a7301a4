package dimse

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

// ServerOption configures a Server
type ServerOption func(*Server)

// WithServerLogger overrides the logger used by the server
func WithServerLogger(logger zerolog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
		s.config.Logger = &s.logger
	}
}

// WithMaxAssociations limits concurrently established associations; 0 is unlimited
func WithMaxAssociations(n int) ServerOption {
	return func(s *Server) { s.maxAssociations = n }
}

// AssociationInfo describes a live association
type AssociationInfo struct {
	ID            string    `json:"id"`
	LocalAETitle  string    `json:"local_ae_title"`
	RemoteAETitle string    `json:"remote_ae_title"`
	RemoteAddr    string    `json:"remote_addr"`
	State         string    `json:"state"`
	Outstanding   int       `json:"outstanding_requests"`
	LastUsed      time.Time `json:"last_used"`
}

// Server accepts associations and serves them with a dispatcher.
type Server struct {
	config          AssociationConfig
	dispatcher      *Dispatcher
	logger          zerolog.Logger
	maxAssociations int

	mu           sync.Mutex
	associations map[string]*Association
	serving      *atomic.Bool
}

// NewServer builds a Server. config.CalledAET is the server's own AE title.
func NewServer(config AssociationConfig, dispatcher *Dispatcher, opts ...ServerOption) *Server {
	s := &Server{
		config:       config,
		dispatcher:   dispatcher,
		logger:       log.Logger,
		associations: make(map[string]*Association),
		serving:      atomic.NewBool(false),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serving reports whether Serve is accepting connections
func (s *Server) Serving() bool { return s.serving.Load() }

// Serve accepts connections from listener until ctx is cancelled or an
// unrecoverable error occurs. Live associations are aborted on return.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if listener == nil {
		return errors.New("dimse: listener is required")
	}
	if s.dispatcher == nil {
		return errors.New("dimse: dispatcher is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	s.serving.Store(true)
	defer s.serving.Store(false)

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Str("ae_title", s.config.CalledAET).
		Msg("DIMSE server listening")

	var (
		wg       sync.WaitGroup
		serveErr error
	)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.logger.Warn().Err(err).Msg("Accept timeout")
				continue
			}
			serveErr = err
			break
		}

		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			s.handleConnection(ctx, c)
		}(conn)
	}

	s.abortAll()
	wg.Wait()

	if serveErr != nil {
		return serveErr
	}
	return ctx.Err()
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	logger := s.logger.With().Str("remote_addr", conn.RemoteAddr().String()).Logger()

	if s.maxAssociations > 0 && s.Count() >= s.maxAssociations {
		logger.Warn().Int("limit", s.maxAssociations).Msg("Association limit reached, rejecting")
		rj := &AssociateRJ{Result: RejectResultTransient, Source: RejectSourceServiceProviderPresentation, Reason: 0x02}
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		if _, err := ReadPDU(conn, maxAssociatePDULength); err == nil {
			_ = WritePDU(conn, PDUAssociateRJ, rj.Encode())
		}
		_ = conn.Close()
		return
	}

	as, err := AcceptAssociation(ctx, conn, s.config, s.dispatcher)
	if err != nil {
		logger.Warn().Err(err).Msg("Association not established")
		return
	}

	s.mu.Lock()
	s.associations[as.ID()] = as
	s.mu.Unlock()

	select {
	case <-as.Done():
	case <-ctx.Done():
		as.Abort()
	}

	s.mu.Lock()
	delete(s.associations, as.ID())
	s.mu.Unlock()
}

func (s *Server) abortAll() {
	s.mu.Lock()
	live := make([]*Association, 0, len(s.associations))
	for _, as := range s.associations {
		live = append(live, as)
	}
	s.mu.Unlock()

	for _, as := range live {
		as.Abort()
	}
}

// Count returns the number of live associations
func (s *Server) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.associations)
}

// Associations lists live associations ordered by id
func (s *Server) Associations() []AssociationInfo {
	s.mu.Lock()
	infos := make([]AssociationInfo, 0, len(s.associations))
	for _, as := range s.associations {
		infos = append(infos, AssociationInfo{
			ID:            as.ID(),
			LocalAETitle:  as.LocalAETitle(),
			RemoteAETitle: as.RemoteAETitle(),
			RemoteAddr:    as.RemoteAddr(),
			State:         as.State(),
			Outstanding:   as.OutstandingRequests(),
			LastUsed:      as.GetLastUsed(),
		})
	}
	s.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}
