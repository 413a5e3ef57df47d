// Package api is the node's HTTP operations surface: counters and the
// remote text command interpreter.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"go.uber.org/zap"
)

const (
	apiName    = "meshnode"
	apiVersion = "1.0.0"

	EPStats = "/stats"
	EPCLI   = "/cli"
)

// ErrUnsupported is returned by a Backend that has no command interpreter.
var ErrUnsupported = errors.New("api: not supported by this node")

// Backend answers API calls. Implementations must be safe to call from
// HTTP handler goroutines.
type Backend interface {
	Stats(ctx context.Context) (Stats, error)
	Command(ctx context.Context, line string) (string, error)
}

// Stats is the GET /stats body.
type Stats struct {
	Role          string `json:"role" example:"repeater" doc:"node role"`
	Name          string `json:"name" doc:"advert name"`
	PublicKey     string `json:"public_key" doc:"hex X25519 public key"`
	UptimeSecs    uint32 `json:"uptime_secs"`
	PoolFree      int    `json:"pool_free" doc:"packets left in the pool"`
	PoolCapacity  int    `json:"pool_capacity"`
	OutboundQueue int    `json:"outbound_queue"`
	SentFlood     uint32 `json:"sent_flood"`
	SentDirect    uint32 `json:"sent_direct"`
	RecvFlood     uint32 `json:"recv_flood"`
	RecvDirect    uint32 `json:"recv_direct"`
	FullEvents    uint32 `json:"full_events" doc:"times the pool or a queue was exhausted"`
	AirtimeMillis uint64 `json:"airtime_ms"`
	FloodDups     uint32 `json:"flood_dups"`
	DirectDups    uint32 `json:"direct_dups"`

	Bridge *BridgeStats `json:"bridge,omitempty"`
}

type BridgeStats struct {
	Sent     uint32 `json:"sent"`
	Received uint32 `json:"received"`
	Injected uint32 `json:"injected"`
	Rejected uint32 `json:"rejected"`
	Dropped  uint32 `json:"dropped" doc:"datagrams dropped because the inbound buffer was full"`
}

type StatsResp struct {
	Body Stats
}

type CLIReq struct {
	Body struct {
		Command string `json:"command" required:"true" minLength:"1" maxLength:"160" example:"get name" doc:"one command line"`
	}
}

type CLIResp struct {
	Body struct {
		Reply string `json:"reply" doc:"interpreter reply, empty when there is nothing to say"`
	}
}

// Server serves the API over HTTP.
type Server struct {
	api     huma.API
	mux     *http.ServeMux
	http    http.Server
	backend Backend
	log     *zap.Logger
}

func New(b Backend, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{mux: http.NewServeMux(), backend: b, log: log.Named("api")}
	s.api = humago.New(s.mux, huma.DefaultConfig(apiName, apiVersion))
	s.buildEndpoints()
	return s
}

func (s *Server) buildEndpoints() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-stats",
		Method:      http.MethodGet,
		Path:        EPStats,
		Summary:     "Node counters",
	}, func(ctx context.Context, _ *struct{}) (*StatsResp, error) {
		st, err := s.backend.Stats(ctx)
		if err != nil {
			return nil, s.toHTTP(err)
		}
		return &StatsResp{Body: st}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "run-command",
		Method:      http.MethodPost,
		Path:        EPCLI,
		Summary:     "Run one command line with local privileges",
	}, func(ctx context.Context, req *CLIReq) (*CLIResp, error) {
		reply, err := s.backend.Command(ctx, req.Body.Command)
		if err != nil {
			return nil, s.toHTTP(err)
		}
		resp := &CLIResp{}
		resp.Body.Reply = reply
		return resp, nil
	})
}

func (s *Server) toHTTP(err error) error {
	switch {
	case errors.Is(err, ErrUnsupported):
		return huma.Error501NotImplemented(err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return huma.Error503ServiceUnavailable("node busy", err)
	}
	s.log.Warn("request failed", zap.Error(err))
	return huma.Error500InternalServerError("internal error", err)
}

// Handler exposes the routes, for tests and for mounting elsewhere.
func (s *Server) Handler() http.Handler { return s.mux }

// Serve listens on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.http = http.Server{Handler: s.mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.http.Shutdown(shutCtx)
	}()
	s.log.Info("api listening", zap.Stringer("addr", ln.Addr()))
	if err := s.http.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
