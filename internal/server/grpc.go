package server

import (
	"StabilityPool/internal/observability"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "stabilitypool.v1.PoolService"

var errorMarshaler = &runtime.JSONPb{}

type poolServer interface {
	isPoolServer()
}

// GRPCServer wraps the gRPC server and the HTTP gateway mux.
type GRPCServer struct {
	grpcServer    *grpc.Server
	healthServer  *health.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	service       *PoolService
	limiter       *RateLimiter
	healthChecker *observability.HealthChecker
	metrics       *observability.Metrics
	logger        zerolog.Logger
}

// Options configures a GRPCServer. A nil Limiter leaves write routes open.
type Options struct {
	GRPCAddr      string
	HTTPAddr      string
	Limiter       *RateLimiter
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Logger        zerolog.Logger
}

// NewGRPCServer creates a new gRPC server with the pool service registered.
func NewGRPCServer(service *PoolService, opts Options) *GRPCServer {
	s := &GRPCServer{
		grpcAddr:      opts.GRPCAddr,
		httpAddr:      opts.HTTPAddr,
		service:       service,
		limiter:       opts.Limiter,
		healthChecker: opts.HealthChecker,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
	}

	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(s.metricsInterceptor))
	s.grpcServer.RegisterService(&PoolServiceDesc, service)

	s.healthServer = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.healthServer)
	s.healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return s
}

// SetServing flips the gRPC health status once recovery is done.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", st)
	s.healthServer.SetServingStatus(ServiceName, st)
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway serves the JSON routes (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler returns the HTTP handler: health endpoints plus the gateway mux.
func (s *GRPCServer) Handler() http.Handler {
	mux := runtime.NewServeMux()
	s.registerRoutes(mux)

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"status":"ok"}`)
		})
	}
	httpMux.Handle("/", mux)
	return httpMux
}

// ============================================================================
// gRPC service descriptor
// ============================================================================

// commandMethods names the command RPCs; each RPC is named after the event
// type it submits.
var commandMethods = []struct {
	eventType string
	path      string
}{
	{"Deposit", "/v1/pool/deposit"},
	{"Unlock", "/v1/pool/unlock"},
	{"WithdrawUnlocked", "/v1/pool/withdraw"},
	{"Checkpoint", "/v1/pool/checkpoint"},
	{"Liquidate", "/v1/pool/liquidate"},
	{"ClaimPayout", "/v1/pool/payout/claim"},
	{"RegisterRewardStream", "/v1/rewards/streams"},
	{"NotifyReward", "/v1/rewards/notify"},
	{"ClaimReward", "/v1/rewards/claim"},
}

// PoolServiceDesc is the descriptor for stabilitypool.v1.PoolService. Clients
// call it with the "json" content-subtype.
var PoolServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*poolServer)(nil),
	Methods:     poolMethods(),
	Streams:     []grpc.StreamDesc{},
	Metadata:    "stabilitypool/v1/pool",
}

func poolMethods() []grpc.MethodDesc {
	methods := []grpc.MethodDesc{
		unary("GetPool", (*PoolService).GetPool),
		unary("GetDepositor", (*PoolService).GetDepositor),
		unary("GetClaimable", (*PoolService).GetClaimable),
		unary("GetLiquidations", (*PoolService).GetLiquidations),
		unary("GetPoolHistory", (*PoolService).GetPoolHistory),
		unary("GetJournalHistory", (*PoolService).GetJournalHistory),
		unary("GetAccounts", (*PoolService).GetAccounts),
		unary("TakeSnapshot", (*PoolService).TakeSnapshot),
		unary("SetOracle", (*PoolService).SetOracle),
		unary("GetOracle", (*PoolService).GetOracle),
		unary("VerifyIntegrity", (*PoolService).VerifyIntegrity),
		unary("RebuildProjections", (*PoolService).RebuildProjections),
	}
	for _, m := range commandMethods {
		eventType := mustEventType(m.eventType)
		methods = append(methods, unary(m.eventType,
			func(s *PoolService, ctx context.Context, in *CommandRequest) (*ReceiptResponse, error) {
				return s.Submit(ctx, eventType, *in)
			}))
	}
	return methods
}

// unary builds a method descriptor the way protoc-gen-go-grpc would.
func unary[Req, Resp any](name string, call func(*PoolService, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			svc := srv.(*PoolService)
			handler := func(ctx context.Context, req any) (any, error) {
				resp, err := call(svc, ctx, req.(*Req))
				if err != nil {
					return nil, err
				}
				return resp, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}, handler)
		},
	}
}

func (s *GRPCServer) metricsInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.observe(info.FullMethod, start, err)
	return resp, err
}

func (s *GRPCServer) observe(endpoint string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		code := status.Code(err).String()
		s.metrics.QueryRequests.WithLabelValues(endpoint, "error").Inc()
		s.metrics.QueryErrors.WithLabelValues(endpoint, code).Inc()
		return
	}
	s.metrics.QueryRequests.WithLabelValues(endpoint, "ok").Inc()
}

// ============================================================================
// HTTP gateway routes
// ============================================================================

func (s *GRPCServer) registerRoutes(mux *runtime.ServeMux) {
	write := func(route string, h runtime.HandlerFunc) runtime.HandlerFunc {
		if s.limiter == nil {
			return h
		}
		return s.limiter.Wrap(mux, route, h)
	}
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}

	for _, m := range commandMethods {
		eventType := mustEventType(m.eventType)
		must(mux.HandlePath(http.MethodPost, m.path, write(m.path, route(s, mux, m.path, bodyOf[CommandRequest],
			func(ctx context.Context, in *CommandRequest) (*ReceiptResponse, error) {
				return s.service.Submit(ctx, eventType, *in)
			}))))
	}

	must(mux.HandlePath(http.MethodGet, "/v1/pool", route(s, mux, "/v1/pool", none, s.service.GetPool)))
	must(mux.HandlePath(http.MethodGet, "/v1/accounts", route(s, mux, "/v1/accounts", none, s.service.GetAccounts)))
	must(mux.HandlePath(http.MethodGet, "/v1/depositors/{user_id}",
		route(s, mux, "/v1/depositors", depositorRequest, s.service.GetDepositor)))
	must(mux.HandlePath(http.MethodGet, "/v1/depositors/{user_id}/claimable/{token}",
		route(s, mux, "/v1/depositors/claimable", claimableRequest, s.service.GetClaimable)))
	must(mux.HandlePath(http.MethodGet, "/v1/liquidations",
		route(s, mux, "/v1/liquidations", liquidationsRequest, s.service.GetLiquidations)))
	must(mux.HandlePath(http.MethodGet, "/v1/history/pool",
		route(s, mux, "/v1/history/pool", historyRequest, s.service.GetPoolHistory)))
	must(mux.HandlePath(http.MethodGet, "/v1/history/journal",
		route(s, mux, "/v1/history/journal", historyRequest, s.service.GetJournalHistory)))

	must(mux.HandlePath(http.MethodPost, "/v1/admin/snapshot",
		write("/v1/admin/snapshot", route(s, mux, "/v1/admin/snapshot", none, s.service.TakeSnapshot))))
	must(mux.HandlePath(http.MethodGet, "/v1/admin/oracle",
		route(s, mux, "/v1/admin/oracle", none, s.service.GetOracle)))
	must(mux.HandlePath(http.MethodPost, "/v1/admin/oracle",
		write("/v1/admin/oracle", route(s, mux, "/v1/admin/oracle", bodyOf[OracleRequest], s.service.SetOracle))))
	must(mux.HandlePath(http.MethodGet, "/v1/admin/integrity",
		route(s, mux, "/v1/admin/integrity", none, s.service.VerifyIntegrity)))
	must(mux.HandlePath(http.MethodPost, "/v1/admin/rebuild",
		write("/v1/admin/rebuild", route(s, mux, "/v1/admin/rebuild", none, s.service.RebuildProjections))))
}

// route adapts a service method to a gateway handler. Errors are rendered by
// the gateway's error handler, so HTTP status codes follow the gRPC codes.
func route[Req, Resp any](
	s *GRPCServer,
	mux *runtime.ServeMux,
	endpoint string,
	decode func(*http.Request, map[string]string) (*Req, error),
	call func(context.Context, *Req) (*Resp, error),
) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		in, err := decode(r, params)
		if err == nil {
			var resp *Resp
			if resp, err = call(r.Context(), in); err == nil {
				s.observe(endpoint, start, nil)
				w.Header().Set("Content-Type", "application/json")
				if encErr := json.NewEncoder(w).Encode(resp); encErr != nil {
					s.logger.Warn().Err(encErr).Str("endpoint", endpoint).Msg("write response failed")
				}
				return
			}
		}
		s.observe(endpoint, start, err)
		runtime.HTTPError(r.Context(), mux, errorMarshaler, w, r, err)
	}
}

const maxBodyBytes = 1 << 20

func bodyOf[Req any](r *http.Request, _ map[string]string) (*Req, error) {
	in := new(Req)
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode body: %v", err)
	}
	return in, nil
}

func none(_ *http.Request, _ map[string]string) (*Empty, error) {
	return &Empty{}, nil
}

func depositorRequest(r *http.Request, params map[string]string) (*DepositorRequest, error) {
	at, err := queryInt(r, "at")
	if err != nil {
		return nil, err
	}
	return &DepositorRequest{UserID: params["user_id"], At: at}, nil
}

func claimableRequest(r *http.Request, params map[string]string) (*ClaimableRequest, error) {
	at, err := queryInt(r, "at")
	if err != nil {
		return nil, err
	}
	return &ClaimableRequest{UserID: params["user_id"], Token: params["token"], At: at}, nil
}

func liquidationsRequest(r *http.Request, _ map[string]string) (*LiquidationsRequest, error) {
	before, err := queryInt(r, "before")
	if err != nil {
		return nil, err
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		return nil, err
	}
	return &LiquidationsRequest{
		Recent: r.URL.Query().Get("source") == "recent",
		Before: before,
		Limit:  int(limit),
	}, nil
}

func historyRequest(r *http.Request, _ map[string]string) (*HistoryRequest, error) {
	before, err := queryInt(r, "before")
	if err != nil {
		return nil, err
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		return nil, err
	}
	return &HistoryRequest{Account: r.URL.Query().Get("account"), Before: before, Limit: int(limit)}, nil
}

func queryInt(r *http.Request, key string) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "%s: %v", key, err)
	}
	return v, nil
}
