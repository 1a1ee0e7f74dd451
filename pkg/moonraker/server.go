// Package moonraker provides a Moonraker-compatible API server in front
// of the host, so Fluidd/Mainsail style frontends can follow a job and
// drive power-loss recovery.
package moonraker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"klipper-powerloss/pkg/errors"
	"klipper-powerloss/pkg/log"
)

// DefaultBroadcastInterval is the status push period.
const DefaultBroadcastInterval = 250 * time.Millisecond

// Server provides a Moonraker-compatible API server.
type Server struct {
	backend Backend
	log     *log.Logger

	mu         sync.Mutex
	httpServer *http.Server
	addr       string
	router     chi.Router
	listener   net.Listener
	interval   time.Duration

	wsUpgrader websocket.Upgrader
	wsClients  map[int64]*WSClient
	wsClientMu sync.RWMutex
	nextWSID   int64

	// clientID -> object -> attributes
	subscriptions map[int64]map[string][]string
	subMu         sync.RWMutex

	historyManager *HistoryManager

	running   atomic.Bool
	startTime time.Time
	stop      chan struct{}
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
}

// Config holds server configuration.
type Config struct {
	// HTTP address to listen on (e.g., ":7125")
	Addr    string
	Backend Backend
	// BroadcastInterval is the status push period; zero uses
	// DefaultBroadcastInterval.
	BroadcastInterval time.Duration
}

// New creates a new Moonraker-compatible server.
func New(cfg Config) *Server {
	if cfg.BroadcastInterval <= 0 {
		cfg.BroadcastInterval = DefaultBroadcastInterval
	}
	s := &Server{
		backend:        cfg.Backend,
		log:            log.GetLogger("moonraker"),
		addr:           cfg.Addr,
		interval:       cfg.BroadcastInterval,
		wsClients:      make(map[int64]*WSClient),
		subscriptions:  make(map[int64]map[string][]string),
		historyManager: NewHistoryManager(),
		startTime:      time.Now(),
		stop:           make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wsUpgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	s.router = s.setupRoutes()
	return s
}

// HistoryManager returns the history manager.
func (s *Server) HistoryManager() *HistoryManager {
	return s.historyManager
}

// Handler returns the HTTP handler of the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)
	r.Use(corsMiddleware)

	r.Post("/jsonrpc", s.handleJSONRPC)
	r.Get("/websocket", s.handleWebSocket)

	r.Get("/server/info", s.restMethod(func(r *http.Request) (any, error) {
		return s.methodServerInfo()
	}))
	r.Get("/printer/info", s.restMethod(func(r *http.Request) (any, error) {
		return s.methodPrinterInfo()
	}))
	r.Get("/printer/objects/list", s.restMethod(func(r *http.Request) (any, error) {
		return s.methodObjectsList()
	}))
	r.Get("/printer/objects/query", s.restMethod(func(r *http.Request) (any, error) {
		return s.methodObjectsQuery(queryObjects(r))
	}))
	r.Post("/printer/objects/query", s.restMethod(func(r *http.Request) (any, error) {
		params, err := decodeParams(r)
		if err != nil {
			return nil, err
		}
		return s.methodObjectsQuery(params)
	}))
	r.Post("/printer/gcode/script", s.restMethod(func(r *http.Request) (any, error) {
		params, err := decodeParams(r)
		if err != nil {
			return nil, err
		}
		if script := r.URL.Query().Get("script"); script != "" {
			params["script"] = script
		}
		return s.methodGCodeScript(r.Context(), params)
	}))

	r.Route("/printer/print", func(r chi.Router) {
		r.Post("/start", s.restMethod(func(r *http.Request) (any, error) {
			return s.methodPrintStart(r.Context(), map[string]any{"filename": r.URL.Query().Get("filename")})
		}))
		r.Post("/pause", s.restMethod(func(r *http.Request) (any, error) {
			return s.methodPrintPause(r.Context())
		}))
		r.Post("/resume", s.restMethod(func(r *http.Request) (any, error) {
			return s.methodPrintResume(r.Context())
		}))
		r.Post("/cancel", s.restMethod(func(r *http.Request) (any, error) {
			return s.methodPrintCancel(r.Context())
		}))
	})
	r.Route("/printer/recovery", func(r chi.Router) {
		r.Post("/restore", s.restMethod(func(r *http.Request) (any, error) {
			return s.methodRecoveryRestore(r.Context())
		}))
		r.Post("/clear", s.restMethod(func(r *http.Request) (any, error) {
			return s.methodRecoveryClear(r.Context())
		}))
		r.Get("/inspect", s.restMethod(func(r *http.Request) (any, error) {
			return s.methodRecoveryInspect(r.Context())
		}))
		r.Post("/refresh_tool", s.restMethod(func(r *http.Request) (any, error) {
			return s.methodRecoveryRefreshTool(r.Context(), map[string]any{"tool": r.URL.Query().Get("tool")})
		}))
	})
	r.Get("/printer/files/list", s.restMethod(func(r *http.Request) (any, error) {
		return s.methodFilesList()
	}))
	r.Get("/server/files/list", s.restMethod(func(r *http.Request) (any, error) {
		return s.methodFilesList()
	}))

	s.historyManager.RegisterRoutes(r)
	return r
}

// Start serves the API until Stop is called.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("moonraker listen: %w", err)
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.listener = ln
	s.mu.Unlock()
	s.running.Store(true)
	s.log.WithField("address", ln.Addr().String()).Info("API server listening")

	go s.statusBroadcastLoop()

	err = srv.Serve(ln)
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("moonraker serve: %w", err)
	}
	return nil
}

// baseContext is cancelled when the server stops.
func (s *Server) baseContext() context.Context {
	return s.ctx
}

// Address returns the bound address once listening.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop closes every client and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.running.Store(false)
	s.stopOnce.Do(func() {
		close(s.stop)
		s.cancel()
	})

	s.wsClientMu.Lock()
	for _, client := range s.wsClients {
		client.Close()
	}
	s.wsClients = make(map[int64]*WSClient)
	s.wsClientMu.Unlock()

	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// JSON-RPC 2.0 structures

type jsonRPCRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	ID      any            `json:"id,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
	ID      any           `json:"id,omitempty"`
}

type jsonRPCError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    *errors.Triple `json:"data,omitempty"`
}

// rpcError converts err to its JSON-RPC form. Host errors carry their
// triple as data.
func rpcError(err error) *jsonRPCError {
	e := &jsonRPCError{Code: -32000, Message: err.Error()}
	if hostErr := errors.As(err, errors.ActionNone); hostErr != nil && hostErr.Code != errors.CodeInternal {
		triple := hostErr.Triple()
		e.Message = hostErr.Message
		e.Data = &triple
	}
	return e
}

func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var req jsonRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, jsonRPCResponse{JSONRPC: "2.0", Error: &jsonRPCError{Code: -32700, Message: "Parse error"}})
		return
	}
	result, err := s.dispatchMethod(r.Context(), req.Method, req.Params, nil)
	if err != nil {
		writeJSON(w, jsonRPCResponse{JSONRPC: "2.0", Error: rpcError(err), ID: req.ID})
		return
	}
	writeJSON(w, jsonRPCResponse{JSONRPC: "2.0", Result: result, ID: req.ID})
}

// dispatchMethod routes a method call to the appropriate handler.
func (s *Server) dispatchMethod(ctx context.Context, method string, params map[string]any, client *WSClient) (any, error) {
	switch method {
	case "server.info":
		return s.methodServerInfo()
	case "printer.info":
		return s.methodPrinterInfo()
	case "printer.objects.list":
		return s.methodObjectsList()
	case "printer.objects.query":
		return s.methodObjectsQuery(params)
	case "printer.objects.subscribe":
		return s.methodObjectsSubscribe(params, client)
	case "printer.gcode.script":
		return s.methodGCodeScript(ctx, params)
	case "printer.print.start":
		return s.methodPrintStart(ctx, params)
	case "printer.print.pause":
		return s.methodPrintPause(ctx)
	case "printer.print.resume":
		return s.methodPrintResume(ctx)
	case "printer.print.cancel":
		return s.methodPrintCancel(ctx)
	case "printer.recovery.restore":
		return s.methodRecoveryRestore(ctx)
	case "printer.recovery.clear":
		return s.methodRecoveryClear(ctx)
	case "printer.recovery.inspect":
		return s.methodRecoveryInspect(ctx)
	case "printer.recovery.refresh_tool":
		return s.methodRecoveryRefreshTool(ctx, params)
	case "server.files.list":
		return s.methodFilesList()
	case "server.connection.identify":
		return s.methodIdentify(params, client)
	default:
		return nil, fmt.Errorf("method not found: %s", method)
	}
}

// Method implementations

func (s *Server) methodServerInfo() (any, error) {
	hostname, _ := os.Hostname()
	s.wsClientMu.RLock()
	clients := len(s.wsClients)
	s.wsClientMu.RUnlock()
	return map[string]any{
		"klippy_connected":       true,
		"klippy_state":           "ready",
		"components":             []string{"klippy_apis", "history", "power_loss_recovery"},
		"failed_components":      []string{},
		"registered_directories": []string{"gcodes"},
		"warnings":               []string{},
		"websocket_count":        clients,
		"api_version":            []int{1, 5, 0},
		"api_version_string":     "1.5.0",
		"hostname":               hostname,
	}, nil
}

func (s *Server) methodPrinterInfo() (any, error) {
	hostname, _ := os.Hostname()
	st := s.backend.Status()
	return map[string]any{
		"state":         "ready",
		"state_message": "Printer is ready",
		"hostname":      hostname,
		"main_state":    string(st.State),
	}, nil
}

func (s *Server) methodObjectsList() (any, error) {
	return map[string]any{"objects": ObjectNames()}, nil
}

// parseObjects reads the "objects" parameter: object name to attribute
// list, null meaning every attribute.
func parseObjects(params map[string]any) (map[string][]string, error) {
	objectsParam, ok := params["objects"]
	if !ok {
		return nil, fmt.Errorf("missing 'objects' parameter")
	}
	objects, ok := objectsParam.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("'objects' must be an object")
	}
	out := make(map[string][]string, len(objects))
	for name, attrsVal := range objects {
		var attrs []string
		if attrList, ok := attrsVal.([]any); ok {
			for _, attr := range attrList {
				if attrStr, ok := attr.(string); ok {
					attrs = append(attrs, attrStr)
				}
			}
		}
		out[name] = attrs
	}
	return out, nil
}

func (s *Server) eventtime() float64 {
	return time.Since(s.startTime).Seconds()
}

func (s *Server) queryStatus(objects map[string][]string) map[string]any {
	st := s.backend.Status()
	result := make(map[string]any)
	for name, attrs := range objects {
		if status := ObjectStatus(st, name, attrs); status != nil {
			result[name] = status
		}
	}
	return result
}

func (s *Server) methodObjectsQuery(params map[string]any) (any, error) {
	objects, err := parseObjects(params)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"eventtime": s.eventtime(),
		"status":    s.queryStatus(objects),
	}, nil
}

func (s *Server) methodObjectsSubscribe(params map[string]any, client *WSClient) (any, error) {
	if client == nil {
		return nil, fmt.Errorf("subscription requires WebSocket connection")
	}
	objects, err := parseObjects(params)
	if err != nil {
		return nil, err
	}
	s.subMu.Lock()
	s.subscriptions[client.id] = objects
	s.subMu.Unlock()
	return s.methodObjectsQuery(params)
}

func stringParam(params map[string]any, key string) string {
	v, _ := params[key].(string)
	return v
}

func (s *Server) methodGCodeScript(ctx context.Context, params map[string]any) (any, error) {
	script := stringParam(params, "script")
	if script == "" {
		return nil, fmt.Errorf("missing 'script' parameter")
	}
	if err := s.backend.Command(ctx, script); err != nil {
		return nil, err
	}
	return "ok", nil
}

func (s *Server) methodPrintStart(ctx context.Context, params map[string]any) (any, error) {
	name := stringParam(params, "filename")
	if name == "" {
		return nil, fmt.Errorf("missing 'filename' parameter")
	}
	if err := s.backend.StartJob(ctx, name); err != nil {
		return nil, err
	}
	return "ok", nil
}

func (s *Server) methodPrintPause(ctx context.Context) (any, error) {
	if err := s.backend.Pause(ctx, "manual"); err != nil {
		return nil, err
	}
	return "ok", nil
}

func (s *Server) methodPrintResume(ctx context.Context) (any, error) {
	if err := s.backend.Resume(ctx, 0); err != nil {
		return nil, err
	}
	return "ok", nil
}

func (s *Server) methodPrintCancel(ctx context.Context) (any, error) {
	if err := s.backend.Cancel(ctx); err != nil {
		return nil, err
	}
	return "ok", nil
}

func (s *Server) methodRecoveryRestore(ctx context.Context) (any, error) {
	if err := s.backend.Restore(ctx); err != nil {
		return nil, err
	}
	return "ok", nil
}

func (s *Server) methodRecoveryClear(ctx context.Context) (any, error) {
	if err := s.backend.ClearRecovery(ctx); err != nil {
		return nil, err
	}
	return "ok", nil
}

func (s *Server) methodRecoveryInspect(ctx context.Context) (any, error) {
	return s.backend.Inspect(ctx)
}

func (s *Server) methodRecoveryRefreshTool(ctx context.Context, params map[string]any) (any, error) {
	tool := stringParam(params, "tool")
	if tool == "" {
		return nil, fmt.Errorf("missing 'tool' parameter")
	}
	if err := s.backend.RefreshTool(ctx, tool); err != nil {
		return nil, err
	}
	return "ok", nil
}

func (s *Server) methodFilesList() (any, error) {
	files, err := s.backend.ListFiles()
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(files))
	for _, f := range files {
		out = append(out, map[string]any{
			"path":     f.Name,
			"size":     f.Size,
			"modified": float64(f.Modified.UnixNano()) / 1e9,
		})
	}
	return out, nil
}

func (s *Server) methodIdentify(params map[string]any, client *WSClient) (any, error) {
	clientName := stringParam(params, "client_name")
	if clientName == "" {
		clientName = "unknown"
	}
	var id int64
	if client != nil {
		id = client.id
	}
	s.log.WithFields(log.Fields{"client": clientName, "connection_id": id}).Info("client identified")
	return map[string]any{"connection_id": id}, nil
}

// REST helpers

func (s *Server) restMethod(fn func(r *http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := fn(r)
		if err != nil {
			writeJSONError(w, err, statusFor(err))
			return
		}
		writeJSON(w, map[string]any{"result": result})
	}
}

// statusFor maps host error codes to HTTP statuses.
func statusFor(err error) int {
	hostErr := errors.As(err, errors.ActionNone)
	switch hostErr.Code {
	case errors.CodeSDBusy, errors.CodeMachineState, errors.CodeClearWhilePrinting, errors.CodeRefreshRejected:
		return http.StatusConflict
	case errors.CodeNoCheckpoint, errors.CodeOpenFile:
		return http.StatusNotFound
	case errors.CodeRestoreFailed, errors.CodeStreamIO:
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

func decodeParams(r *http.Request) (map[string]any, error) {
	params := map[string]any{}
	if r.ContentLength == 0 {
		return params, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	return params, nil
}

// queryObjects reads GET style object queries: ?print_stats&virtual_sdcard=progress,file_path
func queryObjects(r *http.Request) map[string]any {
	objects := map[string]any{}
	for name, values := range r.URL.Query() {
		var attrs []any
		for _, v := range values {
			for _, a := range splitComma(v) {
				attrs = append(attrs, a)
			}
		}
		if len(attrs) == 0 {
			objects[name] = nil
			continue
		}
		objects[name] = attrs
	}
	return map[string]any{"objects": objects}
}

func splitComma(v string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				out = append(out, v[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.WithFields(log.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}

// corsMiddleware allows cross-origin requests from browser frontends.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// JSON response helpers

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func writeJSONError(w http.ResponseWriter, err error, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]any{
		"code":    status,
		"message": err.Error(),
	}
	if hostErr := errors.As(err, errors.ActionNone); hostErr.Code != errors.CodeInternal {
		body["message"] = hostErr.Message
		body["error_code"] = hostErr.Code
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"error": body})
}
