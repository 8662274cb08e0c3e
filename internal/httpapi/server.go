// Package httpapi serves the administrative REST surface next to the websocket hub.
package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/park285/cheese-match/internal/board"
	"github.com/park285/cheese-match/internal/domain"
	"github.com/park285/cheese-match/internal/match"
	"github.com/park285/cheese-match/internal/msgcat"
	"github.com/park285/cheese-match/internal/obslog"
)

// Service is the coordinator surface the API exposes.
type Service interface {
	RegisterUser(ctx context.Context, name string) (*domain.User, error)
	User(ctx context.Context, id string) (*domain.User, error)
	CreateSession(ctx context.Context, firstPlayerID string) (*domain.Game, error)
	Game(ctx context.Context, sessionID string) (*domain.Game, error)
	ListWaiting(ctx context.Context, limit int) ([]*domain.Game, error)
	Replay(ctx context.Context, sessionID string) (match.ReplayResult, error)
}

type BoardRenderer interface {
	RenderPNG(ctx context.Context, fen string, opts board.Options) ([]byte, error)
}

type Options struct {
	Catalog        *msgcat.Catalog
	Health         func(ctx context.Context) error
	RequestTimeout time.Duration
}

type Server struct {
	svc     Service
	boards  BoardRenderer
	catalog *msgcat.Catalog
	health  func(ctx context.Context) error
	timeout time.Duration
	srv     *fasthttp.Server
}

const defaultListLimit = 50

func NewServer(svc Service, boards BoardRenderer, opts Options) *Server {
	if opts.Catalog == nil {
		opts.Catalog = msgcat.MustDefault()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	s := &Server{
		svc:     svc,
		boards:  boards,
		catalog: opts.Catalog,
		health:  opts.Health,
		timeout: opts.RequestTimeout,
	}
	s.srv = &fasthttp.Server{
		Handler:            s.Handler(),
		Name:               "cheese-match",
		ReadTimeout:        10 * time.Second,
		WriteTimeout:       10 * time.Second,
		MaxRequestBodySize: 64 << 10,
	}
	return s
}

func (s *Server) ListenAndServe(addr string) error { return s.srv.ListenAndServe(addr) }

func (s *Server) Serve(ln net.Listener) error { return s.srv.Serve(ln) }

func (s *Server) Shutdown(ctx context.Context) error { return s.srv.ShutdownWithContext(ctx) }

// Handler routes requests and logs one api_request line per call.
func (s *Server) Handler() fasthttp.RequestHandler {
	return func(rc *fasthttp.RequestCtx) {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		s.route(ctx, rc)

		obslog.L().Info("api_request",
			zap.String("method", string(rc.Method())),
			zap.String("path", string(rc.Path())),
			zap.Int("status", rc.Response.StatusCode()),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
}

func (s *Server) route(ctx context.Context, rc *fasthttp.RequestCtx) {
	parts := strings.Split(strings.Trim(string(rc.Path()), "/"), "/")
	method := string(rc.Method())

	switch {
	case len(parts) == 1 && parts[0] == "healthz" && method == fasthttp.MethodGet:
		s.handleHealth(ctx, rc)
	case len(parts) == 1 && parts[0] == "users" && method == fasthttp.MethodPost:
		s.handleCreateUser(ctx, rc)
	case len(parts) == 2 && parts[0] == "users" && method == fasthttp.MethodGet:
		s.handleGetUser(ctx, rc, parts[1])
	case len(parts) == 1 && parts[0] == "games" && method == fasthttp.MethodPost:
		s.handleCreateGame(ctx, rc)
	case len(parts) == 1 && parts[0] == "games" && method == fasthttp.MethodGet:
		s.handleListGames(ctx, rc)
	case len(parts) == 2 && parts[0] == "games" && method == fasthttp.MethodGet:
		s.handleGetGame(ctx, rc, parts[1])
	case len(parts) == 3 && parts[0] == "games" && parts[2] == "board.png" && method == fasthttp.MethodGet:
		s.handleBoard(ctx, rc, parts[1])
	case len(parts) == 3 && parts[0] == "games" && parts[2] == "replay" && method == fasthttp.MethodGet:
		s.handleReplay(ctx, rc, parts[1])
	default:
		writeProblem(rc, fasthttp.StatusNotFound, "not_found", "no such route")
	}
}

func (s *Server) handleHealth(ctx context.Context, rc *fasthttp.RequestCtx) {
	if s.health != nil {
		if err := s.health(ctx); err != nil {
			obslog.L().Warn("api_health_fail", zap.Error(err))
			writeJSON(rc, fasthttp.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(rc, fasthttp.StatusOK, map[string]string{"status": "ok"})
}

type createUserRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateUser(ctx context.Context, rc *fasthttp.RequestCtx) {
	var req createUserRequest
	if err := json.Unmarshal(rc.PostBody(), &req); err != nil || strings.TrimSpace(req.Name) == "" {
		s.writeBadRequest(rc)
		return
	}
	u, err := s.svc.RegisterUser(ctx, req.Name)
	if err != nil {
		s.writeError(rc, err)
		return
	}
	writeJSON(rc, fasthttp.StatusCreated, u)
}

func (s *Server) handleGetUser(ctx context.Context, rc *fasthttp.RequestCtx, id string) {
	u, err := s.svc.User(ctx, id)
	if err != nil {
		s.writeError(rc, err)
		return
	}
	writeJSON(rc, fasthttp.StatusOK, u)
}

type createGameRequest struct {
	PlayerID string `json:"playerId"`
}

func (s *Server) handleCreateGame(ctx context.Context, rc *fasthttp.RequestCtx) {
	var req createGameRequest
	if err := json.Unmarshal(rc.PostBody(), &req); err != nil || strings.TrimSpace(req.PlayerID) == "" {
		s.writeBadRequest(rc)
		return
	}
	g, err := s.svc.CreateSession(ctx, req.PlayerID)
	if err != nil {
		s.writeError(rc, err)
		return
	}
	writeJSON(rc, fasthttp.StatusCreated, g)
}

func (s *Server) handleListGames(ctx context.Context, rc *fasthttp.RequestCtx) {
	args := rc.QueryArgs()
	if status := string(args.Peek("status")); status != "" && domain.Status(strings.ToUpper(status)) != domain.StatusWaiting {
		s.writeBadRequest(rc)
		return
	}
	limit := defaultListLimit
	if raw := string(args.Peek("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeBadRequest(rc)
			return
		}
		limit = n
	}
	games, err := s.svc.ListWaiting(ctx, limit)
	if err != nil {
		s.writeError(rc, err)
		return
	}
	if games == nil {
		games = []*domain.Game{}
	}
	writeJSON(rc, fasthttp.StatusOK, map[string]any{"games": games})
}

func (s *Server) handleGetGame(ctx context.Context, rc *fasthttp.RequestCtx, id string) {
	g, err := s.svc.Game(ctx, id)
	if err != nil {
		s.writeError(rc, err)
		return
	}
	writeJSON(rc, fasthttp.StatusOK, g)
}

func (s *Server) handleBoard(ctx context.Context, rc *fasthttp.RequestCtx, id string) {
	g, err := s.svc.Game(ctx, id)
	if err != nil {
		s.writeError(rc, err)
		return
	}
	opts := board.Options{Flip: rc.QueryArgs().GetBool("flip")}
	if last := g.LastMoveUCI(); len(last) >= 4 {
		opts.Highlight = &board.Highlight{From: last[0:2], To: last[2:4]}
	}
	png, err := s.boards.RenderPNG(ctx, g.Position, opts)
	if err != nil {
		obslog.L().Error("api_board_render_error", zap.String("game_id", id), zap.Error(err))
		writeProblem(rc, fasthttp.StatusInternalServerError, "render_failed", "could not render board")
		return
	}
	rc.SetStatusCode(fasthttp.StatusOK)
	rc.SetContentType("image/png")
	rc.Response.Header.Set("Cache-Control", "no-store")
	rc.SetBody(png)
}

func (s *Server) handleReplay(ctx context.Context, rc *fasthttp.RequestCtx, id string) {
	res, err := s.svc.Replay(ctx, id)
	if err != nil {
		s.writeError(rc, err)
		return
	}
	writeJSON(rc, fasthttp.StatusOK, ReplayStatus{
		Stored:     res.Stored,
		Replayed:   res.Replayed,
		Plies:      res.Plies,
		Consistent: res.Consistent(),
	})
}

// StatusFor maps an error kind onto an HTTP status.
func StatusFor(k match.Kind) int {
	switch k {
	case match.KindNotFound:
		return fasthttp.StatusNotFound
	case match.KindConflict:
		return fasthttp.StatusConflict
	case match.KindInvalidState:
		return fasthttp.StatusUnprocessableEntity
	case match.KindForbidden:
		return fasthttp.StatusForbidden
	case match.KindInvalidMove:
		return fasthttp.StatusBadRequest
	default:
		return fasthttp.StatusServiceUnavailable
	}
}

func (s *Server) writeError(rc *fasthttp.RequestCtx, err error) {
	me := match.AsError(err)
	if me.Kind == match.KindUnavailable {
		obslog.L().Error("api_request_error", zap.String("path", string(rc.Path())), zap.Error(err))
	}
	msg := s.catalog.RenderOr("error."+me.Code, me.Data, me.Msg)
	writeProblem(rc, StatusFor(me.Kind), me.Code, msg)
}

func (s *Server) writeBadRequest(rc *fasthttp.RequestCtx) {
	writeProblem(rc, fasthttp.StatusBadRequest, "bad_request", s.catalog.RenderOr("error.bad_request", nil, "malformed request"))
}

type problem struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeProblem(rc *fasthttp.RequestCtx, status int, code, message string) {
	writeJSON(rc, status, map[string]problem{"error": {Code: code, Message: message}})
}

func writeJSON(rc *fasthttp.RequestCtx, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		status = fasthttp.StatusInternalServerError
		body = []byte(`{"error":{"code":"encode_failed","message":"could not encode response"}}`)
	}
	rc.SetStatusCode(status)
	rc.SetContentType("application/json; charset=utf-8")
	rc.SetBody(body)
}
