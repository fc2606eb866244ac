package cmd

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/llmgate/llmgate/internal/config"
	"github.com/llmgate/llmgate/internal/llm"
	"github.com/llmgate/llmgate/internal/quota"
	"github.com/llmgate/llmgate/internal/relay"
	"github.com/llmgate/llmgate/internal/store"
	"github.com/llmgate/llmgate/internal/tools"
)

// Quota gate statuses. Deliberately distinguished from generic 4xx so
// clients can tell "out of quota" from "model not allowed".
const (
	statusOutOfQuota      = 459
	statusModelNotAllowed = 428
)

var (
	serveHost string
	servePort int
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Bind host (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Bind port (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the streaming gateway",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Debug && !debug {
		setLogLevel(true)
	}
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	st, err := store.NewStore(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	toolCfg, err := tools.LoadConfig(cfg.Tools.ConfigPath)
	if err != nil {
		return err
	}
	manager := tools.NewManager(toolCfg)
	manager.StartAll(cmd.Context())
	defer manager.StopAll()

	groups := make(map[string]quota.Group, len(cfg.Groups))
	for name, g := range cfg.Groups {
		group := quota.Group{
			TokenLimitType:    quota.LimitType(g.TokenLimitType),
			MonthlyTokenLimit: g.MonthlyTokenLimit,
			ModelType:         quota.ModelPolicy(g.ModelType),
			AllowedModels:     g.AllowedModels,
		}
		if group.TokenLimitType == "" {
			group.TokenLimitType = quota.LimitUnlimited
		}
		if group.ModelType == "" {
			group.ModelType = quota.ModelsAll
		}
		groups[name] = group
	}
	accountant := quota.NewAccountant(st, groups, cfg.Users, "default")

	client := llm.NewClient(time.Duration(cfg.Limits.IdleTimeoutSeconds) * time.Second)
	engine := llm.NewEngine(client, manager, llm.EngineOptions{
		MaxRounds:   cfg.Limits.MaxToolRounds,
		ToolTimeout: time.Duration(cfg.Limits.ToolTimeoutSeconds) * time.Second,
	})

	requireAuth := cfg.Server.AuthToken != "" || !isLoopbackHost(cfg.Server.Host)
	token := cfg.Server.AuthToken
	if requireAuth && token == "" {
		token, err = generateToken()
		if err != nil {
			return fmt.Errorf("generate auth token: %w", err)
		}
		log.Info().Str("token", token).Msg("generated bearer token for this run")
	}

	server := &gateServer{
		cfg:         cfg,
		requireAuth: requireAuth,
		token:       token,
		store:       st,
		accountant:  accountant,
		engine:      engine,
	}

	if err := server.Start(); err != nil {
		return err
	}
	log.Info().
		Str("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)).
		Str("auth", authSummary(requireAuth)).
		Int("providers", len(cfg.Providers)).
		Msg("gateway listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Stop(shutdownCtx)
}

func authSummary(required bool) string {
	if required {
		return "bearer required"
	}
	return "disabled"
}

func isLoopbackHost(host string) bool {
	h := strings.TrimSpace(strings.ToLower(host))
	return h == "127.0.0.1" || h == "localhost" || h == "::1"
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

type gateServer struct {
	cfg         *config.Config
	requireAuth bool
	token       string
	store       *store.Store
	accountant  *quota.Accountant
	engine      *llm.Engine
	server      *http.Server
}

func (s *gateServer) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/stream", s.auth(s.cors(s.handleStream)))
	mux.HandleFunc("/v1/usage", s.auth(s.cors(s.handleUsage)))
	mux.HandleFunc("/v1/conversations", s.auth(s.cors(s.handleConversations)))

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		err := s.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("start server: %w", err)
		}
		return nil
	case <-time.After(50 * time.Millisecond):
		return nil
	}
}

func (s *gateServer) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *gateServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeAPIError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *gateServer) auth(next http.HandlerFunc) http.HandlerFunc {
	if !s.requireAuth {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next(w, r)
			return
		}
		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, prefix) {
			writeAPIError(w, http.StatusUnauthorized, "invalid_api_key", "invalid authentication credentials")
			return
		}
		gotToken := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
		if subtle.ConstantTimeCompare([]byte(gotToken), []byte(s.token)) != 1 {
			writeAPIError(w, http.StatusUnauthorized, "invalid_api_key", "invalid authentication credentials")
			return
		}
		next(w, r)
	}
}

func (s *gateServer) cors(next http.HandlerFunc) http.HandlerFunc {
	allowed := make(map[string]struct{}, len(s.cfg.Server.CORSOrigins))
	allowAll := false
	for _, origin := range s.cfg.Server.CORSOrigins {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		if o == "*" {
			allowAll = true
			continue
		}
		allowed[o] = struct{}{}
	}

	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if _, ok := allowed[origin]; ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Provider, X-Model, X-User-Id, X-Conversation-Id, X-Endpoint")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

// handleStream is the proxy endpoint. The request body is the upstream
// provider's native JSON; routing metadata rides in headers.
func (s *gateServer) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeAPIError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}

	providerName := r.Header.Get("X-Provider")
	providerCfg, ok := s.cfg.Providers[providerName]
	if !ok {
		writeAPIError(w, http.StatusBadRequest, "invalid_request_error", fmt.Sprintf("unknown provider: %q", providerName))
		return
	}

	model := r.Header.Get("X-Model")
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		userID = "anonymous"
	}
	conversationID := r.Header.Get("X-Conversation-Id")

	endpoint := providerCfg.URL
	if override := r.Header.Get("X-Endpoint"); override != "" {
		endpoint = override
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 16*1024*1024))
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	if len(body) == 0 {
		writeAPIError(w, http.StatusBadRequest, "invalid_request_error", "request body is required")
		return
	}

	decision, err := s.accountant.CheckQuota(r.Context(), userID, providerName, model)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	if !decision.ModelPass {
		writeAPIError(w, statusModelNotAllowed, "model_not_allowed", fmt.Sprintf("model %s/%s is not allowed for this user", providerName, model))
		return
	}
	if !decision.TokenPass {
		writeAPIError(w, statusOutOfQuota, "out_of_quota", "monthly token quota exhausted")
		return
	}

	if conversationID != "" {
		if err := s.store.EnsureConversation(r.Context(), conversationID, userID, providerName, model); err != nil {
			writeAPIError(w, http.StatusInternalServerError, "server_error", err.Error())
			return
		}
	}

	recorder, err := relay.NewRecorder(w)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	req := llm.TurnRequest{
		Provider: llm.ProviderRef{
			Name:    providerName,
			Dialect: llm.Dialect(providerCfg.Dialect),
			URL:     endpoint,
			APIKey:  providerCfg.APIKey,
			Headers: providerCfg.Headers,
		},
		Body: body,
	}

	acc, runErr := s.engine.Run(r.Context(), req, recorder)
	if runErr != nil {
		s.reportTurnError(w, recorder, runErr)
		return
	}

	// Terminal completion: persist, account, and append the synthetic
	// message-id event. With no conversation configured the decode still
	// happened but nothing is written and no id event is sent.
	if conversationID != "" {
		msgID, err := s.store.AppendMessage(r.Context(), &store.Message{
			ConversationID: conversationID,
			Role:           "assistant",
			Content:        acc.Text,
			Reasoning:      acc.Reasoning,
			Provider:       providerName,
			Model:          model,
			Usage:          acc.Usage,
			Invocations:    acc.Invocations,
		})
		if err != nil {
			log.Error().Err(err).Str("conversation", conversationID).Msg("persist assistant message failed")
		} else {
			if err := recorder.WriteMessageID(msgID); err != nil {
				log.Warn().Err(err).Msg("write message id event failed")
			}
		}
	}

	if err := s.accountant.RecordUsage(r.Context(), userID, providerName, model, conversationID, acc.Usage); err != nil {
		log.Error().Err(err).Str("user", userID).Msg("record usage failed")
	}
}

// reportTurnError surfaces a turn failure once, as its specific category.
// Before the first relayed byte it is a plain HTTP error; after that the
// stream gets a terminal error frame and whatever partial answer was relayed
// stays with the client.
func (s *gateServer) reportTurnError(w http.ResponseWriter, recorder *relay.Recorder, err error) {
	status, code := classifyTurnError(err)
	log.Warn().Err(err).Str("category", code).Msg("turn failed")
	if recorder.Started() {
		if werr := recorder.WriteError(code, err.Error()); werr != nil {
			log.Debug().Err(werr).Msg("write error frame failed")
		}
		return
	}
	writeAPIError(w, status, code, err.Error())
}

func classifyTurnError(err error) (int, string) {
	var timeoutErr *llm.TimeoutError
	var upstreamErr *llm.UpstreamError
	var loopErr *llm.ToolLoopExceededError
	switch {
	case errors.Is(err, llm.ErrInvalidCredential):
		return http.StatusUnauthorized, "invalid_credential"
	case errors.Is(err, llm.ErrOverQuota):
		return http.StatusTooManyRequests, "over_quota"
	case errors.As(err, &timeoutErr):
		return http.StatusGatewayTimeout, "timeout"
	case errors.As(err, &loopErr):
		return http.StatusBadGateway, "tool_loop_exceeded"
	case errors.As(err, &upstreamErr):
		return http.StatusBadGateway, "upstream_error"
	case errors.Is(err, context.Canceled):
		return 499, "cancelled"
	default:
		return http.StatusBadGateway, "upstream_error"
	}
}

// handleUsage returns the caller's recent per-day usage aggregates.
func (s *gateServer) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeAPIError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		userID = "anonymous"
	}
	reports, err := s.store.GetUsageReports(r.Context(), userID, 31)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	rows := make([]map[string]any, 0, len(reports))
	for _, rep := range reports {
		rows = append(rows, map[string]any{
			"date":          rep.Date,
			"provider":      rep.Provider,
			"model":         rep.Model,
			"input_tokens":  rep.InputTokens,
			"output_tokens": rep.OutputTokens,
			"total_tokens":  rep.TotalTokens,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": rows})
}

// handleConversations lists the caller's conversations.
func (s *gateServer) handleConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeAPIError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		userID = "anonymous"
	}
	conversations, err := s.store.ListConversations(r.Context(), userID, 50)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	rows := make([]map[string]any, 0, len(conversations))
	for _, c := range conversations {
		rows = append(rows, map[string]any{
			"id":            c.ID,
			"provider":      c.Provider,
			"model":         c.Model,
			"created_at":    c.CreatedAt,
			"updated_at":    c.UpdatedAt,
			"input_tokens":  c.InputTokens,
			"output_tokens": c.OutputTokens,
			"total_tokens":  c.TotalTokens,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": rows})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"type":    code,
			"message": message,
		},
	})
}
